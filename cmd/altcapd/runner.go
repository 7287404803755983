package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/basket/altcap/internal/persistence"
	"github.com/basket/altcap/internal/platform"
	"github.com/basket/altcap/internal/vault"
)

// captionParams mirrors the enqueue schema the queue validates against.
type captionParams struct {
	MediaURL        string `json:"media_url"`
	MediaType       string `json:"media_type,omitempty"`
	Language        string `json:"language,omitempty"`
	Style           string `json:"style,omitempty"`
	PostID          string `json:"post_id,omitempty"`
	ExistingCaption string `json:"existing_caption,omitempty"`
}

// jobRunner prepares caption jobs for dispatch: it resolves the owner's
// platform connection, verifies its credentials, and confirms the media
// is reachable. Caption generation proper lives in a separate service;
// this runner records the dispatch-ready result.
type jobRunner struct {
	registry *platform.Registry
	health   *platform.Health
	vault    *vault.Vault
	media    *http.Client
	logger   *slog.Logger
}

func newJobRunner(registry *platform.Registry, health *platform.Health, v *vault.Vault, logger *slog.Logger) *jobRunner {
	return &jobRunner{
		registry: registry,
		health:   health,
		vault:    v,
		media:    &http.Client{Timeout: 30 * time.Second},
		logger:   logger.With("component", "runner"),
	}
}

func (r *jobRunner) Run(ctx context.Context, task *persistence.Task, progress func(percent int, step string)) (string, error) {
	var params captionParams
	if err := json.Unmarshal([]byte(task.Params), &params); err != nil {
		return "", fmt.Errorf("decode task params: %w", err)
	}

	progress(10, "resolving platform connection")
	client, err := r.registry.Client(ctx, task.OwnerUserID, task.PlatformConnectionID, r.vault)
	if err != nil {
		return "", fmt.Errorf("open platform client: %w", err)
	}

	progress(30, "verifying platform credentials")
	if err := client.Ping(ctx); err != nil {
		if herr := r.health.ReportFailure(ctx, task.PlatformConnectionID); herr != nil {
			r.logger.Error("record connection failure", "connection_id", task.PlatformConnectionID, "error", herr)
		}
		return "", fmt.Errorf("verify credentials against %s: %w", client.InstanceURL(), err)
	}
	if err := r.health.ReportSuccess(ctx, task.PlatformConnectionID); err != nil {
		r.logger.Error("record connection success", "connection_id", task.PlatformConnectionID, "error", err)
	}

	progress(60, "checking media availability")
	if err := r.checkMedia(ctx, params.MediaURL); err != nil {
		return "", err
	}

	progress(90, "recording dispatch result")
	result := map[string]any{
		"media_url":     params.MediaURL,
		"platform_type": client.PlatformType(),
		"instance_url":  client.InstanceURL(),
		"language":      params.Language,
		"dispatched_at": time.Now().UTC().Format(time.RFC3339),
	}
	if params.ExistingCaption != "" {
		result["existing_caption"] = params.ExistingCaption
	}
	out, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(out), nil
}

func (r *jobRunner) checkMedia(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return fmt.Errorf("build media request: %w", err)
	}
	resp, err := r.media.Do(req)
	if err != nil {
		return fmt.Errorf("fetch media %s: %w", url, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return errors.New("media not reachable: " + resp.Status)
	}
	return nil
}

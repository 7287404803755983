package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/basket/altcap/internal/persistence"
	"github.com/basket/altcap/internal/session"
	"github.com/basket/altcap/internal/taskqueue"
)

type csrfParams struct {
	CSRFToken string `json:"csrf_token"`
}

// checkCSRF enforces double-submit on mutating methods: the token inside
// the request params must match the one minted into the session.
func (s *Server) checkCSRF(rec session.Record, raw json.RawMessage) *rpcError {
	var p csrfParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return &rpcError{Code: ErrCodeParse, Message: "malformed params"}
		}
	}
	if p.CSRFToken == "" || p.CSRFToken != rec.CSRFToken {
		return &rpcError{Code: ErrCodeCSRF, Message: "csrf token mismatch"}
	}
	return nil
}

type sessionView struct {
	ID                   string    `json:"id"`
	UserID               string    `json:"user_id"`
	PlatformConnectionID string    `json:"platform_connection_id,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	LastActivity         time.Time `json:"last_activity"`
	Version              int64     `json:"version"`
	Admin                bool      `json:"admin"`
}

type connectionView struct {
	ID           string `json:"id"`
	PlatformType string `json:"platform_type"`
	InstanceURL  string `json:"instance_url"`
	IsActive     bool   `json:"is_active"`
	IsDefault    bool   `json:"is_default"`
	FailureCount int    `json:"failure_count"`
}

func viewSession(rec session.Record, admin bool) sessionView {
	return sessionView{
		ID:                   rec.ID,
		UserID:               rec.UserID,
		PlatformConnectionID: rec.PlatformConnectionID,
		CreatedAt:            rec.CreatedAt,
		LastActivity:         rec.LastActivity,
		Version:              rec.Version,
		Admin:                admin,
	}
}

func viewConnection(conn persistence.PlatformConnection) connectionView {
	return connectionView{
		ID:           conn.ID,
		PlatformType: conn.PlatformType,
		InstanceURL:  conn.InstanceURL,
		IsActive:     conn.IsActive,
		IsDefault:    conn.IsDefault,
		FailureCount: conn.FailureCount,
	}
}

func (s *Server) dispatch(ctx context.Context, c *client, rec session.Record, req rpcRequest) (any, *rpcError) {
	actor := taskqueue.Actor{UserID: rec.UserID, Admin: c.admin}

	switch req.Method {
	case "session.get":
		if err := s.cfg.Sessions.Touch(ctx, rec.ID); err != nil {
			return nil, mapError(err)
		}
		return viewSession(rec, c.admin), nil

	case "session.destroy":
		if err := s.cfg.Sessions.Destroy(ctx, rec.ID); err != nil {
			return nil, mapError(err)
		}
		return map[string]any{"success": true}, nil

	case "platform.list":
		conns, err := s.cfg.Store.ListConnections(ctx, rec.UserID)
		if err != nil {
			return nil, mapError(err)
		}
		views := make([]connectionView, 0, len(conns))
		for _, conn := range conns {
			views = append(views, viewConnection(conn))
		}
		return map[string]any{"connections": views}, nil

	case "platform.switch":
		var p struct {
			csrfParams
			PlatformConnectionID string `json:"platform_connection_id"`
		}
		if rpcErr := decodeParams(req.Params, &p); rpcErr != nil {
			return nil, rpcErr
		}
		updated, err := s.cfg.Platform.Switch(ctx, rec.ID, c.fingerprint, p.PlatformConnectionID)
		if err != nil {
			return nil, mapError(err)
		}
		return map[string]any{"success": true, "session": viewSession(updated, c.admin)}, nil

	case "task.enqueue":
		var p struct {
			csrfParams
			PlatformConnectionID string          `json:"platform_connection_id,omitempty"`
			Params               json.RawMessage `json:"params"`
			Priority             int             `json:"priority,omitempty"`
			LimitOverride        bool            `json:"limit_override,omitempty"`
		}
		if rpcErr := decodeParams(req.Params, &p); rpcErr != nil {
			return nil, rpcErr
		}
		connID := p.PlatformConnectionID
		if connID == "" {
			connID = rec.PlatformConnectionID
		}
		if connID != "" && connID != rec.PlatformConnectionID {
			// Enqueueing onto a connection other than the session's
			// current one still requires ownership.
			if err := s.cfg.Registry.VerifyOwnedActive(ctx, rec.UserID, connID); err != nil {
				return nil, mapError(err)
			}
		}
		task, err := s.cfg.Queue.Enqueue(ctx, actor, connID, string(p.Params), p.Priority, p.LimitOverride)
		if err != nil {
			return nil, mapError(err)
		}
		return map[string]any{"success": true, "task": task}, nil

	case "task.get":
		var p struct {
			TaskID string `json:"task_id"`
		}
		if rpcErr := decodeParams(req.Params, &p); rpcErr != nil {
			return nil, rpcErr
		}
		task, err := s.cfg.Queue.Get(ctx, actor, p.TaskID)
		if err != nil {
			return nil, mapError(err)
		}
		return map[string]any{"task": task}, nil

	case "task.list":
		var p struct {
			PlatformConnectionID string `json:"platform_connection_id,omitempty"`
		}
		if rpcErr := decodeParams(req.Params, &p); rpcErr != nil {
			return nil, rpcErr
		}
		connID := p.PlatformConnectionID
		if connID == "" {
			connID = rec.PlatformConnectionID
		}
		tasks, err := s.cfg.Queue.List(ctx, actor, connID)
		if err != nil {
			return nil, mapError(err)
		}
		return map[string]any{"tasks": tasks}, nil

	case "task.list_active":
		tasks, err := s.cfg.Queue.ListActive(ctx, actor)
		if err != nil {
			return nil, mapError(err)
		}
		return map[string]any{"tasks": tasks}, nil

	case "task.events":
		var p struct {
			TaskID string `json:"task_id"`
		}
		if rpcErr := decodeParams(req.Params, &p); rpcErr != nil {
			return nil, rpcErr
		}
		events, err := s.cfg.Queue.Events(ctx, actor, p.TaskID)
		if err != nil {
			return nil, mapError(err)
		}
		return map[string]any{"events": events}, nil

	case "task.cancel":
		var p struct {
			csrfParams
			TaskID string `json:"task_id"`
		}
		if rpcErr := decodeParams(req.Params, &p); rpcErr != nil {
			return nil, rpcErr
		}
		task, err := s.cfg.Queue.Cancel(ctx, actor, p.TaskID)
		if err != nil {
			return nil, mapError(err)
		}
		return map[string]any{"success": true, "task": task}, nil

	case "task.restart":
		var p struct {
			csrfParams
			TaskID string `json:"task_id"`
		}
		if rpcErr := decodeParams(req.Params, &p); rpcErr != nil {
			return nil, rpcErr
		}
		task, err := s.cfg.Queue.Restart(ctx, actor, p.TaskID)
		if err != nil {
			return nil, mapError(err)
		}
		return map[string]any{"success": true, "task": task}, nil

	case "task.set_priority":
		var p struct {
			csrfParams
			TaskID   string `json:"task_id"`
			Priority int    `json:"priority"`
		}
		if rpcErr := decodeParams(req.Params, &p); rpcErr != nil {
			return nil, rpcErr
		}
		task, err := s.cfg.Queue.SetPriority(ctx, actor, p.TaskID, p.Priority)
		if err != nil {
			return nil, mapError(err)
		}
		return map[string]any{"success": true, "task": task}, nil

	case "task.set_notes":
		var p struct {
			csrfParams
			TaskID string `json:"task_id"`
			Notes  string `json:"notes"`
		}
		if rpcErr := decodeParams(req.Params, &p); rpcErr != nil {
			return nil, rpcErr
		}
		task, err := s.cfg.Queue.SetNotes(ctx, actor, p.TaskID, p.Notes)
		if err != nil {
			return nil, mapError(err)
		}
		return map[string]any{"success": true, "task": task}, nil

	case "state.pull":
		return s.statePull(ctx, c, rec, actor)

	case "events.subscribe":
		s.startForwarding(c, rec)
		return map[string]any{"success": true, "scopes": subscriptionScopes(rec, c.admin)}, nil

	default:
		return nil, &rpcError{Code: ErrCodeMethodNotFound, Message: "unknown method: " + req.Method}
	}
}

// statePull returns the full snapshot a reconnecting dashboard needs to
// reconcile after missed events: session, connections, and the tasks
// visible through the session's bound platform.
func (s *Server) statePull(ctx context.Context, c *client, rec session.Record, actor taskqueue.Actor) (any, *rpcError) {
	conns, err := s.cfg.Store.ListConnections(ctx, rec.UserID)
	if err != nil {
		return nil, mapError(err)
	}
	views := make([]connectionView, 0, len(conns))
	for _, conn := range conns {
		views = append(views, viewConnection(conn))
	}

	tasks := []persistence.Task{}
	if rec.PlatformConnectionID != "" {
		tasks, err = s.cfg.Queue.List(ctx, actor, rec.PlatformConnectionID)
		if err != nil {
			return nil, mapError(err)
		}
	}
	return map[string]any{
		"session":     viewSession(rec, c.admin),
		"connections": views,
		"tasks":       tasks,
	}, nil
}

func decodeParams(raw json.RawMessage, dst any) *rpcError {
	if len(raw) == 0 {
		return &rpcError{Code: ErrCodeInvalidRequest, Message: "missing params"}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &rpcError{Code: ErrCodeParse, Message: "malformed params"}
	}
	return nil
}

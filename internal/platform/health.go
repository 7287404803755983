package platform

import (
	"context"
	"log/slog"

	"github.com/basket/altcap/internal/bus"
	"github.com/basket/altcap/internal/persistence"
)

const defaultFailureThreshold = 5

// Health tracks connection failures. A connection that fails repeatedly
// is deactivated rather than retried forever; the owner and the admin
// stream both hear about it.
type Health struct {
	store     *persistence.Store
	bus       *bus.Bus
	threshold int
	logger    *slog.Logger
}

// NewHealth builds the failure tracker. A threshold <= 0 selects the
// default.
func NewHealth(store *persistence.Store, b *bus.Bus, threshold int, logger *slog.Logger) *Health {
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Health{
		store:     store,
		bus:       b,
		threshold: threshold,
		logger:    logger.With("component", "platform_health"),
	}
}

// ReportFailure records one failed call against the connection. Crossing
// the threshold deactivates it.
func (h *Health) ReportFailure(ctx context.Context, connectionID string) error {
	count, deactivated, err := h.store.RecordConnectionFailure(ctx, connectionID, h.threshold)
	if err != nil {
		return err
	}
	if !deactivated {
		h.logger.Debug("connection failure recorded", "connection_id", connectionID, "failure_count", count)
		return nil
	}

	h.logger.Warn("connection deactivated after repeated failures",
		"connection_id", connectionID, "failure_count", count)

	conn, err := h.store.GetConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	if h.bus != nil {
		payload := bus.SessionEventPayload{
			UserID:     conn.UserID,
			PlatformID: conn.ID,
		}
		h.bus.Publish(bus.UserScope(conn.UserID), bus.KindConnectionDisabled, payload)
		h.bus.Publish(bus.ScopeAdmin, bus.KindConnectionDisabled, payload)
	}
	return nil
}

// ReportSuccess clears the failure counter after a healthy call.
func (h *Health) ReportSuccess(ctx context.Context, connectionID string) error {
	return h.store.RecordConnectionSuccess(ctx, connectionID)
}

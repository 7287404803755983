package gateway

import (
	"context"
	"time"

	"github.com/coder/websocket"

	"github.com/basket/altcap/internal/bus"
	"github.com/basket/altcap/internal/session"
)

const missedCheckInterval = 5 * time.Second

func subscriptionScopes(rec session.Record, admin bool) []string {
	scopes := []string{bus.UserScope(rec.UserID)}
	if admin {
		scopes = append(scopes, bus.ScopeAdmin)
	}
	return scopes
}

// startForwarding subscribes the client to its scopes and pushes bus
// events as JSON-RPC notifications. Subscribing twice replaces the
// previous subscription.
func (s *Server) startForwarding(c *client, rec session.Record) {
	c.stopForwarding()

	sub := s.cfg.Bus.Subscribe(subscriptionScopes(rec, c.admin)...)
	ctx, cancel := context.WithCancel(context.Background())

	c.subMu.Lock()
	c.busSub = sub
	c.busCancel = cancel
	c.subMu.Unlock()

	go s.forwardBusEvents(ctx, c, sub)
}

func (c *client) stopForwarding() {
	c.subMu.Lock()
	cancel := c.busCancel
	c.busCancel = nil
	c.busSub = nil
	c.subMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// forwardBusEvents pushes events until the subscription is torn down. A
// client too slow to drain its buffer first gets a missed_events signal
// so it can reconcile via state.pull; a client too slow to even accept
// writes gets disconnected rather than stalling the publisher side.
func (s *Server) forwardBusEvents(ctx context.Context, c *client, sub *bus.Subscription) {
	defer s.cfg.Bus.Unsubscribe(sub)

	ticker := time.NewTicker(missedCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			note := rpcResponse{
				JSONRPC: "2.0",
				Method:  "event",
				Params: map[string]any{
					"scope":     ev.Scope,
					"kind":      ev.Kind,
					"payload":   ev.Payload,
					"timestamp": ev.Timestamp,
				},
			}
			if err := c.write(ctx, note); err != nil {
				s.logger.Warn("client write stalled, disconnecting",
					"session_id", c.sessionID, "error", err)
				_ = c.conn.Close(websocket.StatusPolicyViolation, "backpressure")
				return
			}
		case <-ticker.C:
			if missed := sub.Missed(); missed > 0 {
				if s.cfg.Metrics != nil {
					s.cfg.Metrics.BusDropped.Add(ctx, missed)
				}
				note := rpcResponse{
					JSONRPC: "2.0",
					Method:  "system.missed_events",
					Params:  map[string]any{"missed": missed},
				}
				if err := c.write(ctx, note); err != nil {
					_ = c.conn.Close(websocket.StatusPolicyViolation, "backpressure")
					return
				}
			}
		}
	}
}

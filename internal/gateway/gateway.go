// Package gateway exposes the session, platform, and task surfaces over
// a JSON-RPC WebSocket plus a small HTTP API for login and health.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/altcap/internal/audit"
	"github.com/basket/altcap/internal/bus"
	altotel "github.com/basket/altcap/internal/otel"
	"github.com/basket/altcap/internal/persistence"
	"github.com/basket/altcap/internal/platform"
	"github.com/basket/altcap/internal/session"
	"github.com/basket/altcap/internal/shared"
	"github.com/basket/altcap/internal/taskqueue"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInternal       = -32603

	// Stable app error taxonomy.
	ErrCodeInvalid        = 1000
	ErrCodeUnauthorized   = 4010
	ErrCodeSessionExpired = 4011
	ErrCodeCSRF           = 4012
	ErrCodeForbidden      = 4030
	ErrCodeViolation      = 4031
	ErrCodeNotFound       = 4040
	ErrCodeConflict       = 4090
	ErrCodeBadTransition  = 4091
	ErrCodeLimit          = 4290
	ErrCodeUnavailable    = 5030
	ErrCodeAuditGap       = 5070
)

// SessionCookie is the browser cookie carrying the opaque session id.
const SessionCookie = "altcap_session"

// Config holds the gateway dependencies.
type Config struct {
	Sessions *session.Manager
	Platform *platform.Context
	Registry *platform.Registry
	Queue    *taskqueue.Queue
	Bus      *bus.Bus
	Store    *persistence.Store
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Metrics  *altotel.Metrics

	// Authenticate verifies login credentials for /api/auth/login.
	Authenticate Authenticator

	// IsAdmin decides whether a user gets the admin surface and the
	// admin event scope.
	IsAdmin func(userID string) bool

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string

	// SecureCookies marks session cookies Secure; disable only for
	// plain-HTTP development setups.
	SecureCookies bool
}

// Server is the WebSocket gateway.
type Server struct {
	cfg    Config
	logger *slog.Logger

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex

	// Session identity resolved at accept time.
	sessionID   string
	fingerprint string
	admin       bool

	subMu     sync.Mutex
	busSub    *bus.Subscription
	busCancel context.CancelFunc
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	Method  string    `json:"method,omitempty"`
	Params  any       `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// New creates the gateway server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		clients: map[*client]struct{}{},
	}
}

// Handler returns the HTTP mux: WebSocket, auth, and health endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/auth/logout", s.handleLogout)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	ctx := context.Background()
	dbOK := true
	if _, err := s.cfg.Store.ListActiveTasks(ctx, "nobody"); err != nil {
		dbOK = false
	}
	s.clientsMu.RLock()
	connected := len(s.clients)
	s.clientsMu.RUnlock()
	payload := map[string]any{
		"healthy": dbOK,
		"db_ok":   dbOK,
		"clients": connected,
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	rec, fingerprint, err := s.resolveSession(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket
		// library; cross-origin needs an explicit pattern.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{
		conn:        conn,
		sessionID:   rec.ID,
		fingerprint: fingerprint,
		admin:       s.isAdmin(rec.UserID),
	}
	s.addClient(c)
	s.logger.Info("client connected", "session_id", rec.ID, "user_id", rec.UserID, "admin", c.admin)
	defer func() {
		s.removeClient(c)
		c.stopForwarding()
		s.logger.Info("client disconnecting", "session_id", rec.ID)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var req rpcRequest
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			return
		}
		resp := s.handleRPC(r.Context(), c, req)
		if resp == nil {
			continue
		}
		if err := c.write(r.Context(), resp); err != nil {
			s.logger.Error("write response", "method", req.Method, "error", err)
			return
		}
	}
}

func (s *Server) isAdmin(userID string) bool {
	return s.cfg.IsAdmin != nil && s.cfg.IsAdmin(userID)
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, c.conn, payload)
}

func isMutatingMethod(method string) bool {
	switch method {
	case "session.destroy", "platform.switch",
		"task.enqueue", "task.cancel", "task.restart",
		"task.set_priority", "task.set_notes":
		return true
	default:
		return false
	}
}

func isAdminMethod(method string) bool {
	switch method {
	case "task.set_priority", "task.set_notes", "task.list_active":
		return true
	default:
		return false
	}
}

func (s *Server) handleRPC(ctx context.Context, c *client, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !hasID {
			return nil
		}
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid JSON-RPC request"}}
	}

	// Every call re-validates the session; a destroyed or expired
	// session kills the connection's authority immediately.
	rec, err := s.cfg.Sessions.Load(ctx, c.sessionID)
	if err != nil {
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: mapError(err)}
	}
	if isAdminMethod(req.Method) && !c.admin {
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: ErrCodeForbidden, Message: "admin only"}}
	}
	if isMutatingMethod(req.Method) {
		if rpcErr := s.checkCSRF(rec, req.Params); rpcErr != nil {
			return &rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
		}
	}

	if s.cfg.Tracer != nil {
		var span trace.Span
		ctx, span = altotel.StartServerSpan(ctx, s.cfg.Tracer, "rpc."+req.Method,
			altotel.AttrSessionID.String(rec.ID), altotel.AttrUserID.String(rec.UserID))
		defer span.End()
	}

	result, rpcErr := s.dispatch(ctx, c, rec, req)
	if rpcErr != nil {
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	}
	if !hasID {
		return nil
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func mapError(err error) *rpcError {
	msg := shared.Redact(err.Error())
	switch {
	case errors.Is(err, session.ErrSessionExpired), errors.Is(err, session.ErrSessionNotFound):
		return &rpcError{Code: ErrCodeSessionExpired, Message: "session expired"}
	case errors.Is(err, session.ErrSessionSecurityViolation):
		return &rpcError{Code: ErrCodeViolation, Message: "session security violation"}
	case errors.Is(err, session.ErrVersionConflict):
		return &rpcError{Code: ErrCodeConflict, Message: "session version conflict"}
	case errors.Is(err, session.ErrStoreUnavailable):
		return &rpcError{Code: ErrCodeUnavailable, Message: "session store unavailable"}
	case errors.Is(err, audit.ErrAuditWriteFailed):
		return &rpcError{Code: ErrCodeAuditGap, Message: "audit write failed"}
	case errors.Is(err, persistence.ErrTaskNotFound), errors.Is(err, persistence.ErrConnectionNotFound):
		return &rpcError{Code: ErrCodeNotFound, Message: msg}
	case errors.Is(err, persistence.ErrInvalidStateTransition):
		return &rpcError{Code: ErrCodeBadTransition, Message: msg}
	case errors.Is(err, persistence.ErrConcurrencyLimitExceeded):
		return &rpcError{Code: ErrCodeLimit, Message: "concurrency limit exceeded"}
	case errors.Is(err, taskqueue.ErrNotAuthorized):
		return &rpcError{Code: ErrCodeForbidden, Message: msg}
	case errors.Is(err, taskqueue.ErrInvalidParams), errors.Is(err, platform.ErrInvalidPlatformContext):
		return &rpcError{Code: ErrCodeInvalid, Message: msg}
	default:
		return &rpcError{Code: ErrCodeInternal, Message: msg}
	}
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false
	}
	return generic, true
}

// Package api implements the Tally HTTP API.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/netutil"

	"github.com/nugget/tally/internal/agent"
	"github.com/nugget/tally/internal/auth"
	"github.com/nugget/tally/internal/buildinfo"
	"github.com/nugget/tally/internal/connwatch"
	"github.com/nugget/tally/internal/conversation"
	"github.com/nugget/tally/internal/events"
	"github.com/nugget/tally/internal/turn"
	"github.com/nugget/tally/internal/usage"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// TurnHandler runs one conversational turn.
type TurnHandler interface {
	HandleTurn(ctx context.Context, req turn.Request) (*turn.Result, error)
}

// ConversationReader lists conversations and their messages.
type ConversationReader interface {
	ListConversations(ctx context.Context, ownerID string, limit int) ([]conversation.Summary, error)
	History(ctx context.Context, conversationID int64, ownerID string, limit int) ([]conversation.Message, error)
}

// UsageReader summarizes recorded token usage.
type UsageReader interface {
	Summary(ctx context.Context, ownerID string, start, end time.Time) (*usage.Summary, error)
	SummaryByModel(ctx context.Context, ownerID string, start, end time.Time) (map[string]*usage.Summary, error)
}

// HealthReporter reports completion provider reachability.
type HealthReporter interface {
	Status() map[string]connwatch.Status
	Healthy() bool
}

// Config holds listener settings.
type Config struct {
	Address        string
	Port           int
	MaxConnections int // 0 = unlimited
}

// Deps are the collaborators the server exposes over HTTP. Usage and
// Events may be nil, in which case their endpoints are not registered.
// Health may be nil, in which case /health only reports liveness.
type Deps struct {
	Turns         TurnHandler
	Conversations ConversationReader
	Usage         UsageReader
	Events        *events.Bus
	Health        HealthReporter
	Auth          auth.Authenticator
}

// Server is the HTTP API server.
type Server struct {
	cfg      Config
	deps     Deps
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
	now      func() time.Time

	// closing is closed by Shutdown so hijacked WebSocket connections,
	// which http.Server.Shutdown does not track, also end.
	closing   chan struct{}
	closeOnce sync.Once
}

// NewServer creates a server. Call Start to begin listening, or use
// Handler directly.
func NewServer(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Auth == nil {
		deps.Auth = auth.Chain{}
	}
	return &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.With("component", "api"),
		now:     time.Now,
		closing: make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Handler returns the routed, logged HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	authed := auth.Middleware(s.deps.Auth, func(w http.ResponseWriter, r *http.Request, err error) {
		s.logger.Debug("authentication failed", "path", r.URL.Path, "error", err)
		s.writeError(w, err)
	})
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authed(h))
	}

	handle("POST /v1/chat", s.handleChat)
	handle("GET /v1/conversations", s.handleConversationList)
	handle("GET /v1/conversations/{id}/messages", s.handleConversationMessages)
	if s.deps.Usage != nil {
		handle("GET /v1/usage", s.handleUsage)
	}
	if s.deps.Events != nil {
		handle("GET /v1/events", s.handleEvents)
	}

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests and blocks until the server stops.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port)
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("starting API server",
		"address", ln.Addr().String(),
		"max_connections", s.cfg.MaxConnections,
	)
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack passes through to the underlying writer for WebSocket upgrades.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

// handleHealth answers 200 while every checked provider is reachable
// and 503 otherwise. Turns cannot succeed without the engine.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
		return
	}
	status := "healthy"
	if !s.deps.Health.Healthy() {
		status = "degraded"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, map[string]any{
		"status":    status,
		"providers": s.deps.Health.Status(),
	}, s.logger)
}

// Error codes returned in failure bodies.
const (
	CodeInvalidRequest     = "invalid_request"
	CodeUnauthorized       = "unauthorized"
	CodeForbidden          = "forbidden"
	CodeNotFound           = "not_found"
	CodeServiceUnavailable = "service_unavailable"
	CodeIterationBudget    = "iteration_budget_exceeded"
	CodeTimeout            = "timeout"
	CodeInternal           = "internal"
)

// errInvalidRequest marks malformed request bodies and parameters.
var errInvalidRequest = errors.New("invalid request")

// statusFor maps an error to its HTTP status and error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errInvalidRequest), errors.Is(err, turn.ErrInvalidInput):
		return http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized, CodeUnauthorized
	case errors.Is(err, conversation.ErrOwnership):
		return http.StatusForbidden, CodeForbidden
	case errors.Is(err, conversation.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, turn.ErrTimeout):
		return http.StatusGatewayTimeout, CodeTimeout
	case errors.Is(err, agent.ErrServiceUnavailable):
		return http.StatusServiceUnavailable, CodeServiceUnavailable
	case errors.Is(err, agent.ErrIterationBudgetExceeded):
		return http.StatusBadGateway, CodeIterationBudget
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// errorMessage is the client-facing text for err. Internal failures are
// not described to the caller.
func errorMessage(status int, err error) string {
	switch status {
	case http.StatusInternalServerError:
		return "internal error"
	case http.StatusServiceUnavailable:
		return "the assistant is temporarily unavailable, please try again"
	case http.StatusBadGateway:
		return "the assistant could not finish this request"
	case http.StatusGatewayTimeout:
		return "the request took too long, please try again"
	case http.StatusUnauthorized:
		return "authentication required"
	}
	return err.Error()
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", status, "code", code, "error", err)
	}
	var body errorBody
	body.Error.Code = code
	body.Error.Message = errorMessage(status, err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("failed to write error response", "error", err)
	}
}

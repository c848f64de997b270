// Package api provides the HTTP status and control API
package api

import (
	"context"
	"encoding/json"
	stderr "errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/switchyard/switchyard/internal/adapter"
	"github.com/switchyard/switchyard/internal/orchestrator"
	"github.com/switchyard/switchyard/internal/router"
	"github.com/switchyard/switchyard/pkg/errors"
	"github.com/switchyard/switchyard/pkg/status"
	"github.com/switchyard/switchyard/pkg/utils"
)

// Backend is the part of the orchestrator the API exposes.
type Backend interface {
	Ready() bool
	Status(pendingLimit int) orchestrator.Status
	Adapter(name string) (orchestrator.AdapterStatus, bool)
	Enable(name string) error
	Disable(name string) error
	ResetBreakers() []string
	Route(ctx context.Context, req *adapter.Request) router.Outcome
	Subscribe(buffer int) (<-chan status.Event, func())
	Events(limit int) []status.Event
}

// Server serves the status and control API
type Server struct {
	httpServer *http.Server
	backend    Backend
	metrics    http.Handler
	config     ServerConfig
	logger     *slog.Logger

	closing   chan struct{}
	closeOnce sync.Once
}

// ServerConfig configures the API server
type ServerConfig struct {
	// Address to bind the server to (e.g., "localhost:8080")
	Address string `yaml:"address" json:"address"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout is the maximum duration for writing the response. It must
	// exceed the router deadline or slow routes are cut off.
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// EnableCORS enables Cross-Origin Resource Sharing
	EnableCORS bool `yaml:"enable_cors" json:"enable_cors"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "localhost:8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
		EnableCORS:   false,
	}
}

const (
	shutdownTimeout   = 5 * time.Second
	defaultEventLimit = 50
	eventBuffer       = 64
	wsWriteTimeout    = 5 * time.Second
	wsPingInterval    = 30 * time.Second
	maxRouteBody      = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewServer creates an API server. metrics may be nil, in which case /metrics
// is not served.
func NewServer(config ServerConfig, backend Backend, metrics http.Handler, logger *slog.Logger) *Server {
	s := &Server{
		backend: backend,
		metrics: metrics,
		config:  config,
		logger:  utils.OrDiscard(logger).With("component", "api"),
		closing: make(chan struct{}),
	}

	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      s.routes(),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)
	if s.config.EnableCORS {
		r.Use(corsMiddleware)
	}

	r.Get("/healthz", s.handleLiveness)
	r.Get("/readyz", s.handleReadiness)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Route("/adapters", func(r chi.Router) {
			r.Get("/", s.handleAdapters)
			r.Get("/{name}", s.handleAdapter)
			r.Post("/{name}/enable", s.handleToggle(true))
			r.Post("/{name}/disable", s.handleToggle(false))
		})
		r.Post("/breakers/reset", s.handleResetBreakers)
		r.Post("/route", s.handleRoute)
		r.Get("/events", s.handleEvents)
	})
	return r
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is canceled, then shuts the server down.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server listening", "address", s.config.Address)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if stderr.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, errors.ErrCodeInternalError, "API server failed").
			WithComponent("api").WithDetail("address", s.config.Address)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown gracefully shuts down the server and closes event streams.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	s.closeOnce.Do(func() { close(s.closing) })
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"alive":     true,
		"timestamp": time.Now(),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ready := s.backend.Ready()
	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	respondJSON(w, statusCode, map[string]interface{}{
		"ready":     ready,
		"timestamp": time.Now(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.backend.Status(queryInt(r, "pending", 0)))
}

func (s *Server) handleAdapters(w http.ResponseWriter, r *http.Request) {
	adapters := s.backend.Status(0).Adapters
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"adapters": adapters,
		"count":    len(adapters),
	})
}

func (s *Server) handleAdapter(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	a, ok := s.backend.Adapter(name)
	if !ok {
		respondError(w, http.StatusNotFound, "adapter not registered: "+name)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (s *Server) handleToggle(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		toggle := s.backend.Disable
		if enable {
			toggle = s.backend.Enable
		}
		if err := toggle(name); err != nil {
			respondFailure(w, err)
			return
		}
		a, _ := s.backend.Adapter(name)
		respondJSON(w, http.StatusOK, a)
	}
}

func (s *Server) handleResetBreakers(w http.ResponseWriter, r *http.Request) {
	reset := s.backend.ResetBreakers()
	if reset == nil {
		reset = []string{}
	}
	respondJSON(w, http.StatusOK, map[string][]string{"reset": reset})
}

// routeRequest is the JSON form of a request to route. The payload is taken
// as text.
type routeRequest struct {
	CorrelationID string            `json:"correlation_id"`
	Payload       string            `json:"payload"`
	Tags          []string          `json:"tags"`
	Hint          string            `json:"hint"`
	Metadata      map[string]string `json:"metadata"`
}

type routeResponse struct {
	router.Outcome
	Payload string `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var body routeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRouteBody)).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid route request: "+err.Error())
		return
	}

	out := s.backend.Route(r.Context(), &adapter.Request{
		CorrelationID: body.CorrelationID,
		Payload:       []byte(body.Payload),
		Tags:          body.Tags,
		Hint:          body.Hint,
		Metadata:      body.Metadata,
	})

	resp := routeResponse{Outcome: out, Error: out.Error(), Code: string(errors.CodeOf(out.Err))}
	if out.Response != nil {
		resp.Payload = string(out.Response.Payload)
	}

	statusCode := http.StatusOK
	switch out.Disposition {
	case router.AcceptedForRetry:
		statusCode = http.StatusAccepted
	case router.Failed:
		statusCode = errors.GetDefaultHTTPStatus(errors.CodeOf(out.Err))
	}
	respondJSON(w, statusCode, resp)
}

// handleEvents returns recent events, or streams new ones when the request is
// a websocket upgrade.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		events := s.backend.Events(queryInt(r, "limit", defaultEventLimit))
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"events": events,
			"count":  len(events),
		})
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	events, cancel := s.backend.Subscribe(eventBuffer)
	defer cancel()

	// the read loop only notices the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	s.logger.Debug("event stream opened", "remote", r.RemoteAddr)
	for {
		select {
		case <-gone:
			s.logger.Debug("event stream closed by client", "remote", r.RemoteAddr)
			return
		case <-s.closing:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteTimeout))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case e, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("API request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Helpers

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now(),
	})
}

func respondFailure(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	respondJSON(w, errors.GetDefaultHTTPStatus(code), map[string]interface{}{
		"error":     err.Error(),
		"code":      code,
		"timestamp": time.Now(),
	})
}

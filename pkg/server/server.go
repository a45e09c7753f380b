// Package server is the HTTP adapter around the runner: discover and execute
// endpoints plus health, status and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/speedrun-hq/dca-executor/pkg/discovery"
	"github.com/speedrun-hq/dca-executor/pkg/eligibility"
	"github.com/speedrun-hq/dca-executor/pkg/logger"
	"github.com/speedrun-hq/dca-executor/pkg/queue"
	"github.com/speedrun-hq/dca-executor/pkg/runner"
)

const (
	defaultDiscoverTimeout = 30 * time.Second
	maxBodyBytes           = 1 << 20
	shutdownTimeout        = 10 * time.Second
)

// Runner is what the server exposes
type Runner interface {
	Discover(ctx context.Context, opts discovery.DiscoverOptions) (*discovery.Result, error)
	Execute(ctx context.Context, req runner.ExecuteRequest) (*runner.ExecuteResult, error)
	Status() runner.Status
	ResetCircuit() bool
}

// Pinger reports whether the ledger endpoint is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config configures the server
type Config struct {
	Port string
	// APIKey protects everything except /health and /ready when set
	APIKey string
	// ExecuteTimeout bounds one /execute call; it should exceed the batch deadline
	ExecuteTimeout  time.Duration
	DiscoverTimeout time.Duration
	AllowedOrigins  []string
}

// DiscoverRequest is the body of POST /discover
type DiscoverRequest struct {
	Limit   int                 `json:"limit,omitempty"`
	Cursor  string              `json:"cursor,omitempty"`
	Filters eligibility.Filters `json:"filters"`
}

type errorResponse struct {
	Error  string                `json:"error"`
	Result *runner.ExecuteResult `json:"result,omitempty"`
}

// Server is the HTTP adapter
type Server struct {
	cfg    Config
	runner Runner
	pinger Pinger
	router *mux.Router
	logger logger.Logger
}

// New creates a server. pinger may be nil.
func New(cfg Config, r Runner, pinger Pinger, log logger.Logger) *Server {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	if cfg.DiscoverTimeout <= 0 {
		cfg.DiscoverTimeout = defaultDiscoverTimeout
	}
	if cfg.ExecuteTimeout <= 0 {
		cfg.ExecuteTimeout = queue.DefaultBatchTimeout + 5*time.Second
	}
	s := &Server{
		cfg:    cfg,
		runner: r,
		pinger: pinger,
		router: mux.NewRouter(),
		logger: log.With("component", "server"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)

	api := s.router.NewRoute().Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/discover", s.handleDiscover).Methods(http.MethodPost)
	api.HandleFunc("/execute", s.handleExecute).Methods(http.MethodPost)
	api.HandleFunc("/circuit/reset", s.handleCircuitReset).Methods(http.MethodPost)
	api.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

// Handler returns the root handler with CORS applied
func (s *Server) Handler() http.Handler {
	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server on port %s", s.cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("Stopping HTTP server")
	return srv.Shutdown(shutdownCtx)
}

// authMiddleware checks the bearer token when an API key is configured
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "missing Authorization header")
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.writeError(w, http.StatusUnauthorized, "invalid Authorization header format")
			return
		}
		if parts[1] != s.cfg.APIKey {
			s.writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(fmt.Sprintf("ledger unreachable: %v", err)))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Ready"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.runner.Status())
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	var req DiscoverRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Limit < 0 {
		s.writeError(w, http.StatusBadRequest, "limit must not be negative")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.DiscoverTimeout)
	defer cancel()

	res, err := s.runner.Discover(ctx, discovery.DiscoverOptions{Limit: req.Limit, Cursor: req.Cursor, Filters: req.Filters})
	if err != nil {
		s.logger.Error("Discovery failed: %v", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	req := runner.ExecuteRequest{ReturnPartial: true}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Limit < 0 {
		s.writeError(w, http.StatusBadRequest, "limit must not be negative")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ExecuteTimeout)
	defer cancel()

	res, err := s.runner.Execute(ctx, req)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, res)
	case errors.Is(err, runner.ErrBatchInProgress):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, runner.ErrClosed):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, queue.ErrShutdown):
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error(), Result: res})
	case errors.Is(err, queue.ErrBatchTimeout), errors.Is(err, context.DeadlineExceeded):
		s.writeJSON(w, http.StatusGatewayTimeout, errorResponse{Error: err.Error(), Result: res})
	default:
		s.logger.Error("Execute failed: %v", err)
		s.writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error(), Result: res})
	}
}

func (s *Server) handleCircuitReset(w http.ResponseWriter, r *http.Request) {
	if !s.runner.ResetCircuit() {
		s.writeError(w, http.StatusNotFound, "no circuit breaker configured")
		return
	}
	s.logger.Notice("Aggregator circuit breaker reset via API")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Circuit breaker reset"))
}

// decodeBody accepts an empty body and keeps the defaults already set in v
func decodeBody(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Error encoding JSON response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

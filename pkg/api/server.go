package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/moatlabs/moat/pkg/contracts"
	"github.com/moatlabs/moat/pkg/observability"
	"github.com/moatlabs/moat/pkg/store"
)

// Default server settings.
const (
	DefaultAddr          = ":8080"
	DefaultRateRPS       = 50
	DefaultRateBurst     = 100
	DefaultMaxBodyBytes  = 1 << 20
	DefaultShutdownGrace = 10 * time.Second
)

// Executor runs one governed call. *pipeline.Pipeline satisfies it.
type Executor interface {
	Execute(ctx context.Context, req *contracts.ExecuteRequest) (*contracts.ExecuteResult, error)
}

// Config holds the transport settings.
type Config struct {
	Addr          string
	RateRPS       int
	RateBurst     int
	MaxBodyBytes  int64
	ShutdownGrace time.Duration
	// Version is reported by /healthz.
	Version string
}

// Deps are the collaborators behind the endpoints.
type Deps struct {
	Executor Executor
	Stats    store.StatsStore
	Auth     TokenVerifier
	// Tracing decorates requests with spans when set.
	Tracing *observability.Provider
	Logger  *slog.Logger
}

// Server is the HTTP transport for the gateway.
type Server struct {
	cfg     Config
	exec    Executor
	stats   store.StatsStore
	auth    TokenVerifier
	tracing *observability.Provider
	log     *slog.Logger
	limiter *GlobalRateLimiter
}

// NewServer validates deps and builds the transport.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	switch {
	case deps.Executor == nil:
		return nil, errors.New("api: executor is required")
	case deps.Stats == nil:
		return nil, errors.New("api: stats store is required")
	case deps.Auth == nil:
		return nil, errors.New("api: token verifier is required")
	}

	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.RateRPS <= 0 {
		cfg.RateRPS = DefaultRateRPS
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = DefaultRateBurst
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}

	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Server{
		cfg:     cfg,
		exec:    deps.Executor,
		stats:   deps.Stats,
		auth:    deps.Auth,
		tracing: deps.Tracing,
		log:     log.With("component", "api"),
		limiter: NewGlobalRateLimiter(cfg.RateRPS, cfg.RateBurst),
	}, nil
}

// Handler assembles the route table and middleware chain. Health is
// served outside the auth gate.
func (s *Server) Handler() http.Handler {
	authed := BearerAuth(s.auth)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("POST /v1/execute", authed(http.HandlerFunc(s.handleExecute)))
	mux.Handle("GET /v1/capabilities/{id}/stats", authed(http.HandlerFunc(s.handleStats)))

	var h http.Handler = mux
	h = s.limiter.Middleware(h)
	h = RequestLogger(s.log)(h)
	h = RequestID(h)
	return h
}

// ListenAndServe runs the server until ctx is canceled, then drains
// in-flight requests for the configured grace period.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	s.log.Info("listening", "addr", s.cfg.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down", "grace", s.cfg.ShutdownGrace)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Error("drain incomplete, closing", "error", err)
		return srv.Close()
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"version": s.cfg.Version,
	})
}

// Package server exposes the OpenAI-compatible HTTP boundary of the
// gateway: chat completions (JSON or SSE), model listing, health probes,
// and the Prometheus /metrics endpoint.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/pearl-project/pearl/internal/health"
	"github.com/pearl-project/pearl/internal/observe"
	"github.com/pearl-project/pearl/internal/pipeline"
	"github.com/pearl-project/pearl/internal/router"
	"github.com/pearl-project/pearl/internal/usage"
	"github.com/pearl-project/pearl/pkg/backend"
)

const (
	defaultAddr            = ":8080"
	defaultReadTimeout     = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second

	// Streamed responses stay open for the model's full generation, so the
	// server write timeout must cover slow completions.
	defaultWriteTimeout = 5 * time.Minute
)

// Config carries the server wiring. Pipeline and Backends are required;
// everything else has a sensible zero value.
type Config struct {
	// Addr is the listen address, host:port. Default ":8080".
	Addr string

	// APIKeys is the set of accepted shared-secret keys. Empty disables
	// inbound auth.
	APIKeys []string

	// AuthHeader is the header carrying the inbound key. Default "x-api-key".
	AuthHeader string

	// Version is reported by /v1/health.
	Version string

	// TLSCertFile and TLSKeyFile enable TLS when both are set.
	TLSCertFile string
	TLSKeyFile  string

	Pipeline *pipeline.Pipeline
	Backends *backend.Registry
	Accounts *router.Registry
	UsageLog usage.Log
	Metrics  *observe.Metrics

	// Checkers are evaluated by /readyz and /v1/health in addition to the
	// built-in ones.
	Checkers []health.Checker
}

// Server is the HTTP front of the gateway.
type Server struct {
	cfg      Config
	pipeline *pipeline.Pipeline
	backends *backend.Registry
	accounts *router.Registry
	usageLog usage.Log
	metrics  *observe.Metrics
	health   *health.Handler
	httpSrv  *http.Server
}

// New creates a Server from cfg.
func New(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.AuthHeader == "" {
		cfg.AuthHeader = defaultAuthHeader
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	s := &Server{
		cfg:      cfg,
		pipeline: cfg.Pipeline,
		backends: cfg.Backends,
		accounts: cfg.Accounts,
		usageLog: cfg.UsageLog,
		metrics:  cfg.Metrics,
		health:   health.New(cfg.Checkers...),
	}
	s.httpSrv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
	}
	return s
}

// Handler assembles the route table with observability middleware applied.
// Health and metrics endpoints bypass inbound auth.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /v1/chat/completions", s.authenticate(http.HandlerFunc(s.handleChatCompletions)))
	mux.Handle("GET /v1/models", s.authenticate(http.HandlerFunc(s.handleModels)))
	mux.Handle("GET /v1/usage", s.authenticate(http.HandlerFunc(s.handleUsage)))

	mux.HandleFunc("GET /v1/health", s.handleHealth)
	s.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return observe.Middleware(s.metrics)(mux)
}

// Start runs the listener until ctx is cancelled, then drains in-flight
// requests within the shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		useTLS := s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != ""
		slog.Info("http server listening", "addr", s.httpSrv.Addr, "tls", useTLS)
		var err error
		if useTLS {
			err = s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		} else {
			err = s.httpSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(sctx); err != nil {
		return err
	}
	return <-errCh
}

// healthResponse is the /v1/health body.
type healthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// handleHealth reports overall gateway health: the configured checkers plus
// a probe of every registered backend provider. Probes run concurrently so a
// slow dependency does not serialize the rest.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = make(map[string]string)
		ok     = true
	)
	record := func(name, result string, healthy bool) {
		mu.Lock()
		checks[name] = result
		if !healthy {
			ok = false
		}
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(r.Context())
	for _, c := range s.cfg.Checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, 5*time.Second)
			defer cancel()
			if err := c.Check(cctx); err != nil {
				record(c.Name, "fail: "+err.Error(), false)
			} else {
				record(c.Name, "ok", true)
			}
			return nil
		})
	}

	if s.backends != nil {
		for _, name := range s.backends.Providers() {
			adapter, err := s.backends.Adapter(name)
			if err != nil {
				continue
			}
			g.Go(func() error {
				cctx, cancel := context.WithTimeout(gctx, 5*time.Second)
				defer cancel()
				if adapter.Health(cctx) {
					record("backend:"+name, "ok", true)
				} else {
					record("backend:"+name, "fail", false)
				}
				return nil
			})
		}
	}
	g.Wait()

	resp := healthResponse{Status: "healthy", Version: s.cfg.Version, Checks: checks}
	status := http.StatusOK
	if !ok {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/minerlex/internal/capability"
	"github.com/loqalabs/minerlex/internal/config"
	"github.com/loqalabs/minerlex/internal/input"
	"github.com/loqalabs/minerlex/internal/language"
	"github.com/loqalabs/minerlex/internal/pipeline"
)

// TurnRunner is the part of *pipeline.Orchestrator the HTTP surface needs.
type TurnRunner interface {
	Run(ctx context.Context, req input.Request, label string, opts ...pipeline.RunOption) (*pipeline.Result, error)
	Languages() language.Tables
}

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	turns       TurnRunner
	registry    *capability.Registry
	httpServer  *http.Server
	metrics     http.Handler
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup
}

// New builds a runtime serving turns through runner. registry may be nil.
func New(cfg config.Config, logger *slog.Logger, runner TurnRunner, registry *capability.Registry) *Runtime {
	return &Runtime{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "runtime")),
		turns:    runner,
		registry: registry,
	}
}

// Start sets up telemetry, serves HTTP until ctx ends and then shuts down.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metricsHandler

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	if r.cfg.HTTP.Enabled {
		r.httpServer = &http.Server{
			Addr:              addr,
			Handler:           r.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("http server failed", slog.String("error", err.Error()))
			}
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.Bool("http", r.cfg.HTTP.Enabled))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// Handler returns the HTTP API.
func (r *Runtime) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}
	mux.HandleFunc("GET /v1/languages", r.handleLanguages)
	mux.HandleFunc("POST /v1/turns", r.handleTurn)
	mux.HandleFunc("GET /v1/ws", r.handleWebSocket)
	return mux
}

// MarkReady flips readiness without starting the server. Used when the
// handler is mounted elsewhere.
func (r *Runtime) MarkReady(ready bool) { r.ready.Store(ready) }

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type readiness struct {
	Ready        bool                `json:"ready"`
	Capabilities []capability.Status `json:"capabilities,omitempty"`
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	body := readiness{Ready: r.ready.Load()}
	if r.registry != nil {
		body.Capabilities = r.registry.Query(nil)
		for _, s := range body.Capabilities {
			if !s.Healthy {
				body.Ready = false
			}
		}
	}
	status := http.StatusOK
	if !body.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

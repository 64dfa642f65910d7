// Package api exposes the posting core over a thin HTTP surface. The
// handlers translate between wire JSON and the core services; every
// failure is rendered from its fault code, so the error contract is the
// same on every route.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tidewallet/ledgerd/internal/core/approvals"
	"github.com/tidewallet/ledgerd/internal/core/engine"
	"github.com/tidewallet/ledgerd/internal/core/feesched"
	"github.com/tidewallet/ledgerd/internal/core/integrity"
	"github.com/tidewallet/ledgerd/internal/core/recon"
	"github.com/tidewallet/ledgerd/internal/core/repair"
	"github.com/tidewallet/ledgerd/internal/events"
	"github.com/tidewallet/ledgerd/internal/metrics"
	"github.com/tidewallet/ledgerd/internal/storage/ledgerdb"
)

// Deps are the services the handlers call. Store and Engine are
// required; a nil subsystem disables its routes with 404s.
type Deps struct {
	Store      ledgerdb.Store
	Engine     *engine.Engine
	Reconciler *recon.Reconciler
	Verifier   *integrity.Verifier
	Repairer   *repair.Repairer
	Approvals  *approvals.Service
	Fees       *feesched.Schedule
	Bus        *events.Bus
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Options tune the HTTP server. Zero values select sane defaults.
type Options struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server is the HTTP front of the daemon.
type Server struct {
	deps Deps
	opts Options
	log  *zap.Logger
	mux  *http.ServeMux
	http *http.Server
}

// New builds the server and registers all routes.
func New(deps Deps, opts Options) (*Server, error) {
	if deps.Store == nil || deps.Engine == nil {
		return nil, errors.New("api: store and engine are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 15 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		// Long enough for a synchronous reconciliation run; the event
		// stream route strips the deadline itself.
		opts.WriteTimeout = 60 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		deps: deps,
		opts: opts,
		log:  deps.Logger.Named("api"),
		mux:  http.NewServeMux(),
	}
	s.routes()
	s.http = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.accessLog(s.mux),
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /v1/postings", s.handlePostPosting)
	s.mux.HandleFunc("GET /v1/balance", s.handleGetBalance)

	s.mux.HandleFunc("POST /v1/accounts", s.handleCreateAccount)
	s.mux.HandleFunc("GET /v1/accounts/{id}", s.handleGetAccount)
	s.mux.HandleFunc("GET /v1/accounts/{id}/overdraft", s.handleGetOverdraft)

	s.mux.HandleFunc("GET /v1/journals/{id}", s.handleGetJournal)
	s.mux.HandleFunc("POST /v1/journals/{id}/reverse", s.handleReverseJournal)

	s.mux.HandleFunc("POST /v1/reconciliation/runs", s.handleStartReconRun)
	s.mux.HandleFunc("GET /v1/reconciliation/runs/{id}", s.handleGetReconRun)
	s.mux.HandleFunc("POST /v1/integrity/runs", s.handleStartIntegrityRun)

	s.mux.HandleFunc("POST /v1/repair/backfill", s.handleRepairBackfill)
	s.mux.HandleFunc("POST /v1/repair/stale", s.handleRepairStale)

	s.mux.HandleFunc("POST /v1/approvals", s.handleCreateApproval)
	s.mux.HandleFunc("GET /v1/approvals/{id}", s.handleGetApproval)
	s.mux.HandleFunc("POST /v1/approvals/{id}/decide", s.handleDecideApproval)
	s.mux.HandleFunc("POST /v1/overdrafts", s.handleRequestOverdraft)

	s.mux.HandleFunc("GET /v1/events/stream", s.handleEventStream)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", s.deps.Metrics.Handler())
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", s.opts.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return s.http.Close()
	}
	return nil
}

// statusWriter captures the response status for the access log.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The websocket route hijacks the connection; wrapping the
		// writer would hide the Hijacker interface.
		if r.URL.Path == "/v1/events/stream" {
			next.ServeHTTP(w, r)
			return
		}
		started := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("elapsed", time.Since(started)))
	})
}

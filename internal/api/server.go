package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"docingest/internal/batch"
	"docingest/internal/document"
	"docingest/internal/metrics"
	"docingest/internal/parser"
	"docingest/internal/status"
)

// MaxBodySize bounds POST /documents and POST /jobs bodies.
const MaxBodySize = 64 << 20

// Deps are the pipeline components the server drives.
type Deps struct {
	Dispatcher batch.Dispatcher
	Reporter   document.StatusReporter
	Store      status.Store
	// Gatherer serves /metrics when set.
	Gatherer prometheus.Gatherer
	Parser   *parser.Parser
	Workers  int
}

// Server encapsulates the HTTP server, router and job registry.
type Server struct {
	deps Deps
	mux  *http.ServeMux

	// ctx is the parent of every job; cancelled on Shutdown.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.RWMutex
	jobs map[string]*jobEntry
}

type jobEntry struct {
	status *JobStatus
	cancel context.CancelFunc // allows cancellation via DELETE /jobs/{id}
}

// NewServer builds a server with basic logging and panic recovery middlewares.
func NewServer(deps Deps) *Server {
	if deps.Parser == nil {
		deps.Parser = parser.New("")
	}
	if deps.Workers < 1 {
		deps.Workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		deps:   deps,
		mux:    http.NewServeMux(),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*jobEntry),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/documents", s.handleDocuments)     // POST /documents
	s.mux.HandleFunc("/documents/", s.handleDocumentByID) // GET /documents/{id}
	s.mux.HandleFunc("/jobs", s.handleJobs)               // POST /jobs
	s.mux.HandleFunc("/jobs/", s.handleJobByID)           // GET/DELETE /jobs/{id}
	s.mux.HandleFunc("/flush", s.handleFlush)             // POST /flush
	s.mux.HandleFunc("/stats", s.handleStats)             // GET /stats
	s.mux.HandleFunc("/healthz", s.handleHealth)          // GET /healthz
	if s.deps.Gatherer != nil {
		s.mux.Handle("/metrics", metrics.Handler(s.deps.Gatherer))
	}
}

// Handler returns the router wrapped in the middlewares.
func (s *Server) Handler() http.Handler {
	return s.recoveryMiddleware(s.loggingMiddleware(s.mux))
}

// Run starts the HTTP server on the provided port and serves until ctx is
// done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, port string) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.Infof("HTTP server running on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Shutdown()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Shutdown()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown cancels running jobs and waits for them to return.
func (s *Server) Shutdown() {
	s.cancel()
	s.wg.Wait()
}

// Simple request logger middleware.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logrus.Infof("%s %s (%s)", r.Method, r.URL.Path, time.Since(start).Round(time.Millisecond))
	})
}

// recoveryMiddleware catches panics and returns 500.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logrus.Errorf("panic recovered: %v", rec)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

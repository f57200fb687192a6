// Package api serves read-only diagnostics over HTTP: health, the server
// registry, dispatcher state and recurring entries.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	rtsup "procd/internal/runtime/supervisor"
	"procd/internal/server"
	"procd/internal/storage"
	logx "procd/pkg/logx"
)

const DefaultAddr = "127.0.0.1:8089"

// Config controls the diagnostics HTTP server.
//
// Prefer binding to localhost (default); the API has no authentication.
type Config struct {
	Addr        string
	ReadTimeout time.Duration
	Pprof       bool
}

// ServerView is the part of the processing server the API reads.
type ServerView interface {
	Snapshot() server.Snapshot
}

// Registry is the part of storage the API reads.
type Registry interface {
	ListServers(ctx context.Context) ([]storage.ServerRecord, error)
	ListRecurring(ctx context.Context) ([]storage.RecurringState, error)
}

// SubstrateView reports the state of the execution substrates.
type SubstrateView func() []rtsup.SupervisorSnapshot

type Service struct {
	cfg        Config
	srv        ServerView
	reg        Registry
	substrates SubstrateView
	log        logx.Logger
	startedAt  time.Time

	mu   sync.Mutex
	ln   net.Listener
	http *http.Server
	sup  *rtsup.Supervisor
}

func New(cfg Config, srv ServerView, reg Registry, substrates SubstrateView, log logx.Logger) *Service {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:        cfg,
		srv:        srv,
		reg:        reg,
		substrates: substrates,
		log:        log.With(logx.Component("api")),
		startedAt:  time.Now(),
	}
}

// Handler returns the router; useful for tests and embedding.
func (s *Service) Handler() http.Handler { return s.routes() }

// Start binds the listener synchronously (so address errors surface here)
// and serves in the background until Stop or ctx is done.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	hs := &http.Server{
		Handler:           s.routes(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		IdleTimeout:       60 * time.Second,
	}
	sup := rtsup.NewSupervisor(ctx, rtsup.WithName("api"), rtsup.WithLogger(s.log))
	sup.Go("http.serve", func(context.Context) error {
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	sup.Go0("http.shutdown", func(c context.Context) {
		<-c.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = hs.Shutdown(sctx)
	})

	s.ln, s.http, s.sup = ln, hs, sup
	s.log.Info("api listening", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.cfg.Pprof))
	return nil
}

// Addr returns the bound address ("" before Start).
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup, s.http, s.ln = nil, nil, nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	s.log.Info("api stopped")
	return err
}

func (s *Service) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/servers", s.handleServers)
	r.Get("/processes", s.handleProcesses)
	r.Get("/processes/{name}", s.handleProcess)
	r.Get("/recurring", s.handleRecurring)
	r.Get("/substrates", s.handleSubstrates)

	if s.cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

func (s *Service) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// Package admin serves the relay's HTTP admin surface: a health check,
// Prometheus metrics and a snapshot of the connection directory.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cyberinferno/go-relay/logger"
	"github.com/cyberinferno/go-relay/message"
)

const readHeaderTimeout = 5 * time.Second

// Directory is the view of the registry the admin surface needs.
type Directory interface {
	Snapshot() []message.DirectoryEntry
	// Generation changes whenever the directory may have changed.
	Generation() uint64
}

// Options configures the admin surface.
type Options struct {
	Addr      string
	Logger    logger.Logger
	Directory Directory
	// Gatherer is exposed on /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

// Server is the admin HTTP server.
type Server struct {
	addr   string
	logger logger.Logger
	srv    *http.Server

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
}

// NewRouter returns the admin routes without binding a listener.
func NewRouter(opts Options) http.Handler {
	log := opts.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/directory", directoryHandler(opts.Directory, log))

	return r
}

// New builds an admin Server for opts. It does not listen until Start.
func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	opts.Logger = log
	return &Server{
		addr:   opts.Addr,
		logger: log,
		srv: &http.Server{
			Handler:           NewRouter(opts),
			ReadHeaderTimeout: readHeaderTimeout,
		},
	}
}

// Start binds the admin address and serves in a goroutine.
//
// Returns:
//   - An error if the address cannot be bound
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("admin server failed to start: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("admin server started", logger.Field{Key: "addr", Value: ln.Addr().String()})
	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server failed", logger.Err(err))
		}
	}()

	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

// Stop shuts the server down, waiting for in-flight requests until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	if done == nil {
		return nil
	}

	err := s.srv.Shutdown(ctx)
	<-done
	s.logger.Info("admin server stopped")
	return err
}

// directoryHandler serves the directory tagged with the registry generation,
// so pollers can revalidate with If-None-Match.
func directoryHandler(dir Directory, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		entries := []message.DirectoryEntry{}
		if dir != nil {
			// Generation first: a change in between leaves a stale tag, never
			// a stale body.
			etag := fmt.Sprintf("%q", strconv.FormatUint(dir.Generation(), 10))
			if r.Header.Get("If-None-Match") == etag {
				w.Header().Set("ETag", etag)
				w.WriteHeader(http.StatusNotModified)
				return
			}

			w.Header().Set("ETag", etag)
			entries = append(entries, dir.Snapshot()...)
		}

		if err := json.NewEncoder(w).Encode(entries); err != nil {
			log.Warn("failed to write directory", logger.Err(err))
		}
	}
}

func requestLogger(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()
			next.ServeHTTP(ww, r)

			log.Debug("admin request",
				logger.Field{Key: "method", Value: r.Method},
				logger.Field{Key: "path", Value: r.URL.Path},
				logger.Field{Key: "status", Value: ww.Status()},
				logger.Field{Key: "duration", Value: time.Since(started).String()})
		})
	}
}

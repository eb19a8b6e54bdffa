// Package server runs the observability listener: Prometheus metrics,
// liveness and readiness probes, and pprof.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kzs0/autotrace/config"
	"github.com/kzs0/autotrace/metric"
	"github.com/kzs0/autotrace/profile"
)

// Server provides HTTP endpoints for metrics, probes and profiling.
type Server struct {
	server          *http.Server
	mux             *http.ServeMux
	logger          *zap.Logger
	ready           atomic.Bool
	shutdownTimeout time.Duration
}

// New creates the observability server. /ready answers 503 until
// SetReady(true) is called.
//
// Usage:
//
//	obs := server.New(cfg.Server, cfg.ShutdownTimeout, metrics, logger)
//	go obs.Run(ctx)
//	obs.SetReady(true)
func New(cfg config.Server, shutdownTimeout time.Duration, metrics *metric.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		mux:             http.NewServeMux(),
		logger:          logger.Named("server"),
		shutdownTimeout: shutdownTimeout,
	}

	if cfg.Metrics {
		s.mux.Handle("/metrics", metrics.Handler())
	}
	if cfg.Pprof {
		profile.Register(s.mux)
	}

	s.mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s.mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.mux,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}
	return s
}

// SetReady flips the readiness probe.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Run serves on the configured address until ctx is done, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("observability server listening", zap.Stringer("addr", ln.Addr()))
		errc <- s.server.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.SetReady(false)
	if err := s.Shutdown(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	<-errc
	return nil
}

// Shutdown gracefully shuts down the server.
// If the provided context does not have a deadline, a timeout context
// is created using the configured shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && s.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.shutdownTimeout)
		defer cancel()
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for use with custom servers.
func (s *Server) Handler() http.Handler {
	return s.mux
}

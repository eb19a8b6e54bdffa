// Command autotrace-demo serves a small gin application traced by every
// configured backend, next to the observability server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kzs0/autotrace"
	"github.com/kzs0/autotrace/backends"
	"github.com/kzs0/autotrace/config"
	"github.com/kzs0/autotrace/interceptor"
	"github.com/kzs0/autotrace/log"
	"github.com/kzs0/autotrace/metric"
	"github.com/kzs0/autotrace/server"
	"github.com/kzs0/autotrace/transport"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := log.New(log.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("service", cfg.Service))

	metrics := metric.New()

	tracers, err := backends.Build(cfg, logger, metrics)
	if err != nil {
		return err
	}

	tracing := autotrace.New(tracers.Tracers,
		autotrace.WithLogger(logger),
		autotrace.WithMetrics(metrics),
		autotrace.WithTracerNames(tracers.Names...),
	)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	app := interceptor.Install(engine, tracing)
	client := transport.NewRetryableClient(cfg.Client, logger, metrics)
	registerRoutes(app, client, cfg.HTTP.Upstream, logger)

	appServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           app,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	var obs *server.Server
	if cfg.Server.Enabled {
		obs = server.New(cfg.Server, cfg.ShutdownTimeout, metrics, logger)
		g.Go(func() error {
			return obs.Run(gctx)
		})
	}

	g.Go(func() error {
		logger.Info("application listening", zap.String("addr", cfg.HTTP.Addr), zap.Strings("tracers", tracers.Names))
		if obs != nil {
			obs.SetReady(true)
		}
		if err := appServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		return errors.Join(
			appServer.Shutdown(shutdownCtx),
			tracers.Close(shutdownCtx),
		)
	})

	if err := g.Wait(); err != nil {
		logger.Error("exited with error", zap.Error(err))
		return err
	}
	return nil
}

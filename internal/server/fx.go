// Package server assembles the service's dependencies and runs the HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/danavision/crawl-service/internal/api"
	"github.com/danavision/crawl-service/internal/browser"
	"github.com/danavision/crawl-service/internal/config"
	"github.com/danavision/crawl-service/internal/extract"
	"github.com/danavision/crawl-service/internal/logging"
	"github.com/danavision/crawl-service/internal/metrics"
	"github.com/danavision/crawl-service/internal/policy/ratelimit"
	"github.com/danavision/crawl-service/internal/scrape"
	"github.com/danavision/crawl-service/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg            *config.Config
	logger         *zap.Logger
	scheduler      *scrape.Scheduler
	apiServer      *api.Server
	tracerProvider *sdktrace.TracerProvider

	closeOnce sync.Once
	closeErr  error
}

// Build creates the application's dependencies with a chromedp-backed
// session factory.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		Service:     cfg.Service.Name,
		Version:     cfg.Service.Version,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName:    cfg.Service.Name,
		ServiceVersion: cfg.Service.Version,
		Exporter:       cfg.Tracing.Exporter,
		SampleRatio:    cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	factory := newBrowserFactory(cfg, logger)
	app, err := NewApp(cfg, logger, factory)
	if err != nil {
		if shutdownErr := tp.Shutdown(ctx); shutdownErr != nil {
			logger.Warn("tracer shutdown failed", zap.Error(shutdownErr))
		}
		return nil, err
	}
	app.tracerProvider = tp
	return app, nil
}

// NewApp wires the scheduler and HTTP API around factory.
func NewApp(cfg *config.Config, logger *zap.Logger, factory scrape.SessionFactory) (*App, error) {
	logger.Info("creating application",
		zap.String("addr", cfg.Addr()),
		zap.Int("max_concurrent", cfg.Scrape.MaxConcurrent),
		zap.Duration("default_timeout", cfg.DefaultTimeout()),
		zap.Int("max_batch_size", cfg.Scrape.MaxBatchSize),
		zap.Bool("auth_enabled", cfg.Auth.Enabled),
		zap.Bool("metrics_enabled", cfg.Metrics.Enabled),
	)

	var observer scrape.Observer
	if cfg.Metrics.Enabled {
		observer = metrics.NewRecorder()
	}
	scheduler, err := scrape.NewScheduler(factory, scrape.Config{
		MaxConcurrent:  cfg.Scrape.MaxConcurrent,
		DefaultTimeout: cfg.DefaultTimeout(),
	}, observer, logger.Named("scrape"))
	if err != nil {
		return nil, fmt.Errorf("scheduler init failed: %w", err)
	}

	return &App{
		cfg:       cfg,
		logger:    logger,
		scheduler: scheduler,
		apiServer: api.NewServer(scheduler, *cfg, logger.Named("api")),
	}, nil
}

func newBrowserFactory(cfg *config.Config, logger *zap.Logger) *browser.Factory {
	var limiter *ratelimit.Limiter
	if cfg.Browser.DomainQPS > 0 {
		limCfg := ratelimit.Config{
			HostRPS:   cfg.Browser.DomainQPS,
			HostBurst: cfg.Browser.DomainBurst,
		}
		if cfg.Metrics.Enabled {
			limCfg.OnDelay = metrics.ObserveRateLimitDelay
		}
		limiter = ratelimit.New(limCfg)
		logger.Info("per-host rate limiter enabled",
			zap.Float64("domain_qps", cfg.Browser.DomainQPS),
			zap.Int("domain_burst", cfg.Browser.DomainBurst),
		)
	}
	return browser.NewFactory(browser.Config{
		ExecPath:       cfg.Browser.ExecPath,
		UserAgent:      cfg.Browser.UserAgent,
		LaunchTimeout:  cfg.Browser.LaunchTimeout(),
		NetworkIdle:    cfg.Browser.NetworkIdle(),
		NetworkIdleMax: cfg.Browser.NetworkIdleMax(),
	}, extract.New(), limiter, logger.Named("browser"))
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Scheduler returns the scrape scheduler shared by the API and the CLI.
func (a *App) Scheduler() *scrape.Scheduler {
	return a.scheduler
}

// Handler returns the HTTP handler tree.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves HTTP on the configured address until ctx is canceled or the
// process receives SIGINT/SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Addr(), err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-serveErr:
		return errors.Join(fmt.Errorf("serve: %w", err), closeErr)
	default:
		return closeErr
	}
}

// Close flushes telemetry and logs. Browser sessions are scoped to requests,
// so none outlive the HTTP server. Later calls return the first result.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				a.logger.Warn("tracer shutdown failed", zap.Error(err))
				a.closeErr = fmt.Errorf("tracer shutdown: %w", err)
			}
		}
		a.logger.Info("shutdown complete")
		//nolint:errcheck // sync fails on stdout/stderr for some platforms
		_ = a.logger.Sync()
	})
	return a.closeErr
}

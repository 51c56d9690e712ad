// Package browser implements scrape sessions on top of a headless Chromium
// driven by chromedp. Each session owns one browser process; every fetch opens
// its own tab on that browser.
package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/danavision/crawl-service/internal/extract"
	"github.com/danavision/crawl-service/internal/policy/ratelimit"
	"github.com/danavision/crawl-service/internal/scrape"
)

const (
	defaultLaunchTimeout  = 20 * time.Second
	defaultNetworkIdle    = 500 * time.Millisecond
	defaultNetworkIdleMax = 5 * time.Second
)

// Config controls how browsers are launched and pages are loaded.
type Config struct {
	// ExecPath overrides chromedp's Chromium discovery.
	ExecPath  string
	UserAgent string
	// LaunchTimeout bounds process start plus the first DevTools round trip.
	LaunchTimeout time.Duration
	// NetworkIdle is the quiet window with no requests in flight after which
	// a page counts as loaded.
	NetworkIdle time.Duration
	// NetworkIdleMax caps the time spent waiting for the quiet window.
	NetworkIdleMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.LaunchTimeout <= 0 {
		c.LaunchTimeout = defaultLaunchTimeout
	}
	if c.NetworkIdle <= 0 {
		c.NetworkIdle = defaultNetworkIdle
	}
	if c.NetworkIdleMax <= 0 {
		c.NetworkIdleMax = defaultNetworkIdleMax
	}
	return c
}

// Factory launches browser sessions. It implements scrape.SessionFactory.
type Factory struct {
	cfg       Config
	extractor *extract.Extractor
	limiter   *ratelimit.Limiter
	logger    *zap.Logger
}

// NewFactory builds a Factory. limiter may be nil to disable per-host spacing.
func NewFactory(cfg Config, extractor *extract.Extractor, limiter *ratelimit.Limiter, logger *zap.Logger) *Factory {
	if extractor == nil {
		extractor = extract.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		cfg:       cfg.withDefaults(),
		extractor: extractor,
		limiter:   limiter,
		logger:    logger,
	}
}

// AllocatorOptions returns the Chromium flags used for every session.
func AllocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.DisableGPU,
		chromedp.Flag("disable-software-rasterizer", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("single-process", true),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	return opts
}

// Acquire starts a browser process and waits until it answers DevTools
// commands, so a broken launch surfaces here rather than on the first fetch.
func (f *Factory) Acquire(ctx context.Context) (scrape.Session, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), AllocatorOptions(f.cfg)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(f.logger.Sugar().Debugf),
	)
	teardown := func() {
		browserCancel()
		allocCancel()
	}

	errc := make(chan error, 1)
	go func() {
		errc <- chromedp.Run(browserCtx)
	}()

	timer := time.NewTimer(f.cfg.LaunchTimeout)
	defer timer.Stop()

	select {
	case err := <-errc:
		if err != nil {
			teardown()
			return nil, fmt.Errorf("launch browser: %w", err)
		}
	case <-ctx.Done():
		teardown()
		return nil, fmt.Errorf("launch browser: %w", ctx.Err())
	case <-timer.C:
		teardown()
		return nil, fmt.Errorf("launch browser: no response within %s", f.cfg.LaunchTimeout)
	}

	f.logger.Debug("browser session started")
	return newSession(browserCtx, browserCancel, allocCancel, f), nil
}

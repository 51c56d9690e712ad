package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/danavision/crawl-service/internal/extract"
	"github.com/danavision/crawl-service/internal/policy/ratelimit"
	"github.com/danavision/crawl-service/internal/scrape"
)

// ErrConnectionLost reports that the DevTools connection to the browser dropped.
var ErrConnectionLost = errors.New("browser connection lost")

// Session is one running browser shared by the fetches of a request.
type Session struct {
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	lostConn      <-chan struct{}

	cfg       Config
	extractor *extract.Extractor
	limiter   *ratelimit.Limiter
	logger    *zap.Logger
	// run executes chromedp actions; chromedp.Run outside tests.
	run func(ctx context.Context, actions ...chromedp.Action) error

	mu        sync.Mutex
	lost      error
	closeOnce sync.Once
	closeErr  error
}

func newSession(browserCtx context.Context, browserCancel, allocCancel context.CancelFunc, f *Factory) *Session {
	s := &Session{
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
		cfg:           f.cfg,
		extractor:     f.extractor,
		limiter:       f.limiter,
		logger:        f.logger,
		run:           chromedp.Run,
	}
	if c := chromedp.FromContext(browserCtx); c != nil && c.Browser != nil {
		s.lostConn = c.Browser.LostConnection
	}
	return s
}

// Err returns a non-nil error once the browser can no longer open tabs.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lost != nil {
		return s.lost
	}
	if s.lostConn != nil {
		select {
		case <-s.lostConn:
			s.lost = ErrConnectionLost
			return s.lost
		default:
		}
	}
	if err := s.browserCtx.Err(); err != nil {
		s.lost = fmt.Errorf("browser context: %w", err)
	}
	return s.lost
}

// Close shuts the browser down and releases the allocator. It is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if err := chromedp.Cancel(s.browserCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.closeErr = fmt.Errorf("close browser: %w", err)
		}
		s.browserCancel()
		s.allocCancel()
	})
	return s.closeErr
}

// Fetch loads req.URL in a fresh tab and extracts its content. Navigation
// errors and timeouts are returned as errors; an HTTP error status on the main
// document is reported as a failed outcome.
func (s *Session) Fetch(ctx context.Context, req scrape.FetchRequest) (scrape.FetchOutcome, error) {
	if err := s.Err(); err != nil {
		return scrape.FetchOutcome{}, err
	}
	if err := s.limiter.Wait(ctx, req.URL); err != nil {
		return scrape.FetchOutcome{}, fmt.Errorf("politeness wait: %w", err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = scrape.DefaultTimeout
	}

	tabCtx, cancelTab := chromedp.NewContext(s.browserCtx)
	defer cancelTab()
	// The deadline covers opening the tab as well as loading the page.
	taskCtx, cancelTask := context.WithTimeout(tabCtx, timeout)
	defer cancelTask()

	stopForward := forwardCancel(ctx, cancelTask)
	defer stopForward()

	meta := newResponseMeta()
	tracker := newNetworkTracker(time.Now)
	chromedp.ListenTarget(tabCtx, func(ev any) {
		meta.captureEvent(ev)
		tracker.observe(ev)
	})

	if err := s.run(taskCtx); err != nil {
		if lost := s.Err(); lost != nil {
			return scrape.FetchOutcome{}, lost
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
			return scrape.FetchOutcome{}, fmt.Errorf("page load timed out after %s: open tab: %w", timeout, context.DeadlineExceeded)
		}
		return scrape.FetchOutcome{}, fmt.Errorf("open tab: %w", err)
	}

	page, err := s.load(taskCtx, req, tracker)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return scrape.FetchOutcome{}, fmt.Errorf("page load timed out after %s: %w", timeout, err)
		}
		return scrape.FetchOutcome{}, err
	}

	status, finalURL := meta.snapshot(req.URL, page.location)
	if status >= http.StatusBadRequest {
		s.logger.Debug("page returned error status", zap.String("url", req.URL), zap.Int("status", status))
		return scrape.Failed(statusMessage(status)), nil
	}

	doc, err := s.extractor.Extract(page.html, page.title, finalURL)
	if err != nil {
		return scrape.FetchOutcome{}, fmt.Errorf("extract content: %w", err)
	}
	return scrape.Succeeded(doc.Markdown, doc.HTML, doc.Title), nil
}

type renderedPage struct {
	html     string
	title    string
	location string
}

func (s *Session) load(ctx context.Context, req scrape.FetchRequest, tracker *networkTracker) (renderedPage, error) {
	var page renderedPage
	tasks := chromedp.Tasks{network.Enable()}
	if s.cfg.UserAgent != "" {
		tasks = append(tasks, emulation.SetUserAgentOverride(s.cfg.UserAgent))
	}
	tasks = append(tasks,
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if req.WaitFor != "" {
		tasks = append(tasks, chromedp.WaitReady(req.WaitFor, chromedp.ByQuery))
	}
	tasks = append(tasks,
		waitNetworkIdle(tracker, s.cfg.NetworkIdle, s.cfg.NetworkIdleMax),
		chromedp.Title(&page.title),
		chromedp.Location(&page.location),
		chromedp.OuterHTML("html", &page.html, chromedp.ByQuery),
	)
	if err := s.run(ctx, tasks); err != nil {
		return renderedPage{}, fmt.Errorf("chromedp run: %w", err)
	}
	return page, nil
}

func statusMessage(status int) string {
	if text := http.StatusText(status); text != "" {
		return fmt.Sprintf("HTTP %d %s", status, text)
	}
	return fmt.Sprintf("HTTP %d", status)
}

// forwardCancel cancels the fetch when the caller's context ends, since the tab
// context descends from the browser rather than from the request.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

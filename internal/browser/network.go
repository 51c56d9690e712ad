package browser

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

const idlePollInterval = 50 * time.Millisecond

// responseMeta records the first document response seen on a tab, which is the
// main frame's response once redirects have been followed.
type responseMeta struct {
	mu     sync.Mutex
	seen   bool
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen {
		return
	}
	m.seen = true
	m.status = int(resp.Response.Status)
	m.url = resp.Response.URL
}

// snapshot returns the main document status and URL. Pages served without a
// network response (about:blank, data: URLs) report 200.
func (m *responseMeta) snapshot(requestURL, location string) (int, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := m.status
	if status == 0 {
		status = 200
	}
	switch {
	case location != "":
		return status, location
	case m.url != "":
		return status, m.url
	default:
		return status, requestURL
	}
}

// networkTracker counts in-flight requests on a tab and remembers when the
// count last changed.
type networkTracker struct {
	now func() time.Time

	mu           sync.Mutex
	inflight     map[network.RequestID]struct{}
	lastActivity time.Time
}

func newNetworkTracker(now func() time.Time) *networkTracker {
	return &networkTracker{
		now:          now,
		inflight:     make(map[network.RequestID]struct{}),
		lastActivity: now(),
	}
}

func (t *networkTracker) observe(ev any) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		t.start(e.RequestID)
	case *network.EventLoadingFinished:
		t.finish(e.RequestID)
	case *network.EventLoadingFailed:
		t.finish(e.RequestID)
	}
}

func (t *networkTracker) start(id network.RequestID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inflight[id] = struct{}{}
	t.lastActivity = t.now()
}

func (t *networkTracker) finish(id network.RequestID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.inflight[id]; !ok {
		return
	}
	delete(t.inflight, id)
	t.lastActivity = t.now()
}

// idle reports whether nothing is in flight and nothing changed for quiet.
func (t *networkTracker) idle(quiet time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight) == 0 && t.now().Sub(t.lastActivity) >= quiet
}

// waitNetworkIdle blocks until the tab has been quiet for the idle window.
// Reaching max is not an error: long-polling pages never go quiet, and the
// page is read as it stands.
func waitNetworkIdle(tracker *networkTracker, quiet, maxWait time.Duration) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		deadline := time.NewTimer(maxWait)
		defer deadline.Stop()
		ticker := time.NewTicker(idlePollInterval)
		defer ticker.Stop()
		for {
			if tracker.idle(quiet) {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-deadline.C:
				return nil
			case <-ticker.C:
			}
		}
	})
}

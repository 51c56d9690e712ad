package browser

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/danavision/crawl-service/internal/extract"
	"github.com/danavision/crawl-service/internal/scrape"
)

// newStubbedSession builds a Session whose chromedp calls go to run, so tab
// handling can be exercised without a browser.
func newStubbedSession(run func(ctx context.Context, actions ...chromedp.Action) error) *Session {
	return &Session{
		browserCtx:    context.Background(),
		browserCancel: func() {},
		allocCancel:   func() {},
		cfg:           Config{}.withDefaults(),
		extractor:     extract.New(),
		logger:        zap.NewNop(),
		run:           run,
	}
}

// blockUntilDone stands in for a browser that never answers Target.createTarget.
func blockUntilDone(ctx context.Context, _ ...chromedp.Action) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestSession_FetchTimesOutWhileOpeningTab(t *testing.T) {
	t.Parallel()

	session := newStubbedSession(blockUntilDone)
	timeout := 150 * time.Millisecond

	start := time.Now()
	_, err := session.Fetch(context.Background(), scrape.FetchRequest{URL: "https://example.com", Timeout: timeout})
	elapsed := time.Since(start)

	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Contains(t, err.Error(), "timed out after 150ms")
	require.GreaterOrEqual(t, elapsed, timeout)
	require.Less(t, elapsed, 2*time.Second)
	require.NoError(t, session.Err())
}

func TestSession_FetchStopsWhenCallerCancelsDuringTabOpen(t *testing.T) {
	t.Parallel()

	session := newStubbedSession(blockUntilDone)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := session.Fetch(ctx, scrape.FetchRequest{URL: "https://example.com", Timeout: time.Minute})
	require.ErrorIs(t, err, context.Canceled)
	require.Contains(t, err.Error(), "open tab")
}

func TestSession_FetchSharesDeadlineBetweenTabOpenAndLoad(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	var deadlines [2]time.Time
	session := newStubbedSession(func(ctx context.Context, _ ...chromedp.Action) error {
		n := calls.Add(1)
		deadline, ok := ctx.Deadline()
		if !ok {
			return errors.New("no deadline")
		}
		deadlines[n-1] = deadline
		if n == 1 {
			return nil
		}
		return errors.New("navigate: net::ERR_NAME_NOT_RESOLVED")
	})

	_, err := session.Fetch(context.Background(), scrape.FetchRequest{URL: "https://example.invalid", Timeout: time.Second})
	require.ErrorContains(t, err, "ERR_NAME_NOT_RESOLVED")
	require.EqualValues(t, 2, calls.Load())
	require.Equal(t, deadlines[0], deadlines[1], "tab open and page load share one budget")
}

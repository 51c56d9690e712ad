package scrape

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestScheduler(t *testing.T, factory SessionFactory, maxConcurrent int) *Scheduler {
	t.Helper()
	s, err := NewScheduler(factory, Config{MaxConcurrent: maxConcurrent}, nil, zap.NewNop())
	require.NoError(t, err)
	return s
}

func urls(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("https://example.com/page/%d", i)
	}
	return out
}

func TestNewScheduler_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewScheduler(nil, Config{}, nil, nil)
	require.Error(t, err)

	_, err = NewScheduler(&fakeFactory{}, Config{MaxConcurrent: -1}, nil, nil)
	require.Error(t, err)

	s, err := NewScheduler(&fakeFactory{}, Config{}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, DefaultMaxConcurrent, s.MaxConcurrent())
	require.Equal(t, DefaultTimeout, s.cfg.DefaultTimeout)
}

func TestScheduler_Batch_PreservesInputOrder(t *testing.T) {
	t.Parallel()

	input := urls(12)
	session := &fakeSession{
		// Later URLs finish first.
		fetch: func(_ context.Context, _ int, req FetchRequest) (FetchOutcome, error) {
			var idx int
			_, _ = fmt.Sscanf(req.URL, "https://example.com/page/%d", &idx)
			time.Sleep(time.Duration(len(input)-idx) * 2 * time.Millisecond)
			return tagged(req.URL), nil
		},
	}
	s := newTestScheduler(t, &fakeFactory{session: session}, 4)

	result := s.Batch(context.Background(), BatchJob{URLs: input})

	require.Len(t, result.Outcomes, len(input))
	for i, outcome := range result.Outcomes {
		require.True(t, outcome.Success)
		require.Equal(t, "md:"+input[i], outcome.Markdown)
		require.Equal(t, "title:"+input[i], outcome.Title)
	}
}

func TestScheduler_Batch_EmptySkipsSession(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{session: &fakeSession{}}
	observer := &recordingObserver{}
	s, err := NewScheduler(factory, Config{}, observer, nil)
	require.NoError(t, err)

	result := s.Batch(context.Background(), BatchJob{})

	require.NotNil(t, result.Outcomes)
	require.Empty(t, result.Outcomes)
	require.Zero(t, factory.acquires.Load())
	require.Empty(t, observer.batchSize)
}

func TestScheduler_Batch_RespectsAdmissionLimit(t *testing.T) {
	t.Parallel()

	for _, limit := range []int{1, 2, 3, 5} {
		t.Run(fmt.Sprintf("limit=%d", limit), func(t *testing.T) {
			t.Parallel()

			session := &fakeSession{fetch: delayed(5 * time.Millisecond)}
			factory := &fakeFactory{session: session}
			s := newTestScheduler(t, factory, limit)

			result := s.Batch(context.Background(), BatchJob{URLs: urls(limit * 4)})

			require.Len(t, result.Outcomes, limit*4)
			require.LessOrEqual(t, int(session.maxInFlight.Load()), limit)
			require.EqualValues(t, limit*4, session.calls.Load())
			require.EqualValues(t, 1, factory.acquires.Load())
			require.EqualValues(t, 1, session.closes.Load())
		})
	}
}

func TestScheduler_Batch_FailureDoesNotAffectSiblings(t *testing.T) {
	t.Parallel()

	session := &fakeSession{
		fetch: func(_ context.Context, _ int, req FetchRequest) (FetchOutcome, error) {
			if strings.HasSuffix(req.URL, "/b") {
				return FetchOutcome{Success: false, Error: "net::ERR_NAME_NOT_RESOLVED"}, nil
			}
			return tagged(req.URL), nil
		},
	}
	s := newTestScheduler(t, &fakeFactory{session: session}, 3)

	input := []string{"https://example.com/a", "https://example.com/b", "https://example.com/c"}
	result := s.Batch(context.Background(), BatchJob{URLs: input})

	require.Len(t, result.Outcomes, 3)
	require.True(t, result.Outcomes[0].Success)
	require.False(t, result.Outcomes[1].Success)
	require.Equal(t, "net::ERR_NAME_NOT_RESOLVED", result.Outcomes[1].Error)
	require.Empty(t, result.Outcomes[1].Markdown)
	require.True(t, result.Outcomes[2].Success)
	require.Equal(t, "md:"+input[2], result.Outcomes[2].Markdown)
}

func TestScheduler_Batch_ExceptionBecomesFailedOutcome(t *testing.T) {
	t.Parallel()

	session := &fakeSession{
		fetch: func(_ context.Context, _ int, req FetchRequest) (FetchOutcome, error) {
			switch {
			case strings.HasSuffix(req.URL, "/error"):
				return FetchOutcome{}, fmt.Errorf("page load timed out: %w", context.DeadlineExceeded)
			case strings.HasSuffix(req.URL, "/panic"):
				panic("renderer exploded")
			default:
				return tagged(req.URL), nil
			}
		},
	}
	factory := &fakeFactory{session: session}
	s := newTestScheduler(t, factory, 2)

	input := []string{
		"https://example.com/ok-1",
		"https://example.com/error",
		"https://example.com/panic",
		"https://example.com/ok-2",
	}
	result := s.Batch(context.Background(), BatchJob{URLs: input})

	require.Len(t, result.Outcomes, 4)
	require.True(t, result.Outcomes[0].Success)
	require.False(t, result.Outcomes[1].Success)
	require.Contains(t, result.Outcomes[1].Error, "timed out")
	require.False(t, result.Outcomes[2].Success)
	require.Contains(t, result.Outcomes[2].Error, "renderer exploded")
	require.True(t, result.Outcomes[3].Success)
	require.EqualValues(t, 1, session.closes.Load())
}

func TestScheduler_Batch_EmptyFailureMessageGetsPlaceholder(t *testing.T) {
	t.Parallel()

	session := &fakeSession{
		fetch: func(context.Context, int, FetchRequest) (FetchOutcome, error) {
			return FetchOutcome{Success: false, Markdown: "partial"}, nil
		},
	}
	s := newTestScheduler(t, &fakeFactory{session: session}, 1)

	result := s.Batch(context.Background(), BatchJob{URLs: urls(1)})

	require.Equal(t, FetchOutcome{Error: "Scrape failed"}, result.Outcomes[0])
}

func TestScheduler_Batch_AcquireFailureFailsEveryURL(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{err: fmt.Errorf("chrome failed to start: exec: not found")}
	observer := &recordingObserver{}
	s, err := NewScheduler(factory, Config{MaxConcurrent: 2}, observer, zap.NewNop())
	require.NoError(t, err)

	result := s.Batch(context.Background(), BatchJob{URLs: urls(3)})

	require.Len(t, result.Outcomes, 3)
	for _, outcome := range result.Outcomes {
		require.False(t, outcome.Success)
		require.Contains(t, outcome.Error, "chrome failed to start")
	}
	require.Len(t, observer.acquired, 1)
	require.Error(t, observer.acquired[0])
	require.Zero(t, observer.started)
}

func TestScheduler_Batch_SlotBasedAdmissionTiming(t *testing.T) {
	t.Parallel()

	const delay = 100 * time.Millisecond
	session := &fakeSession{fetch: delayed(delay)}
	s := newTestScheduler(t, &fakeFactory{session: session}, 2)

	start := time.Now()
	result := s.Batch(context.Background(), BatchJob{URLs: urls(4)})
	elapsed := time.Since(start)

	require.Len(t, result.Outcomes, 4)
	require.GreaterOrEqual(t, elapsed, 2*delay-10*time.Millisecond)
	require.Less(t, elapsed, 3*delay+50*time.Millisecond)

	starts, ends := session.timeline()
	require.Len(t, starts, 4)
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })
	sort.Slice(ends, func(i, j int) bool { return ends[i].Before(ends[j]) })
	firstDone := ends[0]
	for _, late := range starts[2:] {
		require.False(t, late.Before(firstDone), "third and fourth fetch must wait for a free slot")
	}
}

func TestScheduler_Batch_Idempotent(t *testing.T) {
	t.Parallel()

	session := &fakeSession{
		fetch: func(_ context.Context, _ int, req FetchRequest) (FetchOutcome, error) {
			if strings.HasSuffix(req.URL, "3") {
				return Failed("HTTP 404 Not Found"), nil
			}
			return tagged(req.URL), nil
		},
	}
	s := newTestScheduler(t, &fakeFactory{session: session}, 3)
	job := BatchJob{URLs: urls(8)}

	first := s.Batch(context.Background(), job)
	second := s.Batch(context.Background(), job)

	require.Equal(t, first, second)
}

func TestScheduler_Batch_SessionLostMidBatch(t *testing.T) {
	t.Parallel()

	session := &fakeSession{}
	session.fetch = func(_ context.Context, call int, req FetchRequest) (FetchOutcome, error) {
		if call == 1 {
			return tagged(req.URL), nil
		}
		session.kill(fmt.Errorf("websocket: close 1006"))
		return FetchOutcome{}, fmt.Errorf("chromedp run: context canceled")
	}
	s := newTestScheduler(t, &fakeFactory{session: session}, 1)

	input := urls(4)
	result := s.Batch(context.Background(), BatchJob{URLs: input})

	require.Len(t, result.Outcomes, 4)
	succeeded := 0
	for i, outcome := range result.Outcomes {
		if outcome.Success {
			succeeded++
			require.Equal(t, "md:"+input[i], outcome.Markdown)
			continue
		}
		require.Contains(t, outcome.Error, "lost browser session")
		require.Contains(t, outcome.Error, "close 1006")
	}
	require.Equal(t, 1, succeeded)
	require.EqualValues(t, 2, session.calls.Load(), "no fetch may start after the session died")
	require.EqualValues(t, 1, session.closes.Load())
}

func TestScheduler_Batch_ReleaseErrorKeepsOutcomes(t *testing.T) {
	t.Parallel()

	session := &fakeSession{closeErr: fmt.Errorf("kill chrome: no such process")}
	s := newTestScheduler(t, &fakeFactory{session: session}, 2)

	result := s.Batch(context.Background(), BatchJob{URLs: urls(2)})

	for _, outcome := range result.Outcomes {
		require.True(t, outcome.Success)
	}
}

func TestScheduler_Batch_AppliesTimeout(t *testing.T) {
	t.Parallel()

	session := &fakeSession{}
	s, err := NewScheduler(&fakeFactory{session: session}, Config{DefaultTimeout: 7 * time.Second}, nil, nil)
	require.NoError(t, err)

	s.Batch(context.Background(), BatchJob{URLs: urls(1)})
	s.Batch(context.Background(), BatchJob{URLs: urls(1), Timeout: 2 * time.Second})

	reqs := session.requests()
	require.Len(t, reqs, 2)
	require.Equal(t, 7*time.Second, reqs[0].Timeout)
	require.Equal(t, 2*time.Second, reqs[1].Timeout)
}

func TestScheduler_Batch_CanceledWhileWaitingForSlot(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	session := &fakeSession{
		fetch: func(ctx context.Context, call int, _ FetchRequest) (FetchOutcome, error) {
			if call == 1 {
				close(started)
			}
			<-ctx.Done()
			return FetchOutcome{}, ctx.Err()
		},
	}
	s := newTestScheduler(t, &fakeFactory{session: session}, 1)

	go func() {
		<-started
		cancel()
	}()
	result := s.Batch(ctx, BatchJob{URLs: urls(3)})

	require.Len(t, result.Outcomes, 3)
	for _, outcome := range result.Outcomes {
		require.False(t, outcome.Success)
		require.NotEmpty(t, outcome.Error)
	}
}

func TestScheduler_Scrape_SingleURL(t *testing.T) {
	t.Parallel()

	session := &fakeSession{}
	factory := &fakeFactory{session: session}
	observer := &recordingObserver{}
	s, err := NewScheduler(factory, Config{MaxConcurrent: 5}, observer, zap.NewNop())
	require.NoError(t, err)

	outcome := s.Scrape(context.Background(), FetchRequest{URL: "https://example.com", WaitFor: "#price"})

	require.True(t, outcome.Success)
	require.Equal(t, "md:https://example.com", outcome.Markdown)
	reqs := session.requests()
	require.Len(t, reqs, 1)
	require.Equal(t, "#price", reqs[0].WaitFor)
	require.Equal(t, DefaultTimeout, reqs[0].Timeout)
	require.EqualValues(t, 1, factory.acquires.Load())
	require.EqualValues(t, 1, session.closes.Load())
	require.Equal(t, []int{1}, observer.batchSize)
	require.Equal(t, 1, observer.started)
}

func TestScheduler_Scrape_ExceptionAndAcquireFailure(t *testing.T) {
	t.Parallel()

	session := &fakeSession{
		fetch: func(context.Context, int, FetchRequest) (FetchOutcome, error) {
			return FetchOutcome{}, errBoom
		},
	}
	s := newTestScheduler(t, &fakeFactory{session: session}, 1)
	outcome := s.Scrape(context.Background(), FetchRequest{URL: "https://example.com"})
	require.Equal(t, FetchOutcome{Error: "boom"}, outcome)

	s = newTestScheduler(t, &fakeFactory{err: errBoom}, 1)
	outcome = s.Scrape(context.Background(), FetchRequest{URL: "https://example.com"})
	require.False(t, outcome.Success)
	require.Equal(t, "acquire browser session: boom", outcome.Error)
}

package scrape

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// fakeSession is an instrumented Session. fetch defaults to a successful
// outcome tagged with the request URL.
type fakeSession struct {
	fetch    func(ctx context.Context, call int, req FetchRequest) (FetchOutcome, error)
	closeErr error

	calls       atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	closes      atomic.Int32

	mu     sync.Mutex
	lost   error
	starts []time.Time
	ends   []time.Time
	reqs   []FetchRequest
}

func (s *fakeSession) Fetch(ctx context.Context, req FetchRequest) (FetchOutcome, error) {
	call := int(s.calls.Add(1))
	current := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		peak := s.maxInFlight.Load()
		if current <= peak || s.maxInFlight.CompareAndSwap(peak, current) {
			break
		}
	}

	s.mu.Lock()
	s.starts = append(s.starts, time.Now())
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.ends = append(s.ends, time.Now())
		s.mu.Unlock()
	}()

	if s.fetch != nil {
		return s.fetch(ctx, call, req)
	}
	return tagged(req.URL), nil
}

func (s *fakeSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lost
}

func (s *fakeSession) Close() error {
	s.closes.Add(1)
	return s.closeErr
}

func (s *fakeSession) kill(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lost = err
}

func (s *fakeSession) timeline() ([]time.Time, []time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.starts...), append([]time.Time(nil), s.ends...)
}

func (s *fakeSession) requests() []FetchRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]FetchRequest(nil), s.reqs...)
}

type fakeFactory struct {
	session  *fakeSession
	err      error
	acquires atomic.Int32
}

func (f *fakeFactory) Acquire(_ context.Context) (Session, error) {
	f.acquires.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

func tagged(url string) FetchOutcome {
	return Succeeded("md:"+url, "<html>"+url+"</html>", "title:"+url)
}

func delayed(d time.Duration) func(context.Context, int, FetchRequest) (FetchOutcome, error) {
	return func(ctx context.Context, _ int, req FetchRequest) (FetchOutcome, error) {
		select {
		case <-time.After(d):
			return tagged(req.URL), nil
		case <-ctx.Done():
			return FetchOutcome{}, ctx.Err()
		}
	}
}

type recordingObserver struct {
	mu        sync.Mutex
	acquired  []error
	started   int
	finished  []FetchOutcome
	batchSize []int
}

func (o *recordingObserver) SessionAcquired(_ Mode, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.acquired = append(o.acquired, err)
}

func (o *recordingObserver) FetchStarted(Mode) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *recordingObserver) FetchFinished(_ Mode, outcome FetchOutcome, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, outcome)
}

func (o *recordingObserver) BatchFinished(_ Mode, size int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.batchSize = append(o.batchSize, size)
}

var errBoom = errors.New("boom")

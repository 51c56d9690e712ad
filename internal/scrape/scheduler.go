package scrape

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const tracerName = "github.com/danavision/crawl-service/internal/scrape"

// Observer receives scheduler lifecycle callbacks, typically for metrics.
// Implementations must be safe for concurrent use.
type Observer interface {
	SessionAcquired(mode Mode, err error)
	FetchStarted(mode Mode)
	FetchFinished(mode Mode, outcome FetchOutcome, duration time.Duration)
	BatchFinished(mode Mode, size int, duration time.Duration)
}

// Config controls admission and timeouts for a Scheduler.
type Config struct {
	// MaxConcurrent caps fetches in flight per batch. Defaults to DefaultMaxConcurrent.
	MaxConcurrent int
	// DefaultTimeout applies to requests that carry no timeout. Defaults to DefaultTimeout.
	DefaultTimeout time.Duration
}

// Scheduler runs fetches against one session per request with bounded concurrency.
type Scheduler struct {
	factory  SessionFactory
	cfg      Config
	observer Observer
	tracer   trace.Tracer
	logger   *zap.Logger
}

// NewScheduler builds a Scheduler. observer and logger may be nil.
func NewScheduler(factory SessionFactory, cfg Config, observer Observer, logger *zap.Logger) (*Scheduler, error) {
	if factory == nil {
		return nil, errors.New("session factory is required")
	}
	if cfg.MaxConcurrent < 0 {
		return nil, fmt.Errorf("max concurrent must be >= 0, got %d", cfg.MaxConcurrent)
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		factory:  factory,
		cfg:      cfg,
		observer: observer,
		tracer:   otel.Tracer(tracerName),
		logger:   logger,
	}, nil
}

// MaxConcurrent reports the admission limit applied to batches.
func (s *Scheduler) MaxConcurrent() int {
	return s.cfg.MaxConcurrent
}

// Scrape fetches a single URL. It is a batch of one with an admission limit of one.
func (s *Scheduler) Scrape(ctx context.Context, req FetchRequest) FetchOutcome {
	req.Timeout = s.timeoutOrDefault(req.Timeout)
	return s.run(ctx, ModeSingle, []FetchRequest{req}, 1)[0]
}

// Batch fetches every URL in job and returns the outcomes in input order.
// An empty job returns immediately without acquiring a session.
func (s *Scheduler) Batch(ctx context.Context, job BatchJob) BatchResult {
	if len(job.URLs) == 0 {
		return BatchResult{Outcomes: []FetchOutcome{}}
	}
	timeout := s.timeoutOrDefault(job.Timeout)
	reqs := make([]FetchRequest, len(job.URLs))
	for i, u := range job.URLs {
		reqs[i] = FetchRequest{URL: u, Timeout: timeout}
	}
	return BatchResult{Outcomes: s.run(ctx, ModeBatch, reqs, s.cfg.MaxConcurrent)}
}

func (s *Scheduler) timeoutOrDefault(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return s.cfg.DefaultTimeout
}

func (s *Scheduler) run(ctx context.Context, mode Mode, reqs []FetchRequest, limit int) []FetchOutcome {
	ctx, span := s.tracer.Start(ctx, "scrape."+string(mode), trace.WithAttributes(
		attribute.Int("scrape.batch_size", len(reqs)),
		attribute.Int("scrape.max_concurrent", limit),
	))
	defer span.End()

	logger := s.logger.With(
		zap.String("mode", string(mode)),
		zap.Int("batch_size", len(reqs)),
		zap.Int("max_concurrent", limit),
	)
	start := time.Now()
	outcomes := make([]FetchOutcome, len(reqs))

	err := WithSession(ctx, s.factory, func(session Session) error {
		s.observer.SessionAcquired(mode, nil)
		s.dispatch(ctx, mode, session, reqs, limit, outcomes)
		return nil
	})

	var sessErr *SessionError
	switch {
	case err == nil:
	case errors.As(err, &sessErr) && sessErr.Op == OpAcquire:
		s.observer.SessionAcquired(mode, err)
		logger.Error("browser session acquisition failed", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "session acquisition failed")
		for i := range outcomes {
			outcomes[i] = Failed(err.Error())
		}
	default:
		logger.Warn("browser session release failed", zap.Error(err))
	}

	duration := time.Since(start)
	s.observer.BatchFinished(mode, len(reqs), duration)
	logger.Info("scrape finished",
		zap.Int("succeeded", countSucceeded(outcomes)),
		zap.Duration("duration", duration),
	)
	return outcomes
}

// dispatch launches one task per request and fills outcomes by index. Tasks
// that could not resolve on their own because the session died are given the
// session error once every task has finished.
func (s *Scheduler) dispatch(
	ctx context.Context,
	mode Mode,
	session Session,
	reqs []FetchRequest,
	limit int,
	outcomes []FetchOutcome,
) {
	slots := semaphore.NewWeighted(int64(limit))
	resolved := make([]bool, len(reqs))

	var g errgroup.Group
	for i := range reqs {
		g.Go(func() error {
			outcomes[i], resolved[i] = s.runTask(ctx, mode, session, slots, i, reqs[i])
			return nil
		})
	}
	_ = g.Wait()

	lost := session.Err()
	if lost == nil {
		return
	}
	lostErr := &SessionError{Op: OpLost, Err: lost}
	unresolved := 0
	for i := range outcomes {
		if !resolved[i] {
			outcomes[i] = Failed(lostErr.Error())
			unresolved++
		}
	}
	if unresolved > 0 {
		s.logger.Error("browser session lost mid-batch",
			zap.String("mode", string(mode)),
			zap.Int("unresolved", unresolved),
			zap.Error(lostErr),
		)
	}
}

// runTask drives one request through PENDING → ADMITTED → IN_FLIGHT → terminal.
// resolved is false only when the session died before the task could produce
// an outcome of its own.
func (s *Scheduler) runTask(
	ctx context.Context,
	mode Mode,
	session Session,
	slots *semaphore.Weighted,
	index int,
	req FetchRequest,
) (outcome FetchOutcome, resolved bool) {
	logger := s.logger.With(zap.Int("index", index), zap.String("url", req.URL))
	logger.Debug("task state", zap.String("state", string(TaskPending)))

	if err := slots.Acquire(ctx, 1); err != nil {
		logger.Warn("fetch slot wait canceled", zap.Error(err))
		return Failed(fmt.Sprintf("fetch slot wait canceled: %v", err)), true
	}
	defer slots.Release(1)
	logger.Debug("task state", zap.String("state", string(TaskAdmitted)))

	if session.Err() != nil {
		return FetchOutcome{}, false
	}

	ctx, span := s.tracer.Start(ctx, "scrape.fetch", trace.WithAttributes(
		attribute.String("url.full", req.URL),
		attribute.Int("scrape.index", index),
	))
	defer span.End()

	logger.Debug("task state", zap.String("state", string(TaskInFlight)))
	s.observer.FetchStarted(mode)
	start := time.Now()
	outcome, err := fetchRecovering(ctx, session, req)
	duration := time.Since(start)

	if err != nil {
		span.RecordError(err)
		if session.Err() != nil {
			s.observer.FetchFinished(mode, Failed(err.Error()), duration)
			logger.Warn("fetch aborted by lost session", zap.Error(err))
			return FetchOutcome{}, false
		}
		outcome = Failed(err.Error())
	}
	outcome = outcome.normalize()
	s.observer.FetchFinished(mode, outcome, duration)

	if outcome.Success {
		logger.Debug("task state", zap.String("state", string(TaskSucceeded)), zap.Duration("duration", duration))
	} else {
		span.SetStatus(codes.Error, outcome.Error)
		logger.Info("task state",
			zap.String("state", string(TaskFailed)),
			zap.String("error", outcome.Error),
			zap.Duration("duration", duration),
		)
	}
	return outcome, true
}

// fetchRecovering converts a panic inside the session into an error so that
// it stays scoped to its own task.
func fetchRecovering(ctx context.Context, session Session, req FetchRequest) (outcome FetchOutcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("fetch panicked: %v", rec)
		}
	}()
	return session.Fetch(ctx, req)
}

func countSucceeded(outcomes []FetchOutcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Success {
			n++
		}
	}
	return n
}

type nopObserver struct{}

func (nopObserver) SessionAcquired(Mode, error)                     {}
func (nopObserver) FetchStarted(Mode)                               {}
func (nopObserver) FetchFinished(Mode, FetchOutcome, time.Duration) {}
func (nopObserver) BatchFinished(Mode, int, time.Duration)          {}

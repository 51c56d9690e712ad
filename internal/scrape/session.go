package scrape

import (
	"context"
	"errors"
	"fmt"
)

// WithSession acquires one session from factory, hands it to fn and releases
// it on every exit path, including a panic inside fn. Acquisition failures are
// returned as *SessionError without calling fn. A release failure is joined to
// whatever fn returned.
func WithSession(ctx context.Context, factory SessionFactory, fn func(Session) error) (err error) {
	session, err := factory.Acquire(ctx)
	if err != nil {
		return &SessionError{Op: OpAcquire, Err: err}
	}
	if session == nil {
		return &SessionError{Op: OpAcquire, Err: ErrNoSession}
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("release session: %w", cerr))
		}
	}()
	return fn(session)
}

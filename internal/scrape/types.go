package scrape

import (
	"context"
	"time"
)

// DefaultTimeout is the per-fetch page load budget used when a request omits one.
const DefaultTimeout = 30 * time.Second

// DefaultMaxConcurrent is the admission limit used when none is configured.
const DefaultMaxConcurrent = 3

// failedPlaceholder is reported when the engine fails without saying why.
const failedPlaceholder = "Scrape failed"

// FetchRequest describes one page load.
type FetchRequest struct {
	URL string
	// WaitFor is an optional CSS selector that must appear before the page counts as loaded.
	WaitFor string
	Timeout time.Duration
}

// FetchOutcome is the per-URL result. Exactly one of Success or Error is set.
type FetchOutcome struct {
	Success  bool
	Markdown string
	HTML     string
	Title    string
	Error    string
}

// Succeeded builds a successful outcome.
func Succeeded(markdown, html, title string) FetchOutcome {
	return FetchOutcome{
		Success:  true,
		Markdown: markdown,
		HTML:     html,
		Title:    title,
	}
}

// Failed builds a failed outcome carrying msg.
func Failed(msg string) FetchOutcome {
	return FetchOutcome{Error: msg}.normalize()
}

// normalize enforces the success/error invariant on outcomes returned by a Session.
func (o FetchOutcome) normalize() FetchOutcome {
	if o.Success {
		o.Error = ""
		return o
	}
	msg := o.Error
	if msg == "" {
		msg = failedPlaceholder
	}
	return FetchOutcome{Error: msg}
}

// BatchJob is the unit of work for Scheduler.Batch. It lives for one request.
type BatchJob struct {
	URLs    []string
	Timeout time.Duration
}

// BatchResult holds one outcome per BatchJob URL, at the same index.
type BatchResult struct {
	Outcomes []FetchOutcome
}

// Session is a live handle to the browser engine. Fetch may be called
// concurrently by up to the scheduler's admission limit.
type Session interface {
	// Fetch loads one page. A returned error is a fetch exception; an outcome
	// with Success=false is a fetch failure reported by the engine.
	Fetch(ctx context.Context, req FetchRequest) (FetchOutcome, error)
	// Err returns a non-nil error once the session can no longer serve fetches.
	Err() error
	// Close releases the engine resources held by the session.
	Close() error
}

// SessionFactory opens sessions.
type SessionFactory interface {
	Acquire(ctx context.Context) (Session, error)
}

// TaskState tracks a single fetch task through the scheduler.
type TaskState string

// Task states. SUCCEEDED and FAILED are terminal; there is no retry.
const (
	TaskPending   TaskState = "PENDING"
	TaskAdmitted  TaskState = "ADMITTED"
	TaskInFlight  TaskState = "IN_FLIGHT"
	TaskSucceeded TaskState = "SUCCEEDED"
	TaskFailed    TaskState = "FAILED"
)

// Mode labels which entry point started a fetch.
type Mode string

// Scheduler entry points.
const (
	ModeSingle Mode = "single"
	ModeBatch  Mode = "batch"
)

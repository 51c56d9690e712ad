package scrape

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrValidation marks requests rejected before they reach the scheduler.
var ErrValidation = errors.New("validation error")

// ErrNoSession is returned by WithSession when a factory hands back neither a session nor an error.
var ErrNoSession = errors.New("session factory returned no session")

// Session operations reported by SessionError.
const (
	OpAcquire = "acquire"
	OpLost    = "lost"
)

// SessionError reports a browser session that could not be acquired or died
// while a batch was running.
type SessionError struct {
	Op  string
	Err error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s browser session: %v", e.Op, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// ValidateURL enforces the http/https scheme and non-empty host rule.
func ValidateURL(raw string) error {
	_, err := NormalizeURL(raw)
	return err
}

// NormalizeURL trims surrounding whitespace from raw and validates the result.
// Callers must forward the returned value, which is the one that was checked.
func NormalizeURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("%w: Invalid URL: %s", ErrValidation, raw)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("%w: URL must use http or https scheme: %s", ErrValidation, raw)
	}
	return trimmed, nil
}

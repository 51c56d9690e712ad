// Package scrape runs page fetches against a shared browser session.
//
// A Scheduler acquires one Session per request (single URL or batch), admits at
// most MaxConcurrent fetches at a time, and always returns one FetchOutcome per
// input URL in input order. Failures are resolved to outcomes at the narrowest
// scope possible: a failing fetch fails only its own URL, and a session that
// cannot be acquired or dies mid-batch fails only the URLs that have not
// already produced an outcome of their own.
package scrape

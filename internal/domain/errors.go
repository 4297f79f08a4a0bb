package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure the way the core's worker loop and
// Reconciler need to react to it, independent of the concrete Go error type.
type ErrorKind string

const (
	// KindTransient covers network timeouts, broker I/O, temporary file
	// locks. The worker loop does not retry it: a stage operation failing
	// with this kind counts as stage.failed like any per-item failure.
	KindTransient ErrorKind = "transient"
	// KindPermanentItem covers a corrupted PDF, an OCR engine refusal, a
	// parse error - recorded in last_error_* and the queue's failed
	// registry, counts as stage.failed, never blocks the coordinator.
	KindPermanentItem ErrorKind = "permanent_item"
	// KindPermanentSite covers invalid deploy credentials and similar
	// site-wide failures. The worker loop gives it no special handling: it
	// is recorded and counted as stage.failed like a per-item failure.
	// (fetch_site advances a site with no documents to completed itself.)
	KindPermanentSite ErrorKind = "permanent_site"
	// KindFatal covers a missing storage dir or missing binary - the
	// worker exits; no site mutation.
	KindFatal ErrorKind = "fatal"
	// KindUnavailable covers broker/state unavailability and a collaborator
	// whose circuit breaker is open. The worker loop gives it no special
	// handling: it is recorded and counted as stage.failed.
	KindUnavailable ErrorKind = "unavailable"
)

// Error wraps an underlying cause with the taxonomy kind the worker loop
// and Reconciler dispatch on, matching spec's Result(ok|err(kind)) shape.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// ErrUnknownSite is returned by site admission when a subdomain fails
// format validation or isn't present in a configured site registry. The
// CLI's enqueue command maps this to exit code 2.
var ErrUnknownSite = errors.New("unknown site")

// KindOf extracts the ErrorKind from err, defaulting to KindPermanentItem
// for errors that don't carry an explicit classification - an
// unclassified failure from a collaborator is treated conservatively as a
// per-item failure rather than silently retried forever.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindPermanentItem
}

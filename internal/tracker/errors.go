package tracker

import (
	"errors"
	"fmt"
)

// Kind classifies tracker access failures.
type Kind int

const (
	// KindTransient covers network errors and 5xx responses; retried with backoff.
	KindTransient Kind = iota

	// KindRateLimited is a 429; retried after the server's Retry-After delay.
	KindRateLimited

	// KindRejected is any other 4xx; never retried.
	KindRejected

	// KindParse means a fetched record could not be turned into a Task.
	KindParse
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindRejected:
		return "rejected"
	case KindParse:
		return "parse"
	default:
		return "unknown"
	}
}

// Error is returned by tracker clients.
type Error struct {
	Kind       Kind
	Op         string // e.g. "GET /v1/pages/abc"
	StatusCode int    // 0 when no response was received
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of err, and false if err is not a tracker error.
func KindOf(err error) (Kind, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return 0, false
}

// IsRetryable reports whether err is a transient or rate-limit failure.
func IsRetryable(err error) bool {
	k, ok := KindOf(err)
	return ok && (k == KindTransient || k == KindRateLimited)
}

// IsRejected reports whether the tracker refused the request outright.
func IsRejected(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindRejected
}

// ParseError builds a KindParse error for a record that failed validation.
func ParseError(recordID string, err error) error {
	return &Error{Kind: KindParse, Op: "parse record " + recordID, Err: err}
}

// Package llmerrors classifies provider-attempt failures into the closed set
// of kinds the dispatcher's retry logic distinguishes, and carries the
// per-kind backoff policy consulted between retries.
package llmerrors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// Kind is the closed taxonomy every attempt failure is mapped into.
type Kind int8

// Recognized failure kinds. Counters in the status tracker are kept
// disjoint along these lines: a failure is exactly one of these, never two.
const (
	KindRateLimit Kind = iota
	KindAPIError
	KindInvalidFinishReason
	KindSchemaMismatch
	KindTimeout
	KindOther
)

// String renders the kind for logs and metrics labels.
func (k Kind) String() string {
	switch k {
	case KindRateLimit:
		return "rate_limit"
	case KindAPIError:
		return "api_error"
	case KindInvalidFinishReason:
		return "invalid_finish_reason"
	case KindSchemaMismatch:
		return "schema_mismatch"
	case KindTimeout:
		return "timeout"
	default:
		return "other"
	}
}

// RetryConfig is the backoff shape consulted between attempts of a given
// kind. The dispatcher's attempts-remaining counter is flat and kind
// agnostic (per-request); RetryConfig governs only how long to sleep before
// the next attempt is made, not whether one is made.
type RetryConfig struct {
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
}

// DefaultRetryConfigs gives every kind a sane backoff shape out of the box.
// RateLimit backs off the most aggressively since the server told us to slow
// down; Timeout and APIError back off moderately; classification failures
// that are unlikely to self-resolve (SchemaMismatch, InvalidFinishReason)
// still get a short backoff since a retry with a fresh attempt can differ.
var DefaultRetryConfigs = map[Kind]RetryConfig{
	KindRateLimit:           {InitialDelay: 2 * time.Second, MaxDelay: 60 * time.Second, BackoffFactor: 2.0, Jitter: true},
	KindAPIError:            {InitialDelay: 1 * time.Second, MaxDelay: 30 * time.Second, BackoffFactor: 2.0, Jitter: true},
	KindTimeout:             {InitialDelay: 1 * time.Second, MaxDelay: 20 * time.Second, BackoffFactor: 2.0, Jitter: true},
	KindInvalidFinishReason: {InitialDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, BackoffFactor: 2.0, Jitter: true},
	KindSchemaMismatch:      {InitialDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, BackoffFactor: 2.0, Jitter: true},
	KindOther:               {InitialDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, BackoffFactor: 2.0, Jitter: true},
}

// Delay computes the backoff sleep before the given attempt number (1-based:
// attempt 1 is the delay before the second try). Jitter applies ±25% noise
// so a fleet of requests hitting the same rate limit don't retry in lockstep.
func (c RetryConfig) Delay(attempt int) time.Duration {
	d := float64(c.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= c.BackoffFactor
	}
	if d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	if c.Jitter {
		d *= 0.75 + rand.Float64()*0.5
	}
	return time.Duration(d)
}

// Error wraps an attempt failure with its classified kind, the HTTP status
// that produced it (0 if none, e.g. a transport-level timeout), and a short
// message safe to log without leaking full request/response bodies.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a classified error.
func New(kind Kind, statusCode int, message string, cause error) *Error {
	return &Error{Kind: kind, StatusCode: statusCode, Message: message, Cause: cause}
}

// RetryConfigFor returns the backoff policy for an error, falling back to
// KindOther's policy if the error isn't a classified *Error at all.
func RetryConfigFor(err error) RetryConfig {
	var classified *Error
	if errors.As(err, &classified) {
		if cfg, ok := DefaultRetryConfigs[classified.Kind]; ok {
			return cfg
		}
	}
	return DefaultRetryConfigs[KindOther]
}

// KindOf extracts the Kind from a classified error, defaulting to KindOther.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindOther
}

// ClassifyByStatus maps an HTTP status code (plus a transport-level error,
// which takes priority) to a Kind. This is the shared entry point every
// adapter's Call/Parse path runs through before wrapping with a message: a
// status-then-substring dispatch over the raw HTTP status and body, since
// these adapters speak raw net/http rather than a vendor SDK.
func ClassifyByStatus(transportErr error, statusCode int, apiErrorMessage string) Kind {
	if transportErr != nil {
		if isTimeout(transportErr) {
			return KindTimeout
		}
		return KindOther
	}
	switch statusCode {
	case 429:
		return KindRateLimit
	case 400, 401, 403, 404, 422, 500, 502, 503, 504:
		return KindAPIError
	}
	if apiErrorMessage != "" && containsRateLimitHint(apiErrorMessage) {
		return KindRateLimit
	}
	return KindOther
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	var t timeouter
	if errors.As(err, &t) {
		return t.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func containsRateLimitHint(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "rate limit") || strings.Contains(lower, "rate_limit") || strings.Contains(lower, "quota")
}

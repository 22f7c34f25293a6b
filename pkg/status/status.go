// Package status tracks the run-wide counters the dispatcher reports to a
// StatusSink and consults for the rate-limit cool-down: tasks started,
// succeeded, failed, in progress, and three disjoint error buckets
// (rate-limit / API / other), kept strictly disjoint so every error is
// counted exactly once.
package status

import (
	"sync"
	"time"

	"llmbatch/pkg/capacity"
	"llmbatch/pkg/provider"
)

// Counters is a point-in-time snapshot suitable for a StatusSink to render.
type Counters struct {
	TasksStarted     int
	TasksInProgress  int
	TasksSucceeded   int
	TasksFailed      int
	NumRateLimitErrors int
	NumAPIErrors       int
	NumOtherErrors     int
	TotalPromptTokens     int
	TotalCompletionTokens int
	TotalCostUSD          float64
	TimeOfLastRateLimitError time.Time

	// AvgCompletionTokens is the simple moving average of the last (up to)
	// completionTokensRingSize observed completion_tokens values, for a
	// lightweight live estimate of output size without scanning every
	// response so far.
	AvgCompletionTokens float64
}

// completionTokensRingSize bounds the moving-average window.
const completionTokensRingSize = 50

// Tracker aggregates run-wide counters and owns the capacity bucket it was
// constructed with. Constructed fresh per run and passed by reference,
// never a package-level singleton, since this state is scoped to one run.
type Tracker struct {
	mu sync.Mutex
	c  Counters

	Capacity *capacity.Tracker

	secondsToPauseOnRateLimit time.Duration

	// completionTokensRing is a bounded deque of the last observed
	// completion_tokens values backing Counters.AvgCompletionTokens.
	completionTokensRing []int
	ringNext             int
	ringSum              int
}

// New constructs a status Tracker wrapping the given capacity tracker.
func New(cap *capacity.Tracker, secondsToPauseOnRateLimit time.Duration) *Tracker {
	return &Tracker{Capacity: cap, secondsToPauseOnRateLimit: secondsToPauseOnRateLimit}
}

// HasCapacity delegates to the wrapped capacity tracker.
func (t *Tracker) HasCapacity(est provider.TokenCount) bool {
	return t.Capacity.HasCapacity(est)
}

// ConsumeCapacity reserves admission for one task.
func (t *Tracker) ConsumeCapacity(est provider.TokenCount) {
	t.Capacity.Reserve(est)
}

// MarkStarted records that a task has been admitted and launched.
func (t *Tracker) MarkStarted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.c.TasksStarted++
	t.c.TasksInProgress++
}

// MarkFinished decrements in-progress; call exactly once per started task
// regardless of outcome.
func (t *Tracker) MarkFinished() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.c.TasksInProgress--
}

// MarkSucceeded records a completed success, its real usage (for
// reconciliation against the estimate already reserved) and cost, and folds
// the observed completion_tokens into the moving-average ring.
func (t *Tracker) MarkSucceeded(estimated, actual provider.TokenCount, costUSD float64) {
	t.Capacity.Reconcile(estimated, actual)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.c.TasksSucceeded++
	t.c.TotalPromptTokens += actual.Input
	t.c.TotalCompletionTokens += actual.Output
	t.c.TotalCostUSD += costUSD
	t.pushCompletionTokens(actual.Output)
}

// pushCompletionTokens folds v into the bounded moving-average ring, evicting
// the oldest value once the ring is full. Callers must hold t.mu.
func (t *Tracker) pushCompletionTokens(v int) {
	if len(t.completionTokensRing) < completionTokensRingSize {
		t.completionTokensRing = append(t.completionTokensRing, v)
		t.ringSum += v
	} else {
		old := t.completionTokensRing[t.ringNext]
		t.completionTokensRing[t.ringNext] = v
		t.ringSum += v - old
		t.ringNext = (t.ringNext + 1) % completionTokensRingSize
	}
	t.c.AvgCompletionTokens = float64(t.ringSum) / float64(len(t.completionTokensRing))
}

// MarkPermanentFailure records a request that has exhausted its retries.
// The capacity reserved for its final attempt is deliberately left alone —
// a failed call may still have reached the provider and been counted
// against its quota, so that reservation decays naturally under leak
// instead of being credited back immediately.
func (t *Tracker) MarkPermanentFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.c.TasksFailed++
}

// ErrorKind matches llmerrors.Kind without importing it, keeping this
// package usable by anything that classifies errors its own way.
type ErrorKind int8

// The three disjoint buckets counted here; InvalidFinishReason, Timeout and
// SchemaMismatch in llmerrors.Kind are folded into NumOtherErrors at the
// status-counter level — only rate-limit and general API errors get their
// own bucket, since those two are what the cool-down logic and bootstrap
// probing need to distinguish.
const (
	ErrorRateLimit ErrorKind = iota
	ErrorAPI
	ErrorOther
)

// RecordError increments exactly one of the three disjoint error counters
// and, for rate limits, stamps the cool-down timer.
func (t *Tracker) RecordError(kind ErrorKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch kind {
	case ErrorRateLimit:
		t.c.NumRateLimitErrors++
		t.c.TimeOfLastRateLimitError = time.Now()
	case ErrorAPI:
		t.c.NumAPIErrors++
	default:
		t.c.NumOtherErrors++
	}
}

// CoolDownRemaining returns how much longer the dispatcher should pause new
// attempts following the most recent rate-limit error, or zero if no
// cool-down is currently active.
func (t *Tracker) CoolDownRemaining() time.Duration {
	t.mu.Lock()
	last := t.c.TimeOfLastRateLimitError
	t.mu.Unlock()

	if last.IsZero() || t.secondsToPauseOnRateLimit <= 0 {
		return 0
	}
	elapsed := time.Since(last)
	if elapsed >= t.secondsToPauseOnRateLimit {
		return 0
	}
	return t.secondsToPauseOnRateLimit - elapsed
}

// Snapshot returns a copy of the current counters.
func (t *Tracker) Snapshot() Counters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.c
}

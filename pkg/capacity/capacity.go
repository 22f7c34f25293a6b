// Package capacity implements the leaky-bucket RPM/TPM admission tracker the
// dispatcher consults before every HTTP attempt: a TokenCount-aware,
// strategy-selectable bucket that leaks continuously (proportional to
// elapsed wall-clock time) rather than resetting on a fixed calendar window,
// with reserve/reconcile rather than plain debit — a conservative pre-call
// estimate is reserved up front and then corrected once the real usage is
// known, crediting back the gap when the estimate overshot rather than
// letting the bucket only ever deplete until the next scheduled refill. An
// estimate that undershot is not debited further.
package capacity

import (
	"sync"
	"time"

	"llmbatch/pkg/provider"
)

// Tracker is a per-run admission gate for one provider/model combination.
// Its fields mirror CapacityState: availableRequests and availableTokens
// are fractional and leak continuously from lastLeakTS; pendingTokens
// tracks tokens reserved by in-flight calls that have not yet reconciled.
type Tracker struct {
	mu sync.Mutex

	strategy provider.TokenLimitStrategy

	maxRequestsPerMinute     int
	maxTokensPerMinute       int // total-strategy budget, or input budget for separated
	maxOutputTokensPerMinute int // only used by the separated strategy

	availableRequests     float64
	availableTokens       float64
	availableOutputTokens float64

	pendingTokens       int
	pendingOutputTokens int

	lastLeakTS time.Time
}

// New constructs a Tracker with full buckets. A zero limit means "no limit
// enforced" for that dimension — e.g. maxTokensPerMinute == 0 disables TPM
// admission entirely, letting a caller run RPM-only.
func New(strategy provider.TokenLimitStrategy, maxRPM, maxTPM, maxOutputTPM int) *Tracker {
	return &Tracker{
		strategy:                 strategy,
		maxRequestsPerMinute:     maxRPM,
		maxTokensPerMinute:       maxTPM,
		maxOutputTokensPerMinute: maxOutputTPM,
		availableRequests:        float64(maxRPM),
		availableTokens:          float64(maxTPM),
		availableOutputTokens:    float64(maxOutputTPM),
		lastLeakTS:               time.Now(),
	}
}

// leak credits max_rpm/max_tpm * elapsed/60 to each bucket since the last
// leak, clamped to the configured maximum. Idempotent; safe to call before
// every check. A zero limit gets no credit here since that dimension is
// unenforced and its bucket is never consulted.
func (t *Tracker) leak(now time.Time) {
	elapsed := now.Sub(t.lastLeakTS).Seconds()
	if elapsed <= 0 {
		return
	}
	if t.maxRequestsPerMinute > 0 {
		t.availableRequests += float64(t.maxRequestsPerMinute) * elapsed / 60
		if t.availableRequests > float64(t.maxRequestsPerMinute) {
			t.availableRequests = float64(t.maxRequestsPerMinute)
		}
	}
	if t.maxTokensPerMinute > 0 {
		t.availableTokens += float64(t.maxTokensPerMinute) * elapsed / 60
		if t.availableTokens > float64(t.maxTokensPerMinute) {
			t.availableTokens = float64(t.maxTokensPerMinute)
		}
	}
	if t.strategy == provider.StrategySeparated && t.maxOutputTokensPerMinute > 0 {
		t.availableOutputTokens += float64(t.maxOutputTokensPerMinute) * elapsed / 60
		if t.availableOutputTokens > float64(t.maxOutputTokensPerMinute) {
			t.availableOutputTokens = float64(t.maxOutputTokensPerMinute)
		}
	}
	t.lastLeakTS = now
}

// tokensForEstimate returns the token count the active strategy charges
// against the bucket for a pre-call estimate.
func (t *Tracker) tokensForEstimate(est provider.TokenCount) (input, output int) {
	switch t.strategy {
	case provider.StrategyInputOnly:
		return est.Input, 0
	case provider.StrategySeparated:
		return est.Input, est.Output
	default: // StrategyTotal
		return est.Total(), 0
	}
}

// HasCapacity leaks, then reports whether reserving est right now would fit
// within the RPM and TPM budgets. The dispatcher polls this (300ms, per the
// design) before calling Reserve.
func (t *Tracker) HasCapacity(est provider.TokenCount) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.leak(time.Now())

	if t.maxRequestsPerMinute > 0 && t.availableRequests < 1 {
		return false
	}
	input, output := t.tokensForEstimate(est)
	if t.maxTokensPerMinute > 0 && t.availableTokens < float64(input) {
		return false
	}
	if t.strategy == provider.StrategySeparated && t.maxOutputTokensPerMinute > 0 &&
		t.availableOutputTokens < float64(output) {
		return false
	}
	return true
}

// Reserve admits one request, leaking first and then debiting its
// conservative estimate from the bucket and adding it to pending
// reservations. Callers must have already confirmed HasCapacity; Reserve
// itself does not block or reject, it only accounts.
func (t *Tracker) Reserve(est provider.TokenCount) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.leak(time.Now())

	if t.maxRequestsPerMinute > 0 {
		t.availableRequests--
	}
	input, output := t.tokensForEstimate(est)
	t.availableTokens -= float64(input)
	t.pendingTokens += input
	if t.strategy == provider.StrategySeparated {
		t.availableOutputTokens -= float64(output)
		t.pendingOutputTokens += output
	}
}

// Reconcile corrects a prior Reserve once the real usage is known: it
// credits back max(reserved - actual, 0) to the available-tokens bucket
// (never beyond the configured maximum) and decrements pending
// reservations by the reserved amount.
func (t *Tracker) Reconcile(estimated, actual provider.TokenCount) {
	t.mu.Lock()
	defer t.mu.Unlock()

	estIn, estOut := t.tokensForEstimate(estimated)
	actIn, actOut := t.tokensForEstimate(actual)

	if credit := estIn - actIn; credit > 0 {
		t.availableTokens += float64(credit)
		if t.maxTokensPerMinute > 0 && t.availableTokens > float64(t.maxTokensPerMinute) {
			t.availableTokens = float64(t.maxTokensPerMinute)
		}
	}
	t.pendingTokens -= estIn
	if t.pendingTokens < 0 {
		t.pendingTokens = 0
	}

	if t.strategy == provider.StrategySeparated {
		if credit := estOut - actOut; credit > 0 {
			t.availableOutputTokens += float64(credit)
			if t.maxOutputTokensPerMinute > 0 && t.availableOutputTokens > float64(t.maxOutputTokensPerMinute) {
				t.availableOutputTokens = float64(t.maxOutputTokensPerMinute)
			}
		}
		t.pendingOutputTokens -= estOut
		if t.pendingOutputTokens < 0 {
			t.pendingOutputTokens = 0
		}
	}
}

// Release undoes a Reserve entirely, for the case where a request is
// abandoned before any attempt is made (e.g. dispatcher shutdown mid-wait).
// It is deliberately not called when an attempt fails after reaching the
// provider — a failed call may still have been counted against the
// provider's own quota, so that reservation decays naturally under leak
// instead of being credited back immediately.
func (t *Tracker) Release(est provider.TokenCount) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.maxRequestsPerMinute > 0 {
		t.availableRequests++
		if t.availableRequests > float64(t.maxRequestsPerMinute) {
			t.availableRequests = float64(t.maxRequestsPerMinute)
		}
	}
	input, output := t.tokensForEstimate(est)
	t.availableTokens += float64(input)
	if t.maxTokensPerMinute > 0 && t.availableTokens > float64(t.maxTokensPerMinute) {
		t.availableTokens = float64(t.maxTokensPerMinute)
	}
	t.pendingTokens -= input
	if t.pendingTokens < 0 {
		t.pendingTokens = 0
	}
	if t.strategy == provider.StrategySeparated {
		t.availableOutputTokens += float64(output)
		if t.maxOutputTokensPerMinute > 0 && t.availableOutputTokens > float64(t.maxOutputTokensPerMinute) {
			t.availableOutputTokens = float64(t.maxOutputTokensPerMinute)
		}
		t.pendingOutputTokens -= output
		if t.pendingOutputTokens < 0 {
			t.pendingOutputTokens = 0
		}
	}
}

// Snapshot is a point-in-time read of the current bucket state, for status
// reporting.
type Snapshot struct {
	AvailableRequests    float64
	AvailableTokens      float64
	MaxRequestsPerMinute int
	MaxTokensPerMinute   int
	PendingTokens        int
}

// Snapshot leaks and returns the current bucket state without mutating
// anything beyond that leak.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.leak(time.Now())
	return Snapshot{
		AvailableRequests:    t.availableRequests,
		AvailableTokens:      t.availableTokens,
		MaxRequestsPerMinute: t.maxRequestsPerMinute,
		MaxTokensPerMinute:   t.maxTokensPerMinute,
		PendingTokens:        t.pendingTokens,
	}
}

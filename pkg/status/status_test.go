package status

import (
	"testing"
	"time"

	"llmbatch/pkg/capacity"
	"llmbatch/pkg/provider"
)

func newTestTracker() *Tracker {
	cap := capacity.New(provider.StrategyTotal, 10, 1000, 0)
	return New(cap, 200*time.Millisecond)
}

func TestMarkStartedAndFinished(t *testing.T) {
	tr := newTestTracker()
	tr.MarkStarted()
	tr.MarkStarted()
	snap := tr.Snapshot()
	if snap.TasksStarted != 2 || snap.TasksInProgress != 2 {
		t.Fatalf("unexpected snapshot after two starts: %+v", snap)
	}
	tr.MarkFinished()
	snap = tr.Snapshot()
	if snap.TasksInProgress != 1 {
		t.Fatalf("expected 1 in progress, got %d", snap.TasksInProgress)
	}
}

func TestMarkSucceededReconcilesAndAccumulates(t *testing.T) {
	tr := newTestTracker()
	est := provider.TokenCount{Input: 100, Output: 50}
	tr.ConsumeCapacity(est)
	tr.MarkSucceeded(est, provider.TokenCount{Input: 80, Output: 20}, 0.05)

	snap := tr.Snapshot()
	if snap.TasksSucceeded != 1 {
		t.Errorf("expected 1 success, got %d", snap.TasksSucceeded)
	}
	if snap.TotalPromptTokens != 80 || snap.TotalCompletionTokens != 20 {
		t.Errorf("unexpected token totals: %+v", snap)
	}
	if snap.TotalCostUSD != 0.05 {
		t.Errorf("expected cost 0.05, got %f", snap.TotalCostUSD)
	}
	if snap.AvgCompletionTokens != 20 {
		t.Errorf("expected moving average 20 after one sample, got %f", snap.AvgCompletionTokens)
	}
}

func TestAvgCompletionTokensRingEvictsOldestPast50Samples(t *testing.T) {
	tr := newTestTracker()
	est := provider.TokenCount{Input: 1}

	for i := 0; i < 50; i++ {
		tr.MarkSucceeded(est, provider.TokenCount{Input: 1, Output: 10}, 0)
	}
	if avg := tr.Snapshot().AvgCompletionTokens; avg != 10 {
		t.Fatalf("expected average 10 after 50 samples of 10, got %f", avg)
	}

	// A 51st sample should evict the oldest 10, not grow the window past 50.
	tr.MarkSucceeded(est, provider.TokenCount{Input: 1, Output: 500}, 0)
	snap := tr.Snapshot()
	want := (49*10.0 + 500) / 50
	if snap.AvgCompletionTokens != want {
		t.Fatalf("expected average %f after eviction, got %f", want, snap.AvgCompletionTokens)
	}
}

func TestRecordErrorBucketsAreDisjoint(t *testing.T) {
	tr := newTestTracker()
	tr.RecordError(ErrorRateLimit)
	tr.RecordError(ErrorAPI)
	tr.RecordError(ErrorOther)
	tr.RecordError(ErrorOther)

	snap := tr.Snapshot()
	if snap.NumRateLimitErrors != 1 || snap.NumAPIErrors != 1 || snap.NumOtherErrors != 2 {
		t.Fatalf("expected disjoint counts 1/1/2, got %+v", snap)
	}
}

func TestCoolDownRemainingTracksRateLimitError(t *testing.T) {
	tr := newTestTracker()
	if d := tr.CoolDownRemaining(); d != 0 {
		t.Fatalf("expected no cool-down before any rate-limit error, got %v", d)
	}
	tr.RecordError(ErrorRateLimit)
	if d := tr.CoolDownRemaining(); d <= 0 {
		t.Fatal("expected active cool-down immediately after a rate-limit error")
	}
	time.Sleep(250 * time.Millisecond)
	if d := tr.CoolDownRemaining(); d != 0 {
		t.Fatalf("expected cool-down to have elapsed, got %v", d)
	}
}

func TestMarkPermanentFailureLeavesReservedCapacityToDecayUnderLeak(t *testing.T) {
	tr := newTestTracker()
	est := provider.TokenCount{Input: 1000}
	tr.ConsumeCapacity(est)
	if tr.HasCapacity(provider.TokenCount{Input: 50}) {
		t.Fatal("expected capacity exhausted before permanent failure")
	}
	tr.MarkPermanentFailure()
	if tr.HasCapacity(provider.TokenCount{Input: 50}) {
		t.Fatal("expected capacity to remain reserved immediately after permanent failure")
	}
	if snap := tr.Snapshot(); snap.TasksFailed != 1 {
		t.Errorf("expected 1 failed task, got %d", snap.TasksFailed)
	}
}

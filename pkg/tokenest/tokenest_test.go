package tokenest

import (
	"testing"

	"llmbatch/pkg/provider"
)

func TestEstimateInputIncludesFormattingOverhead(t *testing.T) {
	e, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	msgs := []provider.GenericMessage{
		{Role: "user", Content: "hello"},
	}
	withOverhead := e.EstimateInput(msgs)
	bareContent := e.Count("user") + e.Count("hello")

	if withOverhead <= bareContent {
		t.Errorf("expected formatting overhead to be added, got %d <= bare %d", withOverhead, bareContent)
	}
}

func TestEstimateInputChargesNameField(t *testing.T) {
	e, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	withoutName := e.EstimateInput([]provider.GenericMessage{{Role: "user", Content: "hi"}})
	withName := e.EstimateInput([]provider.GenericMessage{{Role: "user", Content: "hi", Name: "alice_the_assistant"}})
	if withName <= withoutName {
		t.Errorf("expected named message to cost more tokens: withName=%d withoutName=%d", withName, withoutName)
	}
}

func TestEstimateOutputZeroHintYieldsZero(t *testing.T) {
	e, _ := New()
	if got := e.EstimateOutput(0); got != 0 {
		t.Errorf("EstimateOutput(0) = %d, want 0", got)
	}
}

func TestEstimateOutputScalesWithHint(t *testing.T) {
	e, _ := New()
	if got := e.EstimateOutput(4000); got != 1000 {
		t.Errorf("EstimateOutput(4000) = %d, want 1000", got)
	}
}

func TestCountFallsBackWithoutCodec(t *testing.T) {
	e := &Estimator{}
	if got := e.Count("abcdefgh"); got != 2 {
		t.Errorf("Count() fallback = %d, want 2 (len/4)", got)
	}
}

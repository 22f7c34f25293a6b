package anthropic

import (
	"net/http"
	"testing"

	"llmbatch/pkg/llmerrors"
	"llmbatch/pkg/provider"
)

func TestBuildExtractsSystemMessage(t *testing.T) {
	a, err := New("", "claude-3-5-sonnet", 1024)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	body, err := a.Build(provider.GenericRequest{
		Messages: []provider.GenericMessage{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "hi"},
		},
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if body["system"] != "be terse" {
		t.Errorf("expected system field, got %v", body["system"])
	}
	msgs, ok := body["messages"].([]map[string]any)
	if !ok || len(msgs) != 1 {
		t.Fatalf("expected system message to be extracted, leaving one message, got %v", body["messages"])
	}
}

func TestBuildMergesConsecutiveSameRoleMessages(t *testing.T) {
	a, _ := New("", "claude-3-5-sonnet", 1024)
	body, err := a.Build(provider.GenericRequest{
		Messages: []provider.GenericMessage{
			{Role: "user", Content: "first"},
			{Role: "user", Content: "second"},
		},
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	msgs := body["messages"].([]map[string]any)
	if len(msgs) != 1 {
		t.Fatalf("expected merged single message, got %d", len(msgs))
	}
	if msgs[0]["content"] != "first\n\nsecond" {
		t.Errorf("unexpected merged content: %v", msgs[0]["content"])
	}
}

func TestParseSuccessExtractsTextAndUsage(t *testing.T) {
	a, _ := New("", "claude-3-5-sonnet", 1024)
	raw := map[string]any{
		"content":     []any{map[string]any{"type": "text", "text": "hello"}},
		"stop_reason": "end_turn",
		"usage":       map[string]any{"input_tokens": float64(12), "output_tokens": float64(3)},
	}
	msg, stop, usage, _, err := a.Parse(http.StatusOK, raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if msg != "hello" || stop != "end_turn" {
		t.Errorf("unexpected parse result: msg=%q stop=%q", msg, stop)
	}
	if usage.Input != 12 || usage.Output != 3 {
		t.Errorf("unexpected usage: %+v", usage)
	}
}

func TestParseRateLimitStatus(t *testing.T) {
	a, _ := New("", "claude-3-5-sonnet", 1024)
	raw := map[string]any{"error": map[string]any{"message": "rate limited"}}
	_, _, _, _, err := a.Parse(http.StatusTooManyRequests, raw)
	if err == nil || llmerrors.KindOf(err) != llmerrors.KindRateLimit {
		t.Fatalf("expected KindRateLimit, got %v", err)
	}
}

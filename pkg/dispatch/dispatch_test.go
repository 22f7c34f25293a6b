package dispatch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"llmbatch/pkg/capacity"
	"llmbatch/pkg/llmerrors"
	"llmbatch/pkg/provider"
	"llmbatch/pkg/responselog"
	"llmbatch/pkg/status"
)

// fakeAdapter lets each test script exactly how many times Call should fail
// before succeeding, per original_row_idx.
type fakeAdapter struct {
	mu           sync.Mutex
	failuresLeft map[int]int
	calls        map[int]int
}

func newFakeAdapter(failuresLeft map[int]int) *fakeAdapter {
	return &fakeAdapter{failuresLeft: failuresLeft, calls: map[int]int{}}
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) Build(req provider.GenericRequest) (map[string]any, error) {
	return map[string]any{"idx": req.OriginalRowIdx}, nil
}

func (f *fakeAdapter) EstimateTokens(provider.GenericRequest) (provider.TokenCount, error) {
	return provider.TokenCount{Input: 10, Output: 5}, nil
}

func (f *fakeAdapter) Call(_ context.Context, _ string, body map[string]any) (int, map[string]any, error) {
	idx := int(body["idx"].(int))
	f.mu.Lock()
	f.calls[idx]++
	remaining := f.failuresLeft[idx]
	if remaining > 0 {
		f.failuresLeft[idx]--
	}
	f.mu.Unlock()

	if remaining > 0 {
		return 500, map[string]any{}, nil
	}
	return 200, map[string]any{
		"choices": []any{
			map[string]any{
				"finish_reason": "stop",
				"message":       map[string]any{"content": "ok"},
			},
		},
		"usage": map[string]any{"prompt_tokens": float64(10), "completion_tokens": float64(5)},
	}, nil
}

func (f *fakeAdapter) Parse(status int, raw map[string]any) (string, string, provider.TokenCount, float64, error) {
	if status != 200 {
		return "", "", provider.TokenCount{}, 0, llmerrors.New(llmerrors.KindAPIError, status, "boom", nil)
	}
	choice := raw["choices"].([]any)[0].(map[string]any)
	msgObj := choice["message"].(map[string]any)
	usageObj := raw["usage"].(map[string]any)
	usage := provider.TokenCount{
		Input:  int(usageObj["prompt_tokens"].(float64)),
		Output: int(usageObj["completion_tokens"].(float64)),
	}
	return msgObj["content"].(string), choice["finish_reason"].(string), usage, 0, nil
}

func (f *fakeAdapter) ProbeRateLimits(context.Context, string, string) (*provider.RateLimits, error) {
	return nil, nil
}

func writeRequestFile(t *testing.T, dir string, indices []int) string {
	t.Helper()
	path := filepath.Join(dir, "requests.jsonl")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create request file: %v", err)
	}
	defer f.Close()
	for _, idx := range indices {
		req := provider.GenericRequest{
			OriginalRowIdx: idx,
			Model:          "fake-model",
			Messages:       []provider.GenericMessage{{Role: "user", Content: "hi"}},
		}
		data, _ := json.Marshal(req)
		f.Write(data)
		f.WriteString("\n")
	}
	return path
}

func writeRequestFileWithSchema(t *testing.T, dir string, idx int, schema map[string]any) string {
	t.Helper()
	path := filepath.Join(dir, "requests.jsonl")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create request file: %v", err)
	}
	defer f.Close()
	req := provider.GenericRequest{
		OriginalRowIdx: idx,
		Model:          "fake-model",
		Messages:       []provider.GenericMessage{{Role: "user", Content: "hi"}},
		ResponseSchema: schema,
	}
	data, _ := json.Marshal(req)
	f.Write(data)
	f.WriteString("\n")
	return path
}

func newTestDispatcher(t *testing.T, adapter provider.Adapter, maxRetries int) (*Dispatcher, *responselog.Log, string) {
	t.Helper()
	dir := t.TempDir()
	responsePath := filepath.Join(dir, "responses.jsonl")
	log, err := responselog.Open(responsePath)
	if err != nil {
		t.Fatalf("open responselog: %v", err)
	}

	cap := capacity.New(provider.StrategyTotal, 0, 0, 0)
	st := status.New(cap, 50*time.Millisecond)

	cfg := Config{
		MaxConcurrentRequests: 4,
		MaxBatch:              4,
		MaxRetries:            maxRetries,
	}
	d := New(cfg, adapter, st, log, nil, nil)
	return d, log, responsePath
}

func TestRunSucceedsOnFirstAttempt(t *testing.T) {
	adapter := newFakeAdapter(map[int]int{0: 0, 1: 0})
	d, log, responsePath := newTestDispatcher(t, adapter, 3)
	defer log.Close()

	dir := filepath.Dir(responsePath)
	reqPath := writeRequestFile(t, dir, []int{0, 1})

	if err := d.Run(context.Background(), reqPath, map[int]bool{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	log.Close()

	resumed, err := responselog.ResumeSet(responsePath)
	if err != nil {
		t.Fatalf("ResumeSet() error = %v", err)
	}
	if !resumed[0] || !resumed[1] {
		t.Fatalf("expected both rows completed, got %v", resumed)
	}
}

func TestRunRetriesThenSucceeds(t *testing.T) {
	adapter := newFakeAdapter(map[int]int{0: 2})
	d, log, responsePath := newTestDispatcher(t, adapter, 5)
	defer log.Close()

	dir := filepath.Dir(responsePath)
	reqPath := writeRequestFile(t, dir, []int{0})

	if err := d.Run(context.Background(), reqPath, map[int]bool{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	log.Close()

	adapter.mu.Lock()
	calls := adapter.calls[0]
	adapter.mu.Unlock()
	if calls != 3 {
		t.Fatalf("expected 3 total attempts (2 failures + 1 success), got %d", calls)
	}

	resumed, err := responselog.ResumeSet(responsePath)
	if err != nil {
		t.Fatalf("ResumeSet() error = %v", err)
	}
	if !resumed[0] {
		t.Fatal("expected row 0 to eventually complete")
	}
}

func TestRunExhaustsRetriesAndRecordsPermanentFailure(t *testing.T) {
	adapter := newFakeAdapter(map[int]int{0: 100})
	d, log, responsePath := newTestDispatcher(t, adapter, 2)
	defer log.Close()

	dir := filepath.Dir(responsePath)
	reqPath := writeRequestFile(t, dir, []int{0})

	if err := d.Run(context.Background(), reqPath, map[int]bool{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	log.Close()

	data, err := os.ReadFile(responsePath)
	if err != nil {
		t.Fatalf("read response log: %v", err)
	}
	var resp provider.GenericResponse
	if err := json.Unmarshal(data[:indexOfFirstNewline(data)], &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.ResponseMessage != nil {
		t.Fatal("expected permanent failure to have no response message")
	}
	// maxRetries=2 must yield 3 total attempts (the initial try plus 2
	// retries), not 2 — the attempts-left budget is consumed by retries,
	// not by the original attempt.
	if len(resp.ResponseErrors) != 3 {
		t.Fatalf("expected 3 recorded errors (initial + 2 retries), got %d", len(resp.ResponseErrors))
	}

	adapter.mu.Lock()
	calls := adapter.calls[0]
	adapter.mu.Unlock()
	if calls != 3 {
		t.Fatalf("expected 3 total HTTP attempts, got %d", calls)
	}
}

func TestRunRetriesOnSchemaMismatchThenExhausts(t *testing.T) {
	// The fake adapter's success message is the plain string "ok", which can
	// never satisfy a JSON object schema, so every attempt fails validation.
	adapter := newFakeAdapter(map[int]int{0: 0})
	d, log, responsePath := newTestDispatcher(t, adapter, 1)
	defer log.Close()

	dir := filepath.Dir(responsePath)
	reqPath := writeRequestFileWithSchema(t, dir, 0, map[string]any{
		"type":     "object",
		"required": []any{"result"},
	})

	if err := d.Run(context.Background(), reqPath, map[int]bool{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	log.Close()

	adapter.mu.Lock()
	calls := adapter.calls[0]
	adapter.mu.Unlock()
	if calls != 2 {
		t.Fatalf("expected 2 total attempts (initial + 1 retry), got %d", calls)
	}

	data, err := os.ReadFile(responsePath)
	if err != nil {
		t.Fatalf("read response log: %v", err)
	}
	var resp provider.GenericResponse
	if err := json.Unmarshal(data[:indexOfFirstNewline(data)], &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.ResponseMessage != nil {
		t.Fatal("expected schema-mismatch exhaustion to have no response message")
	}
	if len(resp.ResponseErrors) != 2 {
		t.Fatalf("expected 2 recorded schema-mismatch errors, got %d", len(resp.ResponseErrors))
	}
	for _, e := range resp.ResponseErrors {
		if !strings.Contains(e, "schema") {
			t.Errorf("expected error to mention schema mismatch, got %q", e)
		}
	}
}

func TestRunSkipsRowsInResumeSet(t *testing.T) {
	adapter := newFakeAdapter(map[int]int{0: 0, 1: 0})
	d, log, responsePath := newTestDispatcher(t, adapter, 3)
	defer log.Close()

	dir := filepath.Dir(responsePath)
	reqPath := writeRequestFile(t, dir, []int{0, 1})

	if err := d.Run(context.Background(), reqPath, map[int]bool{0: true}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	adapter.mu.Lock()
	_, calledRow0 := adapter.calls[0]
	adapter.mu.Unlock()
	if calledRow0 {
		t.Fatal("expected row 0 to be skipped due to resume set")
	}
}

func indexOfFirstNewline(data []byte) int {
	for i, b := range data {
		if b == '\n' {
			return i
		}
	}
	return len(data)
}

func TestAtomicPendingNeverGoesNegative(t *testing.T) {
	var pending int64
	atomic.AddInt64(&pending, 1)
	atomic.AddInt64(&pending, -1)
	if atomic.LoadInt64(&pending) != 0 {
		t.Fatal("expected pending counter back at zero")
	}
}

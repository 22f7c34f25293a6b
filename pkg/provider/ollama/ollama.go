// Package ollama implements the provider.Adapter for a local Ollama
// server's /api/chat endpoint. Ollama is the adapter that exercises the
// "no rate-limit headers, no billing" path: ProbeRateLimits always returns
// (nil, nil) so the dispatcher falls back to configured or built-in
// defaults, and Parse always reports zero cost since a local model has none.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"llmbatch/pkg/llmerrors"
	"llmbatch/pkg/provider"
	"llmbatch/pkg/tokenest"
)

// DefaultURL is the standard local Ollama server address.
const DefaultURL = "http://localhost:11434/api/chat"

// Adapter implements provider.Adapter for a local Ollama deployment.
type Adapter struct {
	URL   string
	Model string

	estimator  *tokenest.Estimator
	httpClient *http.Client
}

// New constructs an Adapter.
func New(url, model string) (*Adapter, error) {
	if url == "" {
		url = DefaultURL
	}
	est, err := tokenest.New()
	if err != nil {
		return nil, err
	}
	return &Adapter{
		URL:        url,
		Model:      model,
		estimator:  est,
		httpClient: &http.Client{Timeout: 20 * time.Minute},
	}, nil
}

func (a *Adapter) Name() string { return "ollama" }

// Build matches Ollama's /api/chat shape: model + messages, with streaming
// disabled since the dispatcher wants one complete JSON body per attempt.
func (a *Adapter) Build(req provider.GenericRequest) (map[string]any, error) {
	messages := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, map[string]any{"role": m.Role, "content": m.Content})
	}
	model := req.Model
	if model == "" {
		model = a.Model
	}
	return map[string]any{
		"model":    model,
		"messages": messages,
		"stream":   false,
	}, nil
}

// EstimateTokens uses the shared tiktoken-based estimator as an
// approximation — Ollama reports no token-accounting API of its own, and a
// local model's real tokenizer is generally unavailable to the caller, so
// an OpenAI-shaped estimate is the best available proxy for admission
// purposes (it is only a conservative pre-call reservation, reconciled
// against actual eval_count/prompt_eval_count after the call).
func (a *Adapter) EstimateTokens(req provider.GenericRequest) (provider.TokenCount, error) {
	return a.estimator.Estimate(req, 0), nil
}

func (a *Adapter) Call(ctx context.Context, apiKey string, body map[string]any) (int, map[string]any, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal request body: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("build http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	// apiKey is intentionally unused: a local Ollama server has no auth.

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return resp.StatusCode, nil, fmt.Errorf("decode response body: %w", err)
	}
	return resp.StatusCode, raw, nil
}

// Parse extracts message.content, reports "stop" as the finish reason, or
// "incomplete" when the body carries done=false, and maps prompt_eval_count/
// eval_count onto TokenCount. Cost is always zero: there is no billing for
// a local model.
func (a *Adapter) Parse(status int, raw map[string]any) (string, string, provider.TokenCount, float64, error) {
	if status != http.StatusOK {
		errMsg, _ := raw["error"].(string)
		if errMsg == "" {
			errMsg = fmt.Sprintf("unexpected status %d", status)
		}
		kind := llmerrors.ClassifyByStatus(nil, status, errMsg)
		return "", "", provider.TokenCount{}, 0, llmerrors.New(kind, status, errMsg, nil)
	}

	msgObj, _ := raw["message"].(map[string]any)
	content, _ := msgObj["content"].(string)

	finishReason := "stop"
	if done, ok := raw["done"].(bool); ok && !done {
		finishReason = "incomplete"
	}

	usage := provider.TokenCount{
		Input:  intField(raw, "prompt_eval_count"),
		Output: intField(raw, "eval_count"),
	}

	return content, finishReason, usage, 0, nil
}

// ProbeRateLimits always returns (nil, nil): Ollama exposes no rate-limit
// headers at all, so there is nothing to probe. The dispatcher's bootstrap
// step falls through to a configured or built-in default in this case.
func (a *Adapter) ProbeRateLimits(_ context.Context, _, _ string) (*provider.RateLimits, error) {
	return nil, nil
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

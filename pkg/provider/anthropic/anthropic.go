// Package anthropic implements the provider.Adapter for Claude's messages
// API: wire-format conventions (system prompt extracted from the message
// list rather than sent as a message with role "system", strict
// user/assistant alternation) and status/error-string pattern matching onto
// the shared llmerrors.Kind taxonomy. Raw net/http rather than
// anthropic-sdk-go for the same reason as openaicompat: this adapter needs
// direct access to status code and raw body, which it builds and inspects
// by hand.
package anthropic

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

// DefaultURL is the standard Anthropic messages endpoint.
const DefaultURL = "https://api.anthropic.com/v1/messages"

const anthropicVersion = "2023-06-01"

// Adapter implements provider.Adapter for the Claude messages API.
type Adapter struct {
	URL                 string
	Model               string
	MaxOutputTokens     int
	MaxOutputTokensHint int

	estimator  *tokenest.Estimator
	httpClient *http.Client
}

// New constructs an Adapter. maxOutputTokens is required by the messages
// API (unlike chat-completions, "max_tokens" has no server-side default).
func New(url, model string, maxOutputTokens int) (*Adapter, error) {
	if url == "" {
		url = DefaultURL
	}
	if maxOutputTokens <= 0 {
		maxOutputTokens = 4096
	}
	est, err := tokenest.New()
	if err != nil {
		return nil, err
	}
	return &Adapter{
		URL:                 url,
		Model:               model,
		MaxOutputTokens:     maxOutputTokens,
		MaxOutputTokensHint: maxOutputTokens,
		estimator:           est,
		httpClient:          &http.Client{Timeout: 20 * time.Minute},
	}, nil
}

func (a *Adapter) Name() string { return "anthropic" }

// Build extracts any system-role messages into the top-level "system"
// field (Claude has no system message role in its messages array) and
// merges consecutive same-role messages so the alternation the API requires
// is preserved.
func (a *Adapter) Build(req provider.GenericRequest) (map[string]any, error) {
	var system string
	messages := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		if n := len(messages); n > 0 && messages[n-1]["role"] == m.Role {
			messages[n-1]["content"] = messages[n-1]["content"].(string) + "\n\n" + m.Content
			continue
		}
		messages = append(messages, map[string]any{"role": m.Role, "content": m.Content})
	}

	model := req.Model
	if model == "" {
		model = a.Model
	}
	body := map[string]any{
		"model":      model,
		"messages":   messages,
		"max_tokens": a.MaxOutputTokens,
	}
	if system != "" {
		body["system"] = system
	}
	return body, nil
}

func (a *Adapter) EstimateTokens(req provider.GenericRequest) (provider.TokenCount, error) {
	return a.estimator.Estimate(req, a.MaxOutputTokensHint), nil
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
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

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

// Parse mirrors claude_client.go's classifyError dispatch (status first,
// then message-substring fallback) adapted to the shared llmerrors.Kind
// taxonomy, then extracts text, stop_reason and usage from a successful body.
func (a *Adapter) Parse(status int, raw map[string]any) (string, string, provider.TokenCount, float64, error) {
	if errField, ok := raw["error"].(map[string]any); ok || status != http.StatusOK {
		msg := "unexpected status " + fmt.Sprint(status)
		if ok {
			if m, ok := errField["message"].(string); ok {
				msg = m
			}
		}
		kind := llmerrors.ClassifyByStatus(nil, status, msg)
		return "", "", provider.TokenCount{}, 0, llmerrors.New(kind, status, msg, nil)
	}

	content, _ := raw["content"].([]any)
	var text string
	for _, block := range content {
		b, _ := block.(map[string]any)
		if b["type"] == "text" {
			if s, ok := b["text"].(string); ok {
				text += s
			}
		}
	}

	stopReason, _ := raw["stop_reason"].(string)
	if stopReason == "" {
		stopReason = "unknown"
	}

	usage := provider.TokenCount{}
	if usageObj, ok := raw["usage"].(map[string]any); ok {
		usage.Input = intField(usageObj, "input_tokens")
		usage.Output = intField(usageObj, "output_tokens")
	}

	return text, stopReason, usage, 0, nil
}

// ProbeRateLimits mirrors the OpenAI-compatible adapter's bootstrap probe:
// Anthropic exposes the same anthropic-ratelimit-requests-limit /
// anthropic-ratelimit-tokens-limit response headers on every call, so a
// throwaway zero-token request reads them the same way.
func (a *Adapter) ProbeRateLimits(ctx context.Context, apiKey, model string) (*provider.RateLimits, error) {
	body := map[string]any{
		"model":      model,
		"messages":   []any{map[string]any{"role": "user", "content": "ping"}},
		"max_tokens": 1,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	limits := &provider.RateLimits{
		RequestsPerMinute: parseIntHeader(resp.Header.Get("anthropic-ratelimit-requests-limit")),
		TokensPerMinute:   parseIntHeader(resp.Header.Get("anthropic-ratelimit-tokens-limit")),
	}
	if limits.RequestsPerMinute == 0 && limits.TokensPerMinute == 0 {
		return nil, nil
	}
	return limits, nil
}

func parseIntHeader(v string) int {
	n := 0
	for _, r := range v {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
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

// Package openaicompat implements the provider.Adapter for OpenAI and
// Azure-OpenAI-compatible chat-completions endpoints. Grounded on
// openai_online_request_processor.py's call_single_request (raw httpx POST,
// JSON error-field inspection, rate-limit-by-message-substring detection)
// and on get_header_based_rate_limits (a throwaway empty-messages POST read
// only for its response headers). Deliberately raw net/http rather than the
// openai-go SDK: this adapter needs the raw status code, the raw
// x-ratelimit-limit-* headers and the raw "error" JSON field, none of which
// a high-level SDK client exposes uniformly across both OpenAI and
// Azure-style deployments.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"llmbatch/pkg/llmerrors"
	"llmbatch/pkg/provider"
	"llmbatch/pkg/tokenest"
)

// DefaultURL is used when no base URL is configured.
const DefaultURL = "https://api.openai.com/v1/chat/completions"

// Adapter implements provider.Adapter for chat-completions-shaped backends.
type Adapter struct {
	URL                    string
	Model                  string
	MaxOutputTokensHint    int
	ReturnCompletionsObject bool

	estimator  *tokenest.Estimator
	httpClient *http.Client
}

// New constructs an Adapter. url may be an Azure deployment URL (anything
// containing "/deployments") — isAzure then swaps the auth header.
func New(url, model string, maxOutputTokensHint int) (*Adapter, error) {
	if url == "" {
		url = DefaultURL
	}
	est, err := tokenest.New()
	if err != nil {
		return nil, err
	}
	return &Adapter{
		URL:                 url,
		Model:               model,
		MaxOutputTokensHint: maxOutputTokensHint,
		estimator:           est,
		httpClient:          &http.Client{Timeout: 20 * time.Minute},
	}, nil
}

func (a *Adapter) Name() string { return "openaicompat" }

func (a *Adapter) isAzure() bool {
	return strings.Contains(a.URL, "/deployments")
}

// Build matches the /v1/chat/completions request shape: model + messages,
// nothing more required.
func (a *Adapter) Build(req provider.GenericRequest) (map[string]any, error) {
	messages := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := map[string]any{"role": m.Role, "content": m.Content}
		if m.Name != "" {
			msg["name"] = m.Name
		}
		messages = append(messages, msg)
	}
	model := req.Model
	if model == "" {
		model = a.Model
	}
	return map[string]any{
		"model":    model,
		"messages": messages,
	}, nil
}

func (a *Adapter) EstimateTokens(req provider.GenericRequest) (provider.TokenCount, error) {
	return a.estimator.Estimate(req, a.MaxOutputTokensHint), nil
}

func (a *Adapter) authHeader(apiKey string) (name, value string) {
	if a.isAzure() {
		return "api-key", apiKey
	}
	return "Authorization", "Bearer " + apiKey
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
	headerName, headerValue := a.authHeader(apiKey)
	httpReq.Header.Set(headerName, headerValue)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := decodeJSONObject(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("decode response body: %w", err)
	}
	return resp.StatusCode, raw, nil
}

// Parse mirrors call_single_request's response handling: an "error" field in
// the body (even with HTTP 200, which some gateways return) is treated as a
// failure and classified by message substring for the rate-limit case;
// otherwise a non-200 status is an API error; otherwise extract the message,
// finish_reason and usage from the first choice.
func (a *Adapter) Parse(status int, raw map[string]any) (string, string, provider.TokenCount, float64, error) {
	if errField, ok := raw["error"]; ok {
		msg := errorMessage(errField)
		kind := llmerrors.ClassifyByStatus(nil, status, msg)
		return "", "", provider.TokenCount{}, 0, llmerrors.New(kind, status, msg, nil)
	}
	if status != http.StatusOK {
		kind := llmerrors.ClassifyByStatus(nil, status, "")
		return "", "", provider.TokenCount{}, 0, llmerrors.New(kind, status, fmt.Sprintf("unexpected status %d", status), nil)
	}

	choices, _ := raw["choices"].([]any)
	if len(choices) == 0 {
		return "", "", provider.TokenCount{}, 0, llmerrors.New(llmerrors.KindAPIError, 0, "response has no choices", nil)
	}
	choice, _ := choices[0].(map[string]any)
	finishReason, _ := choice["finish_reason"].(string)
	if finishReason == "" {
		finishReason = "unknown"
	}

	var message string
	if a.ReturnCompletionsObject {
		encoded, _ := json.Marshal(choice)
		message = string(encoded)
	} else {
		msgObj, _ := choice["message"].(map[string]any)
		message, _ = msgObj["content"].(string)
	}

	usage := provider.TokenCount{}
	if usageObj, ok := raw["usage"].(map[string]any); ok {
		usage.Input = intField(usageObj, "prompt_tokens")
		usage.Output = intField(usageObj, "completion_tokens")
	}

	return message, finishReason, usage, 0, nil
}

// ProbeRateLimits sends a throwaway empty-messages request whose sole
// purpose is reading the bootstrap rate-limit headers.
func (a *Adapter) ProbeRateLimits(ctx context.Context, apiKey, model string) (*provider.RateLimits, error) {
	payload, err := json.Marshal(map[string]any{"model": model, "messages": []any{}})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	headerName, headerValue := a.authHeader(apiKey)
	httpReq.Header.Set(headerName, headerValue)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	limits := &provider.RateLimits{
		RequestsPerMinute: parseIntHeader(resp.Header.Get("x-ratelimit-limit-requests")),
		TokensPerMinute:   parseIntHeader(resp.Header.Get("x-ratelimit-limit-tokens")),
	}
	if limits.RequestsPerMinute == 0 && limits.TokensPerMinute == 0 {
		return nil, nil
	}
	return limits, nil
}

func parseIntHeader(v string) int {
	n, _ := strconv.Atoi(v)
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

func errorMessage(errField any) string {
	switch v := errField.(type) {
	case map[string]any:
		if m, ok := v["message"].(string); ok {
			return m
		}
	case string:
		return v
	}
	return "unknown API error"
}

func decodeJSONObject(r io.Reader) (map[string]any, error) {
	var out map[string]any
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

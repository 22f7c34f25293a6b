// Package provider defines the adapter contract every backend (OpenAI-compatible,
// Anthropic, Ollama) implements so the dispatcher never special-cases a vendor.
package provider

import (
	"context"
	"time"
)

// TokenLimitStrategy selects how the capacity tracker accounts for tokens-per-minute.
type TokenLimitStrategy string

// Token limit strategies recognized by the capacity tracker.
const (
	StrategyTotal      TokenLimitStrategy = "total"
	StrategyInputOnly  TokenLimitStrategy = "input_only"
	StrategySeparated  TokenLimitStrategy = "separated"
)

// TokenCount carries an input/output token split so strategies that only
// care about one side (input_only) or both sides separately (separated) can
// extract what they need without re-deriving it from a raw total.
type TokenCount struct {
	Input  int
	Output int
}

// Total returns the combined input+output count, the value the "total" strategy consumes.
func (t TokenCount) Total() int {
	return t.Input + t.Output
}

// GenericMessage is one chat-completion-style message, vendor agnostic.
type GenericMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// GenericRequest is one line of the input request file: a vendor-neutral chat
// request plus the bookkeeping the dispatcher needs to resume and correlate it.
type GenericRequest struct {
	OriginalRowIdx int               `json:"original_row_idx"`
	Model          string            `json:"model"`
	Messages       []GenericMessage  `json:"messages"`
	Metadata       map[string]string `json:"metadata,omitempty"`

	// ResponseSchema, when present, is a JSON Schema the assistant message
	// content must conform to. A response that fails validation against it
	// is classified as a transient SchemaMismatch and retried.
	ResponseSchema map[string]any `json:"response_schema,omitempty"`
}

// GenericResponse is one line of the append-only response log: either a
// successful completion or a terminal, retries-exhausted failure.
type GenericResponse struct {
	OriginalRowIdx   int               `json:"original_row_idx"`
	GenericRequest    GenericRequest    `json:"generic_request"`
	ResponseMessage  *string           `json:"response_message"`
	ResponseErrors   []string          `json:"response_errors,omitempty"`
	RawResponse      map[string]any    `json:"raw_response,omitempty"`
	TokenUsage       TokenCount        `json:"token_usage"`
	CostUSD          float64           `json:"cost_usd"`
	FinishedAt       time.Time         `json:"finished_at"`
}

// RateLimits is what a bootstrap header probe (or static config) yields.
// Any field left at zero means "unknown" and the caller should fall back to
// a configured or built-in default rather than treat zero as a real limit.
type RateLimits struct {
	RequestsPerMinute int
	TokensPerMinute   int
}

// Adapter is the seam the dispatcher talks through. Every vendor-specific
// request shape, header convention and error taxonomy lives behind it.
type Adapter interface {
	// Name identifies the adapter for logging and metrics labels.
	Name() string

	// Build turns a generic request into the vendor-specific wire body.
	Build(req GenericRequest) (map[string]any, error)

	// EstimateTokens returns a conservative pre-call token estimate used for
	// admission into the TPM bucket before the real usage is known.
	EstimateTokens(req GenericRequest) (TokenCount, error)

	// Call executes one HTTP attempt and returns the raw decoded body plus
	// the HTTP status code; Call itself never classifies errors, Parse does.
	Call(ctx context.Context, apiKey string, body map[string]any) (status int, raw map[string]any, err error)

	// Parse extracts the assistant message, finish reason, real token usage
	// and cost from a response body. status is the HTTP status Call
	// returned; Parse is responsible for turning a non-2xx status or an
	// in-body "error" field into a classified *llmerrors.Error.
	Parse(status int, raw map[string]any) (message string, finishReason string, usage TokenCount, costUSD float64, err error)

	// ProbeRateLimits performs the bootstrap header probe described in the
	// design (a throwaway zero-token request whose only purpose is reading
	// rate-limit headers). Returns nil when the vendor exposes no such headers.
	ProbeRateLimits(ctx context.Context, apiKey, model string) (*RateLimits, error)
}

// Package tokenest provides the shared tiktoken-based token estimator used
// by every provider adapter: cl100k_base/GPT-4 encoding, falling back to
// len(text)/4 on any codec error, plus the message-formatting-token overhead
// rule OpenAI documents for counting chat-completion tokens: every message
// costs 4 tokens of formatting overhead plus the length of each field, minus
// 1 for a "name" field, and the whole request costs 2 priming tokens for the
// assistant's reply.
package tokenest

import (
	"github.com/tiktoken-go/tokenizer"

	"llmbatch/pkg/provider"
)

const (
	tokensPerMessage = 4
	tokensPerName    = -1
	tokensPriming    = 2
)

// Estimator counts tokens for chat-completion-shaped requests using the
// tokenizer library's GPT-4 model encoding (cl100k_base under the hood),
// applied regardless of which OpenAI-family model is actually named.
type Estimator struct {
	codec tokenizer.Codec
}

// New constructs an Estimator. A failure to load the codec is not fatal —
// the zero-value codec makes Count fall back to character-based estimation.
func New() (*Estimator, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return &Estimator{}, nil
	}
	return &Estimator{codec: codec}, nil
}

// Count returns the token count of a single string, falling back to
// len(text)/4 if no codec is available or the codec errors.
func (e *Estimator) Count(text string) int {
	if e.codec == nil {
		return len(text) / 4
	}
	count, err := e.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// EstimateInput implements the message-formatting-overhead rule over a full
// chat-completion message list: 4 tokens per message, the length of each
// field's value (role, content, name), -1 if the message has a name field,
// and +2 priming tokens for the reply.
func (e *Estimator) EstimateInput(messages []provider.GenericMessage) int {
	total := tokensPriming
	for _, m := range messages {
		total += tokensPerMessage
		total += e.Count(m.Role)
		total += e.Count(m.Content)
		if m.Name != "" {
			total += e.Count(m.Name)
			total += tokensPerName
		}
	}
	return total
}

// EstimateOutput returns a conservative pre-call output token estimate.
// There is no tiktoken-derivable way to know how many tokens a model will
// emit before it emits them; maxTokensHint is the caller-supplied output
// ceiling (the adapter's configured max-tokens hint), divided by 4 as a
// rough expected-completion-length heuristic.
func (e *Estimator) EstimateOutput(maxTokensHint int) int {
	if maxTokensHint <= 0 {
		return 0
	}
	return maxTokensHint / 4
}

// Estimate produces the full TokenCount a request should reserve against
// the capacity tracker before the call is made.
func (e *Estimator) Estimate(req provider.GenericRequest, maxTokensHint int) provider.TokenCount {
	return provider.TokenCount{
		Input:  e.EstimateInput(req.Messages),
		Output: e.EstimateOutput(maxTokensHint),
	}
}

package llm

import (
	"encoding/json"

	"github.com/samber/lo"
)

// Usage represents token usage information for one API round.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CachedInputTokens        int64 `json:"cached_input_tokens,omitempty"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	ReasoningTokens          int64 `json:"reasoning_tokens,omitempty"`
}

// TotalTokens is input plus output tokens.
func (u Usage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}

// UsageStack holds one Usage per API round of a resolve cycle, in order.
type UsageStack []Usage

// Total sums every round.
func (s UsageStack) Total() AggregateUsage {
	return AggregateUsage{
		PromptTokens:     lo.SumBy(s, func(u Usage) int64 { return u.InputTokens }),
		CompletionTokens: lo.SumBy(s, func(u Usage) int64 { return u.OutputTokens }),
		CachedTokens:     lo.SumBy(s, func(u Usage) int64 { return u.CachedInputTokens }),
		ReasoningTokens:  lo.SumBy(s, func(u Usage) int64 { return u.ReasoningTokens }),
		TotalTokens:      lo.SumBy(s, func(u Usage) int64 { return u.TotalTokens() }),
	}
}

// AggregateUsage is the usage of a whole resolve cycle.
type AggregateUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	CachedTokens     int64 `json:"cached_tokens,omitempty"`
	ReasoningTokens  int64 `json:"reasoning_tokens,omitempty"`
	TotalTokens      int64 `json:"total_tokens"`
}

// PromptResponse is the terminal result of a prompt call. It is built once at
// the end of a resolve cycle and must not be mutated afterwards.
type PromptResponse struct {
	Context      PromptContext   `json:"context"`
	Messages     []Message       `json:"messages"`
	RawRequest   json.RawMessage `json:"raw_request,omitempty"`
	RawResponse  json.RawMessage `json:"raw_response,omitempty"`
	UsageStack   UsageStack      `json:"usage_stack"`
	FinishReason string          `json:"finish_reason,omitempty"`
}

// Message returns the last message of the conversation.
func (r *PromptResponse) Message() Message {
	if r == nil || len(r.Messages) == 0 {
		return Message{}
	}
	return r.Messages[len(r.Messages)-1]
}

// Usage aggregates token counts across every round.
func (r *PromptResponse) Usage() AggregateUsage {
	if r == nil {
		return AggregateUsage{}
	}
	return r.UsageStack.Total()
}

// Embedding is one vector with its position in the input.
type Embedding struct {
	Index  int       `json:"index"`
	Vector []float64 `json:"embedding"`
}

// EmbedResponse is the terminal result of an embed call.
type EmbedResponse struct {
	Context     EmbedContext    `json:"context"`
	Data        []Embedding     `json:"data"`
	RawRequest  json.RawMessage `json:"raw_request,omitempty"`
	RawResponse json.RawMessage `json:"raw_response,omitempty"`
	UsageStack  UsageStack      `json:"usage_stack"`
}

// Usage aggregates token counts across every round.
func (r *EmbedResponse) Usage() AggregateUsage {
	if r == nil {
		return AggregateUsage{}
	}
	return r.UsageStack.Total()
}

// Vectors returns the embedding vectors ordered by index.
func (r *EmbedResponse) Vectors() [][]float64 {
	return lo.Map(r.Data, func(e Embedding, _ int) []float64 { return e.Vector })
}

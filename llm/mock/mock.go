// Package mock is a deterministic adapter: it answers with a pig-latin
// rendering of the latest user message and derives embeddings from FNV
// hashes, so orchestration can be exercised without a network.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/aschepis/backscratcher/conductor/llm"
	"github.com/aschepis/backscratcher/conductor/llm/provider"
)

// DefaultDimensions is the embedding size used when a request names none.
const DefaultDimensions = 16

// Adapter is the mock provider.
type Adapter struct{}

// New creates a mock Adapter.
func New() *Adapter { return &Adapter{} }

var _ provider.Adapter = (*Adapter)(nil)

// Service implements provider.Adapter.
func (a *Adapter) Service() string { return llm.ProviderMock }

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model    string        `json:"model"`
	System   string        `json:"system,omitempty"`
	Messages []wireMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`
}

// Serialize implements provider.Adapter.
func (a *Adapter) Serialize(req *provider.Request) (json.RawMessage, error) {
	w := wireRequest{Model: req.Model, System: req.Instructions, Stream: req.Stream}
	for _, m := range req.Messages {
		w.Messages = append(w.Messages, wireMessage{Role: string(m.Role), Content: m.Text()})
	}
	return json.Marshal(w)
}

// Prompt implements provider.Adapter.
func (a *Adapter) Prompt(ctx context.Context, req *provider.Request, stream *provider.StreamState) (*provider.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	input := ""
	if m, ok := llm.LastMessageWithRole(req.Messages, llm.RoleUser); ok {
		input = m.Text()
	}
	reply := PigLatin(input)
	usage := llm.Usage{InputTokens: countWords(req.Messages), OutputTokens: int64(len(strings.Fields(reply)))}

	raw, err := json.Marshal(map[string]any{
		"id":          "msg_" + uuid.NewString(),
		"type":        "message",
		"role":        "assistant",
		"model":       req.Model,
		"content":     []map[string]any{{"type": "text", "text": reply}},
		"stop_reason": "end_turn",
		"usage":       map[string]any{"input_tokens": usage.InputTokens, "output_tokens": usage.OutputTokens},
	})
	if err != nil {
		return nil, fmt.Errorf("encode mock response: %w", err)
	}

	if stream == nil {
		return &provider.Response{
			Messages:     []llm.Message{llm.NewTextMessage(llm.RoleAssistant, reply)},
			Usage:        usage,
			FinishReason: provider.FinishStop,
			Raw:          raw,
		}, nil
	}

	for _, chunk := range Chunks(reply, usage) {
		if err := ProcessChunk(stream, chunk); err != nil {
			return nil, err
		}
	}
	return &provider.Response{
		Messages:     []llm.Message{stream.Snapshot()},
		Usage:        usage,
		FinishReason: stream.FinishReason(),
		Raw:          raw,
	}, nil
}

// Chunk is one synthetic stream event.
type Chunk struct {
	Type  string
	Index int
	Text  string
	Stop  string
	Usage llm.Usage
}

// Chunks renders reply as the event sequence of a streamed message, one text
// delta per word.
func Chunks(reply string, usage llm.Usage) []Chunk {
	chunks := []Chunk{
		{Type: "message_start"},
		{Type: "content_block_start", Index: 0},
	}
	for i, w := range strings.Fields(reply) {
		if i > 0 {
			w = " " + w
		}
		chunks = append(chunks, Chunk{Type: "content_block_delta", Index: 0, Text: w})
	}
	return append(chunks,
		Chunk{Type: "content_block_stop", Index: 0},
		Chunk{Type: "message_delta", Stop: "end_turn", Usage: usage},
		Chunk{Type: "message_stop"},
	)
}

// ProcessChunk applies one synthetic event to the stream state.
func ProcessChunk(s *provider.StreamState, c Chunk) error {
	switch c.Type {
	case "message_start":
		s.BeginMessage(llm.RoleAssistant)
	case "content_block_start":
		return s.StartBlock(c.Index, llm.ContentBlock{Type: llm.ContentBlockTypeText})
	case "content_block_delta":
		return s.AppendText(c.Index, c.Text)
	case "content_block_stop":
		return s.CompleteBlock(c.Index)
	case "message_delta":
		if c.Stop != "" {
			s.Finish(provider.FinishStop)
		}
	case "message_stop", "ping":
	default:
		return llm.NewProtocolError("mock: unexpected chunk type %q", c.Type)
	}
	return nil
}

// Embed implements provider.Adapter.
func (a *Adapter) Embed(ctx context.Context, req *provider.EmbedRequest) (*provider.EmbedResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dims := req.Dimensions
	if dims <= 0 {
		dims = DefaultDimensions
	}
	type item struct {
		Object    string    `json:"object"`
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	}
	items := make([]item, len(req.Input))
	var tokens int64
	for i, text := range req.Input {
		items[i] = item{Object: "embedding", Index: i, Embedding: Vector(text, dims)}
		tokens += int64(len(strings.Fields(text)))
	}
	raw, err := json.Marshal(map[string]any{"object": "list", "model": req.Model, "data": items})
	if err != nil {
		return nil, fmt.Errorf("encode mock embeddings: %w", err)
	}
	data, err := provider.NormalizeEmbeddings(raw)
	if err != nil {
		return nil, err
	}
	return &provider.EmbedResult{Data: data, Usage: llm.Usage{InputTokens: tokens}, Raw: raw}, nil
}

// Vector derives a unit-length vector from text.
func Vector(text string, dims int) []float64 {
	vec := make([]float64, dims)
	var norm float64
	for i := range vec {
		h := fnv.New64a()
		fmt.Fprintf(h, "%d:%s", i, text)
		v := float64(h.Sum64()%2000)/1000 - 1
		vec[i] = v
		norm += v * v
	}
	if norm == 0 {
		vec[0], norm = 1, 1
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

// PigLatin moves each word's leading consonant cluster to its end and adds
// "ay"; words starting with a vowel get "way".
func PigLatin(text string) string {
	words := strings.Fields(text)
	for i, w := range words {
		words[i] = pigWord(w)
	}
	return strings.Join(words, " ")
}

func pigWord(word string) string {
	runes := []rune(word)
	start, end := 0, len(runes)
	for start < end && !unicode.IsLetter(runes[start]) {
		start++
	}
	for end > start && !unicode.IsLetter(runes[end-1]) {
		end--
	}
	if start == end {
		return word
	}
	prefix, core, suffix := string(runes[:start]), runes[start:end], string(runes[end:])

	cut := 0
	for cut < len(core) && !isVowel(core[cut]) {
		cut++
	}
	if cut == 0 {
		return prefix + string(core) + "way" + suffix
	}
	if cut == len(core) {
		return prefix + string(core) + "ay" + suffix
	}
	return prefix + string(core[cut:]) + string(core[:cut]) + "ay" + suffix
}

func isVowel(r rune) bool {
	return strings.ContainsRune("aeiouAEIOU", r)
}

func countWords(msgs []llm.Message) int64 {
	var n int64
	for _, m := range msgs {
		n += int64(len(strings.Fields(m.Text())))
	}
	return n
}

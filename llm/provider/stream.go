package provider

import (
	"encoding/json"
	"strings"

	"github.com/aschepis/backscratcher/conductor/llm"
)

// StreamStatus is the position of a StreamState in its life cycle.
type StreamStatus string

const (
	StreamIdle         StreamStatus = "idle"
	StreamOpen         StreamStatus = "open"
	StreamAccumulating StreamStatus = "accumulating"
	StreamBuffering    StreamStatus = "tool_args_buffering"
	StreamClosed       StreamStatus = "closed"
)

// StreamState assembles one message per round from chunk events and relays
// text deltas to the caller's broadcaster. It lives for a whole logical call,
// so open and close are broadcast once no matter how many rounds run.
// A StreamState is not safe for concurrent use.
type StreamState struct {
	broadcast llm.StreamBroadcaster
	onOpen    func()
	onClose   func()

	status  StreamStatus
	updates int
	message *llm.Message
	args    map[int]*strings.Builder
	finish  string
}

// NewStreamState creates an idle StreamState. broadcast may be nil.
func NewStreamState(broadcast llm.StreamBroadcaster) *StreamState {
	return &StreamState{broadcast: broadcast, status: StreamIdle}
}

// Status reports the current state.
func (s *StreamState) Status() StreamStatus { return s.status }

// Message returns the message being assembled in the current round.
func (s *StreamState) Message() *llm.Message { return s.message }

// FinishReason returns the stop reason recorded for the current round.
func (s *StreamState) FinishReason() string { return s.finish }

// BeginMessage starts a new round's message. The first call on a StreamState
// broadcasts open.
func (s *StreamState) BeginMessage(role llm.MessageRole) *llm.Message {
	if role == "" {
		role = llm.RoleAssistant
	}
	s.message = &llm.Message{Role: role}
	s.args = map[int]*strings.Builder{}
	s.finish = ""
	if s.status == StreamIdle {
		s.status = StreamOpen
		if s.onOpen != nil {
			s.onOpen()
		}
		s.emit("", llm.StreamPhaseOpen)
	}
	return s.message
}

// Updates counts the text deltas broadcast so far. A nil StreamState has
// broadcast nothing.
func (s *StreamState) Updates() int {
	if s == nil {
		return 0
	}
	return s.updates
}

// Started reports whether a message is being assembled.
func (s *StreamState) Started() bool { return s.message != nil }

// StartBlock places block at index. index must be the next free slot or an
// existing placeholder; anything further ahead is out of order.
func (s *StreamState) StartBlock(index int, block llm.ContentBlock) error {
	if s.message == nil {
		return llm.NewProtocolError("content block %d started before message start", index)
	}
	switch {
	case index == len(s.message.Content):
		s.message.Content = append(s.message.Content, block)
	case index >= 0 && index < len(s.message.Content):
		s.message.Content[index] = block
	default:
		return llm.NewProtocolError("content block %d out of order (have %d blocks)", index, len(s.message.Content))
	}
	s.status = StreamAccumulating
	if block.Type == llm.ContentBlockTypeText && block.Text != "" {
		s.emit(block.Text, llm.StreamPhaseUpdate)
	}
	return nil
}

// NextIndex is the index the next started block will occupy.
func (s *StreamState) NextIndex() int {
	if s.message == nil {
		return 0
	}
	return len(s.message.Content)
}

// AppendText appends a text delta to the block at index and broadcasts only
// that delta.
func (s *StreamState) AppendText(index int, delta string) error {
	b, err := s.block(index)
	if err != nil {
		return err
	}
	if b.Type != llm.ContentBlockTypeText {
		return llm.NewProtocolError("text delta for %s block %d", b.Type, index)
	}
	b.Text += delta
	s.status = StreamAccumulating
	s.emit(delta, llm.StreamPhaseUpdate)
	return nil
}

// AppendThinking appends reasoning text to the thinking block at index.
// Thinking is not broadcast.
func (s *StreamState) AppendThinking(index int, delta string) error {
	b, err := s.block(index)
	if err != nil {
		return err
	}
	if b.Thinking == nil {
		b.Thinking = &llm.ThinkingBlock{}
	}
	b.Thinking.Thinking += delta
	return nil
}

// SetSignature records the provider signature of the thinking block at index.
func (s *StreamState) SetSignature(index int, signature string) error {
	b, err := s.block(index)
	if err != nil {
		return err
	}
	if b.Thinking == nil {
		b.Thinking = &llm.ThinkingBlock{}
	}
	b.Thinking.Signature += signature
	return nil
}

// AppendToolArgs buffers a raw JSON fragment of a tool call's arguments. The
// fragments are parsed once, by CompleteBlock.
func (s *StreamState) AppendToolArgs(index int, fragment string) error {
	b, err := s.block(index)
	if err != nil {
		return err
	}
	if b.Type != llm.ContentBlockTypeToolUse {
		return llm.NewProtocolError("tool argument delta for %s block %d", b.Type, index)
	}
	buf, ok := s.args[index]
	if !ok {
		buf = &strings.Builder{}
		s.args[index] = buf
	}
	buf.WriteString(fragment)
	s.status = StreamBuffering
	return nil
}

// CompleteBlock finalizes the block at index, parsing buffered tool arguments.
func (s *StreamState) CompleteBlock(index int) error {
	b, err := s.block(index)
	if err != nil {
		return err
	}
	if buf, ok := s.args[index]; ok {
		input, err := ParseArguments(buf.String())
		if err != nil {
			return err
		}
		if b.ToolUse == nil {
			b.ToolUse = &llm.ToolUseBlock{}
		}
		b.ToolUse.Input = input
		delete(s.args, index)
	}
	if b.Type == llm.ContentBlockTypeToolUse && b.ToolUse != nil && b.ToolUse.Input == nil {
		b.ToolUse.Input = map[string]any{}
	}
	s.status = StreamAccumulating
	return nil
}

// ReplaceBlock swaps the placeholder at index for the finalized block.
func (s *StreamState) ReplaceBlock(index int, block llm.ContentBlock) error {
	if _, err := s.block(index); err != nil {
		return err
	}
	s.message.Content[index] = block
	delete(s.args, index)
	s.status = StreamAccumulating
	return nil
}

// Finish records the round's stop reason.
func (s *StreamState) Finish(reason string) {
	s.finish = reason
}

// Close broadcasts close if the stream was opened. Later calls are no-ops.
func (s *StreamState) Close() {
	if s.status == StreamIdle || s.status == StreamClosed {
		return
	}
	s.status = StreamClosed
	s.emit("", llm.StreamPhaseClose)
	if s.onClose != nil {
		s.onClose()
	}
}

// Snapshot returns a copy of the assembled message detached from the state.
func (s *StreamState) Snapshot() llm.Message {
	if s.message == nil {
		return llm.Message{Role: llm.RoleAssistant}
	}
	msg := *s.message
	msg.Content = append([]llm.ContentBlock(nil), s.message.Content...)
	return msg
}

func (s *StreamState) block(index int) (*llm.ContentBlock, error) {
	if s.message == nil {
		return nil, llm.NewProtocolError("delta for block %d before message start", index)
	}
	if index < 0 || index >= len(s.message.Content) {
		return nil, llm.NewProtocolError("delta for unknown content block %d", index)
	}
	return &s.message.Content[index], nil
}

func (s *StreamState) emit(delta string, phase llm.StreamPhase) {
	if phase == llm.StreamPhaseUpdate {
		s.updates++
	}
	if s.broadcast != nil {
		s.broadcast(s.message, delta, phase)
	}
}

// ParseArguments decodes a tool call's JSON arguments. Empty input is an
// empty object.
func ParseArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, llm.NewProtocolError("invalid tool arguments %q: %v", raw, err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// Package instrument publishes lifecycle events emitted by the provider engine
// to any number of subscribers (logs, traces, metrics, tests).
package instrument

import (
	"context"
	"path"
	"sync"
	"time"
)

// Event names. Subscribers may match them with path.Match patterns such as
// "prompt.*" or "*.active_agent".
const (
	EventPrompt           = "prompt.active_agent"
	EventPromptProvider   = "prompt.provider.active_agent"
	EventEmbed            = "embed.active_agent"
	EventEmbedProvider    = "embed.provider.active_agent"
	EventStreamOpen       = "stream_open.active_agent"
	EventStreamClose      = "stream_close.active_agent"
	EventToolCall         = "tool_call.active_agent"
	EventConnectionError  = "connection_error.active_agent"
	EventRetryAttempt     = "retry_attempt.active_agent"
	EventRetriesExhausted = "retries_exhausted.active_agent"
)

// Event is one instrumentation record.
type Event struct {
	Name     string
	TraceID  string
	Start    time.Time
	Duration time.Duration
	Payload  map[string]any
	Err      error
}

// Subscriber receives published events. Handle must not block for long; it
// runs on the caller's goroutine.
type Subscriber interface {
	Handle(ctx context.Context, e Event)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, e Event)

// Handle calls f.
func (f SubscriberFunc) Handle(ctx context.Context, e Event) { f(ctx, e) }

type subscription struct {
	id      uint64
	pattern string
	sub     Subscriber
}

// Notifier fans events out to subscribers. A nil *Notifier discards events.
type Notifier struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
}

// NewNotifier creates a Notifier with the given subscribers attached to every event.
func NewNotifier(subs ...Subscriber) *Notifier {
	n := &Notifier{}
	for _, s := range subs {
		n.Subscribe("*", s)
	}
	return n
}

// Subscribe attaches s to events whose name matches pattern. The returned
// function detaches it.
func (n *Notifier) Subscribe(pattern string, s Subscriber) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	id := n.nextID
	n.subs = append(n.subs, subscription{id: id, pattern: pattern, sub: s})
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		for i, sub := range n.subs {
			if sub.id == id {
				n.subs = append(n.subs[:i], n.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers e to every matching subscriber.
func (n *Notifier) Publish(ctx context.Context, e Event) {
	if n == nil {
		return
	}
	if e.Start.IsZero() {
		e.Start = time.Now()
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	n.mu.RLock()
	subs := make([]subscription, len(n.subs))
	copy(subs, n.subs)
	n.mu.RUnlock()

	for _, s := range subs {
		if matches(s.pattern, e.Name) {
			s.sub.Handle(ctx, e)
		}
	}
}

// Instrument runs fn and publishes name with its duration. fn may add fields
// to the payload it is given; a returned error is attached to the event and
// passed through.
func (n *Notifier) Instrument(ctx context.Context, name, traceID string, payload map[string]any, fn func(payload map[string]any) error) error {
	if payload == nil {
		payload = map[string]any{}
	}
	start := time.Now()
	err := fn(payload)
	n.Publish(ctx, Event{
		Name:     name,
		TraceID:  traceID,
		Start:    start,
		Duration: time.Since(start),
		Payload:  payload,
		Err:      err,
	})
	return err
}

func matches(pattern, name string) bool {
	if pattern == "" || pattern == "*" || pattern == name {
		return true
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}

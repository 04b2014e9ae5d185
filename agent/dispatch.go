// Package agent runs named actions: each action identifier maps to a typed
// handler in an explicit dispatch table, and configured actions are served
// by a Runner that wires an engine, the tool registry and the history store.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/aschepis/backscratcher/conductor/llm"
)

// ErrActionNotFound is returned when an unknown action is dispatched.
var ErrActionNotFound = errors.New("action not found")

// Input is what a caller hands to an action.
type Input struct {
	TraceID string
	// Text is appended as a user message after Messages.
	Text     string
	Messages []llm.Message
	// Stream receives streamed deltas when set; it also turns streaming on.
	Stream llm.StreamBroadcaster
}

// Handler serves one action.
type Handler func(ctx context.Context, in Input) (*llm.PromptResponse, error)

// ActionInfo describes a registered action.
type ActionInfo struct {
	Name        string
	Description string
}

type action struct {
	info    ActionInfo
	handler Handler
}

// Dispatcher is the action dispatch table. It is safe for concurrent use.
type Dispatcher struct {
	mu      sync.RWMutex
	actions map[string]action
}

// NewDispatcher creates an empty dispatch table.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{actions: make(map[string]action)}
}

// Register maps name to h. Names are unique.
func (d *Dispatcher) Register(name, description string, h Handler) error {
	if name == "" || h == nil {
		return fmt.Errorf("action name and handler are required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.actions[name]; ok {
		return fmt.Errorf("action %q already registered", name)
	}
	d.actions[name] = action{info: ActionInfo{Name: name, Description: description}, handler: h}
	return nil
}

// Dispatch runs the named action.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, in Input) (*llm.PromptResponse, error) {
	d.mu.RLock()
	a, ok := d.actions[name]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrActionNotFound, name)
	}
	return a.handler(ctx, in)
}

// Actions lists the registered actions sorted by name.
func (d *Dispatcher) Actions() []ActionInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	infos := make([]ActionInfo, 0, len(d.actions))
	for _, a := range d.actions {
		infos = append(infos, a.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

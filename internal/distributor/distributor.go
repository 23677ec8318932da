// Package distributor implements the event splitter / redirecting
// distributor (spec component C7): routing already-produced ServerEvents to
// the sink registered for their conversation, with optional output-path
// redirection to another conversation's sink.
package distributor

import (
	"fmt"
	"sync"

	"github.com/rapidaai/audioknife/internal/protocol"
)

// Sink receives routed server events, typically a media event scheduler
// (C8) or, in tests, a plain channel wrapper.
type Sink interface {
	Dispatch(event protocol.ServerEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(protocol.ServerEvent) error

func (f SinkFunc) Dispatch(event protocol.ServerEvent) error { return f(event) }

type target struct {
	sink       Sink
	redirectTo *protocol.ConversationId
}

// Distributor is the C7 router. Used without ever calling SetRedirect it
// behaves as the plain Splitter mode spec.md describes; SetRedirect
// activates the redirecting mode for a given source conversation.
type Distributor struct {
	mu      sync.RWMutex
	targets map[protocol.ConversationId]*target
}

// New returns an empty Distributor.
func New() *Distributor {
	return &Distributor{targets: make(map[protocol.ConversationId]*target)}
}

// AddTarget registers sink as the destination for events whose conversation
// id is id. Registering an id that is already registered returns an error,
// which the connection driver reports as a protocol error for the duplicate
// Start.
func (d *Distributor) AddTarget(id protocol.ConversationId, sink Sink) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.targets[id]; exists {
		return fmt.Errorf("conversation already exists: %s", id)
	}
	d.targets[id] = &target{sink: sink}
	return nil
}

// RemoveTarget drops id's registration. Removing an id that does not exist
// is an error.
func (d *Distributor) RemoveTarget(id protocol.ConversationId) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.targets[id]; !exists {
		return fmt.Errorf("conversation did not exist: %s", id)
	}
	delete(d.targets, id)
	return nil
}

// SetRedirect makes id's output-path events (Audio, ClearAudio, Text) route
// to to's sink instead of id's own. A nil to clears the redirect.
func (d *Distributor) SetRedirect(id protocol.ConversationId, to *protocol.ConversationId) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, exists := d.targets[id]
	if !exists {
		return fmt.Errorf("conversation does not exist: %s", id)
	}
	t.redirectTo = to
	return nil
}

// Dispatch routes event to its conversation's sink, honoring a redirect if
// one is set and the event kind takes the output path (spec §4.6).
func (d *Distributor) Dispatch(event protocol.ServerEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	src, exists := d.targets[event.Id]
	if !exists {
		return fmt.Errorf("conversation does not exist: %s", event.Id)
	}

	if src.redirectTo != nil && event.TakesOutputPath() {
		dest, exists := d.targets[*src.redirectTo]
		if !exists {
			return fmt.Errorf("conversation does not exist: %s, event redirected from %s", *src.redirectTo, event.Id)
		}
		return dest.sink.Dispatch(event)
	}

	return src.sink.Dispatch(event)
}

// Package memory contains an in-memory publisher for tests and local runs.
package memory

import (
	"context"
	"sync"

	"github.com/appfetch/icon-resolver/internal/resolver"
)

// Publisher stores published events for inspection.
type Publisher struct {
	mu     sync.RWMutex
	events []resolver.Event
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the event.
func (p *Publisher) Publish(_ context.Context, event resolver.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

// Events returns the recorded publishes.
func (p *Publisher) Events() []resolver.Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]resolver.Event, len(p.events))
	copy(out, p.events)
	return out
}

// Package memory is the default publisher backend: item-analyzed events are
// kept in process, which is all single-node deployments and tests need.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Publisher records item-analyzed events instead of sending them anywhere.
type Publisher struct {
	mu     sync.RWMutex
	events []Event
}

// Event is one recorded item-analyzed publish.
type Event struct {
	Topic   string
	Payload any
}

// New returns an empty in-process Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the event and returns a pseudo message ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, Event{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.events)), nil
}

// Events returns a copy of the recorded publishes in order.
func (p *Publisher) Events() []Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

package events

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryBus buffers events in memory. It is the default driver and the one
// the tests inspect.
type MemoryBus struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

// NewMemoryBus creates an empty MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Publish implements Publisher.
func (b *MemoryBus) Publish(_ context.Context, event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("event bus closed")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	b.events = append(b.events, event)
	return nil
}

// Events returns a copy of everything published so far.
func (b *MemoryBus) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}

// Close implements Publisher.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

// Package memory provides an in-memory domain event publisher for tests
// and single-process deployments.
package memory

import (
	"context"
	"sync"

	"github.com/ahrav/datasentry/internal/domain/events"
)

var _ events.DomainEventPublisher = (*Publisher)(nil)

// Publisher records published events in memory.
type Publisher struct {
	mu     sync.Mutex
	events []events.DomainEvent
}

// NewPublisher creates an empty in-memory publisher.
func NewPublisher() *Publisher { return new(Publisher) }

// PublishDomainEvent appends the event to the in-memory log.
func (p *Publisher) PublishDomainEvent(
	_ context.Context,
	event events.DomainEvent,
	_ ...events.PublishOption,
) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

// Events returns a copy of everything published so far.
func (p *Publisher) Events() []events.DomainEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.DomainEvent, len(p.events))
	copy(out, p.events)
	return out
}

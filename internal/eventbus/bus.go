// Package eventbus fans domain events out to in-process subscribers.
package eventbus

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Domain event types.
const (
	CaseCreated      = "case.created"
	CaseUpdated      = "case.updated"
	CaseDeleted      = "case.deleted"
	CaseTransitioned = "case.transitioned"
	CaseConverted    = "case.converted"
	CaseMerged       = "case.merged"
	CaseUnmerged     = "case.unmerged"
	CaseSLABreached  = "case.sla_breached"
	WorkflowsChanged = "workflows.changed"
)

// Event is one published domain event.
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	CaseID    string            `json:"case_id,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Bus is a non-blocking publish/subscribe hub. A subscriber whose buffer is
// full misses the event.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[string]chan Event),
	}
}

// Subscribe registers a subscriber with the given buffer size.
func (b *Bus) Subscribe(bufSize int) (string, <-chan Event) {
	id := ulid.Make().String()
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
}

// Publish delivers event to every subscriber with buffer room.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// PublishNew stamps and publishes a new event, returning it.
func (b *Bus) PublishNew(eventType, caseID string, data map[string]string) Event {
	event := Event{
		ID:        ulid.Make().String(),
		Type:      eventType,
		CaseID:    caseID,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
	b.Publish(event)
	return event
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

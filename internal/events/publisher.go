// Package events delivers console change notifications to UI adapters.
package events

import (
	"context"
	"sync"
	"time"
)

// Kind identifies which part of the console state changed.
type Kind string

const (
	KindRegistry   Kind = "registry"
	KindTimeline   Kind = "timeline"
	KindSelection  Kind = "selection"
	KindSearch     Kind = "search"
	KindConnection Kind = "connection"
	KindSession    Kind = "session"
	KindError      Kind = "error"
)

// Change is a notification that some console state moved. Handlers read the
// new state through a snapshot; the change itself carries only hints.
type Change struct {
	// Kind is the component that changed.
	Kind Kind `json:"kind"`

	// ConversationID is the conversation the change concerns, when any.
	ConversationID string `json:"conversation_id,omitempty"`

	// Detail is a short machine-readable reason (e.g. "promoted", "live").
	Detail string `json:"detail,omitempty"`

	// Seq increases by one for every change the console emits.
	Seq uint64 `json:"seq"`

	// At is when the change was applied.
	At time.Time `json:"at"`
}

// Handler is a callback invoked when a change matches a subscription.
type Handler func(change *Change)

// Filter defines criteria for matching changes.
type Filter struct {
	// Kinds filters by change kind (nil = all kinds).
	Kinds []Kind

	// ConversationID filters to a specific conversation (empty = all).
	ConversationID string
}

// Matches returns true if the change matches the filter criteria.
func (f *Filter) Matches(change *Change) bool {
	if change == nil {
		return false
	}

	if len(f.Kinds) > 0 {
		matched := false
		for _, k := range f.Kinds {
			if change.Kind == k {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if f.ConversationID != "" && change.ConversationID != f.ConversationID {
		return false
	}

	return true
}

type subscription struct {
	id      string
	filter  Filter
	handler Handler
}

// Publisher defines the interface for change publishing and subscription.
type Publisher interface {
	// Publish sends a change to all matching subscribers.
	Publish(ctx context.Context, change *Change)

	// Subscribe registers a handler to receive changes matching the filter.
	Subscribe(id string, filter Filter, handler Handler) error

	// Unsubscribe removes a subscription by ID.
	Unsubscribe(id string) error

	// SubscriberCount returns the number of active subscribers.
	SubscriberCount() int
}

// InMemoryPublisher implements Publisher using in-process pub/sub.
type InMemoryPublisher struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription
	seq           uint64
	now           func() time.Time
}

// PublisherOption configures an InMemoryPublisher.
type PublisherOption func(*InMemoryPublisher)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) PublisherOption {
	return func(p *InMemoryPublisher) {
		p.now = now
	}
}

// NewInMemoryPublisher creates a new in-memory change publisher.
func NewInMemoryPublisher(opts ...PublisherOption) *InMemoryPublisher {
	p := &InMemoryPublisher{
		subscriptions: make(map[string]*subscription),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish stamps the change with the next sequence number and delivers it
// synchronously to every matching subscriber.
func (p *InMemoryPublisher) Publish(ctx context.Context, change *Change) {
	if change == nil {
		return
	}

	handlers := p.stamp(change)

	// Invoke handlers outside the lock to avoid deadlocks
	for _, handler := range handlers {
		if ctx.Err() != nil {
			return
		}
		handler(change)
	}
}

// PublishAsync delivers the change with each handler in its own goroutine.
func (p *InMemoryPublisher) PublishAsync(ctx context.Context, change *Change) {
	if change == nil {
		return
	}

	for _, handler := range p.stamp(change) {
		go handler(change)
	}
}

func (p *InMemoryPublisher) stamp(change *Change) []Handler {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	change.Seq = p.seq
	if change.At.IsZero() {
		change.At = p.now()
	}

	var handlers []Handler
	for _, sub := range p.subscriptions {
		if sub.filter.Matches(change) {
			handlers = append(handlers, sub.handler)
		}
	}
	return handlers
}

// Subscribe registers a handler to receive changes matching the filter.
func (p *InMemoryPublisher) Subscribe(id string, filter Filter, handler Handler) error {
	if id == "" {
		return ErrInvalidSubscriptionID
	}
	if handler == nil {
		return ErrNilHandler
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.subscriptions[id]; exists {
		return ErrSubscriptionExists
	}

	p.subscriptions[id] = &subscription{
		id:      id,
		filter:  filter,
		handler: handler,
	}

	return nil
}

// Unsubscribe removes a subscription by ID.
func (p *InMemoryPublisher) Unsubscribe(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.subscriptions[id]; !exists {
		return ErrSubscriptionNotFound
	}

	delete(p.subscriptions, id)
	return nil
}

// SubscriberCount returns the number of active subscribers.
func (p *InMemoryPublisher) SubscriberCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscriptions)
}

// UpdateSubscription updates the filter for an existing subscription.
func (p *InMemoryPublisher) UpdateSubscription(id string, filter Filter) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub, exists := p.subscriptions[id]
	if !exists {
		return ErrSubscriptionNotFound
	}

	sub.filter = filter
	return nil
}

// Close removes all subscriptions.
func (p *InMemoryPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscriptions = make(map[string]*subscription)
}

// Errors for publisher operations.
var (
	ErrInvalidSubscriptionID = &PublisherError{Message: "subscription ID is required"}
	ErrNilHandler            = &PublisherError{Message: "handler cannot be nil"}
	ErrSubscriptionExists    = &PublisherError{Message: "subscription with this ID already exists"}
	ErrSubscriptionNotFound  = &PublisherError{Message: "subscription not found"}
)

// PublisherError represents an error from publisher operations.
type PublisherError struct {
	Message string
}

func (e *PublisherError) Error() string {
	return e.Message
}

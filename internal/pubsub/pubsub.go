// Package pubsub provides the in-process event bus connecting the store to
// push subscribers. Fan-out is synchronous in the publisher's goroutine; a
// listener that panics is isolated from its siblings and from the publisher.
package pubsub

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zjrosen/sessionscope/internal/log"
)

// EventType identifies bus events.
type EventType string

const (
	SessionCreated EventType = "session:created"
	SessionUpdated EventType = "session:updated"
	TurnCreated    EventType = "turn:created"
	TurnUpdated    EventType = "turn:updated"
	TurnCompleted  EventType = "turn:completed"
	MetricsUpdated EventType = "metrics:updated"
)

// DefaultMaxListeners caps subscriptions so a leak surfaces as an error
// instead of unbounded growth.
const DefaultMaxListeners = 100

// ErrTooManyListeners is returned by Subscribe once the cap is reached.
var ErrTooManyListeners = errors.New("pubsub: too many listeners")

// Event is delivered to every listener on publish.
type Event[T any] struct {
	Type      EventType
	SessionID string
	Payload   T
}

// Listener receives published events. It runs in the publisher's goroutine
// and must not block.
type Listener[T any] func(Event[T])

type subscription[T any] struct {
	id int
	fn Listener[T]
}

// Broker is a typed publish/subscribe bus. The listener list is
// copy-on-write: Publish iterates a snapshot without holding the lock.
type Broker[T any] struct {
	mu           sync.RWMutex
	listeners    []subscription[T]
	nextID       int
	maxListeners int
}

// NewBroker creates a broker with the default listener cap.
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithLimit[T](DefaultMaxListeners)
}

// NewBrokerWithLimit creates a broker capping listeners at maxListeners.
// A non-positive limit falls back to the default.
func NewBrokerWithLimit[T any](maxListeners int) *Broker[T] {
	if maxListeners <= 0 {
		maxListeners = DefaultMaxListeners
	}
	return &Broker[T]{maxListeners: maxListeners}
}

// Subscribe registers fn and returns a cancel function. Cancel is
// idempotent.
func (b *Broker[T]) Subscribe(fn Listener[T]) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.listeners) >= b.maxListeners {
		return nil, fmt.Errorf("%w (limit %d)", ErrTooManyListeners, b.maxListeners)
	}

	b.nextID++
	id := b.nextID
	next := make([]subscription[T], len(b.listeners), len(b.listeners)+1)
	copy(next, b.listeners)
	b.listeners = append(next, subscription[T]{id: id, fn: fn})

	var once sync.Once
	return func() { once.Do(func() { b.unsubscribe(id) }) }, nil
}

func (b *Broker[T]) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := make([]subscription[T], 0, len(b.listeners))
	for _, s := range b.listeners {
		if s.id != id {
			next = append(next, s)
		}
	}
	b.listeners = next
}

// Publish delivers the event to every listener in subscription order.
func (b *Broker[T]) Publish(eventType EventType, sessionID string, payload T) {
	b.mu.RLock()
	listeners := b.listeners
	b.mu.RUnlock()

	event := Event[T]{Type: eventType, SessionID: sessionID, Payload: payload}
	for _, s := range listeners {
		invoke(s.fn, event)
	}
}

func invoke[T any](fn Listener[T], event Event[T]) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatStream, "event listener panicked", "event", string(event.Type), "panic", fmt.Sprint(r))
		}
	}()
	fn(event)
}

// ListenerCount reports the current number of subscriptions.
func (b *Broker[T]) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

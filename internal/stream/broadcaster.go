// Package stream pushes session lifecycle events to long-lived client
// connections in this process: SSE streams subscribe through the
// Broadcaster, websocket clients through the Hub.
package stream

import (
	"sync"

	"github.com/ricochet1k/wamesh/internal/domain"
)

const DefaultBufferSize = 16

type Subscriber struct {
	ID        string
	SessionID string
	Events    chan domain.Event
}

// Broadcaster fans events out to per-session subscribers. Delivery never
// blocks the publisher: a subscriber whose buffer is full misses the event.
type Broadcaster struct {
	subscribers map[string]*Subscriber
	mu          sync.RWMutex
	bufferSize  int
}

func NewBroadcaster(bufferSize int) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Broadcaster{
		subscribers: make(map[string]*Subscriber),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a subscriber. An empty sessionID receives every session.
func (b *Broadcaster) Subscribe(subscriberID, sessionID string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		ID:        subscriberID,
		SessionID: sessionID,
		Events:    make(chan domain.Event, b.bufferSize),
	}
	b.subscribers[subscriberID] = sub
	return sub
}

func (b *Broadcaster) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[subscriberID]; ok {
		close(sub.Events)
		delete(b.subscribers, subscriberID)
	}
}

func (b *Broadcaster) Broadcast(event domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if sub.SessionID == "" || sub.SessionID == event.SessionID {
			select {
			case sub.Events <- event:
			default:
			}
		}
	}
}

// Deliver sends event to a single subscriber. Returns false if the subscriber
// is gone or its buffer is full.
func (b *Broadcaster) Deliver(subscriberID string, event domain.Event) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sub, ok := b.subscribers[subscriberID]
	if !ok {
		return false
	}
	select {
	case sub.Events <- event:
		return true
	default:
		return false
	}
}

func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Broadcaster) SessionSubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, sub := range b.subscribers {
		if sub.SessionID == "" || sub.SessionID == sessionID {
			count++
		}
	}
	return count
}

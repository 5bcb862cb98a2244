// Package bridge carries pairing and ready notifications between processes.
// The process that owns a session's client publishes; processes that only
// serve HTTP register per-session listeners and receive the fan-out.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	ChannelQR    = "wa:bridge:qr"
	ChannelReady = "wa:bridge:ready"
)

type EventType string

const (
	EventQR    EventType = "qr"
	EventReady EventType = "ready"
)

// Event is one cross-process notification. QR is empty for EventReady.
type Event struct {
	Type      EventType
	SessionID string
	QR        string
}

type qrMessage struct {
	SessionID string `json:"sessionId"`
	QR        string `json:"qr"`
}

// Listener receives events for the session it was registered for.
type Listener func(Event)

// ListenerID identifies a registration for RemoveListener.
type ListenerID uint64

type Bridge struct {
	rdb redis.UniversalClient
	log zerolog.Logger

	mu         sync.Mutex
	listeners  map[string]map[ListenerID]Listener
	nextID     ListenerID
	subscribed bool
	pubsub     *redis.PubSub
	closed     bool
}

func New(rdb redis.UniversalClient, log zerolog.Logger) *Bridge {
	return &Bridge{
		rdb:       rdb,
		log:       log,
		listeners: make(map[string]map[ListenerID]Listener),
	}
}

// AddListener registers fn for sessionID. The first registration in the
// process subscribes to the broadcast channels; a failed subscription is
// logged and retried on the next registration.
func (b *Bridge) AddListener(ctx context.Context, sessionID string, fn Listener) ListenerID {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	set, ok := b.listeners[sessionID]
	if !ok {
		set = make(map[ListenerID]Listener)
		b.listeners[sessionID] = set
	}
	set[id] = fn
	b.mu.Unlock()

	if err := b.ensureSubscribed(ctx); err != nil {
		b.log.Warn().Err(err).Str("session_id", sessionID).Msg("bridge subscription failed; will retry")
	}
	return id
}

func (b *Bridge) RemoveListener(sessionID string, id ListenerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.listeners[sessionID]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(b.listeners, sessionID)
	}
}

// ListenerCount returns the number of listeners for sessionID.
func (b *Bridge) ListenerCount(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[sessionID])
}

func (b *Bridge) ensureSubscribed(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribed || b.closed {
		return nil
	}

	ps := b.rdb.Subscribe(ctx, ChannelQR, ChannelReady)
	// Subscribe is lazy; Receive surfaces connection errors now.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe: %w", err)
	}
	b.pubsub = ps
	b.subscribed = true
	go b.consume(ps)
	return nil
}

func (b *Bridge) consume(ps *redis.PubSub) {
	for msg := range ps.Channel() {
		b.dispatch(msg)
	}
	b.mu.Lock()
	if b.pubsub == ps {
		b.subscribed = false
		b.pubsub = nil
	}
	b.mu.Unlock()
}

func (b *Bridge) dispatch(msg *redis.Message) {
	var ev Event
	switch msg.Channel {
	case ChannelQR:
		var m qrMessage
		if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
			b.log.Warn().Err(err).Msg("discarding malformed bridge qr message")
			return
		}
		ev = Event{Type: EventQR, SessionID: m.SessionID, QR: m.QR}
	case ChannelReady:
		ev = Event{Type: EventReady, SessionID: msg.Payload}
	default:
		return
	}
	if ev.SessionID == "" {
		return
	}

	b.mu.Lock()
	targets := make([]Listener, 0, len(b.listeners[ev.SessionID]))
	for _, fn := range b.listeners[ev.SessionID] {
		targets = append(targets, fn)
	}
	b.mu.Unlock()

	for _, fn := range targets {
		b.deliver(fn, ev)
	}
}

// deliver isolates one listener so a panic cannot starve the others.
func (b *Bridge) deliver(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Str("session_id", ev.SessionID).Msg("bridge listener panicked")
		}
	}()
	fn(ev)
}

// PublishQR announces a pairing code. Fire-and-forget.
func (b *Bridge) PublishQR(ctx context.Context, sessionID, qr string) {
	data, err := json.Marshal(qrMessage{SessionID: sessionID, QR: qr})
	if err != nil {
		b.log.Warn().Err(err).Str("session_id", sessionID).Msg("encode bridge qr")
		return
	}
	if err := b.rdb.Publish(ctx, ChannelQR, data).Err(); err != nil {
		b.log.Warn().Err(err).Str("session_id", sessionID).Msg("publish bridge qr failed")
	}
}

// PublishReady announces that a session connected. Fire-and-forget.
func (b *Bridge) PublishReady(ctx context.Context, sessionID string) {
	if err := b.rdb.Publish(ctx, ChannelReady, sessionID).Err(); err != nil {
		b.log.Warn().Err(err).Str("session_id", sessionID).Msg("publish bridge ready failed")
	}
}

func (b *Bridge) Close() error {
	b.mu.Lock()
	b.closed = true
	ps := b.pubsub
	b.pubsub = nil
	b.subscribed = false
	b.mu.Unlock()
	if ps != nil {
		return ps.Close()
	}
	return nil
}

package stream

import (
	"strings"
	"sync"

	"github.com/ricochet1k/wamesh/internal/domain"
	realtimeTypes "github.com/ricochet1k/wamesh/pkg/realtime"
)

const (
	// TopicSessions carries events for every session.
	TopicSessions      = "sessions"
	topicSessionPrefix = "session."
)

func TopicSession(sessionID string) string {
	return topicSessionPrefix + sessionID
}

// SessionFromTopic returns the session id of a per-session topic.
func SessionFromTopic(topic string) (string, bool) {
	id, ok := strings.CutPrefix(topic, topicSessionPrefix)
	return id, ok && id != ""
}

func IsSupportedTopic(topic string) bool {
	if topic == TopicSessions {
		return true
	}
	return strings.HasPrefix(topic, topicSessionPrefix) && len(topic) > len(topicSessionPrefix)
}

// Hub routes envelopes to websocket clients by topic.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID()] = client
}

func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	client, ok := h.clients[clientID]
	if ok {
		delete(h.clients, clientID)
	}
	h.mu.Unlock()

	if ok {
		client.Close()
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Publish(topic string, msg realtimeTypes.ServerEnvelope) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if !client.IsSubscribed(topic) {
			continue
		}
		if client.Queue(msg) {
			continue
		}
		h.Unregister(client.ID())
	}
}

// PublishEvent sends a session event to subscribers of topic.
func (h *Hub) PublishEvent(topic string, event domain.Event) {
	h.Publish(topic, EventEnvelope(topic, event))
}

func EventEnvelope(topic string, event domain.Event) realtimeTypes.ServerEnvelope {
	return realtimeTypes.ServerEnvelope{
		Type:    realtimeTypes.ServerMessageTypeEvent,
		Topic:   topic,
		Payload: realtimeTypes.SessionEventFromDomain(event),
	}
}

func (h *Hub) Subscribe(clientID string, topics []string) bool {
	h.mu.RLock()
	client, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	client.Subscribe(topics)
	return true
}

func (h *Hub) Unsubscribe(clientID string, topics []string) bool {
	h.mu.RLock()
	client, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	client.Unsubscribe(topics)
	return true
}

// Pump publishes every broadcaster event on the all-sessions topic until the
// subscription is closed.
func (h *Hub) Pump(sub *Subscriber) {
	for event := range sub.Events {
		h.PublishEvent(TopicSessions, event)
	}
}

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ricochet1k/wamesh/internal/service"
	"github.com/ricochet1k/wamesh/internal/stream"
	realtimeTypes "github.com/ricochet1k/wamesh/pkg/realtime"
)

var realtimeUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// realtimeConn tracks the per-session subscriptions of one websocket client.
// The all-sessions topic is served by the hub.
type realtimeConn struct {
	client *stream.Client

	mu   sync.Mutex
	subs map[string]*service.Subscription
}

func (c *realtimeConn) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, sub := range c.subs {
		sub.Close()
		delete(c.subs, topic)
	}
}

func (h *Handler) realtimeWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := realtimeUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := stream.NewClient(generateID(), conn)
	rc := &realtimeConn{client: client, subs: make(map[string]*service.Subscription)}
	h.realtimeHub.Register(client)
	defer h.realtimeHub.Unregister(client.ID())
	defer rc.closeAll()

	go client.WriteLoop()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg realtimeTypes.ClientEnvelope
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.sendRealtimeError(client, "invalid message")
			continue
		}

		switch msg.Type {
		case realtimeTypes.ClientMessageTypeSubscribe:
			h.handleRealtimeSubscribe(ctx, rc, msg.Topics)
		case realtimeTypes.ClientMessageTypeUnsubscribe:
			h.handleRealtimeUnsubscribe(rc, msg.Topics)
		case realtimeTypes.ClientMessageTypePing:
			if !client.Queue(realtimeTypes.ServerEnvelope{Type: realtimeTypes.ServerMessageTypePong}) {
				return
			}
		default:
			h.sendRealtimeError(client, "unsupported message type")
		}
	}
}

func (h *Handler) handleRealtimeSubscribe(ctx context.Context, rc *realtimeConn, topics []string) {
	for _, topic := range topics {
		if !stream.IsSupportedTopic(topic) {
			h.sendRealtimeError(rc.client, "unsupported topic: "+topic)
			continue
		}

		sessionID, perSession := stream.SessionFromTopic(topic)
		if !perSession {
			h.realtimeHub.Subscribe(rc.client.ID(), []string{topic})
			continue
		}

		rc.mu.Lock()
		if _, exists := rc.subs[topic]; exists {
			rc.mu.Unlock()
			continue
		}
		sub := h.sessions.SubscribeSessionEvents(ctx, sessionID)
		rc.subs[topic] = sub
		rc.mu.Unlock()

		if !rc.client.Queue(realtimeTypes.ServerEnvelope{
			Type:    realtimeTypes.ServerMessageTypeSnapshot,
			Topic:   topic,
			Payload: h.sessionSnapshot(ctx, sessionID),
		}) {
			h.realtimeHub.Unregister(rc.client.ID())
			return
		}
		go h.forwardSession(rc.client, topic, sub)
	}
}

func (h *Handler) forwardSession(client *stream.Client, topic string, sub *service.Subscription) {
	for event := range sub.Events {
		if !client.Queue(stream.EventEnvelope(topic, event)) {
			h.realtimeHub.Unregister(client.ID())
			return
		}
	}
}

func (h *Handler) sessionSnapshot(ctx context.Context, sessionID string) realtimeTypes.SessionSnapshot {
	view := h.sessions.Status(ctx, sessionID)
	return realtimeTypes.SessionSnapshot{
		SessionID: sessionID,
		Status:    view.Status.String(),
		Ready:     view.Ready,
		QR:        view.QR,
		Identity:  view.Identity,
	}
}

func (h *Handler) handleRealtimeUnsubscribe(rc *realtimeConn, topics []string) {
	for _, topic := range topics {
		if !stream.IsSupportedTopic(topic) {
			continue
		}
		if _, perSession := stream.SessionFromTopic(topic); !perSession {
			h.realtimeHub.Unsubscribe(rc.client.ID(), []string{topic})
			continue
		}
		rc.mu.Lock()
		if sub, ok := rc.subs[topic]; ok {
			sub.Close()
			delete(rc.subs, topic)
		}
		rc.mu.Unlock()
	}
}

func (h *Handler) sendRealtimeError(client *stream.Client, message string) {
	if !client.Queue(realtimeTypes.ServerEnvelope{
		Type:    realtimeTypes.ServerMessageTypeError,
		Message: message,
	}) {
		h.realtimeHub.Unregister(client.ID())
	}
}

package realtime

import (
	"time"

	"github.com/ricochet1k/wamesh/internal/domain"
)

type ClientMessageType string

const (
	ClientMessageTypeSubscribe   ClientMessageType = "subscribe"
	ClientMessageTypeUnsubscribe ClientMessageType = "unsubscribe"
	ClientMessageTypePing        ClientMessageType = "ping"
)

type ServerMessageType string

const (
	ServerMessageTypeSnapshot ServerMessageType = "snapshot"
	ServerMessageTypeEvent    ServerMessageType = "event"
	ServerMessageTypeError    ServerMessageType = "error"
	ServerMessageTypePong     ServerMessageType = "pong"
)

type ClientEnvelope struct {
	Type   ClientMessageType `json:"type"`
	Topics []string          `json:"topics,omitempty"`
}

type ServerEnvelope struct {
	Type    ServerMessageType `json:"type"`
	Topic   string            `json:"topic,omitempty"`
	Payload any               `json:"payload,omitempty"`
	Message string            `json:"message,omitempty"`
}

// SessionEvent is the wire form of a lifecycle event.
type SessionEvent struct {
	SessionID string           `json:"sessionId"`
	Type      string           `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	QR        string           `json:"qr,omitempty"`
	Identity  *domain.Identity `json:"identity,omitempty"`
	Reason    string           `json:"reason,omitempty"`
}

func SessionEventFromDomain(e domain.Event) SessionEvent {
	out := SessionEvent{
		SessionID: e.SessionID,
		Type:      e.Type.String(),
		Timestamp: e.Timestamp,
	}
	switch data := e.Data.(type) {
	case domain.QRData:
		out.QR = data.QR
	case domain.ReadyData:
		if !data.Identity.IsZero() {
			identity := data.Identity
			out.Identity = &identity
		}
	case domain.ReasonData:
		out.Reason = data.Reason
	}
	return out
}

// SessionSnapshot is sent to a websocket client after it subscribes to a
// session topic.
type SessionSnapshot struct {
	SessionID string           `json:"sessionId"`
	Status    string           `json:"status"`
	Ready     bool             `json:"ready"`
	QR        string           `json:"qr,omitempty"`
	Identity  *domain.Identity `json:"identity,omitempty"`
}

package domain

import "time"

type EventType int

const (
	EventTypeQR EventType = iota
	EventTypeReady
	EventTypeAuthenticated
	EventTypeAuthFailure
	EventTypeDisconnected
)

func (t EventType) String() string {
	switch t {
	case EventTypeQR:
		return "qr"
	case EventTypeReady:
		return "ready"
	case EventTypeAuthenticated:
		return "authenticated"
	case EventTypeAuthFailure:
		return "auth_failure"
	case EventTypeDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is a session lifecycle notification delivered to stream subscribers.
type Event struct {
	Type      EventType
	Timestamp time.Time
	SessionID string
	Data      any
}

type QRData struct {
	QR string
}

type ReadyData struct {
	Identity Identity
}

type ReasonData struct {
	Reason string
}

func NewQREvent(sessionID, qr string) Event {
	return Event{
		Type:      EventTypeQR,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Data:      QRData{QR: qr},
	}
}

func NewReadyEvent(sessionID string, identity Identity) Event {
	return Event{
		Type:      EventTypeReady,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Data:      ReadyData{Identity: identity},
	}
}

func NewAuthenticatedEvent(sessionID string) Event {
	return Event{
		Type:      EventTypeAuthenticated,
		Timestamp: time.Now(),
		SessionID: sessionID,
	}
}

func NewAuthFailureEvent(sessionID, reason string) Event {
	return Event{
		Type:      EventTypeAuthFailure,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Data:      ReasonData{Reason: reason},
	}
}

func NewDisconnectedEvent(sessionID, reason string) Event {
	return Event{
		Type:      EventTypeDisconnected,
		Timestamp: time.Now(),
		SessionID: sessionID,
		Data:      ReasonData{Reason: reason},
	}
}

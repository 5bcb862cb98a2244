// Package capability defines the contract of the chat client that drives one
// account connection. The registry owns instances of it; concrete drivers live
// in subpackages.
package capability

import (
	"context"
	"time"

	"github.com/ricochet1k/wamesh/internal/domain"
)

type EventKind int

const (
	EventQR EventKind = iota
	EventReady
	EventAuthenticated
	EventAuthFailure
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventQR:
		return "qr"
	case EventReady:
		return "ready"
	case EventAuthenticated:
		return "authenticated"
	case EventAuthFailure:
		return "auth_failure"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is one lifecycle notification from a client. QR is set for EventQR,
// Reason for EventAuthFailure and EventDisconnected.
type Event struct {
	Kind   EventKind
	QR     string
	Reason string
}

func QR(payload string) Event          { return Event{Kind: EventQR, QR: payload} }
func Ready() Event                     { return Event{Kind: EventReady} }
func Authenticated() Event             { return Event{Kind: EventAuthenticated} }
func AuthFailure(reason string) Event  { return Event{Kind: EventAuthFailure, Reason: reason} }
func Disconnected(reason string) Event { return Event{Kind: EventDisconnected, Reason: reason} }

// LaunchOptions configure the heavyweight launch of a client.
type LaunchOptions struct {
	Headless           bool
	Args               []string
	RemoteDebuggingURL string
	InitTimeout        time.Duration
	DataDir            string
}

// Client is a live chat connection for one session.
//
// Events returns the same channel for the lifetime of the client. The client
// closes it once it has been destroyed or its backing process has exited, so
// a single consumer can range over it.
type Client interface {
	Initialize(ctx context.Context) error
	Destroy(ctx context.Context) error
	Logout(ctx context.Context) error
	Events() <-chan Event

	// Identity is only meaningful after EventReady.
	Identity() domain.Identity
	ProfilePictureURL(ctx context.Context) (string, error)
	SendMessage(ctx context.Context, to, body string) error
}

// GroupLister is implemented by clients that can enumerate the groups the
// account belongs to.
type GroupLister interface {
	ListGroups(ctx context.Context) ([]domain.Group, error)
}

// Factory constructs clients. clientID is already sanitized.
type Factory interface {
	New(clientID string, opts LaunchOptions) (Client, error)
}

type FactoryFunc func(clientID string, opts LaunchOptions) (Client, error)

func (f FactoryFunc) New(clientID string, opts LaunchOptions) (Client, error) {
	return f(clientID, opts)
}

package domain

import (
	"fmt"
	"strings"
	"time"
)

// SessionStatus is the externally visible state of a session as mirrored in
// the Session Store and tenant storage.
type SessionStatus string

const (
	StatusDisconnected SessionStatus = "disconnected"
	StatusPairing      SessionStatus = "qr"
	StatusConnected    SessionStatus = "connected"
	StatusAuthFailed   SessionStatus = "auth_failure"
)

func (s SessionStatus) String() string {
	return string(s)
}

func (s SessionStatus) Valid() bool {
	switch s {
	case StatusDisconnected, StatusPairing, StatusConnected, StatusAuthFailed:
		return true
	default:
		return false
	}
}

// ParseSessionStatus accepts the stored representation. Unknown values map to
// StatusDisconnected so a corrupt mirror never reports a live session.
func ParseSessionStatus(raw string) SessionStatus {
	s := SessionStatus(strings.TrimSpace(strings.ToLower(raw)))
	if !s.Valid() {
		return StatusDisconnected
	}
	return s
}

// Identity describes the account behind a ready session. Every field is
// optional; the capability may not expose all of them.
type Identity struct {
	PushName    string `json:"pushName,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	WalletID    string `json:"walletId,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

func (i Identity) IsZero() bool {
	return i == Identity{}
}

type Group struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Participants int    `json:"participants"`
}

// SessionView merges in-process registry state with the shared mirror.
type SessionView struct {
	ID        string
	Status    SessionStatus
	Ready     bool
	QR        string
	Identity  *Identity
	Owned     bool
	UpdatedAt time.Time
}

func (v SessionView) String() string {
	return fmt.Sprintf("session %s (%s, ready=%t)", v.ID, v.Status, v.Ready)
}

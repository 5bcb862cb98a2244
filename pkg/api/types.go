package api

import (
	"time"

	"github.com/ricochet1k/wamesh/internal/domain"
)

type SessionStatus string

const (
	SessionStatusDisconnected SessionStatus = "disconnected"
	SessionStatusPairing      SessionStatus = "qr"
	SessionStatusConnected    SessionStatus = "connected"
	SessionStatusAuthFailure  SessionStatus = "auth_failure"
)

type ConnectRequest struct {
	CompanyID string `json:"company_id,omitempty"`
}

type SendMessageRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type SessionResponse struct {
	ID        string           `json:"id"`
	Status    SessionStatus    `json:"status"`
	Ready     bool             `json:"ready"`
	QR        string           `json:"qr,omitempty"`
	Identity  *domain.Identity `json:"identity,omitempty"`
	Owned     bool             `json:"owned"`
	UpdatedAt time.Time        `json:"updated_at,omitempty"`
}

func SessionResponseFromView(v domain.SessionView) SessionResponse {
	return SessionResponse{
		ID:        v.ID,
		Status:    SessionStatus(v.Status),
		Ready:     v.Ready,
		QR:        v.QR,
		Identity:  v.Identity,
		Owned:     v.Owned,
		UpdatedAt: v.UpdatedAt,
	}
}

type QRResponse struct {
	SessionID string `json:"session_id"`
	QR        string `json:"qr"`
}

type CommandResponse struct {
	SessionID string `json:"session_id"`
	Command   string `json:"command"`
	Accepted  bool   `json:"accepted"`
}

type GroupListResponse struct {
	Groups []domain.Group `json:"groups"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Role   string `json:"role"`
}

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ricochet1k/wamesh/internal/queue"
	apiTypes "github.com/ricochet1k/wamesh/pkg/api"
)

const maxBodyBytes = 64 << 10

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	view := h.sessions.Status(r.Context(), chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, apiTypes.SessionResponseFromView(view))
}

func (h *Handler) getQR(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	qr, ok := h.sessions.CurrentQR(r.Context(), sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "no pairing qr available", "")
		return
	}
	writeJSON(w, http.StatusOK, apiTypes.QRResponse{SessionID: sessionID, QR: qr})
}

func (h *Handler) connectSession(w http.ResponseWriter, r *http.Request) {
	var req apiTypes.ConnectRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}
	sessionID := chi.URLParam(r, "id")
	if err := h.sessions.EnsureSession(r.Context(), sessionID, req.CompanyID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeAccepted(w, sessionID, queue.JobEnsure)
}

func (h *Handler) restartSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if err := h.sessions.RestartSession(r.Context(), sessionID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeAccepted(w, sessionID, queue.JobRestart)
}

func (h *Handler) disconnectSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if err := h.sessions.DisconnectSession(r.Context(), sessionID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeAccepted(w, sessionID, queue.JobDisconnect)
}

func (h *Handler) releasePairing(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if err := h.sessions.ReleasePairing(r.Context(), sessionID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeAccepted(w, sessionID, queue.JobRelease)
}

func (h *Handler) syncGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.sessions.SyncGroups(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, apiTypes.GroupListResponse{Groups: groups})
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req apiTypes.SendMessageRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.To == "" || req.Body == "" {
		writeError(w, http.StatusBadRequest, "to and body are required", "")
		return
	}
	sessionID := chi.URLParam(r, "id")
	if err := h.sessions.SendMessage(r.Context(), sessionID, req.To, req.Body); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeAccepted(w, sessionID, "message")
}

func writeAccepted(w http.ResponseWriter, sessionID, command string) {
	writeJSON(w, http.StatusAccepted, apiTypes.CommandResponse{
		SessionID: sessionID,
		Command:   command,
		Accepted:  true,
	})
}

// decodeOptionalBody accepts an empty body.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		return true
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return false
	}
	return true
}

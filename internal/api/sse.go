package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ricochet1k/wamesh/internal/domain"
	realtimeTypes "github.com/ricochet1k/wamesh/pkg/realtime"
)

// sseEvents streams a session's lifecycle events as Server-Sent Events. The
// subscription is registered before headers are flushed so that no event is
// lost between the client seeing the 200 and the first broadcast. The current
// QR or ready state is replayed first so a late subscriber can render it.
func (h *Handler) sseEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, domain.ErrInvalidSession.Error(), "")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported", "")
		return
	}

	ctx := r.Context()
	sub := h.sessions.SubscribeSessionEvents(ctx, sessionID)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if event, ok := h.currentEvent(r, sessionID); ok {
		if err := writeSSEEvent(w, event); err != nil {
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) currentEvent(r *http.Request, sessionID string) (domain.Event, bool) {
	if qr, ok := h.sessions.CurrentQR(r.Context(), sessionID); ok {
		return domain.NewQREvent(sessionID, qr), true
	}
	if identity, ok := h.sessions.CurrentIdentity(r.Context(), sessionID); ok {
		return domain.NewReadyEvent(sessionID, identity), true
	}
	return domain.Event{}, false
}

// writeSSEEvent serialises a single event in the SSE wire format:
//
//	event: <type>\n
//	data: <json>\n
//	\n
func writeSSEEvent(w http.ResponseWriter, event domain.Event) error {
	data, err := json.Marshal(realtimeTypes.SessionEventFromDomain(event))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
	return err
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ricochet1k/wamesh/internal/config"
	"github.com/ricochet1k/wamesh/internal/domain"
	"github.com/ricochet1k/wamesh/internal/queue"
	"github.com/ricochet1k/wamesh/internal/service"
	"github.com/ricochet1k/wamesh/internal/stream"
	apiTypes "github.com/ricochet1k/wamesh/pkg/api"
)

// Handler routes REST, SSE and websocket requests to the orchestrator.
type Handler struct {
	sessions    *service.Orchestrator
	broadcaster *stream.Broadcaster
	realtimeHub *stream.Hub
	metrics     http.Handler
	role        config.Role
	log         zerolog.Logger
	hubSub      *stream.Subscriber
}

type HandlerConfig struct {
	Sessions    *service.Orchestrator
	Broadcaster *stream.Broadcaster
	Metrics     http.Handler
	Role        config.Role
	Logger      zerolog.Logger
}

func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		sessions:    cfg.Sessions,
		broadcaster: cfg.Broadcaster,
		realtimeHub: stream.NewHub(),
		metrics:     cfg.Metrics,
		role:        cfg.Role,
		log:         cfg.Logger.With().Str("component", "api").Logger(),
	}
	h.startRealtimeBridge()
	return h
}

// Mount registers all routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/healthz", h.healthz)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}
	r.Get("/api/realtime", h.realtimeWebSocket)
	r.Route("/api/sessions/{id}", func(r chi.Router) {
		r.Get("/", h.getSession)
		r.Get("/qr", h.getQR)
		r.Get("/events", h.sseEvents)
		r.Post("/connect", h.connectSession)
		r.Post("/restart", h.restartSession)
		r.Post("/disconnect", h.disconnectSession)
		r.Post("/release", h.releasePairing)
		r.Post("/sync", h.syncGroups)
		r.Post("/messages", h.sendMessage)
	})
}

// Close stops the realtime fan-out.
func (h *Handler) Close() {
	if h.hubSub != nil && h.broadcaster != nil {
		h.broadcaster.Unsubscribe(h.hubSub.ID)
	}
}

func (h *Handler) startRealtimeBridge() {
	if h.broadcaster == nil {
		return
	}
	h.hubSub = h.broadcaster.Subscribe(generateID(), "")
	go h.realtimeHub.Pump(h.hubSub)
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, apiTypes.HealthResponse{Status: "ok", Role: string(h.role)})
}

func generateID() string {
	return uuid.NewString()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message, details string) {
	resp := apiTypes.ErrorResponse{Error: message}
	if details != "" {
		resp.Details = details
	}
	writeJSON(w, code, resp)
}

// writeServiceError maps orchestrator errors onto status codes. The
// user-facing message is the short stable text of the sentinel.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var failed *queue.JobFailedError
	switch {
	case errors.Is(err, domain.ErrInvalidSession):
		writeError(w, http.StatusBadRequest, domain.ErrInvalidSession.Error(), "")
	case errors.Is(err, domain.ErrNotReady):
		writeError(w, http.StatusConflict, domain.ErrNotReady.Error(), "")
	case errors.Is(err, domain.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, domain.ErrUnavailable.Error(), "")
	case errors.Is(err, domain.ErrAuthRejected):
		writeError(w, http.StatusUnauthorized, domain.ErrAuthRejected.Error(), "")
	case errors.Is(err, domain.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, domain.ErrSessionNotFound.Error(), "")
	case errors.Is(err, queue.ErrAwaitTimeout):
		writeError(w, http.StatusGatewayTimeout, domain.ErrUnavailable.Error(), err.Error())
	case errors.As(err, &failed):
		writeError(w, http.StatusBadGateway, "command failed", failed.Reason)
	default:
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error", err.Error())
	}
}

package registry

import (
	"context"

	"github.com/ricochet1k/wamesh/internal/capability"
	"github.com/ricochet1k/wamesh/internal/domain"
)

// consume is the single dispatch point for one handle's capability events.
// Events from a handle that is no longer registered are dropped.
func (r *Registry) consume(h *Handle) {
	defer r.wg.Done()
	for ev := range h.client.Events() {
		switch ev.Kind {
		case capability.EventQR:
			r.onQR(h, ev.QR)
		case capability.EventAuthenticated:
			r.onAuthenticated(h)
		case capability.EventReady:
			r.onReady(h)
		case capability.EventAuthFailure:
			r.onAuthFailure(h, ev.Reason)
		case capability.EventDisconnected:
			r.onDisconnected(h, ev.Reason)
		}
	}
}

func (r *Registry) isCurrentLocked(h *Handle) bool {
	return r.handles[h.sessionID] == h
}

func (r *Registry) onQR(h *Handle, payload string) {
	id := h.sessionID
	rendered, err := r.render(payload)
	if err != nil {
		r.log.Warn().Err(err).Str("session_id", id).Msg("qr render failed")
		return
	}

	r.mu.Lock()
	if !r.isCurrentLocked(h) {
		r.mu.Unlock()
		return
	}
	h.qr = rendered
	r.mu.Unlock()

	r.log.Info().Str("session_id", id).Msg("pairing qr received")
	r.store.SetQr(r.ctx, id, rendered)
	r.store.SetStatus(r.ctx, id, domain.StatusPairing)
	r.recordStatus(id, domain.StatusPairing)
	r.pub.PublishQR(r.ctx, id, rendered)
	r.notify.Broadcast(domain.NewQREvent(id, rendered))
}

func (r *Registry) onAuthenticated(h *Handle) {
	r.mu.Lock()
	current := r.isCurrentLocked(h)
	r.mu.Unlock()
	if !current {
		return
	}
	r.log.Info().Str("session_id", h.sessionID).Msg("session authenticated")
	r.notify.Broadcast(domain.NewAuthenticatedEvent(h.sessionID))
}

func (r *Registry) onReady(h *Handle) {
	id := h.sessionID
	identity := h.client.Identity()

	r.mu.Lock()
	if !r.isCurrentLocked(h) {
		r.mu.Unlock()
		return
	}
	wasReady := h.ready
	h.ready = true
	h.qr = ""
	h.identity = identity
	r.clearReconnectLocked(id)
	r.mu.Unlock()

	if !wasReady {
		r.metrics.SessionReady()
	}
	r.log.Info().Str("session_id", id).Str("push_name", identity.PushName).Msg("session ready")

	r.store.ClearQr(r.ctx, id)
	r.store.SetStatus(r.ctx, id, domain.StatusConnected)
	r.store.SetMeta(r.ctx, id, identity)
	r.recordStatus(id, domain.StatusConnected)
	r.recordIdentity(id, identity)
	r.pub.PublishReady(r.ctx, id)
	r.notify.Broadcast(domain.NewReadyEvent(id, identity))

	r.refreshAvatar(h)
}

// refreshAvatar fetches the profile picture in the background and folds it
// into the stored identity. Failures only affect the avatar.
func (r *Registry) refreshAvatar(h *Handle) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(r.ctx, avatarRefreshTimeout)
		defer cancel()

		url, err := h.client.ProfilePictureURL(ctx)
		if err != nil {
			r.log.Debug().Err(err).Str("session_id", h.sessionID).Msg("avatar refresh failed")
			return
		}
		if url == "" {
			return
		}

		r.mu.Lock()
		if !r.isCurrentLocked(h) || !h.ready {
			r.mu.Unlock()
			return
		}
		h.identity.AvatarURL = url
		identity := h.identity
		r.mu.Unlock()

		r.store.SetMeta(r.ctx, h.sessionID, identity)
		r.recordIdentity(h.sessionID, identity)
	}()
}

func (r *Registry) onAuthFailure(h *Handle, reason string) {
	id := h.sessionID

	r.mu.Lock()
	if !r.isCurrentLocked(h) {
		r.mu.Unlock()
		return
	}
	wasReady := h.ready
	h.ready = false
	h.qr = ""
	r.mu.Unlock()

	if wasReady {
		r.metrics.SessionNotReady()
	}
	r.log.Warn().Str("session_id", id).Str("reason", reason).Msg("authentication failed")

	r.store.ClearQr(r.ctx, id)
	r.store.SetStatus(r.ctx, id, domain.StatusAuthFailed)
	r.recordStatus(id, domain.StatusAuthFailed)
	r.notify.Broadcast(domain.NewAuthFailureEvent(id, reason))
}

func (r *Registry) onDisconnected(h *Handle, reason string) {
	id := h.sessionID
	if !r.removeHandle(h) {
		return
	}

	r.log.Warn().Str("session_id", id).Str("reason", reason).Msg("session disconnected")

	r.store.ClearQr(r.ctx, id)
	r.store.SetStatus(r.ctx, id, domain.StatusDisconnected)
	r.recordStatus(id, domain.StatusDisconnected)
	r.teardownAsync(h)
	r.scheduleReconnect(id)
	r.notify.Broadcast(domain.NewDisconnectedEvent(id, reason))
}

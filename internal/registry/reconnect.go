package registry

import "time"

// scheduleReconnect arms the reconnect timer for sessionID unless one is
// already pending.
func (r *Registry) scheduleReconnect(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	st, ok := r.reconnects[sessionID]
	if !ok {
		st = &reconnectState{}
		r.reconnects[sessionID] = st
	}
	if st.timer != nil {
		return
	}

	delay := r.backoff(st.attempts)
	st.gen++
	gen := st.gen
	st.timer = r.afterFunc(delay, func() { r.fireReconnect(sessionID, st, gen) })

	r.log.Info().
		Str("session_id", sessionID).
		Int("attempt", st.attempts+1).
		Dur("delay", delay).
		Msg("reconnect scheduled")
}

func (r *Registry) backoff(attempts int) time.Duration {
	step := min(attempts, len(r.ladder)-1)
	return r.ladder[step] + r.debounce
}

func (r *Registry) fireReconnect(sessionID string, st *reconnectState, gen uint64) {
	r.mu.Lock()
	if r.closed || r.reconnects[sessionID] != st || st.gen != gen || st.timer == nil {
		r.mu.Unlock()
		return
	}
	st.timer = nil
	if _, exists := r.handles[sessionID]; exists {
		r.mu.Unlock()
		return
	}
	st.attempts++
	attempt := st.attempts
	r.mu.Unlock()

	r.metrics.ReconnectAttempt()
	r.log.Info().Str("session_id", sessionID).Int("attempt", attempt).Msg("reconnecting session")

	// A launch failure here marks the session disconnected and stops; only
	// runtime disconnects are retried.
	if _, err := r.GetOrCreate(r.ctx, sessionID); err != nil {
		r.log.Warn().Err(err).Str("session_id", sessionID).Int("attempt", attempt).Msg("reconnect failed")
	}
}

// stopReconnectTimerLocked cancels a pending attempt but keeps the attempt
// count, so a later disconnect continues up the ladder.
func (r *Registry) stopReconnectTimerLocked(sessionID string) {
	st, ok := r.reconnects[sessionID]
	if !ok || st.timer == nil {
		return
	}
	st.timer.Stop()
	st.timer = nil
}

func (r *Registry) clearReconnectLocked(sessionID string) {
	r.stopReconnectTimerLocked(sessionID)
	delete(r.reconnects, sessionID)
}

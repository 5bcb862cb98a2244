package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ricochet1k/wamesh/internal/capability"
	"github.com/ricochet1k/wamesh/internal/domain"
	"github.com/ricochet1k/wamesh/internal/queue"
)

const logoutReason = "LOGOUT"

// Handlers are the worker-side implementations of every queued command.
func (o *Orchestrator) Handlers() map[string]queue.Handler {
	return map[string]queue.Handler{
		queue.JobEnsure: func(ctx context.Context, job queue.CommandJob) ([]byte, error) {
			return nil, o.ensure(ctx, job.SessionID)
		},
		queue.JobRestart: func(ctx context.Context, job queue.CommandJob) ([]byte, error) {
			return nil, o.restart(ctx, job.SessionID)
		},
		queue.JobDisconnect: func(ctx context.Context, job queue.CommandJob) ([]byte, error) {
			return nil, o.disconnect(ctx, job.SessionID)
		},
		queue.JobRelease: func(ctx context.Context, job queue.CommandJob) ([]byte, error) {
			return nil, o.release(ctx, job.SessionID)
		},
		queue.JobSync: func(ctx context.Context, job queue.CommandJob) ([]byte, error) {
			raw, err := o.syncGroups(ctx, job.SessionID)
			if errors.Is(err, domain.ErrNotReady) {
				return nil, queue.Permanent(err)
			}
			return raw, err
		},
	}
}

func (o *Orchestrator) ensure(ctx context.Context, sessionID string) error {
	if o.registry == nil {
		return domain.ErrUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, o.opTimeout)
	defer cancel()
	if _, err := o.registry.GetOrCreate(ctx, sessionID); err != nil {
		return fmt.Errorf("ensure session %s: %w", sessionID, err)
	}
	return nil
}

func (o *Orchestrator) restart(ctx context.Context, sessionID string) error {
	if o.registry == nil {
		return domain.ErrUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, o.opTimeout)
	defer cancel()
	if _, err := o.registry.Restart(ctx, sessionID); err != nil {
		return fmt.Errorf("restart session %s: %w", sessionID, err)
	}
	return nil
}

// disconnect logs out a ready client, tears it down and records the session
// as disconnected. Without a registry only the records are updated.
func (o *Orchestrator) disconnect(ctx context.Context, sessionID string) error {
	if o.registry != nil {
		if client, err := o.registry.ReadyClient(sessionID); err == nil {
			if err := client.Logout(ctx); err != nil {
				o.log.Warn().Err(err).Str("session_id", sessionID).Msg("logout failed")
			}
		}
		o.registry.Destroy(ctx, sessionID)
	}
	o.markDisconnected(ctx, sessionID)
	o.broadcaster.Broadcast(domain.NewDisconnectedEvent(sessionID, logoutReason))
	return nil
}

func (o *Orchestrator) release(ctx context.Context, sessionID string) error {
	if o.registry != nil {
		if !o.registry.ReleasePairing(ctx, sessionID) {
			return nil
		}
	} else if o.store.GetStatus(ctx, sessionID) != domain.StatusPairing {
		return nil
	}
	o.markDisconnected(ctx, sessionID)
	return nil
}

func (o *Orchestrator) markDisconnected(ctx context.Context, sessionID string) {
	o.store.ClearQr(ctx, sessionID)
	o.store.SetStatus(ctx, sessionID, domain.StatusDisconnected)
	if o.tenants != nil {
		if err := o.tenants.MarkStatus(ctx, sessionID, domain.StatusDisconnected); err != nil {
			o.log.Warn().Err(err).Str("session_id", sessionID).Msg("tenant status update failed")
		}
	}
}

func (o *Orchestrator) syncGroups(ctx context.Context, sessionID string) ([]byte, error) {
	if o.registry == nil {
		return nil, domain.ErrUnavailable
	}
	client, err := o.registry.ReadyClient(sessionID)
	if err != nil {
		return nil, err
	}
	lister, ok := client.(capability.GroupLister)
	if !ok {
		return nil, fmt.Errorf("client for %s cannot list groups", sessionID)
	}
	groups, err := lister.ListGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	if groups == nil {
		groups = []domain.Group{}
	}
	return json.Marshal(groups)
}

func decodeGroups(raw []byte) ([]domain.Group, error) {
	groups := []domain.Group{}
	if len(raw) == 0 {
		return groups, nil
	}
	if err := json.Unmarshal(raw, &groups); err != nil {
		return nil, fmt.Errorf("decode groups: %w", err)
	}
	return groups, nil
}

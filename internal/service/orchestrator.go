// Package service is the produced interface of the system: it accepts
// session commands from callers, routes them through the command queue to
// the process that owns the session, and runs them in-process when the queue
// cannot take them.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ricochet1k/wamesh/internal/bridge"
	"github.com/ricochet1k/wamesh/internal/domain"
	"github.com/ricochet1k/wamesh/internal/queue"
	"github.com/ricochet1k/wamesh/internal/registry"
	"github.com/ricochet1k/wamesh/internal/stream"
	"github.com/ricochet1k/wamesh/internal/tenant"
)

const DefaultOperationTimeout = 2 * time.Minute

// Commands is the durable command path.
type Commands interface {
	Enqueue(ctx context.Context, job queue.CommandJob) queue.Result
	EnqueueAndAwait(ctx context.Context, job queue.CommandJob) ([]byte, error)
}

// SessionStore is the cross-process status mirror.
type SessionStore interface {
	SetStatus(ctx context.Context, sessionID string, status domain.SessionStatus)
	ClearQr(ctx context.Context, sessionID string)
	GetStatus(ctx context.Context, sessionID string) domain.SessionStatus
	GetQr(ctx context.Context, sessionID string) string
	GetMeta(ctx context.Context, sessionID string) (domain.Identity, bool)
}

// EventSource delivers pairing and ready events published by other
// processes.
type EventSource interface {
	AddListener(ctx context.Context, sessionID string, fn bridge.Listener) bridge.ListenerID
	RemoveListener(sessionID string, id bridge.ListenerID)
}

type TenantStore interface {
	SetCompany(ctx context.Context, id, companyID string) error
	MarkStatus(ctx context.Context, id string, status domain.SessionStatus) error
	ListRestorable(ctx context.Context) ([]tenant.SessionRecord, error)
}

type Config struct {
	// Registry is nil in processes that do not own sessions.
	Registry    *registry.Registry
	Queue       Commands
	Store       SessionStore
	Bridge      EventSource
	Tenants     TenantStore
	Broadcaster *stream.Broadcaster
	Logger      zerolog.Logger

	OperationTimeout time.Duration
}

type Orchestrator struct {
	registry    *registry.Registry
	queue       Commands
	store       SessionStore
	bridge      EventSource
	tenants     TenantStore
	broadcaster *stream.Broadcaster
	log         zerolog.Logger
	opTimeout   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewOrchestrator(cfg Config) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())

	opTimeout := cfg.OperationTimeout
	if opTimeout <= 0 {
		opTimeout = DefaultOperationTimeout
	}
	broadcaster := cfg.Broadcaster
	if broadcaster == nil {
		broadcaster = stream.NewBroadcaster(0)
	}

	return &Orchestrator{
		registry:    cfg.Registry,
		queue:       cfg.Queue,
		store:       cfg.Store,
		bridge:      cfg.Bridge,
		tenants:     cfg.Tenants,
		broadcaster: broadcaster,
		log:         cfg.Logger.With().Str("component", "orchestrator").Logger(),
		opTimeout:   opTimeout,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// OwnsSessions reports whether this process can run session commands itself.
func (o *Orchestrator) OwnsSessions() bool {
	return o.registry != nil
}

// dispatch enqueues jobName for sessionID and, when the queue refuses it,
// runs fallback in-process before returning.
func (o *Orchestrator) dispatch(ctx context.Context, jobName, sessionID, companyID string, fallback func(ctx context.Context) error) error {
	if sessionID == "" {
		return domain.ErrInvalidSession
	}
	job, err := queue.NewCommand(jobName, sessionID, companyID)
	if err != nil {
		return err
	}

	if o.queue != nil {
		res := o.queue.Enqueue(ctx, job)
		if res.OK {
			o.log.Debug().Str("job", jobName).Str("session_id", sessionID).Str("job_id", res.JobID).Msg("command enqueued")
			return nil
		}
		o.log.Info().
			Str("job", jobName).
			Str("session_id", sessionID).
			Bool("lua_incompatible", res.LuaIncompatible).
			Msg("running command in-process")
	}
	return fallback(ctx)
}

// EnsureSession makes sure a client is running for sessionID.
func (o *Orchestrator) EnsureSession(ctx context.Context, sessionID, companyID string) error {
	if sessionID == "" {
		return domain.ErrInvalidSession
	}
	if o.tenants != nil {
		if err := o.tenants.SetCompany(ctx, sessionID, companyID); err != nil {
			o.log.Warn().Err(err).Str("session_id", sessionID).Msg("tenant record update failed")
		}
	}
	if o.registry != nil && o.registry.Has(sessionID) {
		return nil
	}
	return o.dispatch(ctx, queue.JobEnsure, sessionID, companyID, func(ctx context.Context) error {
		return o.ensure(ctx, sessionID)
	})
}

func (o *Orchestrator) RestartSession(ctx context.Context, sessionID string) error {
	return o.dispatch(ctx, queue.JobRestart, sessionID, "", func(ctx context.Context) error {
		return o.restart(ctx, sessionID)
	})
}

// DisconnectSession logs the session out and tears it down. With the queue
// down it still marks the session disconnected from any process.
func (o *Orchestrator) DisconnectSession(ctx context.Context, sessionID string) error {
	return o.dispatch(ctx, queue.JobDisconnect, sessionID, "", func(ctx context.Context) error {
		return o.disconnect(ctx, sessionID)
	})
}

// ReleasePairing abandons a pairing attempt. A session that is already
// connected is left alone.
func (o *Orchestrator) ReleasePairing(ctx context.Context, sessionID string) error {
	return o.dispatch(ctx, queue.JobRelease, sessionID, "", func(ctx context.Context) error {
		return o.release(ctx, sessionID)
	})
}

// SyncGroups returns the groups of a connected session, waiting for the
// owning worker when the queue is available.
func (o *Orchestrator) SyncGroups(ctx context.Context, sessionID string) ([]domain.Group, error) {
	if sessionID == "" {
		return nil, domain.ErrInvalidSession
	}
	job, err := queue.NewCommand(queue.JobSync, sessionID, "")
	if err != nil {
		return nil, err
	}

	var raw []byte
	if o.queue != nil {
		raw, err = o.queue.EnqueueAndAwait(ctx, job)
	} else {
		err = domain.ErrUnavailable
	}
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrUnavailable):
		o.log.Info().Str("session_id", sessionID).Msg("running sync in-process")
		raw, err = o.syncGroups(ctx, sessionID)
		if err != nil {
			return nil, err
		}
	default:
		var failed *queue.JobFailedError
		if errors.As(err, &failed) && strings.HasPrefix(failed.Reason, domain.ErrNotReady.Error()) {
			return nil, domain.ErrNotReady
		}
		return nil, err
	}
	return decodeGroups(raw)
}

// SendMessage runs on the owning process only.
func (o *Orchestrator) SendMessage(ctx context.Context, sessionID, to, body string) error {
	if sessionID == "" {
		return domain.ErrInvalidSession
	}
	if to == "" || body == "" {
		return fmt.Errorf("recipient and body are required")
	}
	if o.registry == nil {
		return domain.ErrUnavailable
	}
	client, err := o.registry.ReadyClient(sessionID)
	if err != nil {
		return err
	}
	if err := client.SendMessage(ctx, to, body); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (o *Orchestrator) owns(sessionID string) bool {
	return o.registry != nil && o.registry.Has(sessionID)
}

func (o *Orchestrator) IsReady(ctx context.Context, sessionID string) bool {
	if o.owns(sessionID) {
		return o.registry.IsReady(sessionID)
	}
	return o.store.GetStatus(ctx, sessionID) == domain.StatusConnected
}

// CurrentQR returns the pairing QR while the session is pairing.
func (o *Orchestrator) CurrentQR(ctx context.Context, sessionID string) (string, bool) {
	if o.owns(sessionID) {
		return o.registry.QR(sessionID)
	}
	if o.store.GetStatus(ctx, sessionID) != domain.StatusPairing {
		return "", false
	}
	qr := o.store.GetQr(ctx, sessionID)
	return qr, qr != ""
}

// CurrentIdentity is only available for connected sessions.
func (o *Orchestrator) CurrentIdentity(ctx context.Context, sessionID string) (domain.Identity, bool) {
	if o.owns(sessionID) {
		return o.registry.Identity(sessionID)
	}
	if o.store.GetStatus(ctx, sessionID) != domain.StatusConnected {
		return domain.Identity{}, false
	}
	return o.store.GetMeta(ctx, sessionID)
}

// Status merges local registry state with the shared mirror.
func (o *Orchestrator) Status(ctx context.Context, sessionID string) domain.SessionView {
	view := domain.SessionView{
		ID:        sessionID,
		Status:    o.store.GetStatus(ctx, sessionID),
		Owned:     o.owns(sessionID),
		UpdatedAt: time.Now().UTC(),
	}
	view.Ready = o.IsReady(ctx, sessionID)
	if view.Owned {
		switch {
		case view.Ready:
			view.Status = domain.StatusConnected
		case view.Status == domain.StatusConnected:
			view.Status = domain.StatusDisconnected
		}
	}
	if qr, ok := o.CurrentQR(ctx, sessionID); ok {
		view.QR = qr
	}
	if identity, ok := o.CurrentIdentity(ctx, sessionID); ok {
		view.Identity = &identity
	}
	return view
}

// Close waits for detached work such as startup restore.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package registry owns the live chat clients of this process: at most one
// per session id, launched under a process-wide bound and relaunched with
// backoff after an unexpected disconnect.
//
// All registry state (handles, pairing payloads, readiness, reconnect
// timers) is guarded by a single mutex. Capability events for one session
// are consumed by one goroutine, so their effects are applied in the order
// the client emitted them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/ricochet1k/wamesh/internal/capability"
	"github.com/ricochet1k/wamesh/internal/domain"
	"github.com/ricochet1k/wamesh/internal/metrics"
)

const (
	DefaultMaxConcurrentInits = 1
	DefaultSlotHold           = 8 * time.Second
	DefaultSettleDelay        = 3 * time.Second
	DefaultReconnectDebounce  = 1500 * time.Millisecond

	teardownTimeout      = 15 * time.Second
	avatarRefreshTimeout = 15 * time.Second
)

var DefaultReconnectLadder = []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second}

var (
	ErrClosed = errors.New("registry closed")
	// ErrSuperseded is returned to callers of a launch whose handle was
	// destroyed or released before Initialize finished.
	ErrSuperseded = errors.New("launch superseded")
)

// StatusStore mirrors session state for other processes.
type StatusStore interface {
	SetStatus(ctx context.Context, sessionID string, status domain.SessionStatus)
	SetQr(ctx context.Context, sessionID, qr string)
	SetMeta(ctx context.Context, sessionID string, identity domain.Identity)
	ClearQr(ctx context.Context, sessionID string)
}

// Publisher announces pairing and ready events to other processes.
type Publisher interface {
	PublishQR(ctx context.Context, sessionID, qr string)
	PublishReady(ctx context.Context, sessionID string)
}

// Notifier delivers events to stream subscribers in this process.
type Notifier interface {
	Broadcast(event domain.Event)
}

// TenantRecorder is the durable record of session status.
type TenantRecorder interface {
	MarkStatus(ctx context.Context, sessionID string, status domain.SessionStatus) error
	SaveIdentity(ctx context.Context, sessionID string, identity domain.Identity) error
}

type Config struct {
	Factory  capability.Factory
	Launch   capability.LaunchOptions
	Renderer capability.Renderer

	Store     StatusStore
	Publisher Publisher
	Notifier  Notifier
	Tenants   TenantRecorder
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger

	MaxConcurrentInits int
	SlotHold           time.Duration
	SettleDelay        time.Duration
	ReconnectLadder    []time.Duration
	ReconnectDebounce  time.Duration
}

// Handle is the registry's record of one live client.
type Handle struct {
	sessionID string
	client    capability.Client

	// guarded by Registry.mu
	qr       string
	ready    bool
	identity domain.Identity
}

func (h *Handle) SessionID() string {
	return h.sessionID
}

func (h *Handle) Client() capability.Client {
	return h.client
}

type stopper interface {
	Stop() bool
}

type reconnectState struct {
	attempts int
	timer    stopper
	gen      uint64
}

type Registry struct {
	factory  capability.Factory
	launch   capability.LaunchOptions
	render   capability.Renderer
	store    StatusStore
	pub      Publisher
	notify   Notifier
	tenants  TenantRecorder
	metrics  *metrics.Metrics
	log      zerolog.Logger
	slotHold time.Duration
	settle   time.Duration
	ladder   []time.Duration
	debounce time.Duration

	slots   *semaphore.Weighted
	creates singleflight.Group

	mu         sync.Mutex
	handles    map[string]*Handle
	reconnects map[string]*reconnectState
	closed     bool

	// afterFunc schedules reconnect attempts.
	afterFunc func(d time.Duration, f func()) stopper

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Registry {
	ctx, cancel := context.WithCancel(context.Background())

	maxInits := cfg.MaxConcurrentInits
	if maxInits <= 0 {
		maxInits = DefaultMaxConcurrentInits
	}
	slotHold := cfg.SlotHold
	if slotHold <= 0 {
		slotHold = DefaultSlotHold
	}
	settle := cfg.SettleDelay
	if settle <= 0 {
		settle = DefaultSettleDelay
	}
	ladder := cfg.ReconnectLadder
	if len(ladder) == 0 {
		ladder = DefaultReconnectLadder
	}
	render := cfg.Renderer
	if render == nil {
		render = capability.RenderDataURL
	}

	return &Registry{
		factory:    cfg.Factory,
		launch:     cfg.Launch,
		render:     render,
		store:      cfg.Store,
		pub:        cfg.Publisher,
		notify:     cfg.Notifier,
		tenants:    cfg.Tenants,
		metrics:    cfg.Metrics,
		log:        cfg.Logger.With().Str("component", "registry").Logger(),
		slotHold:   slotHold,
		settle:     settle,
		ladder:     ladder,
		debounce:   cfg.ReconnectDebounce,
		slots:      semaphore.NewWeighted(int64(maxInits)),
		handles:    make(map[string]*Handle),
		reconnects: make(map[string]*reconnectState),
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// GetOrCreate returns the live handle for sessionID, launching a client if
// there is none. Concurrent callers for one id share a single launch. The
// handle is registered before the client finishes initializing, so it may
// not be ready yet.
func (r *Registry) GetOrCreate(ctx context.Context, sessionID string) (*Handle, error) {
	if sessionID == "" {
		return nil, domain.ErrInvalidSession
	}
	if h, ok := r.lookup(sessionID); ok {
		return h, nil
	}

	ch := r.creates.DoChan(sessionID, func() (any, error) {
		return r.create(sessionID)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Handle), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) lookup(sessionID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[sessionID]
	return h, ok
}

// create runs under the singleflight key for sessionID. It uses the registry
// context so an abandoned caller does not abort a launch others wait on.
func (r *Registry) create(sessionID string) (*Handle, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if h, ok := r.handles[sessionID]; ok {
		r.mu.Unlock()
		return h, nil
	}
	r.mu.Unlock()

	log := r.log.With().Str("session_id", sessionID).Logger()

	if err := r.slots.Acquire(r.ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire init slot: %w", err)
	}
	r.metrics.SlotAcquired()
	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() {
			r.slots.Release(1)
			r.metrics.SlotReleased()
		})
	}

	client, err := r.factory.New(capability.SanitizeID(sessionID), r.launch)
	if err != nil {
		release()
		r.metrics.Launch("failed")
		r.markLaunchFailed(sessionID, err)
		return nil, fmt.Errorf("construct client for %s: %w", sessionID, err)
	}

	h := &Handle{sessionID: sessionID, client: client}
	r.mu.Lock()
	r.handles[sessionID] = h
	r.stopReconnectTimerLocked(sessionID)
	r.mu.Unlock()

	r.wg.Add(1)
	go r.consume(h)

	// The slot bounds the heavyweight launch phase, not the whole of
	// Initialize; it is handed on after slotHold even if Initialize is
	// still running.
	hold := time.AfterFunc(r.slotHold, release)

	log.Info().Msg("initializing client")
	if err := client.Initialize(r.ctx); err != nil {
		hold.Stop()
		release()
		r.metrics.Launch("failed")

		current := r.removeHandle(h)
		r.teardownAsync(h)
		if current {
			r.markLaunchFailed(sessionID, err)
		}
		return nil, fmt.Errorf("initialize client for %s: %w", sessionID, err)
	}

	r.mu.Lock()
	current := r.handles[sessionID] == h
	r.mu.Unlock()
	if !current {
		r.metrics.Launch("superseded")
		log.Info().Msg("launch finished after the handle was removed")
		return nil, fmt.Errorf("initialize client for %s: %w", sessionID, ErrSuperseded)
	}

	r.metrics.Launch("ok")
	return h, nil
}

func (r *Registry) markLaunchFailed(sessionID string, err error) {
	r.log.Error().Err(err).Str("session_id", sessionID).Msg("client launch failed")
	r.store.SetStatus(r.ctx, sessionID, domain.StatusDisconnected)
	r.recordStatus(sessionID, domain.StatusDisconnected)
}

// removeHandle deregisters h if it is still the current handle for its
// session. Returns whether it was.
func (r *Registry) removeHandle(h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handles[h.sessionID] != h {
		return false
	}
	delete(r.handles, h.sessionID)
	if h.ready {
		r.metrics.SessionNotReady()
	}
	h.ready = false
	h.qr = ""
	h.identity = domain.Identity{}
	return true
}

// Destroy cancels any pending reconnect, deregisters the handle and tears
// the client down. Teardown errors are logged, not returned.
func (r *Registry) Destroy(ctx context.Context, sessionID string) {
	r.mu.Lock()
	r.clearReconnectLocked(sessionID)
	h := r.handles[sessionID]
	r.mu.Unlock()
	// A launch still in Initialize must not be joined by the next create.
	r.creates.Forget(sessionID)

	if h == nil {
		return
	}
	r.removeHandle(h)
	r.teardown(ctx, h)
}

// ReleasePairing destroys the session only while it is still pairing.
// Returns whether a handle was released.
func (r *Registry) ReleasePairing(ctx context.Context, sessionID string) bool {
	r.mu.Lock()
	h := r.handles[sessionID]
	if h == nil || h.ready {
		r.mu.Unlock()
		return false
	}
	r.clearReconnectLocked(sessionID)
	delete(r.handles, sessionID)
	h.qr = ""
	r.mu.Unlock()
	r.creates.Forget(sessionID)

	r.log.Info().Str("session_id", sessionID).Msg("releasing pairing session")
	r.teardown(ctx, h)
	return true
}

// Restart tears the session down, waits for the settle delay and launches it
// again.
func (r *Registry) Restart(ctx context.Context, sessionID string) (*Handle, error) {
	r.Destroy(ctx, sessionID)

	timer := time.NewTimer(r.settle)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
		return nil, ctx.Err()
	}
	return r.GetOrCreate(ctx, sessionID)
}

func (r *Registry) IsReady(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.handles[sessionID]
	return h != nil && h.ready
}

// QR returns the rendered pairing payload while the session is pairing.
func (r *Registry) QR(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.handles[sessionID]
	if h == nil || h.ready || h.qr == "" {
		return "", false
	}
	return h.qr, true
}

// Identity is only available once the session is ready.
func (r *Registry) Identity(sessionID string) (domain.Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.handles[sessionID]
	if h == nil || !h.ready {
		return domain.Identity{}, false
	}
	return h.identity, true
}

// Has reports whether this process holds a handle for sessionID.
func (r *Registry) Has(sessionID string) bool {
	_, ok := r.lookup(sessionID)
	return ok
}

// ReadyClient returns the client of a ready session, or domain.ErrNotReady.
func (r *Registry) ReadyClient(sessionID string) (capability.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.handles[sessionID]
	if h == nil || !h.ready {
		return nil, domain.ErrNotReady
	}
	return h.client, nil
}

func (r *Registry) Sessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	return ids
}

// ReconnectAttempts reports how many reconnect timers have fired for
// sessionID since it was last ready.
func (r *Registry) ReconnectAttempts(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.reconnects[sessionID]; ok {
		return st.attempts
	}
	return 0
}

// Close stops reconnects, tears down every client and waits for background
// work, bounded by ctx.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for id := range r.reconnects {
		r.clearReconnectLocked(id)
	}
	handles := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	for _, h := range handles {
		r.removeHandle(h)
		r.teardown(ctx, h)
	}
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("registry close: %w", ctx.Err())
	}
}

func (r *Registry) teardown(ctx context.Context, h *Handle) {
	if err := h.client.Destroy(ctx); err != nil {
		r.log.Warn().Err(err).Str("session_id", h.sessionID).Msg("client teardown failed")
	}
}

// teardownAsync destroys a client off the event path; Destroy may wait for
// the client's event stream to drain.
func (r *Registry) teardownAsync(h *Handle) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		r.teardown(ctx, h)
	}()
}

func (r *Registry) recordStatus(sessionID string, status domain.SessionStatus) {
	if r.tenants == nil {
		return
	}
	if err := r.tenants.MarkStatus(r.ctx, sessionID, status); err != nil {
		r.log.Warn().Err(err).Str("session_id", sessionID).Str("status", status.String()).Msg("tenant status update failed")
	}
}

func (r *Registry) recordIdentity(sessionID string, identity domain.Identity) {
	if r.tenants == nil {
		return
	}
	if err := r.tenants.SaveIdentity(r.ctx, sessionID, identity); err != nil {
		r.log.Warn().Err(err).Str("session_id", sessionID).Msg("tenant identity update failed")
	}
}

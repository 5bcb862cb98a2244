package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricochet1k/wamesh/internal/bridge"
	"github.com/ricochet1k/wamesh/internal/capability"
	"github.com/ricochet1k/wamesh/internal/domain"
	"github.com/ricochet1k/wamesh/internal/queue"
	"github.com/ricochet1k/wamesh/internal/registry"
	"github.com/ricochet1k/wamesh/internal/stream"
	"github.com/ricochet1k/wamesh/internal/tenant"
)

type stubClient struct {
	events    chan capability.Event
	closeOnce sync.Once
	groups    []domain.Group

	mu     sync.Mutex
	sent   []string
	logout int
}

func newStubClient() *stubClient {
	return &stubClient{events: make(chan capability.Event, 16)}
}

func (c *stubClient) Initialize(context.Context) error { return nil }

func (c *stubClient) Destroy(context.Context) error {
	c.closeOnce.Do(func() { close(c.events) })
	return nil
}

func (c *stubClient) Logout(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logout++
	return nil
}

func (c *stubClient) Events() <-chan capability.Event { return c.events }
func (c *stubClient) Identity() domain.Identity {
	return domain.Identity{PushName: "Acme", PhoneNumber: "15550001111"}
}
func (c *stubClient) ProfilePictureURL(context.Context) (string, error) { return "", nil }

func (c *stubClient) SendMessage(_ context.Context, to, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, to+":"+body)
	return nil
}

func (c *stubClient) ListGroups(context.Context) ([]domain.Group, error) {
	return c.groups, nil
}

type memStore struct {
	mu     sync.Mutex
	status map[string]domain.SessionStatus
	qr     map[string]string
	meta   map[string]domain.Identity
}

func newMemStore() *memStore {
	return &memStore{
		status: make(map[string]domain.SessionStatus),
		qr:     make(map[string]string),
		meta:   make(map[string]domain.Identity),
	}
}

func (s *memStore) SetStatus(_ context.Context, id string, st domain.SessionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[id] = st
}

func (s *memStore) SetQr(_ context.Context, id, qr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.qr[id] = qr
}

func (s *memStore) SetMeta(_ context.Context, id string, identity domain.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[id] = identity
}

func (s *memStore) ClearQr(_ context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.qr, id)
}

func (s *memStore) GetStatus(_ context.Context, id string) domain.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.status[id]; ok {
		return st
	}
	return domain.StatusDisconnected
}

func (s *memStore) GetQr(_ context.Context, id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qr[id]
}

func (s *memStore) GetMeta(_ context.Context, id string) (domain.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.meta[id]
	return identity, ok
}

type fakeCommands struct {
	mu       sync.Mutex
	result   queue.Result
	awaitRaw []byte
	awaitErr error
	jobs     []queue.CommandJob
}

func (c *fakeCommands) Enqueue(_ context.Context, job queue.CommandJob) queue.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs = append(c.jobs, job)
	return c.result
}

func (c *fakeCommands) EnqueueAndAwait(_ context.Context, job queue.CommandJob) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs = append(c.jobs, job)
	return c.awaitRaw, c.awaitErr
}

type fakeBridge struct {
	mu        sync.Mutex
	listeners map[bridge.ListenerID]bridge.Listener
	next      bridge.ListenerID
}

func (b *fakeBridge) AddListener(_ context.Context, _ string, fn bridge.Listener) bridge.ListenerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listeners == nil {
		b.listeners = make(map[bridge.ListenerID]bridge.Listener)
	}
	b.next++
	b.listeners[b.next] = fn
	return b.next
}

func (b *fakeBridge) RemoveListener(_ string, id bridge.ListenerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, id)
}

func (b *fakeBridge) publish(ev bridge.Event) {
	b.mu.Lock()
	fns := make([]bridge.Listener, 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (b *fakeBridge) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

type memTenants struct {
	mu      sync.Mutex
	status  map[string]domain.SessionStatus
	company map[string]string
	listErr error
}

func newMemTenants() *memTenants {
	return &memTenants{status: make(map[string]domain.SessionStatus), company: make(map[string]string)}
}

func (t *memTenants) SetCompany(_ context.Context, id, companyID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.company[id] = companyID
	return nil
}

func (t *memTenants) MarkStatus(_ context.Context, id string, st domain.SessionStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status[id] = st
	return nil
}

func (t *memTenants) SaveIdentity(context.Context, string, domain.Identity) error { return nil }

func (t *memTenants) ListRestorable(context.Context) ([]tenant.SessionRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listErr != nil {
		return nil, t.listErr
	}
	var out []tenant.SessionRecord
	for id, st := range t.status {
		rec := tenant.SessionRecord{ID: id, Status: st}
		if rec.Restorable() {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (t *memTenants) getStatus(id string) domain.SessionStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status[id]
}

type fixture struct {
	orch     *Orchestrator
	reg      *registry.Registry
	commands *fakeCommands
	store    *memStore
	bridge   *fakeBridge
	tenants  *memTenants
	bcast    *stream.Broadcaster

	mu      sync.Mutex
	clients map[string]*stubClient
}

// newFixture builds an orchestrator. owner decides whether it has a registry.
func newFixture(t *testing.T, owner bool) *fixture {
	t.Helper()
	f := &fixture{
		commands: &fakeCommands{},
		store:    newMemStore(),
		bridge:   &fakeBridge{},
		tenants:  newMemTenants(),
		bcast:    stream.NewBroadcaster(16),
		clients:  make(map[string]*stubClient),
	}
	if owner {
		f.reg = registry.New(registry.Config{
			Factory: capability.FactoryFunc(func(clientID string, _ capability.LaunchOptions) (capability.Client, error) {
				c := newStubClient()
				f.mu.Lock()
				f.clients[clientID] = c
				f.mu.Unlock()
				return c, nil
			}),
			Renderer:    func(p string) (string, error) { return "rendered:" + p, nil },
			Store:       f.store,
			Publisher:   nopPublisher{},
			Notifier:    f.bcast,
			Tenants:     f.tenants,
			Logger:      zerolog.Nop(),
			SlotHold:    time.Millisecond,
			SettleDelay: time.Millisecond,
		})
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = f.reg.Close(ctx)
		})
	}
	f.orch = NewOrchestrator(Config{
		Registry:    f.reg,
		Queue:       f.commands,
		Store:       f.store,
		Bridge:      f.bridge,
		Tenants:     f.tenants,
		Broadcaster: f.bcast,
		Logger:      zerolog.Nop(),
	})
	t.Cleanup(func() { _ = f.orch.Close(context.Background()) })
	return f
}

func (f *fixture) client(id string) *stubClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[id]
}

// makeReady launches sessionID in-process and drives it to ready.
func (f *fixture) makeReady(t *testing.T, sessionID string) *stubClient {
	t.Helper()
	_, err := f.reg.GetOrCreate(context.Background(), sessionID)
	require.NoError(t, err)
	c := f.client(sessionID)
	c.events <- capability.Ready()
	require.Eventually(t, func() bool {
		return f.reg.IsReady(sessionID) && f.store.GetStatus(context.Background(), sessionID) == domain.StatusConnected
	}, time.Second, 2*time.Millisecond)
	return c
}

type nopPublisher struct{}

func (nopPublisher) PublishQR(context.Context, string, string) {}
func (nopPublisher) PublishReady(context.Context, string)      {}

func TestDisconnect_QueueDownStillMarksDisconnected(t *testing.T) {
	f := newFixture(t, false)
	f.store.SetStatus(context.Background(), "acme", domain.StatusConnected)
	sub := f.orch.SubscribeSessionEvents(context.Background(), "acme")
	defer sub.Close()

	require.NoError(t, f.orch.DisconnectSession(context.Background(), "acme"))

	assert.Equal(t, domain.StatusDisconnected, f.store.GetStatus(context.Background(), "acme"))
	assert.Equal(t, domain.StatusDisconnected, f.tenants.getStatus("acme"))
	require.Len(t, f.commands.jobs, 1)
	assert.Equal(t, queue.QueueCleanup, f.commands.jobs[0].Queue)

	select {
	case ev := <-sub.Events:
		assert.Equal(t, domain.EventTypeDisconnected, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected disconnected event")
	}
}

func TestDisconnect_EnqueuedSkipsFallback(t *testing.T) {
	f := newFixture(t, false)
	f.commands.result = queue.Result{OK: true, JobID: "j1"}
	f.store.SetStatus(context.Background(), "acme", domain.StatusConnected)

	require.NoError(t, f.orch.DisconnectSession(context.Background(), "acme"))
	assert.Equal(t, domain.StatusConnected, f.store.GetStatus(context.Background(), "acme"))
}

func TestDisconnect_InProcessLogsOutAndDestroys(t *testing.T) {
	f := newFixture(t, true)
	c := f.makeReady(t, "acme")

	require.NoError(t, f.orch.DisconnectSession(context.Background(), "acme"))

	assert.False(t, f.reg.Has("acme"))
	assert.Equal(t, 1, c.logout)
	assert.Equal(t, domain.StatusDisconnected, f.store.GetStatus(context.Background(), "acme"))
}

func TestEnsure_LuaIncompatibleFallsBackInProcess(t *testing.T) {
	f := newFixture(t, true)
	f.commands.result = queue.Result{LuaIncompatible: true}

	require.NoError(t, f.orch.EnsureSession(context.Background(), "acme", "co-1"))
	assert.True(t, f.reg.Has("acme"))
	assert.Equal(t, "co-1", f.tenants.company["acme"])

	require.NoError(t, f.orch.EnsureSession(context.Background(), "acme", "co-1"))
	assert.Len(t, f.commands.jobs, 1, "existing handle needs no command")
}

func TestEnsure_NonOwnerWithoutQueue(t *testing.T) {
	f := newFixture(t, false)

	err := f.orch.EnsureSession(context.Background(), "acme", "")
	assert.ErrorIs(t, err, domain.ErrUnavailable)

	err = f.orch.EnsureSession(context.Background(), "", "")
	assert.ErrorIs(t, err, domain.ErrInvalidSession)
}

func TestRestart_FallbackRelaunches(t *testing.T) {
	f := newFixture(t, true)
	first := f.makeReady(t, "acme")

	require.NoError(t, f.orch.RestartSession(context.Background(), "acme"))
	assert.True(t, f.reg.Has("acme"))
	assert.NotSame(t, first, f.client("acme"))
}

func TestRelease_ConnectedSessionUntouched(t *testing.T) {
	f := newFixture(t, true)
	f.makeReady(t, "acme")

	require.NoError(t, f.orch.ReleasePairing(context.Background(), "acme"))
	assert.True(t, f.reg.IsReady("acme"))
	assert.Equal(t, domain.StatusConnected, f.store.GetStatus(context.Background(), "acme"))
}

func TestRelease_PairingSessionReleased(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.reg.GetOrCreate(context.Background(), "acme")
	require.NoError(t, err)
	f.client("acme").events <- capability.QR("2@abc")
	require.Eventually(t, func() bool {
		_, ok := f.reg.QR("acme")
		return ok
	}, time.Second, 2*time.Millisecond)

	require.NoError(t, f.orch.ReleasePairing(context.Background(), "acme"))
	assert.False(t, f.reg.Has("acme"))
	assert.Equal(t, domain.StatusDisconnected, f.store.GetStatus(context.Background(), "acme"))
	assert.Empty(t, f.store.GetQr(context.Background(), "acme"))
}

func TestRelease_NonOwnerOnlyClearsPairing(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	f.store.SetStatus(ctx, "connected", domain.StatusConnected)
	require.NoError(t, f.orch.ReleasePairing(ctx, "connected"))
	assert.Equal(t, domain.StatusConnected, f.store.GetStatus(ctx, "connected"))

	f.store.SetStatus(ctx, "pairing", domain.StatusPairing)
	f.store.SetQr(ctx, "pairing", "rendered:x")
	require.NoError(t, f.orch.ReleasePairing(ctx, "pairing"))
	assert.Equal(t, domain.StatusDisconnected, f.store.GetStatus(ctx, "pairing"))
}

func TestSyncGroups_ThroughQueue(t *testing.T) {
	f := newFixture(t, false)
	f.commands.awaitRaw = []byte(`[{"id":"g1@g.us","name":"Team","participants":4}]`)

	groups, err := f.orch.SyncGroups(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "Team", groups[0].Name)
	assert.Equal(t, queue.QueueSync, f.commands.jobs[0].Queue)
}

func TestSyncGroups_FallbackInProcess(t *testing.T) {
	f := newFixture(t, true)
	f.commands.awaitErr = fmt.Errorf("enqueue sync: %w", domain.ErrUnavailable)
	c := f.makeReady(t, "acme")
	c.groups = []domain.Group{{ID: "g1@g.us", Name: "Team", Participants: 4}}

	groups, err := f.orch.SyncGroups(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, c.groups, groups)
}

func TestSyncGroups_Failures(t *testing.T) {
	f := newFixture(t, false)

	f.commands.awaitErr = &queue.JobFailedError{Job: queue.JobSync, Reason: domain.ErrNotReady.Error()}
	_, err := f.orch.SyncGroups(context.Background(), "acme")
	assert.ErrorIs(t, err, domain.ErrNotReady)

	f.commands.awaitErr = &queue.JobFailedError{Job: queue.JobSync, Reason: queue.Permanent(domain.ErrNotReady).Error()}
	_, err = f.orch.SyncGroups(context.Background(), "acme")
	assert.ErrorIs(t, err, domain.ErrNotReady)

	f.commands.awaitErr = fmt.Errorf("%w sync", queue.ErrAwaitTimeout)
	_, err = f.orch.SyncGroups(context.Background(), "acme")
	assert.ErrorIs(t, err, queue.ErrAwaitTimeout)

	f.commands.awaitErr = fmt.Errorf("enqueue sync: %w", domain.ErrUnavailable)
	_, err = f.orch.SyncGroups(context.Background(), "acme")
	assert.ErrorIs(t, err, domain.ErrUnavailable, "non-owner cannot run sync itself")
}

func TestHandlers_SyncNotReadyIsNotRetried(t *testing.T) {
	f := newFixture(t, true)
	job, err := queue.NewCommand(queue.JobSync, "acme", "")
	require.NoError(t, err)

	_, err = f.orch.Handlers()[queue.JobSync](context.Background(), job)
	assert.ErrorIs(t, err, domain.ErrNotReady)
	assert.True(t, queue.IsPermanent(err))

	f.makeReady(t, "acme")
	raw, err := f.orch.Handlers()[queue.JobSync](context.Background(), job)
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
}

func TestSendMessage(t *testing.T) {
	f := newFixture(t, true)

	err := f.orch.SendMessage(context.Background(), "acme", "15550002222", "hi")
	assert.ErrorIs(t, err, domain.ErrNotReady)

	c := f.makeReady(t, "acme")
	require.NoError(t, f.orch.SendMessage(context.Background(), "acme", "15550002222", "hi"))
	assert.Equal(t, []string{"15550002222:hi"}, c.sent)

	assert.Error(t, f.orch.SendMessage(context.Background(), "acme", "", "hi"))
}

func TestReads_NonOwnerUsesMirror(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	assert.False(t, f.orch.IsReady(ctx, "acme"))
	_, ok := f.orch.CurrentQR(ctx, "acme")
	assert.False(t, ok)

	f.store.SetStatus(ctx, "acme", domain.StatusPairing)
	f.store.SetQr(ctx, "acme", "rendered:x")
	qr, ok := f.orch.CurrentQR(ctx, "acme")
	assert.True(t, ok)
	assert.Equal(t, "rendered:x", qr)

	f.store.SetStatus(ctx, "acme", domain.StatusConnected)
	f.store.SetMeta(ctx, "acme", domain.Identity{PushName: "Acme"})
	view := f.orch.Status(ctx, "acme")
	assert.True(t, view.Ready)
	assert.False(t, view.Owned)
	require.NotNil(t, view.Identity)
	assert.Equal(t, "Acme", view.Identity.PushName)
	assert.Empty(t, view.QR)
}

func TestReads_OwnerUsesRegistry(t *testing.T) {
	f := newFixture(t, true)
	f.makeReady(t, "acme")

	view := f.orch.Status(context.Background(), "acme")
	assert.True(t, view.Owned)
	assert.True(t, view.Ready)
	assert.Equal(t, domain.StatusConnected, view.Status)
	identity, ok := f.orch.CurrentIdentity(context.Background(), "acme")
	assert.True(t, ok)
	assert.Equal(t, "Acme", identity.PushName)
}

func TestSubscribe_RemoteEventsViaBridge(t *testing.T) {
	f := newFixture(t, false)
	f.store.SetMeta(context.Background(), "acme", domain.Identity{PushName: "Acme"})
	sub := f.orch.SubscribeSessionEvents(context.Background(), "acme")

	f.bridge.publish(bridge.Event{Type: bridge.EventQR, SessionID: "acme", QR: "rendered:x"})
	f.bridge.publish(bridge.Event{Type: bridge.EventReady, SessionID: "acme"})

	ev := <-sub.Events
	assert.Equal(t, domain.EventTypeQR, ev.Type)
	assert.Equal(t, "rendered:x", ev.Data.(domain.QRData).QR)
	ev = <-sub.Events
	assert.Equal(t, domain.EventTypeReady, ev.Type)
	assert.Equal(t, "Acme", ev.Data.(domain.ReadyData).Identity.PushName)

	f.orch.UnsubscribeSessionEvents(sub)
	sub.Close()
	assert.Equal(t, 0, f.bridge.count())
	_, open := <-sub.Events
	assert.False(t, open)
}

func TestSubscribe_OwnedSessionNotDuplicated(t *testing.T) {
	f := newFixture(t, true)
	sub := f.orch.SubscribeSessionEvents(context.Background(), "acme")
	defer sub.Close()

	f.makeReady(t, "acme")
	f.bridge.publish(bridge.Event{Type: bridge.EventReady, SessionID: "acme"})

	ev := <-sub.Events
	assert.Equal(t, domain.EventTypeReady, ev.Type)
	select {
	case extra := <-sub.Events:
		t.Fatalf("unexpected duplicate event %s", extra.Type)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRestore_LaunchesRestorableSessions(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	require.NoError(t, f.tenants.MarkStatus(ctx, "a", domain.StatusConnected))
	require.NoError(t, f.tenants.MarkStatus(ctx, "b", domain.StatusPairing))
	require.NoError(t, f.tenants.MarkStatus(ctx, "c", domain.StatusAuthFailed))

	f.orch.StartRestore()
	require.Eventually(t, func() bool {
		return f.reg.Has("a") && f.reg.Has("b")
	}, time.Second, 5*time.Millisecond)
	assert.False(t, f.reg.Has("c"))
}

func TestRestore_ListFailure(t *testing.T) {
	f := newFixture(t, true)
	f.tenants.listErr = errors.New("db closed")

	err := f.orch.restore(context.Background())
	assert.ErrorContains(t, err, "db closed")
}

func TestHandlers_CoverEveryJob(t *testing.T) {
	f := newFixture(t, true)
	handlers := f.orch.Handlers()
	for _, job := range []string{queue.JobEnsure, queue.JobRestart, queue.JobDisconnect, queue.JobRelease, queue.JobSync} {
		assert.Contains(t, handlers, job)
	}

	_, err := handlers[queue.JobEnsure](context.Background(), queue.CommandJob{Name: queue.JobEnsure, SessionID: "acme"})
	require.NoError(t, err)
	assert.True(t, f.reg.Has("acme"))

	_, err = handlers[queue.JobSync](context.Background(), queue.CommandJob{Name: queue.JobSync, SessionID: "acme"})
	assert.ErrorIs(t, err, domain.ErrNotReady)
}

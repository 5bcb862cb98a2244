package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ricochet1k/wamesh/internal/capability"
	"github.com/ricochet1k/wamesh/internal/domain"
)

type fakeClient struct {
	clientID   string
	events     chan capability.Event
	initFn     func(ctx context.Context) error
	identity   domain.Identity
	avatar     string
	destroyErr error

	destroyed atomic.Int32
	closeOnce sync.Once
}

func newFakeClient(clientID string) *fakeClient {
	return &fakeClient{clientID: clientID, events: make(chan capability.Event, 16)}
}

func (c *fakeClient) Initialize(ctx context.Context) error {
	if c.initFn != nil {
		return c.initFn(ctx)
	}
	return nil
}

func (c *fakeClient) Destroy(context.Context) error {
	c.destroyed.Add(1)
	c.closeOnce.Do(func() { close(c.events) })
	return c.destroyErr
}

func (c *fakeClient) Logout(context.Context) error                      { return nil }
func (c *fakeClient) Events() <-chan capability.Event                   { return c.events }
func (c *fakeClient) Identity() domain.Identity                         { return c.identity }
func (c *fakeClient) SendMessage(context.Context, string, string) error { return nil }

func (c *fakeClient) ProfilePictureURL(context.Context) (string, error) {
	if c.avatar == "" {
		return "", errors.New("no picture")
	}
	return c.avatar, nil
}

type fakeFactory struct {
	mu       sync.Mutex
	clients  []*fakeClient
	launches atomic.Int32
	err      error
	// configure runs on each new client before it is returned.
	configure func(c *fakeClient)
}

func (f *fakeFactory) New(clientID string, _ capability.LaunchOptions) (capability.Client, error) {
	f.launches.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	c := newFakeClient(clientID)
	if f.configure != nil {
		f.configure(c)
	}
	f.mu.Lock()
	f.clients = append(f.clients, c)
	f.mu.Unlock()
	return c, nil
}

func (f *fakeFactory) last() *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.clients) == 0 {
		return nil
	}
	return f.clients[len(f.clients)-1]
}

type fakeStore struct {
	mu     sync.Mutex
	status map[string]domain.SessionStatus
	qr     map[string]string
	meta   map[string]domain.Identity
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		status: make(map[string]domain.SessionStatus),
		qr:     make(map[string]string),
		meta:   make(map[string]domain.Identity),
	}
}

func (s *fakeStore) SetStatus(_ context.Context, id string, status domain.SessionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[id] = status
}

func (s *fakeStore) SetQr(_ context.Context, id, qr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.qr[id] = qr
}

func (s *fakeStore) SetMeta(_ context.Context, id string, identity domain.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[id] = identity
}

func (s *fakeStore) ClearQr(_ context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.qr, id)
}

func (s *fakeStore) getStatus(id string) domain.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status[id]
}

func (s *fakeStore) getQr(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qr[id]
}

func (s *fakeStore) getMeta(id string) domain.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta[id]
}

type fakePublisher struct {
	mu    sync.Mutex
	qrs   []string
	ready []string
}

func (p *fakePublisher) PublishQR(_ context.Context, id, qr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.qrs = append(p.qrs, id+"="+qr)
}

func (p *fakePublisher) PublishReady(_ context.Context, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ready = append(p.ready, id)
}

func (p *fakePublisher) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.qrs), len(p.ready)
}

type recordingNotifier struct {
	events chan domain.Event
}

func (n *recordingNotifier) Broadcast(ev domain.Event) {
	n.events <- ev
}

type fakeTenants struct {
	mu     sync.Mutex
	status map[string]domain.SessionStatus
	ident  map[string]domain.Identity
}

func (t *fakeTenants) MarkStatus(_ context.Context, id string, status domain.SessionStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status[id] = status
	return nil
}

func (t *fakeTenants) SaveIdentity(_ context.Context, id string, identity domain.Identity) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ident[id] = identity
	return nil
}

func (t *fakeTenants) getStatus(id string) domain.SessionStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status[id]
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped atomic.Bool
}

func (t *fakeTimer) Stop() bool {
	return !t.stopped.Swap(true)
}

type manualTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (m *manualTimers) after(d time.Duration, fn func()) stopper {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &fakeTimer{delay: d, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

func (m *manualTimers) pending() []*fakeTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*fakeTimer
	for _, t := range m.timers {
		if !t.stopped.Load() {
			out = append(out, t)
		}
	}
	return out
}

// fire runs every pending timer as if its delay had elapsed.
func (m *manualTimers) fire() int {
	pending := m.pending()
	for _, t := range pending {
		t.stopped.Store(true)
		t.fn()
	}
	return len(pending)
}

type harness struct {
	reg      *Registry
	factory  *fakeFactory
	store    *fakeStore
	pub      *fakePublisher
	notifier *recordingNotifier
	tenants  *fakeTenants
	timers   *manualTimers
}

func newHarness(t *testing.T, mutate func(cfg *Config)) *harness {
	t.Helper()
	h := &harness{
		factory:  &fakeFactory{},
		store:    newFakeStore(),
		pub:      &fakePublisher{},
		notifier: &recordingNotifier{events: make(chan domain.Event, 256)},
		tenants: &fakeTenants{
			status: make(map[string]domain.SessionStatus),
			ident:  make(map[string]domain.Identity),
		},
		timers: &manualTimers{},
	}
	cfg := Config{
		Factory:           h.factory,
		Renderer:          func(p string) (string, error) { return "rendered:" + p, nil },
		Store:             h.store,
		Publisher:         h.pub,
		Notifier:          h.notifier,
		Tenants:           h.tenants,
		Logger:            zerolog.Nop(),
		SlotHold:          10 * time.Millisecond,
		SettleDelay:       time.Millisecond,
		ReconnectLadder:   []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second},
		ReconnectDebounce: 1500 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.reg = New(cfg)
	h.reg.afterFunc = h.timers.after
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.reg.Close(ctx)
	})
	return h
}

// waitEvent returns the next notified event of type typ for sessionID,
// skipping others.
func (h *harness) waitEvent(t *testing.T, sessionID string, typ domain.EventType) domain.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.notifier.events:
			if ev.SessionID == sessionID && ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event on %s", typ, sessionID)
			return domain.Event{}
		}
	}
}

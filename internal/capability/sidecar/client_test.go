package sidecar

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricochet1k/wamesh/internal/capability"
	"github.com/ricochet1k/wamesh/internal/domain"
)

// fakeHelper stands in for the helper process: it answers requests written to
// stdin and lets tests push events onto stdout.
type fakeHelper struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	handle func(method string, params json.RawMessage) (any, string)

	mu      sync.Mutex
	methods []string
	once    sync.Once
}

func newFakeHelper(handle func(method string, params json.RawMessage) (any, string)) *fakeHelper {
	f := &fakeHelper{handle: handle}
	f.stdinR, f.stdinW = io.Pipe()
	f.stdoutR, f.stdoutW = io.Pipe()
	go f.serve()
	return f
}

func (f *fakeHelper) Stdin() io.WriteCloser { return f.stdinW }
func (f *fakeHelper) Stdout() io.ReadCloser { return f.stdoutR }
func (f *fakeHelper) Stderr() io.ReadCloser { return io.NopCloser(strings.NewReader("")) }
func (f *fakeHelper) Wait() error           { return nil }

func (f *fakeHelper) Stop(time.Duration) error {
	f.exit()
	return nil
}

func (f *fakeHelper) exit() {
	f.once.Do(func() {
		_ = f.stdoutW.Close()
		_ = f.stdinR.Close()
	})
}

func (f *fakeHelper) send(v any) {
	b, _ := json.Marshal(v)
	_, _ = f.stdoutW.Write(append(b, '\n'))
}

func (f *fakeHelper) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.methods...)
}

func (f *fakeHelper) serve() {
	scanner := bufio.NewScanner(f.stdinR)
	for scanner.Scan() {
		var req struct {
			ID     int64           `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		f.mu.Lock()
		f.methods = append(f.methods, req.Method)
		f.mu.Unlock()

		result, errMsg := f.handle(req.Method, req.Params)
		resp := map[string]any{"id": req.ID}
		if errMsg != "" {
			resp["error"] = errMsg
		} else {
			resp["result"] = result
		}
		f.send(resp)
	}
}

func okHandler(method string, _ json.RawMessage) (any, string) {
	switch method {
	case methodListGroups:
		return []domain.Group{{ID: "g1@g.us", Name: "Sales", Participants: 12}}, ""
	case methodProfilePictureURL:
		return "https://cdn.example/avatar.jpg", ""
	case methodSendMessage:
		return "", "recipient not on whatsapp"
	default:
		return map[string]any{}, ""
	}
}

func newTestClient(t *testing.T, helper *fakeHelper) *Client {
	t.Helper()
	start := func() (proc, error) { return helper, nil }
	return newClient("tenant_1", capability.LaunchOptions{Headless: true, InitTimeout: 2 * time.Second}, time.Second, start, zerolog.Nop())
}

func nextEvent(t *testing.T, c *Client) capability.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "events closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return capability.Event{}
	}
}

func TestClient_InitializeAndEvents(t *testing.T) {
	helper := newFakeHelper(okHandler)
	c := newTestClient(t, helper)

	require.NoError(t, c.Initialize(context.Background()))
	assert.Equal(t, []string{methodInitialize}, helper.calls())

	helper.send(map[string]any{"event": "qr", "data": "2@abc"})
	helper.send(map[string]any{"event": "authenticated"})
	helper.send(map[string]any{"event": "ready", "identity": map[string]any{"pushName": "Ana", "phoneNumber": "5511999"}})

	assert.Equal(t, capability.QR("2@abc"), nextEvent(t, c))
	assert.Equal(t, capability.EventAuthenticated, nextEvent(t, c).Kind)
	assert.Equal(t, capability.EventReady, nextEvent(t, c).Kind)
	assert.Equal(t, domain.Identity{PushName: "Ana", PhoneNumber: "5511999"}, c.Identity())

	assert.ErrorIs(t, c.Initialize(context.Background()), ErrAlreadyStarted)
}

func TestClient_Calls(t *testing.T) {
	helper := newFakeHelper(okHandler)
	c := newTestClient(t, helper)
	require.NoError(t, c.Initialize(context.Background()))

	groups, err := c.ListGroups(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []domain.Group{{ID: "g1@g.us", Name: "Sales", Participants: 12}}, groups)

	url, err := c.ProfilePictureURL(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/avatar.jpg", url)

	err = c.SendMessage(context.Background(), "5511", "hi")
	assert.EqualError(t, err, "recipient not on whatsapp")
}

func TestClient_DestroyClosesEventsWithoutDisconnect(t *testing.T) {
	helper := newFakeHelper(okHandler)
	c := newTestClient(t, helper)
	require.NoError(t, c.Initialize(context.Background()))

	require.NoError(t, c.Destroy(context.Background()))
	assert.Contains(t, helper.calls(), methodDestroy)

	_, ok := <-c.Events()
	assert.False(t, ok, "no disconnect event on requested teardown")
}

func TestClient_UnexpectedExitEmitsDisconnect(t *testing.T) {
	helper := newFakeHelper(okHandler)
	c := newTestClient(t, helper)
	require.NoError(t, c.Initialize(context.Background()))

	helper.exit()

	ev := nextEvent(t, c)
	assert.Equal(t, capability.EventDisconnected, ev.Kind)
	_, ok := <-c.Events()
	assert.False(t, ok)

	_, err := c.ListGroups(context.Background())
	assert.Error(t, err)
}

func TestClient_DestroyBeforeInitializeNeverLaunches(t *testing.T) {
	helper := newFakeHelper(okHandler)
	defer helper.exit()
	launches := 0
	start := func() (proc, error) {
		launches++
		return helper, nil
	}
	c := newClient("tenant_1", capability.LaunchOptions{InitTimeout: time.Second}, time.Second, start, zerolog.Nop())

	require.NoError(t, c.Destroy(context.Background()))
	assert.ErrorIs(t, c.Initialize(context.Background()), ErrDestroyed)
	assert.Equal(t, 0, launches)
	assert.Empty(t, helper.calls())

	_, ok := <-c.Events()
	assert.False(t, ok)
}

func TestClient_NotStarted(t *testing.T) {
	c := newTestClient(t, newFakeHelper(okHandler))
	assert.ErrorIs(t, c.Logout(context.Background()), ErrNotStarted)
	assert.NoError(t, c.Destroy(context.Background()))
	_, ok := <-c.Events()
	assert.False(t, ok)
}

func TestParseMessage(t *testing.T) {
	msg, err := parseMessage([]byte(`{"event":"disconnected","reason":"NAVIGATION"}`))
	require.NoError(t, err)
	ev, ok := toEvent(msg)
	require.True(t, ok)
	assert.Equal(t, capability.Disconnected("NAVIGATION"), ev)

	msg, err = parseMessage([]byte(`{"id":7,"error":"boom"}`))
	require.NoError(t, err)
	assert.False(t, msg.isEvent())
	assert.Equal(t, int64(7), msg.ID)

	_, err = parseMessage([]byte(`{"result":1}`))
	assert.Error(t, err)
	_, err = parseMessage([]byte(`not json`))
	assert.Error(t, err)

	_, ok = toEvent(message{Event: "loading_screen"})
	assert.False(t, ok)
}

func TestHelperEnv(t *testing.T) {
	env := helperEnv("tenant_1", capability.LaunchOptions{
		Headless:           true,
		Args:               []string{"--no-sandbox", "--disable-gpu"},
		RemoteDebuggingURL: "ws://chrome:9222",
		DataDir:            "/data",
	})
	assert.Equal(t, map[string]string{
		"WA_CLIENT_ID":            "tenant_1",
		"WA_HEADLESS":             "true",
		"WA_BROWSER_ARGS":         "--no-sandbox --disable-gpu",
		"WA_REMOTE_DEBUGGING_URL": "ws://chrome:9222",
		"WA_DATA_DIR":             "/data",
	}, env)
}

func TestFactoryRejectsEmptyID(t *testing.T) {
	f := &Factory{Command: "wa-bridge", Log: zerolog.Nop()}
	_, err := f.New("", capability.LaunchOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidSession)
}

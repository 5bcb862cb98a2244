package sidecar

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ricochet1k/wamesh/internal/capability"
	"github.com/ricochet1k/wamesh/internal/capability/sidecar/process"
	"github.com/ricochet1k/wamesh/internal/domain"
)

var (
	ErrAlreadyStarted = errors.New("helper already started")
	ErrNotStarted     = errors.New("helper not started")
	ErrExited         = errors.New("helper exited")
	ErrDestroyed      = errors.New("client destroyed")
)

const (
	eventBufferSize    = 32
	destroyCallTimeout = 3 * time.Second
	maxLineSize        = 4 * 1024 * 1024
)

// proc is the part of process.Manager the client needs.
type proc interface {
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Stderr() io.ReadCloser
	Wait() error
	Stop(timeout time.Duration) error
}

type startFunc func() (proc, error)

// Client drives one helper process.
type Client struct {
	clientID    string
	opts        capability.LaunchOptions
	stopTimeout time.Duration
	start       startFunc
	log         zerolog.Logger

	mu       sync.Mutex
	writeMu  sync.Mutex
	proc     proc
	nextID   int64
	pending  map[int64]chan message
	identity domain.Identity

	events    chan capability.Event
	stopping  chan struct{}
	stopOnce  sync.Once
	exited    chan struct{}
	closeOnce sync.Once
}

var _ capability.Client = (*Client)(nil)
var _ capability.GroupLister = (*Client)(nil)

func newClient(clientID string, opts capability.LaunchOptions, stopTimeout time.Duration, start startFunc, log zerolog.Logger) *Client {
	return &Client{
		clientID:    clientID,
		opts:        opts,
		stopTimeout: stopTimeout,
		start:       start,
		log:         log.With().Str("client_id", clientID).Logger(),
		pending:     make(map[int64]chan message),
		events:      make(chan capability.Event, eventBufferSize),
		stopping:    make(chan struct{}),
		exited:      make(chan struct{}),
	}
}

func (c *Client) Events() <-chan capability.Event {
	return c.events
}

func (c *Client) Identity() domain.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Initialize launches the helper and asks it to open the session. It returns
// once the helper acknowledges; pairing and readiness arrive as events.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.proc != nil {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	// Destroy closes stopping before it reads proc, so a client destroyed
	// before launch never starts a helper.
	select {
	case <-c.stopping:
		c.mu.Unlock()
		return ErrDestroyed
	default:
	}
	p, err := c.start()
	if err != nil {
		c.mu.Unlock()
		c.closeEvents()
		return err
	}
	c.proc = p
	c.mu.Unlock()

	go c.readStderr(p.Stderr())
	go c.readStdout(p)

	if c.opts.InitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.InitTimeout)
		defer cancel()
	}

	params := initializeParams{
		ClientID:           c.clientID,
		DataDir:            c.opts.DataDir,
		Headless:           c.opts.Headless,
		Args:               c.opts.Args,
		RemoteDebuggingURL: c.opts.RemoteDebuggingURL,
		TimeoutMs:          c.opts.InitTimeout.Milliseconds(),
	}
	if err := c.call(ctx, methodInitialize, params, nil); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	return nil
}

// Destroy asks the helper to close the browser, then stops the process.
func (c *Client) Destroy(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopping) })

	c.mu.Lock()
	p := c.proc
	c.mu.Unlock()
	if p == nil {
		c.closeEvents()
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, destroyCallTimeout)
	if err := c.call(callCtx, methodDestroy, nil, nil); err != nil && !errors.Is(err, ErrExited) {
		c.log.Debug().Err(err).Msg("helper did not acknowledge destroy")
	}
	cancel()

	stopErr := p.Stop(c.stopTimeout)

	select {
	case <-c.exited:
	case <-ctx.Done():
		return ctx.Err()
	}
	return stopErr
}

func (c *Client) Logout(ctx context.Context) error {
	return c.call(ctx, methodLogout, nil, nil)
}

func (c *Client) ProfilePictureURL(ctx context.Context) (string, error) {
	var url string
	if err := c.call(ctx, methodProfilePictureURL, nil, &url); err != nil {
		return "", err
	}
	return url, nil
}

func (c *Client) SendMessage(ctx context.Context, to, body string) error {
	return c.call(ctx, methodSendMessage, sendMessageParams{To: to, Body: body}, nil)
}

func (c *Client) ListGroups(ctx context.Context) ([]domain.Group, error) {
	var groups []domain.Group
	if err := c.call(ctx, methodListGroups, nil, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	c.mu.Lock()
	p := c.proc
	if p == nil {
		c.mu.Unlock()
		return ErrNotStarted
	}
	c.nextID++
	id := c.nextID
	reply := make(chan message, 1)
	c.pending[id] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	line, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}

	c.writeMu.Lock()
	_, err = p.Stdin().Write(append(line, '\n'))
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("write %s: %w", method, err)
	}

	select {
	case msg := <-reply:
		if msg.Error != "" {
			return errors.New(msg.Error)
		}
		if out != nil && len(msg.Result) > 0 {
			if err := json.Unmarshal(msg.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-c.exited:
		return ErrExited
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) readStdout(p proc) {
	scanner := bufio.NewScanner(p.Stdout())
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := parseMessage(line)
		if err != nil {
			c.log.Warn().Err(err).Msg("discarding helper output")
			continue
		}
		if msg.isEvent() {
			c.handleEvent(msg)
			continue
		}
		c.mu.Lock()
		reply, ok := c.pending[msg.ID]
		c.mu.Unlock()
		if ok {
			reply <- msg
		}
	}
	if err := scanner.Err(); err != nil {
		c.log.Warn().Err(err).Msg("helper stdout closed with error")
	}

	if err := p.Wait(); err != nil {
		c.log.Info().Err(err).Msg("helper exited")
	}

	// An exit nobody asked for is a disconnect from the consumer's view.
	select {
	case <-c.stopping:
	default:
		c.emit(capability.Disconnected("helper exited"))
	}
	close(c.exited)
	c.closeEvents()
}

func (c *Client) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		c.log.Debug().Str("stream", "stderr").Msg(scanner.Text())
	}
}

func (c *Client) handleEvent(msg message) {
	if msg.Event == "ready" && msg.Identity != nil {
		c.mu.Lock()
		c.identity = *msg.Identity
		c.mu.Unlock()
	}
	ev, ok := toEvent(msg)
	if !ok {
		c.log.Debug().Str("event", msg.Event).Msg("ignoring unknown helper event")
		return
	}
	c.emit(ev)
}

// emit is only called from readStdout, which is also the only closer of
// events once a helper has started.
func (c *Client) emit(ev capability.Event) {
	select {
	case c.events <- ev:
	case <-c.stopping:
	}
}

func (c *Client) closeEvents() {
	c.closeOnce.Do(func() { close(c.events) })
}

// Factory launches one helper process per client.
type Factory struct {
	Command     string
	Args        []string
	StopTimeout time.Duration
	Log         zerolog.Logger
}

var _ capability.Factory = (*Factory)(nil)

func (f *Factory) New(clientID string, opts capability.LaunchOptions) (capability.Client, error) {
	if clientID == "" {
		return nil, domain.ErrInvalidSession
	}
	cfg := process.Config{
		Command:     f.Command,
		Args:        f.Args,
		Environment: helperEnv(clientID, opts),
	}
	start := func() (proc, error) {
		return process.Start(cfg)
	}
	return newClient(clientID, opts, f.StopTimeout, start, f.Log), nil
}

func helperEnv(clientID string, opts capability.LaunchOptions) map[string]string {
	env := map[string]string{
		"WA_CLIENT_ID": clientID,
		"WA_HEADLESS":  strconv.FormatBool(opts.Headless),
	}
	if opts.DataDir != "" {
		env["WA_DATA_DIR"] = opts.DataDir
	}
	if len(opts.Args) > 0 {
		env["WA_BROWSER_ARGS"] = strings.Join(opts.Args, " ")
	}
	if opts.RemoteDebuggingURL != "" {
		env["WA_REMOTE_DEBUGGING_URL"] = opts.RemoteDebuggingURL
	}
	return env
}

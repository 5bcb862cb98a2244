package stream

import (
	"sync"

	"github.com/gorilla/websocket"

	realtimeTypes "github.com/ricochet1k/wamesh/pkg/realtime"
)

const outboundBufferSize = 64

// Conn is the subset of *websocket.Conn the client writes through.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

type Client struct {
	id   string
	conn Conn
	send chan realtimeTypes.ServerEnvelope
	// mu guards topics and closed; Queue holds it while sending so Close
	// cannot close send underneath it.
	mu     sync.RWMutex
	topics map[string]struct{}
	closed bool
}

func NewClient(id string, conn Conn) *Client {
	return &Client{
		id:     id,
		conn:   conn,
		send:   make(chan realtimeTypes.ServerEnvelope, outboundBufferSize),
		topics: make(map[string]struct{}),
	}
}

func (c *Client) ID() string {
	return c.id
}

// Queue schedules msg for writing. Returns false when the client is too slow
// and should be dropped.
func (c *Client) Queue(msg realtimeTypes.ServerEnvelope) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) WriteLoop() {
	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.conn.Close()
	close(c.send)
}

func (c *Client) Subscribe(topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		c.topics[topic] = struct{}{}
	}
}

func (c *Client) Unsubscribe(topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		delete(c.topics, topic)
	}
}

func (c *Client) IsSubscribed(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.topics[topic]
	return ok
}

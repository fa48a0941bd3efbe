// Package loadtest drives simulated FoodFast clients against a realtime node
// and aggregates what they observe.
package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/foodfast/realtime/internal/fanout"
	"github.com/foodfast/realtime/internal/protocol"
)

// Metrics is a snapshot of one client's counters.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int64
	MessagesSent     int64
	Errors           int64
}

// Client is one simulated WebSocket user. Handlers run on the read loop and
// must not block.
type Client struct {
	conn   net.Conn
	reader io.Reader

	writeMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[string]func(json.RawMessage)
	events     map[fanout.EventType]func(fanout.Event)

	connID    atomic.Value // string
	connected chan struct{}
	done      chan struct{}
	closing   atomic.Bool

	connectLatency time.Duration
	sent           atomic.Int64
	received       atomic.Int64
	errors         atomic.Int64
}

// WithToken returns wsURL with token set as the access_token query parameter.
func WithToken(wsURL, token string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("loadtest: parse %q: %w", wsURL, err)
	}
	q := u.Query()
	q.Set("access_token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial connects to the node's WebSocket endpoint as the holder of token and
// waits for the connected frame.
func Dial(ctx context.Context, wsURL, token string) (*Client, error) {
	target, err := WithToken(wsURL, token)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("loadtest: dial: %w", err)
	}
	c := &Client{
		conn:      conn,
		reader:    conn,
		handlers:  make(map[string]func(json.RawMessage)),
		events:    make(map[fanout.EventType]func(fanout.Event)),
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}
	if br != nil {
		c.reader = br
	}
	c.connID.Store("")
	go c.readLoop()

	select {
	case <-c.connected:
		c.connectLatency = time.Since(start)
		return c, nil
	case <-c.done:
		return nil, fmt.Errorf("loadtest: connection closed before handshake")
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// On registers h for server frames of type typ, replacing any earlier one.
func (c *Client) On(typ string, h func(json.RawMessage)) {
	c.handlersMu.Lock()
	c.handlers[typ] = h
	c.handlersMu.Unlock()
}

// OnEvent registers h for event frames carrying events of type typ.
func (c *Client) OnEvent(typ fanout.EventType, h func(fanout.Event)) {
	c.handlersMu.Lock()
	c.events[typ] = h
	c.handlersMu.Unlock()
}

// Send writes v as a JSON text frame.
func (c *Client) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("loadtest: marshal: %w", err)
	}
	c.writeMu.Lock()
	err = wsutil.WriteClientMessage(c.conn, ws.OpText, data)
	c.writeMu.Unlock()
	if err != nil {
		c.errors.Add(1)
		return err
	}
	c.sent.Add(1)
	return nil
}

// ConnectionID is the ID the node assigned in its connected frame.
func (c *Client) ConnectionID() string {
	return c.connID.Load().(string)
}

// Done is closed when the read loop exits.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Alive reports whether the connection is still being read.
func (c *Client) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Metrics returns the client's current counters.
func (c *Client) Metrics() Metrics {
	return Metrics{
		ConnectLatency:   c.connectLatency,
		MessagesReceived: c.received.Load(),
		MessagesSent:     c.sent.Load(),
		Errors:           c.errors.Load(),
	}
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) readLoop() {
	defer close(c.done)
	rw := struct {
		io.Reader
		io.Writer
	}{c.reader, lockedWriter{mu: &c.writeMu, w: c.conn}}

	for {
		data, err := wsutil.ReadServerText(rw)
		if err != nil {
			if !c.closing.Load() {
				c.errors.Add(1)
			}
			return
		}
		c.received.Add(1)

		var env struct {
			Type         string          `json:"type"`
			ConnectionID string          `json:"connectionId"`
			Event        json.RawMessage `json:"event"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			c.errors.Add(1)
			continue
		}

		switch env.Type {
		case protocol.TypeConnected:
			c.connID.Store(env.ConnectionID)
			select {
			case <-c.connected:
			default:
				close(c.connected)
			}
		case protocol.TypeError:
			c.errors.Add(1)
		case protocol.TypeEvent:
			var e fanout.Event
			if err := json.Unmarshal(env.Event, &e); err == nil {
				c.handlersMu.RLock()
				h := c.events[e.Type]
				c.handlersMu.RUnlock()
				if h != nil {
					h(e)
				}
			}
		}

		c.handlersMu.RLock()
		h := c.handlers[env.Type]
		c.handlersMu.RUnlock()
		if h != nil {
			h(json.RawMessage(data))
		}
	}
}

package ws

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/foodfast/realtime/internal/auth"
)

// Client is the view of a connection handed to message handlers.
type Client interface {
	ID() string
	Identity() auth.Identity
	WriteMessage(data []byte) error
}

// Connection represents a single WebSocket client connection with its
// associated metadata and a write mutex for serializing outbound frames.
type Connection struct {
	id           string
	identity     auth.Identity
	conn         net.Conn  // underlying TCP connection
	reader       io.Reader // frame source; the netpoll fallback buffers it
	fd           int       // file descriptor for epoll lookups
	createdAt    time.Time
	lastSeen     atomic.Int64 // unix nanos of the last frame read
	writeTimeout time.Duration
	writeMu      sync.Mutex   // serializes writes to this connection
	processing   atomic.Int32 // 0 = idle, 1 = being read by handleConn
}

func newConnection(conn net.Conn, identity auth.Identity, writeTimeout time.Duration) *Connection {
	c := &Connection{
		id:           uuid.NewString(),
		identity:     identity,
		conn:         conn,
		reader:       conn,
		fd:           -1,
		createdAt:    time.Now(),
		writeTimeout: writeTimeout,
	}
	c.touch()
	return c
}

// ID returns the connection ID.
func (c *Connection) ID() string { return c.id }

// Identity returns the authenticated user the connection belongs to.
func (c *Connection) Identity() auth.Identity { return c.identity }

// CreatedAt returns when the connection was upgraded.
func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// LastSeen returns when a frame was last read from the client.
func (c *Connection) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

func (c *Connection) touch() { c.lastSeen.Store(time.Now().UnixNano()) }

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	defer c.clearWriteDeadline()
	return wsutil.WriteServerMessage(c.conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	defer c.clearWriteDeadline()
	return ws.WriteFrame(c.conn, ws.NewPingFrame(nil))
}

func (c *Connection) writePong(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	defer c.clearWriteDeadline()
	return ws.WriteFrame(c.conn, ws.NewPongFrame(payload))
}

func (c *Connection) setWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

func (c *Connection) clearWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.conn.Close()
}

// ConnectionManager is a thread-safe registry of live connections keyed by
// connection ID.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{byID: make(map[string]*Connection)}
}

// Add registers a connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.id] = conn
	cm.mu.Unlock()
}

// Remove forgets a connection by ID and closes it. It returns true if the
// connection was found, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	delete(cm.byID, id)
	cm.mu.Unlock()

	if ok {
		_ = conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}

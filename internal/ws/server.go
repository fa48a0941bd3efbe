// Package ws handles WebSocket connection management: upgrading
// authenticated HTTP requests, multiplexing reads through epoll, and handing
// complete frames to a Handler.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/foodfast/realtime/internal/auth"
	"github.com/foodfast/realtime/internal/metrics"
	"github.com/foodfast/realtime/internal/protocol"
	"github.com/foodfast/realtime/internal/ratelimit"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	WorkerPoolSize    int           `env:"WORKER_POOL_SIZE" envDefault:"256"`     // max concurrent read workers
	MaxConnections    int           `env:"MAX_CONNECTIONS" envDefault:"100000"`   // hard cap on total connections
	MaxMessageSize    int64         `env:"MAX_MESSAGE_SIZE" envDefault:"65536"`   // larger frames close the connection
	ReadTimeout       time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`         // per-frame read timeout
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`        // per-frame write timeout
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`   // ping period
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"10s"`    // grace after a missed ping
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		WorkerPoolSize:    256,
		MaxConnections:    100000,
		MaxMessageSize:    64 << 10,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
	}
}

// Handler receives connection lifecycle callbacks. OnConnect runs before the
// connection is polled for reads; a non-nil error rejects the connection.
type Handler interface {
	OnConnect(ctx context.Context, c Client) error
	OnMessage(ctx context.Context, c Client, data []byte)
	OnDisconnect(ctx context.Context, c Client)
}

// Server upgrades HTTP requests to WebSocket, registers the connections with
// the netpoller and dispatches ready connections to a bounded worker pool for
// frame reading. It does not own a listener; mount it on a router.
type Server struct {
	config     ServerConfig
	handler    Handler
	limiter    ratelimit.Allower
	logger     zerolog.Logger
	poll       *netpoll
	conns      *ConnectionManager
	workerPool chan struct{} // semaphore limiting concurrent read workers
	done       chan struct{}
	stopOnce   sync.Once
}

// NewServer creates a Server. limiter may be nil to disable the per-user
// upgrade limit.
func NewServer(config ServerConfig, handler Handler, limiter ratelimit.Allower, logger zerolog.Logger) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = DefaultServerConfig().WorkerPoolSize
	}
	return &Server{
		config:     config,
		handler:    handler,
		limiter:    limiter,
		logger:     logger.With().Str("component", "ws").Logger(),
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
	}
}

// Start creates the netpoller and starts the event loop and heartbeat in the
// background.
func (s *Server) Start() error {
	p, err := newNetpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create netpoll: %w", err)
	}
	s.poll = p

	go s.startEventLoop()
	go s.runHeartbeat(s.config.HeartbeatInterval, s.config.HeartbeatTimeout)

	s.logger.Info().
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("websocket server started")
	return nil
}

// ServeHTTP upgrades an authenticated request to a WebSocket connection. The
// caller's identity must already be in the request context.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.poll == nil {
		http.Error(w, "server not started", http.StatusServiceUnavailable)
		return
	}
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), identity.UserID, ratelimit.RuleConnect)
		if err != nil {
			s.logger.Warn().Err(err).Str("user", identity.UserID).Msg("connect rate limit check failed")
		}
		if !allowed {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug().Err(err).Msg("upgrade failed")
		return
	}

	c := newConnection(netConn, identity, s.config.WriteTimeout)
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = s.handler.OnConnect(ctx, c)
	cancel()
	if err != nil {
		s.logger.Warn().Err(err).Str("conn", c.id).Str("user", identity.UserID).Msg("connect rejected")
		_ = c.WriteMessage(protocol.ErrorFrame("connect_failed", "connection rejected"))
		if s.conns.Remove(c.id) {
			metrics.ConnectionsTotal.Dec()
		}
		return
	}

	if err := s.poll.Add(c); err != nil {
		s.logger.Error().Err(err).Str("conn", c.id).Msg("netpoll add failed")
		s.RemoveConnection(c)
		return
	}

	s.logger.Info().
		Str("conn", c.id).
		Str("user", identity.UserID).
		Str("role", string(identity.Role)).
		Int("total", s.conns.Count()).
		Msg("new connection")
}

// startEventLoop runs the netpoll wait loop. Each ready connection is handed
// to a worker goroutine, bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error().Err(err).Msg("netpoll wait")
			continue
		}

		for _, c := range conns {
			if !c.processing.CompareAndSwap(0, 1) {
				continue // level-triggered duplicate while a worker is reading
			}
			s.workerPool <- struct{}{}
			go func(c *Connection) {
				defer func() { <-s.workerPool }()
				defer c.processing.Store(0)
				if s.handleConn(c) {
					s.poll.Resume(c)
				}
			}(c)
		}
	}
}

// handleConn reads a single frame from a ready connection. Control frames are
// answered here; data frames go to the handler. It reports whether the
// connection is still open.
func (s *Server) handleConn(c *Connection) bool {
	if s.config.ReadTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(c.reader, ws.StateServerSide)
	if err != nil {
		// A timeout means the readiness was stale; the heartbeat handles
		// connections that are really dead.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return true
		}
		s.RemoveConnection(c)
		return false
	}
	_ = c.conn.SetReadDeadline(time.Time{})

	c.touch()

	if s.config.MaxMessageSize > 0 && header.Length > s.config.MaxMessageSize {
		s.logger.Warn().Str("conn", c.id).Int64("size", header.Length).Msg("frame too large")
		s.RemoveConnection(c)
		return false
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return false
		}
	}

	if header.OpCode.IsControl() {
		switch header.OpCode {
		case ws.OpClose:
			s.RemoveConnection(c)
			return false
		case ws.OpPing:
			if err := c.writePong(data); err != nil {
				s.RemoveConnection(c)
				return false
			}
		}
		return true
	}

	if len(data) == 0 {
		return true
	}
	s.handler.OnMessage(context.Background(), c, data)
	return true
}

// RemoveConnection unregisters and closes a connection and tells the handler.
// Concurrent calls for the same connection are safe; only the first one
// notifies the handler.
func (s *Server) RemoveConnection(c *Connection) {
	if s.poll != nil {
		if err := s.poll.Remove(c); err != nil {
			s.logger.Debug().Err(err).Str("conn", c.id).Msg("netpoll remove")
		}
	}
	if !s.conns.Remove(c.id) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.handler.OnDisconnect(ctx, c)

	s.logger.Info().Str("conn", c.id).Str("user", c.identity.UserID).Int("total", s.conns.Count()).Msg("connection closed")
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Count returns the number of open connections.
func (s *Server) Count() int {
	return s.conns.Count()
}

// Shutdown stops the event loop, closes every connection (notifying the
// handler for each) and releases the netpoller.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down websocket server")
	s.stopOnce.Do(func() { close(s.done) })

	for _, c := range s.conns.All() {
		if ctx.Err() != nil {
			break
		}
		s.RemoveConnection(c)
	}

	if s.poll != nil {
		if err := s.poll.Close(); err != nil {
			return fmt.Errorf("ws: close netpoll: %w", err)
		}
	}
	s.logger.Info().Msg("websocket server stopped")
	return ctx.Err()
}

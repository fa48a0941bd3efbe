// Package presence tracks which users hold live connections, across every
// node. A user goes offline when their last connection closes.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/foodfast/realtime/internal/auth"
)

const (
	// ConnPrefix is the Redis key prefix for connection hashes.
	ConnPrefix = "presence:conn:"

	// UserPrefix is the Redis key prefix for a user's set of connection IDs.
	UserPrefix = "presence:user:"

	// TTL bounds how long a record survives a node that died without
	// cleaning up. Heartbeats refresh it.
	TTL = 1 * time.Hour
)

// Conn is one live connection as recorded in Redis.
type Conn struct {
	ID        string `redis:"id"`
	UserID    string `redis:"user"`
	Role      string `redis:"role"`
	Server    string `redis:"server"`     // node holding the socket
	CreatedAt int64  `redis:"created_at"` // unix timestamp
}

// Tracker records connection presence.
type Tracker interface {
	// Register records connID for the identity.
	Register(ctx context.Context, connID string, id auth.Identity) error

	// Unregister removes connID and returns how many connections the user
	// still holds.
	Unregister(ctx context.Context, connID, userID string) (int, error)

	// Refresh extends the TTL of connID's records.
	Refresh(ctx context.Context, connID, userID string) error

	// Online reports whether userID holds any connection.
	Online(ctx context.Context, userID string) (bool, error)
}

// Store is a Redis-backed Tracker.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore creates a Store on client. serverName identifies this node.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

func (s *Store) Register(ctx context.Context, connID string, id auth.Identity) error {
	connKey := ConnPrefix + connID
	userKey := UserPrefix + id.UserID

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, connKey, map[string]interface{}{
		"id":         connID,
		"user":       id.UserID,
		"role":       string(id.Role),
		"server":     s.serverName,
		"created_at": time.Now().Unix(),
	})
	pipe.Expire(ctx, connKey, TTL)
	pipe.SAdd(ctx, userKey, connID)
	pipe.Expire(ctx, userKey, TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: register %s: %w", connID, err)
	}
	return nil
}

func (s *Store) Unregister(ctx context.Context, connID, userID string) (int, error) {
	userKey := UserPrefix + userID

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, ConnPrefix+connID)
	pipe.SRem(ctx, userKey, connID)
	card := pipe.SCard(ctx, userKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("presence: unregister %s: %w", connID, err)
	}
	return int(card.Val()), nil
}

func (s *Store) Refresh(ctx context.Context, connID, userID string) error {
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, ConnPrefix+connID, TTL)
	pipe.Expire(ctx, UserPrefix+userID, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) Online(ctx context.Context, userID string) (bool, error) {
	n, err := s.client.SCard(ctx, UserPrefix+userID).Result()
	if err != nil {
		return false, fmt.Errorf("presence: online %s: %w", userID, err)
	}
	return n > 0, nil
}

// Get returns the record for connID, or nil if absent.
func (s *Store) Get(ctx context.Context, connID string) (*Conn, error) {
	var c Conn
	if err := s.client.HGetAll(ctx, ConnPrefix+connID).Scan(&c); err != nil {
		return nil, err
	}
	if c.ID == "" {
		return nil, nil
	}
	return &c, nil
}

// Memory is a process-local Tracker for single-node development and tests.
type Memory struct {
	mu    sync.Mutex
	users map[string]map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{users: make(map[string]map[string]struct{})}
}

func (m *Memory) Register(_ context.Context, connID string, id auth.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns, ok := m.users[id.UserID]
	if !ok {
		conns = make(map[string]struct{})
		m.users[id.UserID] = conns
	}
	conns[connID] = struct{}{}
	return nil
}

func (m *Memory) Unregister(_ context.Context, connID, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns := m.users[userID]
	delete(conns, connID)
	if len(conns) == 0 {
		delete(m.users, userID)
	}
	return len(conns), nil
}

func (m *Memory) Refresh(context.Context, string, string) error { return nil }

func (m *Memory) Online(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users[userID]) > 0, nil
}

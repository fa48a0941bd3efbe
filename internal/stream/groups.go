// Package stream adapts registry topics to the three consumer shapes served by
// the realtime node: grouped bidirectional connections (Groups), one-way push
// streams (Streams) and blocking polls (Poller).
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/foodfast/realtime/internal/auth"
	"github.com/foodfast/realtime/internal/fanout"
)

// ErrUnknownConn is returned for operations on a connection that was never
// connected or has already disconnected.
var ErrUnknownConn = errors.New("stream: unknown connection")

// Config holds delivery adapter settings.
type Config struct {
	AnnouncementKeepAlive time.Duration `env:"ANNOUNCEMENT_KEEPALIVE" envDefault:"30s"`
	DriverKeepAlive       time.Duration `env:"DRIVER_KEEPALIVE" envDefault:"10s"`
	Buffer                int           `env:"BUFFER" envDefault:"32"`
	PollInterval          time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`
	PollTimeout           time.Duration `env:"POLL_TIMEOUT" envDefault:"30s"`
	PollMaxTimeout        time.Duration `env:"POLL_MAX_TIMEOUT" envDefault:"120s"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		AnnouncementKeepAlive: 30 * time.Second,
		DriverKeepAlive:       10 * time.Second,
		Buffer:                32,
		PollInterval:          2 * time.Second,
		PollTimeout:           30 * time.Second,
		PollMaxTimeout:        120 * time.Second,
	}
}

// Registry is the subset of *fanout.Registry the adapters use.
type Registry interface {
	Subscribe(topic fanout.Topic, sink fanout.Sink) (*fanout.Subscription, error)
	Unsubscribe(sub *fanout.Subscription)
	LastValue(ctx context.Context, topic fanout.Topic) (fanout.Event, bool)
}

// Conn is a persistent bidirectional client connection. WriteMessage must be
// safe for concurrent use.
type Conn interface {
	ID() string
	WriteMessage(data []byte) error
}

// EventFrame is the envelope written to grouped connections.
type EventFrame struct {
	Type  string       `json:"type"`
	Event fanout.Event `json:"event"`
}

// EncodeEventFrame returns the wire form of e for grouped connections.
func EncodeEventFrame(e fanout.Event) ([]byte, error) {
	return json.Marshal(EventFrame{Type: "event", Event: e})
}

type groupSub struct {
	sub  *fanout.Subscription
	sink *connSink
}

type member struct {
	conn     Conn
	identity auth.Identity
	topics   map[fanout.Topic]groupSub
}

// Groups manages topic membership for grouped connections. A connection is a
// member of its personal topic from Connect until Disconnect and may join any
// number of additional topics in between.
type Groups struct {
	reg    Registry
	logger zerolog.Logger

	mu      sync.Mutex
	members map[string]*member
}

// NewGroups creates a Groups adapter on reg.
func NewGroups(reg Registry, logger zerolog.Logger) *Groups {
	return &Groups{
		reg:     reg,
		logger:  logger.With().Str("component", "groups").Logger(),
		members: make(map[string]*member),
	}
}

// DefaultTopics returns the topics a connection joins on connect: the
// personal topic, support_agents for support staff, and the restaurant's
// order feed for restaurant accounts.
func DefaultTopics(id auth.Identity) []fanout.Topic {
	topics := []fanout.Topic{fanout.UserTopic(id.UserID)}
	if id.IsSupport() {
		topics = append(topics, fanout.SupportAgentsTopic)
	}
	if id.Role == auth.RoleRestaurant && id.RestaurantID != "" {
		topics = append(topics, fanout.RestaurantOrdersTopic(id.RestaurantID))
	}
	return topics
}

// Connect registers conn for identity and joins its default topics.
func (g *Groups) Connect(conn Conn, identity auth.Identity) ([]fanout.Topic, error) {
	g.mu.Lock()
	if _, ok := g.members[conn.ID()]; ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("stream: connect %s: already connected", conn.ID())
	}
	g.members[conn.ID()] = &member{
		conn:     conn,
		identity: identity,
		topics:   make(map[fanout.Topic]groupSub),
	}
	g.mu.Unlock()

	topics := DefaultTopics(identity)
	for _, t := range topics {
		if err := g.Join(conn, t); err != nil {
			g.Disconnect(conn)
			return nil, err
		}
	}

	g.logger.Debug().Str("conn", conn.ID()).Str("user", identity.UserID).Msg("connected")
	return topics, nil
}

// Join subscribes conn to topic. Joining a topic twice is a no-op.
func (g *Groups) Join(conn Conn, topic fanout.Topic) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	m, ok := g.members[conn.ID()]
	if !ok {
		return ErrUnknownConn
	}
	if _, joined := m.topics[topic]; joined {
		return nil
	}

	sink := &connSink{groups: g, conn: m.conn, topic: topic}
	sub, err := g.reg.Subscribe(topic, sink)
	if err != nil {
		return fmt.Errorf("stream: join %s: %w", topic, err)
	}
	m.topics[topic] = groupSub{sub: sub, sink: sink}
	return nil
}

// Leave unsubscribes conn from topic. Leaving a topic not joined is a no-op.
func (g *Groups) Leave(conn Conn, topic fanout.Topic) {
	g.mu.Lock()
	m, ok := g.members[conn.ID()]
	if !ok {
		g.mu.Unlock()
		return
	}
	gs, joined := m.topics[topic]
	delete(m.topics, topic)
	g.mu.Unlock()

	if joined {
		g.reg.Unsubscribe(gs.sub)
	}
}

// Disconnect removes conn from every topic and forgets it. It returns the
// identity conn was connected with, or false if it was unknown.
func (g *Groups) Disconnect(conn Conn) (auth.Identity, bool) {
	return g.DisconnectID(conn.ID())
}

// DisconnectID is Disconnect keyed by connection ID.
func (g *Groups) DisconnectID(connID string) (auth.Identity, bool) {
	g.mu.Lock()
	m, ok := g.members[connID]
	delete(g.members, connID)
	g.mu.Unlock()
	if !ok {
		return auth.Identity{}, false
	}

	for _, gs := range m.topics {
		g.reg.Unsubscribe(gs.sub)
	}
	g.logger.Debug().Str("conn", connID).Int("topics", len(m.topics)).Msg("disconnected")
	return m.identity, true
}

// Topics returns the topics conn is currently a member of.
func (g *Groups) Topics(connID string) []fanout.Topic {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.members[connID]
	if !ok {
		return nil
	}
	out := make([]fanout.Topic, 0, len(m.topics))
	for t := range m.topics {
		out = append(out, t)
	}
	return out
}

// Identity returns the identity conn connected with.
func (g *Groups) Identity(connID string) (auth.Identity, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.members[connID]
	if !ok {
		return auth.Identity{}, false
	}
	return m.identity, true
}

// Count returns the number of connected members.
func (g *Groups) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

// BroadcastExcept writes e to every local member of topic except the
// connection identified by exceptConnID. It bypasses the registry, so the
// event reaches only this node's members; it is meant for ephemeral signals
// such as typing indicators.
func (g *Groups) BroadcastExcept(ctx context.Context, topic fanout.Topic, e fanout.Event, exceptConnID string) int {
	frame, err := EncodeEventFrame(e)
	if err != nil {
		g.logger.Error().Err(err).Msg("encode broadcast frame")
		return 0
	}

	g.mu.Lock()
	targets := make([]Conn, 0)
	for id, m := range g.members {
		if id == exceptConnID {
			continue
		}
		if _, ok := m.topics[topic]; ok {
			targets = append(targets, m.conn)
		}
	}
	g.mu.Unlock()

	sent := 0
	for _, c := range targets {
		if ctx.Err() != nil {
			break
		}
		if err := c.WriteMessage(frame); err != nil {
			g.logger.Debug().Err(err).Str("conn", c.ID()).Msg("broadcast write")
			continue
		}
		sent++
	}
	return sent
}

// forget drops the bookkeeping for a subscription the registry ended on its
// own, e.g. after a failed write.
func (g *Groups) forget(connID string, topic fanout.Topic, sink *connSink) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.members[connID]
	if !ok {
		return
	}
	if gs, ok := m.topics[topic]; ok && gs.sink == sink {
		delete(m.topics, topic)
	}
}

// connSink writes events for one (connection, topic) pair.
type connSink struct {
	groups *Groups
	conn   Conn
	topic  fanout.Topic
}

func (s *connSink) Accept(e fanout.Event) error {
	frame, err := EncodeEventFrame(e)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(frame)
}

func (s *connSink) Close() {
	s.groups.forget(s.conn.ID(), s.topic, s)
}

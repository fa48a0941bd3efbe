// Package messaging provides the NATS client used to carry registry events
// between realtime nodes, and the Relay that bridges a node's local registry
// onto the shared subject.
package messaging

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// SubjectEvents is the default subject every node publishes registry events on.
const SubjectEvents = "foodfast.events"

// NATSConfig holds NATS connection settings. An empty URL disables cross-node
// relaying.
type NATSConfig struct {
	URL           string        `env:"URL"`
	Name          string        `env:"NAME" envDefault:"foodfast-realtime"`
	Subject       string        `env:"SUBJECT" envDefault:"foodfast.events"`
	ReconnectWait time.Duration `env:"RECONNECT_WAIT" envDefault:"2s"`
	MaxReconnects int           `env:"MAX_RECONNECTS" envDefault:"-1"` // -1 retries forever
	// PendingLimit caps messages buffered per subscription before NATS
	// starts dropping them for this node.
	PendingLimit int `env:"PENDING_LIMIT" envDefault:"65536"`
}

// DefaultNATSConfig returns the defaults used when no environment is set.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Name:          "foodfast-realtime",
		Subject:       SubjectEvents,
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
		PendingLimit:  65536,
	}
}

// NATSClient is a connection with one subscription per subject. It
// satisfies Bus.
type NATSClient struct {
	conn         *nats.Conn
	pendingLimit int
	logger       zerolog.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewNATSClient connects to config.URL. The initial connection must succeed;
// later outages are retried per config.
func NewNATSClient(config NATSConfig, logger zerolog.Logger) (*NATSClient, error) {
	if config.URL == "" {
		return nil, errors.New("messaging: nats url is empty")
	}
	logger = logger.With().Str("component", "nats").Logger()

	nc, err := nats.Connect(config.URL,
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info().Msg("connection closed")
		}),
		// Slow consumer reports land here; the affected events are lost for
		// this node only.
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			ev := logger.Error().Err(err)
			if sub != nil {
				ev = ev.Str("subject", sub.Subject)
				if dropped, derr := sub.Dropped(); derr == nil {
					ev = ev.Int("dropped", dropped)
				}
			}
			ev.Msg("async error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("messaging: nats connect: %w", err)
	}
	logger.Info().Str("url", nc.ConnectedUrl()).Msg("connected")

	limit := config.PendingLimit
	if limit <= 0 {
		limit = DefaultNATSConfig().PendingLimit
	}
	return &NATSClient{
		conn:         nc,
		pendingLimit: limit,
		logger:       logger,
		subs:         make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data on subject. NATS buffers while reconnecting.
func (c *NATSClient) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe delivers every message on subject to handler, replacing any
// earlier subscription to the same subject.
func (c *NATSClient) Subscribe(subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) { handler(msg.Data) })
	if err != nil {
		return fmt.Errorf("messaging: subscribe %s: %w", subject, err)
	}
	if err := sub.SetPendingLimits(c.pendingLimit, -1); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("messaging: subscribe %s: pending limits: %w", subject, err)
	}

	c.mu.Lock()
	old := c.subs[subject]
	c.subs[subject] = sub
	c.mu.Unlock()

	if old != nil {
		_ = old.Unsubscribe()
	}
	return nil
}

// Unsubscribe drops the subscription on subject. Unknown subjects are a no-op.
func (c *NATSClient) Unsubscribe(subject string) error {
	c.mu.Lock()
	sub := c.subs[subject]
	delete(c.subs, subject)
	c.mu.Unlock()

	if sub == nil {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("messaging: unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Connected reports whether the client currently holds a live connection.
func (c *NATSClient) Connected() bool {
	return c.conn.IsConnected()
}

// Close drains the connection: buffered publishes are flushed and in-flight
// messages are handled before it closes.
func (c *NATSClient) Close() {
	c.mu.Lock()
	c.subs = make(map[string]*nats.Subscription)
	c.mu.Unlock()

	if err := c.conn.Drain(); err != nil {
		c.logger.Warn().Err(err).Msg("drain")
	}
}

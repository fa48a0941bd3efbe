// Package fanout implements the topic registry: a concurrent map from topic to
// the set of live subscriptions, with best-effort, at-least-once delivery to
// each subscriber's sink.
//
// Publish never blocks on a slow subscriber. Each subscription owns a bounded
// mailbox drained by a single goroutine, so one subscriber observes events in
// the order they were published to its topic. A subscriber whose mailbox is
// full or whose sink rejects an event is removed and its sink closed.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/foodfast/realtime/internal/metrics"
)

// ErrClosed is returned by Subscribe and Publish after Close.
var ErrClosed = errors.New("fanout: registry closed")

var errMailboxFull = errors.New("fanout: mailbox full")

// Sink receives events for one subscription. Accept is called from a single
// goroutine per subscription, in publish order. A non-nil error ends the
// subscription. Close is called exactly once when the subscription ends for
// any reason.
type Sink interface {
	Accept(Event) error
	Close()
}

// Publisher is the narrow interface domain services publish through. Both
// Registry and the cross-node relay implement it.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// LastValueCache stores the most recent encoded event for cacheable topics.
type LastValueCache interface {
	Put(ctx context.Context, topic Topic, data []byte, ttl time.Duration) error
	Get(ctx context.Context, topic Topic) ([]byte, bool, error)
}

// Config holds registry tuning.
type Config struct {
	Shards          int           `env:"SHARDS" envDefault:"32"`
	MailboxSize     int           `env:"MAILBOX_SIZE" envDefault:"256"`
	DefaultCacheTTL time.Duration `env:"DEFAULT_CACHE_TTL" envDefault:"24h"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Shards:          32,
		MailboxSize:     256,
		DefaultCacheTTL: 24 * time.Hour,
	}
}

// Option customizes a Registry.
type Option func(*Registry)

// WithCache sets the last-value cache written for cacheable event types.
func WithCache(c LastValueCache) Option {
	return func(r *Registry) { r.cache = c }
}

// WithCacheable marks event types whose latest value is cached per topic.
func WithCacheable(types ...EventType) Option {
	return func(r *Registry) {
		for _, t := range types {
			r.cacheable[t] = true
		}
	}
}

// WithLogger sets the registry logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.logger = l.With().Str("component", "fanout").Logger() }
}

type shard struct {
	mu     sync.RWMutex
	topics map[Topic][]*Subscription
}

// Registry maps topics to subscriptions.
type Registry struct {
	cfg       Config
	shards    []*shard
	cache     LastValueCache
	cacheable map[EventType]bool
	logger    zerolog.Logger
	closed    atomic.Bool
	wg        sync.WaitGroup
}

// New creates an empty Registry.
func New(cfg Config, opts ...Option) *Registry {
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultConfig().Shards
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = DefaultConfig().MailboxSize
	}
	if cfg.DefaultCacheTTL <= 0 {
		cfg.DefaultCacheTTL = DefaultConfig().DefaultCacheTTL
	}

	r := &Registry{
		cfg:       cfg,
		shards:    make([]*shard, cfg.Shards),
		cacheable: make(map[EventType]bool),
		logger:    zerolog.Nop(),
	}
	for i := range r.shards {
		r.shards[i] = &shard{topics: make(map[Topic][]*Subscription)}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) shardFor(t Topic) *shard {
	return r.shards[xxhash.Sum64String(string(t))%uint64(len(r.shards))]
}

// Subscribe adds sink to topic. The sink starts receiving events published
// after Subscribe returns.
func (r *Registry) Subscribe(topic Topic, sink Sink) (*Subscription, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}

	sub := newSubscription(r, topic, sink, r.cfg.MailboxSize)

	sh := r.shardFor(topic)
	sh.mu.Lock()
	// Re-check under the lock so Close cannot miss a subscription added
	// concurrently with it.
	if r.closed.Load() {
		sh.mu.Unlock()
		return nil, ErrClosed
	}
	sh.topics[topic] = append(sh.topics[topic], sub)
	// Close collects subscriptions under this lock, so the Add happens
	// before its Wait.
	r.wg.Add(1)
	sh.mu.Unlock()

	metrics.Subscriptions.Inc()
	go func() {
		defer r.wg.Done()
		sub.run()
	}()

	r.logger.Debug().Str("topic", string(topic)).Str("sub", sub.id).Msg("subscribed")
	return sub, nil
}

// Unsubscribe removes sub and closes its sink. Calling it more than once, or
// after the registry removed sub on its own, is a no-op.
func (r *Registry) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	r.remove(sub)
}

// Publish delivers e to every current subscriber of e.Topic. The subscriber
// set is the one observed at the moment of publish; subscriptions added or
// removed concurrently may or may not see e. Publishing to a topic with no
// subscribers is a no-op apart from the last-value cache.
func (r *Registry) Publish(ctx context.Context, e Event) error {
	if r.closed.Load() {
		return ErrClosed
	}
	metrics.EventsPublished.WithLabelValues(string(e.Type)).Inc()

	if r.cacheable[e.Type] && r.cache != nil {
		r.storeLastValue(ctx, e)
	}

	for _, sub := range r.snapshot(e.Topic) {
		if !sub.enqueue(e) {
			r.fail(sub, "overflow", errMailboxFull)
		}
	}
	return nil
}

// snapshot returns the subscriber slice for t. Slices are never mutated in
// place, so the caller may iterate it without holding the lock.
func (r *Registry) snapshot(t Topic) []*Subscription {
	sh := r.shardFor(t)
	sh.mu.RLock()
	subs := sh.topics[t]
	sh.mu.RUnlock()
	return subs
}

func (r *Registry) storeLastValue(ctx context.Context, e Event) {
	ttl := r.cfg.DefaultCacheTTL
	if !e.ExpiresAt.IsZero() {
		ttl = time.Until(e.ExpiresAt)
		if ttl <= 0 {
			return
		}
	}

	data, err := json.Marshal(e)
	if err != nil {
		r.logger.Error().Err(err).Str("topic", string(e.Topic)).Msg("encode last value")
		return
	}
	if err := r.cache.Put(ctx, e.Topic, data, ttl); err != nil {
		r.logger.Warn().Err(err).Str("topic", string(e.Topic)).Msg("store last value")
	}
}

// LastValue returns the cached latest event for topic, if any.
func (r *Registry) LastValue(ctx context.Context, topic Topic) (Event, bool) {
	if r.cache == nil {
		return Event{}, false
	}
	data, ok, err := r.cache.Get(ctx, topic)
	if err != nil {
		r.logger.Warn().Err(err).Str("topic", string(topic)).Msg("read last value")
		return Event{}, false
	}
	if !ok {
		return Event{}, false
	}

	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		r.logger.Warn().Err(err).Str("topic", string(topic)).Msg("decode last value")
		return Event{}, false
	}
	if e.Expired(time.Now()) {
		return Event{}, false
	}
	return e, true
}

// Count returns the number of subscriptions on topic.
func (r *Registry) Count(topic Topic) int {
	return len(r.snapshot(topic))
}

// Topics returns the topics that currently have at least one subscriber.
func (r *Registry) Topics() []Topic {
	var out []Topic
	for _, sh := range r.shards {
		sh.mu.RLock()
		for t := range sh.topics {
			out = append(out, t)
		}
		sh.mu.RUnlock()
	}
	return out
}

// Close cancels every subscription, closing each sink, and rejects further
// Subscribe and Publish calls. It waits for the delivery goroutines to exit.
func (r *Registry) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}

	var all []*Subscription
	for _, sh := range r.shards {
		sh.mu.Lock()
		for _, subs := range sh.topics {
			all = append(all, subs...)
		}
		sh.mu.Unlock()
	}
	for _, sub := range all {
		r.remove(sub)
	}
	r.wg.Wait()

	r.logger.Info().Int("subscriptions", len(all)).Msg("registry closed")
}

// fail records a delivery failure and drops sub.
func (r *Registry) fail(sub *Subscription, reason string, err error) {
	if !r.remove(sub) {
		return
	}
	metrics.DeliveryFailures.WithLabelValues(reason).Inc()
	r.logger.Warn().Err(err).
		Str("topic", string(sub.topic)).
		Str("sub", sub.id).
		Str("reason", reason).
		Msg("subscriber dropped")
}

// remove detaches sub from its topic and closes its sink. It reports whether
// this call performed the removal.
func (r *Registry) remove(sub *Subscription) bool {
	if !sub.cancel() {
		return false
	}

	sh := r.shardFor(sub.topic)
	sh.mu.Lock()
	subs := sh.topics[sub.topic]
	next := make([]*Subscription, 0, len(subs))
	for _, s := range subs {
		if s != sub {
			next = append(next, s)
		}
	}
	if len(next) == 0 {
		delete(sh.topics, sub.topic)
	} else {
		sh.topics[sub.topic] = next
	}
	sh.mu.Unlock()

	metrics.Subscriptions.Dec()
	sub.sink.Close()
	return true
}

package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/foodfast/realtime/internal/fanout"
	"github.com/foodfast/realtime/internal/metrics"
)

// ErrStreamClosed is returned by Next after the stream ended, either because
// the consumer closed it or because the registry cancelled the subscription.
var ErrStreamClosed = errors.New("stream: closed")

// FrameWriter writes push-stream frames to a consumer.
type FrameWriter interface {
	WriteEvent(e fanout.Event) error
	WriteKeepAlive() error
}

// Streams opens one-way push streams over registry topics.
type Streams struct {
	reg    Registry
	cfg    Config
	logger zerolog.Logger
}

// NewStreams creates a Streams adapter on reg.
func NewStreams(reg Registry, cfg Config, logger zerolog.Logger) *Streams {
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultConfig().Buffer
	}
	return &Streams{
		reg:    reg,
		cfg:    cfg,
		logger: logger.With().Str("component", "streams").Logger(),
	}
}

// Stream kinds with their own keep-alive interval.
const (
	KindAnnouncement = "announcement"
	KindDriver       = "driver"
)

// KeepAlive returns the configured keep-alive interval for topics of the
// given kind.
func (s *Streams) KeepAlive(kind string) time.Duration {
	switch kind {
	case KindDriver:
		return s.cfg.DriverKeepAlive
	default:
		return s.cfg.AnnouncementKeepAlive
	}
}

// Stream is a single consumer's view of one or more topics. The last-known
// value of each topic, when cached, is yielded before any live event.
type Stream struct {
	reg    Registry
	subs   []*fanout.Subscription
	events chan fanout.Event
	done   chan struct{}

	primed   []fanout.Event
	primedID map[string]bool

	closeOnce sync.Once
	doneOnce  sync.Once
}

// Open subscribes to topics and primes the stream with their cached last
// values, in topic order. Subscriptions are taken before the cache is read
// so that an event published in between is not lost; it may then be seen
// twice. Events of different topics are merged in arrival order.
func (s *Streams) Open(ctx context.Context, topics ...fanout.Topic) (*Stream, error) {
	if len(topics) == 0 {
		return nil, errors.New("stream: open: no topics")
	}
	st := &Stream{
		reg:      s.reg,
		events:   make(chan fanout.Event, s.cfg.Buffer),
		done:     make(chan struct{}),
		primedID: make(map[string]bool),
	}

	for _, topic := range topics {
		sub, err := s.reg.Subscribe(topic, (*streamSink)(st))
		if err != nil {
			st.release()
			return nil, fmt.Errorf("stream: open %s: %w", topic, err)
		}
		st.subs = append(st.subs, sub)
	}

	for _, topic := range topics {
		if e, ok := s.reg.LastValue(ctx, topic); ok {
			st.primed = append(st.primed, e)
			st.primedID[e.ID] = true
		}
	}

	metrics.OpenStreams.Inc()
	return st, nil
}

// Topics returns the stream's topics.
func (st *Stream) Topics() []fanout.Topic {
	out := make([]fanout.Topic, len(st.subs))
	for i, sub := range st.subs {
		out[i] = sub.Topic()
	}
	return out
}

// Next blocks until the next event, stream closure, or ctx cancellation.
func (st *Stream) Next(ctx context.Context) (fanout.Event, error) {
	e, _, err := st.next(ctx, nil)
	return e, err
}

// next waits for an event or a tick. tick may be nil.
func (st *Stream) next(ctx context.Context, tick <-chan time.Time) (fanout.Event, bool, error) {
	if len(st.primed) > 0 {
		e := st.primed[0]
		st.primed = st.primed[1:]
		return e, false, nil
	}

	for {
		select {
		case <-ctx.Done():
			return fanout.Event{}, false, ctx.Err()
		case <-st.done:
			return fanout.Event{}, false, ErrStreamClosed
		case <-tick:
			return fanout.Event{}, true, nil
		case e := <-st.events:
			if st.primedID[e.ID] {
				delete(st.primedID, e.ID)
				continue
			}
			return e, false, nil
		}
	}
}

// release drops every subscription taken so far.
func (st *Stream) release() {
	for _, sub := range st.subs {
		st.reg.Unsubscribe(sub)
	}
	st.markDone()
}

// Close ends the stream and releases its subscription. It is idempotent.
func (st *Stream) Close() {
	st.closeOnce.Do(func() {
		st.release()
		metrics.OpenStreams.Dec()
	})
}

func (st *Stream) markDone() {
	st.doneOnce.Do(func() { close(st.done) })
}

// streamSink feeds registry deliveries into the stream. A full buffer blocks
// the subscription's delivery goroutine, which in turn fills the mailbox and
// eventually drops the subscriber. Losing any one subscription ends the
// whole stream.
type streamSink Stream

func (s *streamSink) Accept(e fanout.Event) error {
	select {
	case s.events <- e:
		return nil
	case <-s.done:
		return ErrStreamClosed
	}
}

func (s *streamSink) Close() {
	(*Stream)(s).markDone()
}

// Serve opens a stream on topic and copies it to w until ctx is cancelled.
// Keep-alive frames are written whenever keepAlive elapses; they are produced
// here and never pass through the registry. If the registry drops the stream
// because the consumer fell behind, Serve resubscribes and replays the last
// value; only registry shutdown ends the stream from the server side.
func (s *Streams) Serve(ctx context.Context, w FrameWriter, topic fanout.Topic, keepAlive time.Duration) error {
	return s.ServeTopics(ctx, w, []fanout.Topic{topic}, keepAlive)
}

// ServeTopics is Serve over the merge of several topics.
func (s *Streams) ServeTopics(ctx context.Context, w FrameWriter, topics []fanout.Topic, keepAlive time.Duration) error {
	st, err := s.Open(ctx, topics...)
	if err != nil {
		return err
	}
	defer func() { st.Close() }()

	if keepAlive <= 0 {
		keepAlive = DefaultConfig().AnnouncementKeepAlive
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	log := s.logger.With().Strs("topics", topicNames(topics)).Logger()
	log.Debug().Msg("stream opened")
	defer log.Debug().Msg("stream closed")

	for {
		e, tick, err := st.next(ctx, ticker.C)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		case errors.Is(err, ErrStreamClosed):
			st.Close()
			reopened, err := s.Open(ctx, topics...)
			if errors.Is(err, fanout.ErrClosed) {
				return nil
			}
			if err != nil {
				return err
			}
			st = reopened
			log.Warn().Msg("stream resubscribed after falling behind")
		case err != nil:
			return err
		case tick:
			if err := w.WriteKeepAlive(); err != nil {
				return fmt.Errorf("stream: keep-alive: %w", err)
			}
		default:
			if err := w.WriteEvent(e); err != nil {
				return fmt.Errorf("stream: write %s: %w", e.Type, err)
			}
		}
	}
}

func topicNames(topics []fanout.Topic) []string {
	out := make([]string, len(topics))
	for i, t := range topics {
		out[i] = t.String()
	}
	return out
}

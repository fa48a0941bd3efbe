package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foodfast/realtime/internal/apperr"
	"github.com/foodfast/realtime/internal/auth"
	"github.com/foodfast/realtime/internal/fanout"
)

type fakeConn struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
	fail   error
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) WriteMessage(data []byte) error {
	if c.fail != nil {
		return c.fail
	}
	c.mu.Lock()
	c.frames = append(c.frames, append([]byte(nil), data...))
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.frames))
	for i, f := range c.frames {
		out[i] = string(f)
	}
	return out
}

type memCache struct {
	mu   sync.Mutex
	data map[fanout.Topic][]byte
}

func (c *memCache) Put(_ context.Context, t fanout.Topic, d []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = map[fanout.Topic][]byte{}
	}
	c.data[t] = d
	return nil
}

func (c *memCache) Get(_ context.Context, t fanout.Topic) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.data[t]
	return d, ok, nil
}

func newRegistry(t *testing.T) *fanout.Registry {
	t.Helper()
	r := fanout.New(fanout.DefaultConfig(),
		fanout.WithCache(&memCache{}),
		fanout.WithCacheable(fanout.EventAnnouncement))
	t.Cleanup(r.Close)
	return r
}

func publish(t *testing.T, r *fanout.Registry, topic fanout.Topic, typ fanout.EventType, payload any) fanout.Event {
	t.Helper()
	e, err := fanout.NewEvent(topic, typ, payload)
	require.NoError(t, err)
	require.NoError(t, r.Publish(context.Background(), e))
	return e
}

// ---------------------------------------------------------------------------
// Groups
// ---------------------------------------------------------------------------

func TestGroupsConnectJoinsDefaultTopics(t *testing.T) {
	reg := newRegistry(t)
	g := NewGroups(reg, zerolog.Nop())

	agent := &fakeConn{id: "c1"}
	topics, err := g.Connect(agent, auth.Identity{UserID: "a1", Role: auth.RoleSupportAgent})
	require.NoError(t, err)
	assert.ElementsMatch(t, []fanout.Topic{fanout.UserTopic("a1"), fanout.SupportAgentsTopic}, topics)

	rest := &fakeConn{id: "c2"}
	topics, err = g.Connect(rest, auth.Identity{UserID: "r1", Role: auth.RoleRestaurant, RestaurantID: "5"})
	require.NoError(t, err)
	assert.Contains(t, topics, fanout.RestaurantOrdersTopic("5"))

	_, err = g.Connect(agent, auth.Identity{UserID: "a1"})
	assert.Error(t, err)
}

func TestGroupsDeliverEventFrames(t *testing.T) {
	reg := newRegistry(t)
	g := NewGroups(reg, zerolog.Nop())

	c := &fakeConn{id: "c1"}
	_, err := g.Connect(c, auth.Identity{UserID: "u1", Role: auth.RoleCustomer})
	require.NoError(t, err)
	require.NoError(t, g.Join(c, fanout.ConversationTopic("42")))
	require.NoError(t, g.Join(c, fanout.ConversationTopic("42")))
	assert.Equal(t, 1, reg.Count(fanout.ConversationTopic("42")))

	publish(t, reg, fanout.ConversationTopic("42"), fanout.EventNewMessage, map[string]string{"content": "hi"})

	require.Eventually(t, func() bool { return len(c.Frames()) == 1 }, time.Second, 5*time.Millisecond)
	frame := c.Frames()[0]
	assert.Contains(t, frame, `"type":"event"`)
	assert.Contains(t, frame, `"type":"NEW_MESSAGE"`)
	assert.Contains(t, frame, `"content":"hi"`)
}

func TestGroupsLeaveAndDisconnect(t *testing.T) {
	reg := newRegistry(t)
	g := NewGroups(reg, zerolog.Nop())

	c := &fakeConn{id: "c1"}
	_, _ = g.Connect(c, auth.Identity{UserID: "u1", Role: auth.RoleCustomer})
	_ = g.Join(c, fanout.ConversationTopic("1"))
	assert.Len(t, g.Topics("c1"), 2)

	g.Leave(c, fanout.ConversationTopic("1"))
	g.Leave(c, fanout.ConversationTopic("1"))
	assert.Equal(t, []fanout.Topic{fanout.UserTopic("u1")}, g.Topics("c1"))

	id, ok := g.Disconnect(c)
	require.True(t, ok)
	assert.Equal(t, "u1", id.UserID)
	_, ok = g.Disconnect(c)
	assert.False(t, ok)

	assert.Zero(t, reg.Count(fanout.UserTopic("u1")))
	assert.ErrorIs(t, g.Join(c, fanout.ConversationTopic("1")), ErrUnknownConn)
}

func TestGroupsFailedWriteDropsOnlyThatMembership(t *testing.T) {
	reg := newRegistry(t)
	g := NewGroups(reg, zerolog.Nop())

	broken := &fakeConn{id: "bad", fail: errors.New("write: broken pipe")}
	healthy := &fakeConn{id: "good"}
	_, _ = g.Connect(broken, auth.Identity{UserID: "u1", Role: auth.RoleCustomer})
	_, _ = g.Connect(healthy, auth.Identity{UserID: "u1", Role: auth.RoleCustomer})

	publish(t, reg, fanout.UserTopic("u1"), fanout.EventAgentAssigned, nil)

	require.Eventually(t, func() bool { return len(g.Topics("bad")) == 0 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(healthy.Frames()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, reg.Count(fanout.UserTopic("u1")))
}

func TestBroadcastExceptSkipsSender(t *testing.T) {
	reg := newRegistry(t)
	g := NewGroups(reg, zerolog.Nop())

	topic := fanout.ConversationTopic("7")
	a, b, outsider := &fakeConn{id: "a"}, &fakeConn{id: "b"}, &fakeConn{id: "x"}
	for _, c := range []*fakeConn{a, b, outsider} {
		_, _ = g.Connect(c, auth.Identity{UserID: c.id, Role: auth.RoleCustomer})
	}
	_ = g.Join(a, topic)
	_ = g.Join(b, topic)

	e, _ := fanout.NewEvent(topic, fanout.EventTyping, map[string]bool{"isTyping": true})
	sent := g.BroadcastExcept(context.Background(), topic, e, "a")

	assert.Equal(t, 1, sent)
	assert.Empty(t, a.Frames())
	assert.Len(t, b.Frames(), 1)
	assert.Empty(t, outsider.Frames())
}

// ---------------------------------------------------------------------------
// Streams
// ---------------------------------------------------------------------------

func TestTwoStreamsReceiveSameEventsInOrder(t *testing.T) {
	reg := newRegistry(t)
	s := NewStreams(reg, DefaultConfig(), zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	topic := fanout.DriverLocationTopic("o1")
	st1, err := s.Open(ctx, topic)
	require.NoError(t, err)
	defer st1.Close()
	st2, err := s.Open(ctx, topic)
	require.NoError(t, err)
	defer st2.Close()

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, publish(t, reg, topic, fanout.EventDriverLocation, i).ID)
	}

	for _, st := range []*Stream{st1, st2} {
		for i := 0; i < 3; i++ {
			e, err := st.Next(ctx)
			require.NoError(t, err)
			assert.Equal(t, ids[i], e.ID)
		}
	}
}

func TestStreamYieldsCachedValueFirst(t *testing.T) {
	reg := newRegistry(t)
	s := NewStreams(reg, DefaultConfig(), zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	topic := fanout.AnnouncementTopic("maintenance")
	e, _ := fanout.NewEvent(topic, fanout.EventAnnouncement, map[string]string{"title": "Downtime"})
	e = e.WithExpiry(time.Now().Add(time.Hour))
	require.NoError(t, reg.Publish(ctx, e))

	st, err := s.Open(ctx, topic)
	require.NoError(t, err)
	defer st.Close()

	got, err := st.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)

	live := publish(t, reg, topic, fanout.EventAnnouncement, map[string]string{"title": "Promo"})
	got, err = st.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, live.ID, got.ID)
}

func TestStreamMergesTopicsAndPrimesEach(t *testing.T) {
	reg := newRegistry(t)
	s := NewStreams(reg, DefaultConfig(), zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	maintenance := fanout.AnnouncementTopic("maintenance")
	promotion := fanout.AnnouncementTopic("promotion")
	feature := fanout.AnnouncementTopic("feature")
	m := publish(t, reg, maintenance, fanout.EventAnnouncement, map[string]string{"title": "Downtime"})
	p := publish(t, reg, promotion, fanout.EventAnnouncement, map[string]string{"title": "Promo"})

	st, err := s.Open(ctx, maintenance, promotion, feature)
	require.NoError(t, err)
	assert.Equal(t, []fanout.Topic{maintenance, promotion, feature}, st.Topics())

	for _, want := range []fanout.Event{m, p} {
		got, err := st.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want.ID, got.ID)
	}

	live := publish(t, reg, feature, fanout.EventAnnouncement, map[string]string{"title": "Group orders"})
	got, err := st.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, live.ID, got.ID)

	st.Close()
	for _, topic := range []fanout.Topic{maintenance, promotion, feature} {
		assert.Zero(t, reg.Count(topic))
	}
}

func TestOpenWithoutTopicsFails(t *testing.T) {
	s := NewStreams(newRegistry(t), DefaultConfig(), zerolog.Nop())
	_, err := s.Open(context.Background())
	assert.Error(t, err)
}

func TestStreamEndsWhenRegistryCloses(t *testing.T) {
	reg := fanout.New(fanout.DefaultConfig())
	s := NewStreams(reg, DefaultConfig(), zerolog.Nop())

	st, err := s.Open(context.Background(), fanout.AnnouncementTopic("feature"))
	require.NoError(t, err)

	reg.Close()
	_, err = st.Next(context.Background())
	assert.ErrorIs(t, err, ErrStreamClosed)
	st.Close()
	st.Close()
}

type recordingWriter struct {
	mu         sync.Mutex
	events     []fanout.Event
	keepAlives int
}

func (w *recordingWriter) WriteEvent(e fanout.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, e)
	return nil
}

func (w *recordingWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.keepAlives++
	return nil
}

func (w *recordingWriter) counts() (int, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events), w.keepAlives
}

func TestServeWritesEventsAndKeepAlives(t *testing.T) {
	reg := newRegistry(t)
	s := NewStreams(reg, DefaultConfig(), zerolog.Nop())
	topic := fanout.DriverLocationTopic("o9")

	ctx, cancel := context.WithCancel(context.Background())
	w := &recordingWriter{}
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, w, topic, 20*time.Millisecond) }()

	require.Eventually(t, func() bool { return reg.Count(topic) == 1 }, time.Second, 5*time.Millisecond)
	publish(t, reg, topic, fanout.EventDriverLocation, map[string]float64{"lat": 1})

	require.Eventually(t, func() bool {
		n, k := w.counts()
		return n == 1 && k >= 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Zero(t, reg.Count(topic))
}

func TestServeReturnsOnRegistryShutdown(t *testing.T) {
	reg := fanout.New(fanout.DefaultConfig())
	s := NewStreams(reg, DefaultConfig(), zerolog.Nop())
	topic := fanout.AnnouncementTopic("promotion")

	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background(), &recordingWriter{}, topic, time.Minute) }()

	require.Eventually(t, func() bool { return reg.Count(topic) == 1 }, time.Second, 5*time.Millisecond)
	reg.Close()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after registry shutdown")
	}
}

func TestSSEWriterFormat(t *testing.T) {
	var buf bytes.Buffer
	w := newSSEWriter(&buf, nil)

	e := fanout.Event{ID: "e1", Type: fanout.EventAnnouncement, Payload: []byte(`{"title":"Hi"}`)}
	require.NoError(t, w.WriteEvent(e))
	require.NoError(t, w.WriteKeepAlive())

	assert.Equal(t, "id: e1\nevent: ANNOUNCEMENT\ndata: {\"title\":\"Hi\"}\n\n: ping\n\n", buf.String())
}

func TestSSEWriterSplitsMultilinePayload(t *testing.T) {
	var buf bytes.Buffer
	w := newSSEWriter(&buf, nil)
	require.NoError(t, w.WriteEvent(fanout.Event{ID: "e", Type: "X", Payload: []byte("{\n}")}))
	assert.True(t, strings.HasSuffix(buf.String(), "data: {\ndata: }\n\n"))
}

// ---------------------------------------------------------------------------
// Poller
// ---------------------------------------------------------------------------

func fastPoll() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.PollTimeout = 200 * time.Millisecond
	cfg.PollMaxTimeout = 500 * time.Millisecond
	return cfg
}

func TestPollerReturnsOnChange(t *testing.T) {
	var reads atomic.Int32
	p := NewPoller(func(context.Context, string) (string, error) {
		if reads.Add(1) >= 3 {
			return "Ready", nil
		}
		return "Preparing", nil
	}, fastPoll())

	got, err := p.Wait(context.Background(), "o1", func(s string) bool { return s != "Preparing" }, 0)
	require.NoError(t, err)
	assert.Equal(t, "Ready", got)
	assert.GreaterOrEqual(t, reads.Load(), int32(3))
}

func TestPollerImmediateWhenAlreadyChanged(t *testing.T) {
	p := NewPoller(func(context.Context, string) (int, error) { return 5, nil }, fastPoll())
	start := time.Now()
	got, err := p.Wait(context.Background(), "x", func(v int) bool { return v == 5 }, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5, got)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestPollerTimeoutReturnsCurrentValue(t *testing.T) {
	p := NewPoller(func(context.Context, string) (string, error) { return "Preparing", nil }, fastPoll())

	start := time.Now()
	got, err := p.Wait(context.Background(), "o1", func(s string) bool { return s != "Preparing" }, 50*time.Millisecond)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, "Preparing", got)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 50*time.Millisecond+200*time.Millisecond)
}

func TestPollerCapsTimeout(t *testing.T) {
	cfg := fastPoll()
	cfg.PollMaxTimeout = 40 * time.Millisecond
	p := NewPoller(func(context.Context, string) (int, error) { return 0, nil }, cfg)

	start := time.Now()
	_, err := p.Wait(context.Background(), "x", func(int) bool { return false }, time.Hour)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPollerSurfacesFirstReadError(t *testing.T) {
	p := NewPoller(func(_ context.Context, id string) (int, error) {
		return 0, fmt.Errorf("order %s: %w", id, apperr.ErrNotFound)
	}, fastPoll())

	_, err := p.Wait(context.Background(), "404", func(int) bool { return true }, 0)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestPollerKeepsLastGoodValueOnLaterFailure(t *testing.T) {
	var reads atomic.Int32
	p := NewPoller(func(context.Context, string) (string, error) {
		if reads.Add(1) == 1 {
			return "Confirmed", nil
		}
		return "", errors.New("connection reset")
	}, fastPoll())

	got, err := p.Wait(context.Background(), "o1", func(s string) bool { return s != "Confirmed" }, 0)
	require.NoError(t, err)
	assert.Equal(t, "Confirmed", got)
}

func TestPollerCancellation(t *testing.T) {
	p := NewPoller(func(context.Context, string) (string, error) { return "Confirmed", nil }, fastPoll())
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	got, err := p.Wait(ctx, "o1", func(string) bool { return false }, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "Confirmed", got)
}

package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foodfast/realtime/internal/auth"
	"github.com/foodfast/realtime/internal/conversation"
	"github.com/foodfast/realtime/internal/fanout"
	"github.com/foodfast/realtime/internal/presence"
	"github.com/foodfast/realtime/internal/ratelimit"
	"github.com/foodfast/realtime/internal/stream"
	"github.com/foodfast/realtime/internal/ws"
)

var _ ws.Pulser = (*Hub)(nil)

// countingPresence records refreshes on top of the in-memory tracker.
type countingPresence struct {
	*presence.Memory
	mu        sync.Mutex
	refreshed []string
}

func (p *countingPresence) Refresh(_ context.Context, connID, _ string) error {
	p.mu.Lock()
	p.refreshed = append(p.refreshed, connID)
	p.mu.Unlock()
	return nil
}

var (
	customer = auth.Identity{UserID: "C1", Name: "Ada", Role: auth.RoleCustomer}
	agent    = auth.Identity{UserID: "A1", Name: "Grace", Role: auth.RoleSupportAgent}
	stranger = auth.Identity{UserID: "C2", Name: "Eve", Role: auth.RoleCustomer}
)

type frame struct {
	Type    string          `json:"type"`
	Code    string          `json:"code"`
	Request string          `json:"request"`
	Result  json.RawMessage `json:"result"`
	Topics  []string        `json:"topics"`
	Event   struct {
		Type    fanout.EventType `json:"type"`
		Topic   fanout.Topic     `json:"topic"`
		Payload json.RawMessage  `json:"payload"`
	} `json:"event"`
}

type fakeClient struct {
	id       string
	identity auth.Identity
	writeErr error

	mu     sync.Mutex
	frames []frame
}

func (c *fakeClient) ID() string              { return c.id }
func (c *fakeClient) Identity() auth.Identity { return c.identity }

func (c *fakeClient) WriteMessage(data []byte) error {
	if c.writeErr != nil {
		return c.writeErr
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) all() []frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]frame(nil), c.frames...)
}

func (c *fakeClient) last() frame {
	f := c.all()
	if len(f) == 0 {
		return frame{}
	}
	return f[len(f)-1]
}

func (c *fakeClient) events(typ fanout.EventType) []frame {
	var out []frame
	for _, f := range c.all() {
		if f.Type == "event" && f.Event.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeClient) waitEvent(t *testing.T, typ fanout.EventType) frame {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.events(typ)) > 0 }, time.Second, 5*time.Millisecond,
		"%s never received %s", c.id, typ)
	return c.events(typ)[0]
}

type fixture struct {
	hub    *Hub
	chats  *conversation.Service
	groups *stream.Groups
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := fanout.New(fanout.DefaultConfig())
	t.Cleanup(reg.Close)
	chats := conversation.NewService(conversation.NewMemoryStore(), reg, zerolog.Nop())
	groups := stream.NewGroups(reg, zerolog.Nop())
	h := New(groups, chats, reg, ratelimit.NewMemory(), presence.NewMemory(), zerolog.Nop())
	return &fixture{hub: h, chats: chats, groups: groups}
}

func (f *fixture) connect(t *testing.T, id string, who auth.Identity) *fakeClient {
	t.Helper()
	c := &fakeClient{id: id, identity: who}
	require.NoError(t, f.hub.OnConnect(context.Background(), c))
	return c
}

func (f *fixture) send(c *fakeClient, raw string) {
	f.hub.OnMessage(context.Background(), c, []byte(raw))
}

func (f *fixture) openConversation(t *testing.T) string {
	t.Helper()
	v, err := f.chats.Create(context.Background(), customer, "Where is my order?", "Late delivery")
	require.NoError(t, err)
	return v.ID
}

func TestConnectJoinsDefaultGroups(t *testing.T) {
	f := newFixture(t)

	c := f.connect(t, "conn-c", customer)
	hello := c.last()
	assert.Equal(t, "connected", hello.Type)
	assert.Equal(t, []string{"user_C1"}, hello.Topics)

	a := f.connect(t, "conn-a", agent)
	assert.ElementsMatch(t, []string{"user_A1", "support_agents"}, a.last().Topics)
}

func TestConversationOverWebSocket(t *testing.T) {
	f := newFixture(t)
	convID := f.openConversation(t)
	c := f.connect(t, "conn-c", customer)
	a := f.connect(t, "conn-a", agent)

	f.send(a, `{"type":"assign","conversationId":"`+convID+`"}`)
	assert.Equal(t, "ack", a.last().Type)
	assert.Equal(t, "assign", a.last().Request)
	c.waitEvent(t, fanout.EventAgentAssigned)

	f.send(c, `{"type":"join_conversation","conversationId":"`+convID+`"}`)
	require.Equal(t, "ack", c.last().Type)
	joined := a.waitEvent(t, fanout.EventUserJoinedChat)
	assert.Contains(t, string(joined.Event.Payload), `"userId":"C1"`)

	f.send(c, `{"type":"typing","conversationId":"`+convID+`","isTyping":true}`)
	typing := a.waitEvent(t, fanout.EventTyping)
	assert.Contains(t, string(typing.Event.Payload), `"isTyping":true`)
	assert.Empty(t, c.events(fanout.EventTyping), "sender does not see its own indicator")

	f.send(c, `{"type":"send_message","conversationId":"`+convID+`","content":"Any news?"}`)
	ack := c.last()
	require.Equal(t, "ack", ack.Type)
	var stored conversation.Message
	require.NoError(t, json.Unmarshal(ack.Result, &stored))
	assert.Equal(t, "Any news?", stored.Content)
	a.waitEvent(t, fanout.EventNewMessage)

	f.send(a, `{"type":"mark_read","conversationId":"`+convID+`"}`)
	assert.Equal(t, "ack", a.last().Type)
	c.waitEvent(t, fanout.EventMessagesRead)

	f.send(c, `{"type":"close_chat","conversationId":"`+convID+`"}`)
	assert.Equal(t, "ack", c.last().Type)
	a.waitEvent(t, fanout.EventChatClosed)

	f.send(c, `{"type":"send_message","conversationId":"`+convID+`","content":"hello?"}`)
	assert.Equal(t, "invalid_state", c.last().Code)

	f.send(c, `{"type":"leave_conversation","conversationId":"`+convID+`"}`)
	assert.Equal(t, "ack", c.last().Type)
	a.waitEvent(t, fanout.EventUserLeftChat)
	assert.NotContains(t, f.groups.Topics("conn-c"), fanout.ConversationTopic(convID))
}

func TestJoinRequiresAccess(t *testing.T) {
	f := newFixture(t)
	convID := f.openConversation(t)
	s := f.connect(t, "conn-s", stranger)

	f.send(s, `{"type":"join_conversation","conversationId":"`+convID+`"}`)
	assert.Equal(t, "access_denied", s.last().Code)
	assert.NotContains(t, f.groups.Topics("conn-s"), fanout.ConversationTopic(convID))

	f.send(s, `{"type":"join_conversation","conversationId":"missing"}`)
	assert.Equal(t, "not_found", s.last().Code)
}

func TestTypingRequiresJoin(t *testing.T) {
	f := newFixture(t)
	convID := f.openConversation(t)
	c := f.connect(t, "conn-c", customer)

	f.send(c, `{"type":"typing","conversationId":"`+convID+`","isTyping":true}`)
	assert.Equal(t, "invalid_state", c.last().Code)
}

func TestSendMessageRateLimited(t *testing.T) {
	f := newFixture(t)
	convID := f.openConversation(t)
	c := f.connect(t, "conn-c", customer)

	for i := 0; i < ratelimit.RuleChatMessage.Limit; i++ {
		f.send(c, `{"type":"send_message","conversationId":"`+convID+`","content":"ping"}`)
		require.Equal(t, "ack", c.last().Type)
	}
	f.send(c, `{"type":"send_message","conversationId":"`+convID+`","content":"ping"}`)
	assert.Equal(t, "rate_limited", c.last().Type)
}

func TestPingAndMalformedFrames(t *testing.T) {
	f := newFixture(t)
	c := f.connect(t, "conn-c", customer)

	f.send(c, `{"type":"ping"}`)
	assert.Equal(t, "pong", c.last().Type)

	f.send(c, `{"type":"send_message","content":"no conversation"}`)
	assert.Equal(t, "parse_error", c.last().Code)
}

func TestLastDisconnectAnnouncesOffline(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "conn-a", agent)
	c1 := f.connect(t, "conn-c1", customer)
	c2 := f.connect(t, "conn-c2", customer)
	ctx := context.Background()

	f.hub.OnDisconnect(ctx, c1)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, a.events(fanout.EventUserOffline), "user still has a connection")

	f.hub.OnDisconnect(ctx, c2)
	offline := a.waitEvent(t, fanout.EventUserOffline)
	assert.Contains(t, string(offline.Event.Payload), `"userId":"C1"`)

	f.hub.OnDisconnect(ctx, c2)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, a.events(fanout.EventUserOffline), 1, "disconnect is idempotent")
	assert.Equal(t, 1, f.groups.Count())
}

func TestHeartbeatRefreshesPresence(t *testing.T) {
	reg := fanout.New(fanout.DefaultConfig())
	t.Cleanup(reg.Close)
	tracker := &countingPresence{Memory: presence.NewMemory()}
	chats := conversation.NewService(conversation.NewMemoryStore(), reg, zerolog.Nop())
	h := New(stream.NewGroups(reg, zerolog.Nop()), chats, reg, ratelimit.NewMemory(), tracker, zerolog.Nop())

	c := &fakeClient{id: "conn-c", identity: customer}
	require.NoError(t, h.OnConnect(context.Background(), c))

	h.OnHeartbeat(context.Background(), c)
	h.OnMessage(context.Background(), c, []byte(`{"type":"ping"}`))
	assert.Equal(t, []string{"conn-c", "conn-c"}, tracker.refreshed)
}

func TestFailedGreetingRollsBackConnect(t *testing.T) {
	reg := fanout.New(fanout.DefaultConfig())
	t.Cleanup(reg.Close)
	tracker := presence.NewMemory()
	groups := stream.NewGroups(reg, zerolog.Nop())
	chats := conversation.NewService(conversation.NewMemoryStore(), reg, zerolog.Nop())
	h := New(groups, chats, reg, ratelimit.NewMemory(), tracker, zerolog.Nop())
	ctx := context.Background()

	broken := &fakeClient{id: "conn-x", identity: customer, writeErr: errors.New("broken pipe")}
	err := h.OnConnect(ctx, broken)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken pipe")

	assert.Zero(t, groups.Count())
	assert.Zero(t, reg.Count(fanout.UserTopic(customer.UserID)))
	online, err := tracker.Online(ctx, customer.UserID)
	require.NoError(t, err)
	assert.False(t, online)

	// A later disconnect for the same connection has nothing left to undo.
	h.OnDisconnect(ctx, broken)
	assert.Zero(t, groups.Count())
}

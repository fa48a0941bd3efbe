package conversation

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foodfast/realtime/internal/apperr"
	"github.com/foodfast/realtime/internal/auth"
	"github.com/foodfast/realtime/internal/fanout"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []fanout.Event
}

func (p *capturePublisher) Publish(_ context.Context, e fanout.Event) error {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
	return nil
}

func (p *capturePublisher) byType(typ fanout.EventType) []fanout.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []fanout.Event
	for _, e := range p.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

var (
	customer = auth.Identity{UserID: "C1", Name: "Carla", Role: auth.RoleCustomer}
	agent1   = auth.Identity{UserID: "A1", Name: "Ana", Role: auth.RoleSupportAgent}
	agent2   = auth.Identity{UserID: "A2", Name: "Ben", Role: auth.RoleSupportAgent}
	admin    = auth.Identity{UserID: "ADM", Name: "Root", Role: auth.RoleAdmin}
	stranger = auth.Identity{UserID: "C2", Name: "Eve", Role: auth.RoleCustomer}
	driver   = auth.Identity{UserID: "D1", Role: auth.RoleDriver}
)

func newTestService(store Store) (*Service, *capturePublisher) {
	pub := &capturePublisher{}
	svc := NewService(store, pub, zerolog.Nop())
	var tick int64
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return svc, pub
}

func TestSupportScenario(t *testing.T) {
	ctx := context.Background()
	svc, pub := newTestService(NewMemoryStore())

	view, err := svc.Create(ctx, customer, "Need help", "")
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, view.Status)
	require.Len(t, view.RecentMessages, 1)
	assert.Equal(t, MessageDelivered, view.RecentMessages[0].Status)
	require.Len(t, pub.byType(fanout.EventNewConversation), 1)
	assert.Equal(t, fanout.SupportAgentsTopic, pub.byType(fanout.EventNewConversation)[0].Topic)

	id := view.ID
	assigned, err := svc.Assign(ctx, id, agent1)
	require.NoError(t, err)
	assert.Equal(t, "A1", assigned.AgentID)
	assert.Equal(t, StatusInProgress, assigned.Status)

	_, err = svc.SendMessage(ctx, id, agent1, "How can I help?")
	require.NoError(t, err)

	msgs, err := svc.Messages(ctx, id, customer, 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Need help", msgs[0].Content)
	assert.Equal(t, "How can I help?", msgs[1].Content)

	got, err := svc.Get(ctx, id, customer)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UnreadCount)

	n, err := svc.MarkRead(ctx, id, customer)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msgs, err = svc.Messages(ctx, id, customer, 1, 50)
	require.NoError(t, err)
	assert.Equal(t, MessageDelivered, msgs[0].Status, "reader's own message is untouched")
	assert.Equal(t, MessageRead, msgs[1].Status)

	got, err = svc.Get(ctx, id, customer)
	require.NoError(t, err)
	assert.Zero(t, got.UnreadCount)

	agentView, err := svc.Get(ctx, id, agent1)
	require.NoError(t, err)
	assert.Equal(t, 1, agentView.UnreadCount, "unread is per viewer")
}

func TestSendMessagePublishesToGroupAndCounterpart(t *testing.T) {
	ctx := context.Background()
	svc, pub := newTestService(NewMemoryStore())

	view, _ := svc.Create(ctx, customer, "Where is my order?", "Order 12")

	// Unassigned: the notification goes to the agent pool.
	_, err := svc.SendMessage(ctx, view.ID, customer, "Hello?")
	require.NoError(t, err)
	notes := pub.byType(fanout.EventNewMessageNotification)
	require.Len(t, notes, 1)
	assert.Equal(t, fanout.SupportAgentsTopic, notes[0].Topic)

	_, _ = svc.Assign(ctx, view.ID, agent1)
	_, err = svc.SendMessage(ctx, view.ID, customer, "Still there?")
	require.NoError(t, err)
	notes = pub.byType(fanout.EventNewMessageNotification)
	assert.Equal(t, fanout.UserTopic("A1"), notes[len(notes)-1].Topic)

	_, err = svc.SendMessage(ctx, view.ID, agent1, "Yes")
	require.NoError(t, err)
	notes = pub.byType(fanout.EventNewMessageNotification)
	assert.Equal(t, fanout.UserTopic("C1"), notes[len(notes)-1].Topic)

	msgs := pub.byType(fanout.EventNewMessage)
	require.Len(t, msgs, 3)
	for _, e := range msgs {
		assert.Equal(t, fanout.ConversationTopic(view.ID), e.Topic)
	}
}

func TestSendIntoClosedConversationFails(t *testing.T) {
	ctx := context.Background()
	svc, pub := newTestService(NewMemoryStore())

	view, _ := svc.Create(ctx, customer, "Hi", "")
	_, err := svc.Close(ctx, view.ID, customer)
	require.NoError(t, err)
	require.Len(t, pub.byType(fanout.EventChatClosed), 1)

	before := len(pub.byType(fanout.EventNewMessage))
	_, err = svc.SendMessage(ctx, view.ID, customer, "Anyone?")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Len(t, pub.byType(fanout.EventNewMessage), before, "nothing published for a rejected send")

	_, err = svc.Close(ctx, view.ID, customer)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	_, err = svc.Assign(ctx, view.ID, agent1)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	got, err := svc.Get(ctx, view.ID, customer)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, got.Status)
	require.NotNil(t, got.ClosedAt)
}

func TestMarkReadIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, pub := newTestService(NewMemoryStore())

	view, _ := svc.Create(ctx, customer, "Hi", "")
	_, _ = svc.Assign(ctx, view.ID, agent1)
	_, _ = svc.SendMessage(ctx, view.ID, agent1, "Hello")

	n, err := svc.MarkRead(ctx, view.ID, customer)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = svc.MarkRead(ctx, view.ID, customer)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, pub.byType(fanout.EventMessagesRead), 1)
}

func TestAccessControl(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(NewMemoryStore())

	view, _ := svc.Create(ctx, customer, "Hi", "")

	_, err := svc.Get(ctx, view.ID, stranger)
	assert.ErrorIs(t, err, apperr.ErrAccessDenied)
	_, err = svc.SendMessage(ctx, view.ID, stranger, "let me in")
	assert.ErrorIs(t, err, apperr.ErrAccessDenied)
	_, err = svc.Messages(ctx, view.ID, driver, 1, 10)
	assert.ErrorIs(t, err, apperr.ErrAccessDenied)

	_, err = svc.Get(ctx, view.ID, agent2)
	assert.NoError(t, err, "support staff may read any conversation")
	_, err = svc.Get(ctx, view.ID, admin)
	assert.NoError(t, err)

	_, err = svc.Get(ctx, "missing", customer)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = svc.Create(ctx, agent1, "I am an agent", "")
	assert.ErrorIs(t, err, apperr.ErrAccessDenied)

	_, err = svc.Assign(ctx, view.ID, customer)
	assert.ErrorIs(t, err, apperr.ErrAccessDenied)

	_, err = svc.ListUnassigned(ctx, customer)
	assert.ErrorIs(t, err, apperr.ErrAccessDenied)
}

func TestContentValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(NewMemoryStore())

	_, err := svc.Create(ctx, customer, "   ", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	view, _ := svc.Create(ctx, customer, "Hi", "")
	_, err = svc.SendMessage(ctx, view.ID, customer, strings.Repeat("a", MaxTextChars+1))
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
	_, err = svc.SendMessage(ctx, view.ID, customer, string([]byte{0xff, 0xfe}))
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
	_, err = svc.SendMessage(ctx, view.ID, customer, strings.Repeat("é", MaxTextChars))
	assert.NoError(t, err, "2000 two-byte runes fit in 4096 bytes")
}

func TestListings(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(NewMemoryStore())

	first, _ := svc.Create(ctx, customer, "First", "")
	second, _ := svc.Create(ctx, customer, "Second", "")
	other, _ := svc.Create(ctx, stranger, "Other", "")
	_, _ = svc.Assign(ctx, first.ID, agent1)

	mine, err := svc.ListForUser(ctx, customer)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, second.ID, mine[0].ID, "newest first")

	assigned, err := svc.ListForUser(ctx, agent1)
	require.NoError(t, err)
	require.Len(t, assigned, 1)
	assert.Equal(t, first.ID, assigned[0].ID)

	all, err := svc.ListForUser(ctx, admin)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	unassigned, err := svc.ListUnassigned(ctx, agent2)
	require.NoError(t, err)
	ids := []string{}
	for _, v := range unassigned {
		ids = append(ids, v.ID)
	}
	assert.ElementsMatch(t, []string{second.ID, other.ID}, ids)

	_, err = svc.ListForUser(ctx, driver)
	assert.ErrorIs(t, err, apperr.ErrAccessDenied)
}

func TestMessagesPagination(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(NewMemoryStore())

	view, _ := svc.Create(ctx, customer, "m0", "")
	for i := 1; i < 5; i++ {
		_, err := svc.SendMessage(ctx, view.ID, customer, "m"+string(rune('0'+i)))
		require.NoError(t, err)
	}

	page1, err := svc.Messages(ctx, view.ID, customer, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"m3", "m4"}, contents(page1))

	page3, err := svc.Messages(ctx, view.ID, customer, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"m0"}, contents(page3))

	empty, err := svc.Messages(ctx, view.ID, customer, 9, 2)
	require.NoError(t, err)
	assert.Empty(t, empty)

	p, size := clampPage(0, 1000)
	assert.Equal(t, 1, p)
	assert.Equal(t, MaxPageSize, size)
}

// racingStore lets a competing call run between Assign's read and its
// conditional write.
type racingStore struct {
	*MemoryStore
	hookFn func()
}

func (s *racingStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	c, err := s.MemoryStore.GetConversation(ctx, id)
	if h := s.hookFn; h != nil {
		s.hookFn = nil
		h()
	}
	return c, err
}

func TestConcurrentAssignFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	store := &racingStore{MemoryStore: NewMemoryStore()}
	svc, _ := newTestService(store)

	view, err := svc.Create(ctx, customer, "Help", "")
	require.NoError(t, err)

	var winnerErr error
	store.hookFn = func() {
		_, winnerErr = svc.Assign(ctx, view.ID, agent2)
	}

	_, err = svc.Assign(ctx, view.ID, agent1)
	require.NoError(t, winnerErr)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	got, err := svc.Get(ctx, view.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, "A2", got.AgentID)

	// A deliberate reassignment after observing the current agent succeeds.
	reassigned, err := svc.Assign(ctx, view.ID, agent1)
	require.NoError(t, err)
	assert.Equal(t, "A1", reassigned.AgentID)
}

func TestStateMachine(t *testing.T) {
	c := Conversation{ID: "x", Status: StatusOpen}
	assert.True(t, c.CanAcceptMessages())

	require.NoError(t, c.Assign("A1", "Ana"))
	assert.Equal(t, StatusInProgress, c.Status)
	require.NoError(t, c.Assign("A2", "Ben"))
	assert.Equal(t, "A2", c.AgentID)

	require.NoError(t, c.Resolve())
	assert.ErrorIs(t, c.Resolve(), apperr.ErrInvalidState)
	assert.True(t, c.CanAcceptMessages())

	require.NoError(t, c.Close(time.Now()))
	assert.False(t, c.CanAcceptMessages())
	assert.ErrorIs(t, c.Close(time.Now()), apperr.ErrInvalidState)
	assert.ErrorIs(t, c.Assign("A1", "Ana"), apperr.ErrInvalidState)
}

func TestMessageStatusNeverRegresses(t *testing.T) {
	m := Message{Status: MessageDelivered}
	assert.False(t, m.Advance(MessageSent))
	assert.True(t, m.Advance(MessageRead))
	assert.False(t, m.Advance(MessageDelivered))
	assert.Equal(t, MessageRead, m.Status)
}

func TestStatusText(t *testing.T) {
	b, err := StatusInProgress.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "InProgress", string(b))

	var s Status
	require.NoError(t, s.UnmarshalText([]byte("Closed")))
	assert.Equal(t, StatusClosed, s)
	assert.Error(t, s.UnmarshalText([]byte("Archived")))
}

func contents(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

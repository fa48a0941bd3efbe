package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/foodfast/realtime/internal/apperr"
	"github.com/foodfast/realtime/internal/auth"
	"github.com/foodfast/realtime/internal/fanout"
)

const (
	// RecentMessages is how many messages a conversation view carries.
	RecentMessages = 10

	DefaultPageSize = 50
	MaxPageSize     = 100
)

// Payloads published alongside conversation events.
type (
	MessageNotification struct {
		ConversationID string       `json:"conversationId"`
		Message        Message      `json:"message"`
		Conversation   Conversation `json:"conversation"`
	}

	ReadReceipt struct {
		ConversationID string `json:"conversationId"`
		ReadByUserID   string `json:"readByUserId"`
		Count          int    `json:"count"`
	}

	ClosedNotice struct {
		ConversationID string `json:"conversationId"`
		ClosedByUserID string `json:"closedByUserId"`
	}
)

// Service coordinates the store and the event publisher. Events are published
// only after the corresponding write has been persisted.
type Service struct {
	store  Store
	pub    fanout.Publisher
	logger zerolog.Logger
	now    func() time.Time
}

// NewService creates a Service.
func NewService(store Store, pub fanout.Publisher, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		pub:    pub,
		logger: logger.With().Str("component", "conversation").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create opens a conversation for a customer with its first message.
func (s *Service) Create(ctx context.Context, caller auth.Identity, initialMessage, subject string) (View, error) {
	if caller.Role != auth.RoleCustomer {
		return View{}, fmt.Errorf("conversation: create: only customers may open conversations: %w", apperr.ErrAccessDenied)
	}
	if err := ValidateContent(initialMessage); err != nil {
		return View{}, fmt.Errorf("conversation: create: %w", err)
	}
	if err := validateSubject(subject); err != nil {
		return View{}, fmt.Errorf("conversation: create: %w", err)
	}

	now := s.now()
	c := Conversation{
		ID:           uuid.NewString(),
		CustomerID:   caller.UserID,
		CustomerName: displayName(caller),
		Subject:      subject,
		Status:       StatusOpen,
		CreatedAt:    now,
	}
	first := s.newMessage(c.ID, caller, initialMessage, now)

	if err := s.store.CreateConversation(ctx, c, first); err != nil {
		return View{}, fmt.Errorf("conversation: create: %w", err)
	}

	view := View{Conversation: c, RecentMessages: []Message{first}}
	s.publish(ctx, fanout.SupportAgentsTopic, fanout.EventNewConversation, view)
	s.logger.Info().Str("conversation", c.ID).Str("customer", c.CustomerID).Msg("conversation created")
	return view, nil
}

// Get returns the conversation as seen by caller.
func (s *Service) Get(ctx context.Context, id string, caller auth.Identity) (View, error) {
	c, err := s.authorized(ctx, id, caller)
	if err != nil {
		return View{}, err
	}
	return s.view(ctx, c, caller.UserID, RecentMessages)
}

// Authorize returns the conversation if caller may access it.
func (s *Service) Authorize(ctx context.Context, id string, caller auth.Identity) (Conversation, error) {
	return s.authorized(ctx, id, caller)
}

// ListForUser lists the caller's conversations, newest first: customers see
// their own, agents those assigned to them, admins all of them.
func (s *Service) ListForUser(ctx context.Context, caller auth.Identity) ([]View, error) {
	var f Filter
	switch caller.Role {
	case auth.RoleCustomer:
		f.CustomerID = caller.UserID
	case auth.RoleSupportAgent:
		f.AgentID = caller.UserID
	case auth.RoleAdmin:
	default:
		return nil, fmt.Errorf("conversation: list: %w", apperr.ErrAccessDenied)
	}
	return s.list(ctx, f, caller.UserID)
}

// ListUnassigned lists open conversations awaiting an agent.
func (s *Service) ListUnassigned(ctx context.Context, caller auth.Identity) ([]View, error) {
	if !caller.IsSupport() {
		return nil, fmt.Errorf("conversation: list unassigned: %w", apperr.ErrAccessDenied)
	}
	return s.list(ctx, Filter{Unassigned: true}, caller.UserID)
}

func (s *Service) list(ctx context.Context, f Filter, viewerID string) ([]View, error) {
	convs, err := s.store.ListConversations(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("conversation: list: %w", err)
	}
	out := make([]View, 0, len(convs))
	for _, c := range convs {
		v, err := s.view(ctx, c, viewerID, 1)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Messages returns one page of messages in chronological order. Page 1 holds
// the newest messages.
func (s *Service) Messages(ctx context.Context, id string, caller auth.Identity, page, pageSize int) ([]Message, error) {
	if _, err := s.authorized(ctx, id, caller); err != nil {
		return nil, err
	}
	page, pageSize = clampPage(page, pageSize)
	msgs, err := s.store.Messages(ctx, id, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, fmt.Errorf("conversation: messages %s: %w", id, err)
	}
	return msgs, nil
}

// SendMessage appends a message from caller and announces it to the
// conversation group and to the other party.
func (s *Service) SendMessage(ctx context.Context, id string, caller auth.Identity, content string) (Message, error) {
	if err := ValidateContent(content); err != nil {
		return Message{}, fmt.Errorf("conversation: send: %w", err)
	}

	c, err := s.authorized(ctx, id, caller)
	if err != nil {
		return Message{}, err
	}

	m := s.newMessage(id, caller, content, s.now())
	err = s.store.AppendMessage(ctx, m, func(cur Conversation) error {
		if !cur.CanAcceptMessages() {
			return fmt.Errorf("conversation %s is %s: %w", id, cur.Status, apperr.ErrInvalidState)
		}
		c = cur
		return nil
	})
	if err != nil {
		return Message{}, fmt.Errorf("conversation: send: %w", err)
	}

	s.publish(ctx, fanout.ConversationTopic(id), fanout.EventNewMessage, m)

	notice := MessageNotification{ConversationID: id, Message: m, Conversation: c}
	if target := c.Counterpart(caller.UserID); target != "" {
		s.publish(ctx, fanout.UserTopic(target), fanout.EventNewMessageNotification, notice)
	} else {
		s.publish(ctx, fanout.SupportAgentsTopic, fanout.EventNewMessageNotification, notice)
	}
	return m, nil
}

// MarkRead marks the messages caller has not sent as read. It is idempotent
// and only announces a receipt when something changed.
func (s *Service) MarkRead(ctx context.Context, id string, caller auth.Identity) (int, error) {
	if _, err := s.authorized(ctx, id, caller); err != nil {
		return 0, err
	}
	n, err := s.store.MarkRead(ctx, id, caller.UserID)
	if err != nil {
		return 0, fmt.Errorf("conversation: mark read %s: %w", id, err)
	}
	if n > 0 {
		s.publish(ctx, fanout.ConversationTopic(id), fanout.EventMessagesRead,
			ReadReceipt{ConversationID: id, ReadByUserID: caller.UserID, Count: n})
	}
	return n, nil
}

// Assign makes caller the conversation's agent. The update only applies if
// the agent is still the one caller observed; a concurrent assignment by
// another agent wins and this call fails with apperr.ErrConflict.
func (s *Service) Assign(ctx context.Context, id string, caller auth.Identity) (View, error) {
	if !caller.IsSupport() {
		return View{}, fmt.Errorf("conversation: assign: only support agents can assign chats: %w", apperr.ErrAccessDenied)
	}

	observed, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return View{}, fmt.Errorf("conversation: assign: %w", err)
	}

	c, err := s.store.UpdateConversation(ctx, id, func(cur *Conversation) error {
		if cur.AgentID != observed.AgentID {
			return fmt.Errorf("conversation %s already assigned to %s: %w", id, cur.AgentID, apperr.ErrConflict)
		}
		return cur.Assign(caller.UserID, displayName(caller))
	})
	if err != nil {
		return View{}, fmt.Errorf("conversation: assign: %w", err)
	}

	view, err := s.view(ctx, c, caller.UserID, RecentMessages)
	if err != nil {
		return View{}, err
	}
	s.publish(ctx, fanout.CustomerTopic(c.CustomerID), fanout.EventAgentAssigned, view)
	s.publish(ctx, fanout.SupportAgentsTopic, fanout.EventChatAssigned, view)
	s.logger.Info().Str("conversation", id).Str("agent", caller.UserID).Msg("agent assigned")
	return view, nil
}

// Resolve marks the conversation resolved. Only support staff may resolve.
func (s *Service) Resolve(ctx context.Context, id string, caller auth.Identity) (Conversation, error) {
	if !caller.IsSupport() {
		return Conversation{}, fmt.Errorf("conversation: resolve: %w", apperr.ErrAccessDenied)
	}
	c, err := s.store.UpdateConversation(ctx, id, func(cur *Conversation) error {
		return cur.Resolve()
	})
	if err != nil {
		return Conversation{}, fmt.Errorf("conversation: resolve: %w", err)
	}
	return c, nil
}

// Close ends the conversation. Participants and support staff may close it.
func (s *Service) Close(ctx context.Context, id string, caller auth.Identity) (Conversation, error) {
	if _, err := s.authorized(ctx, id, caller); err != nil {
		return Conversation{}, err
	}
	now := s.now()
	c, err := s.store.UpdateConversation(ctx, id, func(cur *Conversation) error {
		return cur.Close(now)
	})
	if err != nil {
		return Conversation{}, fmt.Errorf("conversation: close: %w", err)
	}

	s.publish(ctx, fanout.ConversationTopic(id), fanout.EventChatClosed,
		ClosedNotice{ConversationID: id, ClosedByUserID: caller.UserID})
	s.logger.Info().Str("conversation", id).Str("by", caller.UserID).Msg("conversation closed")
	return c, nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func (s *Service) authorized(ctx context.Context, id string, caller auth.Identity) (Conversation, error) {
	c, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return Conversation{}, fmt.Errorf("conversation: %w", err)
	}
	if !c.CanAccess(caller) {
		return Conversation{}, fmt.Errorf("conversation %s: user %s: %w", id, caller.UserID, apperr.ErrAccessDenied)
	}
	return c, nil
}

func (s *Service) view(ctx context.Context, c Conversation, viewerID string, recent int) (View, error) {
	msgs, err := s.store.Messages(ctx, c.ID, 0, recent)
	if err != nil {
		return View{}, fmt.Errorf("conversation: view %s: %w", c.ID, err)
	}
	unread, err := s.store.CountUnread(ctx, c.ID, viewerID)
	if err != nil {
		return View{}, fmt.Errorf("conversation: view %s: %w", c.ID, err)
	}
	return View{Conversation: c, RecentMessages: msgs, UnreadCount: unread}, nil
}

func (s *Service) newMessage(conversationID string, sender auth.Identity, content string, at time.Time) Message {
	return Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       sender.UserID,
		SenderName:     displayName(sender),
		SenderRole:     sender.Role,
		Content:        content,
		Timestamp:      at,
		Status:         MessageDelivered,
	}
}

// publish announces a change that has already been persisted. Failures are
// logged: the write stands and consumers recover by re-reading.
func (s *Service) publish(ctx context.Context, topic fanout.Topic, typ fanout.EventType, payload any) {
	e, err := fanout.NewEvent(topic, typ, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("type", string(typ)).Msg("build event")
		return
	}
	if err := s.pub.Publish(ctx, e); err != nil && !errors.Is(err, fanout.ErrClosed) {
		s.logger.Warn().Err(err).Str("topic", string(topic)).Str("type", string(typ)).Msg("publish event")
	}
}

func clampPage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	switch {
	case pageSize <= 0:
		pageSize = DefaultPageSize
	case pageSize > MaxPageSize:
		pageSize = MaxPageSize
	}
	return page, pageSize
}

func displayName(id auth.Identity) string {
	if id.Name != "" {
		return id.Name
	}
	return "Unknown"
}

// Package hub is the realtime node's WebSocket application layer. It joins
// connections to their groups, turns client frames into conversation
// operations and keeps presence up to date.
package hub

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/foodfast/realtime/internal/apperr"
	"github.com/foodfast/realtime/internal/conversation"
	"github.com/foodfast/realtime/internal/fanout"
	"github.com/foodfast/realtime/internal/presence"
	"github.com/foodfast/realtime/internal/protocol"
	"github.com/foodfast/realtime/internal/ratelimit"
	"github.com/foodfast/realtime/internal/stream"
	"github.com/foodfast/realtime/internal/ws"
)

// Hub implements ws.Handler.
type Hub struct {
	groups     *stream.Groups
	chats      *conversation.Service
	pub        fanout.Publisher
	limiter    ratelimit.Allower
	presence   presence.Tracker
	dispatcher *ws.MessageDispatcher
	logger     zerolog.Logger
}

var _ ws.Handler = (*Hub)(nil)

// New creates a Hub and registers its frame handlers.
func New(groups *stream.Groups, chats *conversation.Service, pub fanout.Publisher,
	limiter ratelimit.Allower, tracker presence.Tracker, logger zerolog.Logger) *Hub {
	h := &Hub{
		groups:     groups,
		chats:      chats,
		pub:        pub,
		limiter:    limiter,
		presence:   tracker,
		dispatcher: ws.NewMessageDispatcher(logger),
		logger:     logger.With().Str("component", "hub").Logger(),
	}

	h.dispatcher.Register(protocol.TypeJoinConversation, h.joinConversation)
	h.dispatcher.Register(protocol.TypeLeaveConversation, h.leaveConversation)
	h.dispatcher.Register(protocol.TypeSendMessage, h.sendMessage)
	h.dispatcher.Register(protocol.TypeTyping, h.typing)
	h.dispatcher.Register(protocol.TypeMarkRead, h.markRead)
	h.dispatcher.Register(protocol.TypeAssign, h.assign)
	h.dispatcher.Register(protocol.TypeCloseChat, h.closeChat)
	h.dispatcher.Register(protocol.TypePing, h.ping)
	return h
}

// OnConnect joins the connection's default groups, records presence and
// greets the client with the topics it was joined to. If the greeting
// cannot be delivered the connection is rolled back out of its groups and
// presence.
func (h *Hub) OnConnect(ctx context.Context, c ws.Client) error {
	id := c.Identity()
	topics, err := h.groups.Connect(c, id)
	if err != nil {
		return fmt.Errorf("hub: connect %s: %w", c.ID(), err)
	}
	registered := true
	if err := h.presence.Register(ctx, c.ID(), id); err != nil {
		registered = false
		h.logger.Warn().Err(err).Str("conn", c.ID()).Msg("presence register")
	}

	names := make([]string, len(topics))
	for i, t := range topics {
		names[i] = t.String()
	}
	data, err := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{
		ConnectionID: c.ID(),
		UserID:       id.UserID,
		Topics:       names,
	})
	if err == nil {
		err = c.WriteMessage(data)
	}
	if err != nil {
		h.rollback(ctx, c, registered)
		return fmt.Errorf("hub: connect %s: %w", c.ID(), err)
	}
	return nil
}

// rollback undoes a connect that never reached the client. No offline
// notice is sent since the connection was never announced.
func (h *Hub) rollback(ctx context.Context, c ws.Client, registered bool) {
	h.groups.Disconnect(c)
	if !registered {
		return
	}
	if _, err := h.presence.Unregister(ctx, c.ID(), c.Identity().UserID); err != nil {
		h.logger.Warn().Err(err).Str("conn", c.ID()).Msg("presence unregister")
	}
}

// OnMessage dispatches a client frame.
func (h *Hub) OnMessage(ctx context.Context, c ws.Client, data []byte) {
	h.dispatcher.Dispatch(ctx, c, data)
}

// OnDisconnect leaves every group. When the user's last connection goes,
// support agents are told the user is offline.
func (h *Hub) OnDisconnect(ctx context.Context, c ws.Client) {
	id, ok := h.groups.Disconnect(c)
	if !ok {
		return
	}
	remaining, err := h.presence.Unregister(ctx, c.ID(), id.UserID)
	if err != nil {
		h.logger.Warn().Err(err).Str("conn", c.ID()).Msg("presence unregister")
		return
	}
	if remaining == 0 {
		h.publish(ctx, fanout.SupportAgentsTopic, fanout.EventUserOffline,
			protocol.MemberNotice{UserID: id.UserID, UserName: id.Name})
	}
}

// OnHeartbeat keeps the connection's presence entry from expiring.
func (h *Hub) OnHeartbeat(ctx context.Context, c ws.Client) {
	if err := h.presence.Refresh(ctx, c.ID(), c.Identity().UserID); err != nil {
		h.logger.Debug().Err(err).Str("conn", c.ID()).Msg("presence refresh")
	}
}

// ---------------------------------------------------------------------------
// frame handlers
// ---------------------------------------------------------------------------

func (h *Hub) joinConversation(ctx context.Context, c ws.Client, msg interface{}) error {
	m := msg.(protocol.ConversationMsg)
	id := c.Identity()
	if _, err := h.chats.Authorize(ctx, m.ConversationID, id); err != nil {
		return err
	}
	topic := fanout.ConversationTopic(m.ConversationID)
	if err := h.groups.Join(c, topic); err != nil {
		return err
	}
	read, err := h.chats.MarkRead(ctx, m.ConversationID, id)
	if err != nil {
		h.logger.Warn().Err(err).Str("conversation", m.ConversationID).Msg("mark read on join")
	}
	h.publish(ctx, topic, fanout.EventUserJoinedChat, protocol.MemberNotice{
		ConversationID: m.ConversationID,
		UserID:         id.UserID,
		UserName:       id.Name,
	})
	return h.ack(c, protocol.TypeJoinConversation, map[string]any{
		"conversationId": m.ConversationID,
		"markedRead":     read,
	})
}

func (h *Hub) leaveConversation(ctx context.Context, c ws.Client, msg interface{}) error {
	m := msg.(protocol.ConversationMsg)
	id := c.Identity()
	topic := fanout.ConversationTopic(m.ConversationID)
	h.groups.Leave(c, topic)
	h.publish(ctx, topic, fanout.EventUserLeftChat, protocol.MemberNotice{
		ConversationID: m.ConversationID,
		UserID:         id.UserID,
		UserName:       id.Name,
	})
	return h.ack(c, protocol.TypeLeaveConversation, map[string]any{"conversationId": m.ConversationID})
}

func (h *Hub) sendMessage(ctx context.Context, c ws.Client, msg interface{}) error {
	m := msg.(protocol.SendMessageMsg)
	id := c.Identity()

	allowed, err := h.limiter.Allow(ctx, id.UserID, ratelimit.RuleChatMessage)
	if err != nil {
		h.logger.Warn().Err(err).Str("user", id.UserID).Msg("chat rate limit check failed")
	}
	if !allowed {
		data, err := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
			RetryAfter: int(ratelimit.RuleChatMessage.Window.Seconds()),
		})
		if err != nil {
			return err
		}
		return c.WriteMessage(data)
	}

	stored, err := h.chats.SendMessage(ctx, m.ConversationID, id, m.Content)
	if err != nil {
		return err
	}
	return h.ack(c, protocol.TypeSendMessage, stored)
}

// typing is relayed to the conversation's local members only. The sender
// must have joined the conversation first.
func (h *Hub) typing(ctx context.Context, c ws.Client, msg interface{}) error {
	m := msg.(protocol.TypingMsg)
	id := c.Identity()
	topic := fanout.ConversationTopic(m.ConversationID)
	if !h.joined(c, topic) {
		return fmt.Errorf("hub: typing in %s without joining: %w", m.ConversationID, apperr.ErrInvalidState)
	}
	e, err := fanout.NewEvent(topic, fanout.EventTyping, protocol.TypingIndicator{
		ConversationID: m.ConversationID,
		UserID:         id.UserID,
		UserName:       id.Name,
		IsTyping:       m.IsTyping,
	})
	if err != nil {
		return err
	}
	h.groups.BroadcastExcept(ctx, topic, e, c.ID())
	return nil
}

func (h *Hub) markRead(ctx context.Context, c ws.Client, msg interface{}) error {
	m := msg.(protocol.ConversationMsg)
	n, err := h.chats.MarkRead(ctx, m.ConversationID, c.Identity())
	if err != nil {
		return err
	}
	return h.ack(c, protocol.TypeMarkRead, map[string]any{"conversationId": m.ConversationID, "count": n})
}

// assign makes the caller the agent and joins them to the conversation.
func (h *Hub) assign(ctx context.Context, c ws.Client, msg interface{}) error {
	m := msg.(protocol.ConversationMsg)
	view, err := h.chats.Assign(ctx, m.ConversationID, c.Identity())
	if err != nil {
		return err
	}
	if err := h.groups.Join(c, fanout.ConversationTopic(m.ConversationID)); err != nil {
		h.logger.Warn().Err(err).Str("conversation", m.ConversationID).Msg("join after assign")
	}
	return h.ack(c, protocol.TypeAssign, view)
}

func (h *Hub) closeChat(ctx context.Context, c ws.Client, msg interface{}) error {
	m := msg.(protocol.ConversationMsg)
	conv, err := h.chats.Close(ctx, m.ConversationID, c.Identity())
	if err != nil {
		return err
	}
	return h.ack(c, protocol.TypeCloseChat, conv)
}

func (h *Hub) ping(ctx context.Context, c ws.Client, _ interface{}) error {
	h.OnHeartbeat(ctx, c)
	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		return err
	}
	return c.WriteMessage(data)
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func (h *Hub) joined(c ws.Client, topic fanout.Topic) bool {
	for _, t := range h.groups.Topics(c.ID()) {
		if t == topic {
			return true
		}
	}
	return false
}

func (h *Hub) ack(c ws.Client, request string, result any) error {
	data, err := protocol.NewServerMessage(protocol.TypeAck, protocol.AckMsg{Request: request, Result: result})
	if err != nil {
		return err
	}
	return c.WriteMessage(data)
}

func (h *Hub) publish(ctx context.Context, topic fanout.Topic, typ fanout.EventType, payload any) {
	e, err := fanout.NewEvent(topic, typ, payload)
	if err == nil {
		err = h.pub.Publish(ctx, e)
	}
	if err != nil && !errors.Is(err, fanout.ErrClosed) {
		h.logger.Warn().Err(err).Str("topic", topic.String()).Str("type", string(typ)).Msg("publish")
	}
}

// Package conversation implements customer-support conversations: the
// lifecycle state machine, message status transitions, unread accounting,
// access control, and the events announced when any of them change.
package conversation

import (
	"fmt"
	"time"

	"github.com/foodfast/realtime/internal/apperr"
	"github.com/foodfast/realtime/internal/auth"
)

// Status is the lifecycle state of a conversation.
type Status int

const (
	StatusOpen Status = iota + 1
	StatusInProgress
	StatusResolved
	StatusClosed
)

var statusNames = map[Status]string{
	StatusOpen:       "Open",
	StatusInProgress: "InProgress",
	StatusResolved:   "Resolved",
	StatusClosed:     "Closed",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// MarshalText encodes s by name.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(b []byte) error {
	for k, v := range statusNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("conversation: unknown status %q", b)
}

// MessageStatus is the delivery state of a message. It only moves forward.
type MessageStatus int

const (
	MessageSent MessageStatus = iota + 1
	MessageDelivered
	MessageRead
)

var messageStatusNames = map[MessageStatus]string{
	MessageSent:      "Sent",
	MessageDelivered: "Delivered",
	MessageRead:      "Read",
}

func (s MessageStatus) String() string {
	if n, ok := messageStatusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("MessageStatus(%d)", int(s))
}

// MarshalText encodes s by name.
func (s MessageStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a message status name.
func (s *MessageStatus) UnmarshalText(b []byte) error {
	for k, v := range messageStatusNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("conversation: unknown message status %q", b)
}

// Conversation is one customer-support interaction.
type Conversation struct {
	ID           string     `json:"id"`
	CustomerID   string     `json:"customerId"`
	CustomerName string     `json:"customerName"`
	AgentID      string     `json:"agentId,omitempty"`
	AgentName    string     `json:"agentName,omitempty"`
	Subject      string     `json:"subject,omitempty"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	ClosedAt     *time.Time `json:"closedAt,omitempty"`
}

// Message is a single chat message.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	SenderName     string        `json:"senderName"`
	SenderRole     auth.Role     `json:"senderRole"`
	Content        string        `json:"content"`
	Timestamp      time.Time     `json:"timestamp"`
	Status         MessageStatus `json:"status"`
}

// View is a conversation as seen by one viewer.
type View struct {
	Conversation
	RecentMessages []Message `json:"recentMessages"`
	UnreadCount    int       `json:"unreadCount"`
}

// ---------------------------------------------------------------------------
// State machine
// ---------------------------------------------------------------------------

// CanAcceptMessages reports whether messages may be appended.
func (c *Conversation) CanAcceptMessages() bool {
	return c.Status != StatusClosed
}

// Assign sets the agent and moves the conversation to InProgress. Reassigning
// to another agent is allowed; a closed conversation cannot be assigned.
func (c *Conversation) Assign(agentID, agentName string) error {
	if c.Status == StatusClosed {
		return fmt.Errorf("conversation %s: assign: %w", c.ID, apperr.ErrInvalidState)
	}
	c.AgentID = agentID
	c.AgentName = agentName
	if c.Status == StatusOpen {
		c.Status = StatusInProgress
	}
	return nil
}

// Resolve marks an open or in-progress conversation as resolved.
func (c *Conversation) Resolve() error {
	switch c.Status {
	case StatusOpen, StatusInProgress:
		c.Status = StatusResolved
		return nil
	default:
		return fmt.Errorf("conversation %s: resolve from %s: %w", c.ID, c.Status, apperr.ErrInvalidState)
	}
}

// Close moves any non-terminal conversation to Closed. Closed is terminal.
func (c *Conversation) Close(now time.Time) error {
	if c.Status == StatusClosed {
		return fmt.Errorf("conversation %s: close: %w", c.ID, apperr.ErrInvalidState)
	}
	c.Status = StatusClosed
	t := now.UTC()
	c.ClosedAt = &t
	return nil
}

// IsParticipant reports whether userID is the customer or the assigned agent.
func (c *Conversation) IsParticipant(userID string) bool {
	return userID != "" && (c.CustomerID == userID || c.AgentID == userID)
}

// CanAccess reports whether caller may read or write the conversation.
func (c *Conversation) CanAccess(caller auth.Identity) bool {
	return c.IsParticipant(caller.UserID) || caller.IsSupport()
}

// Counterpart returns the user who should be notified of a message from
// senderID, or "" when nobody is assigned on the other side.
func (c *Conversation) Counterpart(senderID string) string {
	if senderID == c.CustomerID {
		return c.AgentID
	}
	return c.CustomerID
}

// Advance moves the message status forward. It reports whether it changed;
// a status at or behind the current one is ignored.
func (m *Message) Advance(to MessageStatus) bool {
	if to <= m.Status {
		return false
	}
	m.Status = to
	return true
}

// UnreadBy reports whether m counts as unread for viewerID.
func (m *Message) UnreadBy(viewerID string) bool {
	return m.SenderID != viewerID && m.Status != MessageRead
}

package fanout

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType tags the kind of change an Event announces.
type EventType string

const (
	EventNewOrder               EventType = "NEW_ORDER"
	EventOrderConfirmed         EventType = "ORDER_CONFIRMED"
	EventStatusChange           EventType = "STATUS_CHANGE"
	EventPreparationTimeUpdated EventType = "PREPARATION_TIME_UPDATED"
	EventNewMessage             EventType = "NEW_MESSAGE"
	EventNewMessageNotification EventType = "NEW_MESSAGE_NOTIFICATION"
	EventTyping                 EventType = "TYPING"
	EventMessagesRead           EventType = "MESSAGES_READ"
	EventNewConversation        EventType = "NEW_CONVERSATION"
	EventAgentAssigned          EventType = "AGENT_ASSIGNED"
	EventChatAssigned           EventType = "CHAT_ASSIGNED"
	EventChatClosed             EventType = "CHAT_CLOSED"
	EventUserJoinedChat         EventType = "USER_JOINED_CHAT"
	EventUserLeftChat           EventType = "USER_LEFT_CHAT"
	EventUserOffline            EventType = "USER_OFFLINE"
	EventAnnouncement           EventType = "ANNOUNCEMENT"
	EventDriverLocation         EventType = "DRIVER_LOCATION"
	EventMenuImageProcessed     EventType = "MENU_IMAGE_PROCESSED"
)

// Event is an immutable notification published to a Topic. Values are passed
// by copy; the With* helpers return modified copies.
type Event struct {
	ID        string          `json:"id"`
	Topic     Topic           `json:"topic"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
	ExpiresAt time.Time       `json:"expiresAt,omitzero"`
	Origin    string          `json:"origin,omitempty"` // node that published it
}

// NewEvent builds an Event carrying payload encoded as JSON.
func NewEvent(topic Topic, typ EventType, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("fanout: encode %s payload: %w", typ, err)
	}
	return Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Type:      typ,
		Payload:   data,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// WithExpiry returns a copy of e that expires at t. Only cacheable event types
// use the expiry; it bounds how long the last value is replayed.
func (e Event) WithExpiry(t time.Time) Event {
	e.ExpiresAt = t.UTC()
	return e
}

// WithTopic returns a copy of e addressed to another topic, with a fresh ID.
func (e Event) WithTopic(t Topic) Event {
	e.Topic = t
	e.ID = uuid.NewString()
	return e
}

// WithOrigin returns a copy of e stamped with the publishing node.
func (e Event) WithOrigin(node string) Event {
	e.Origin = node
	return e
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("fanout: decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Expired reports whether e carries an expiry that is not after now.
func (e Event) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !e.ExpiresAt.After(now)
}

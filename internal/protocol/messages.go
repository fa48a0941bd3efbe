// Package protocol defines the WebSocket frames exchanged between clients and
// the realtime node. All frames are JSON objects with a "type" discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinConversation  = "join_conversation"
	TypeLeaveConversation = "leave_conversation"
	TypeSendMessage       = "send_message"
	TypeTyping            = "typing"
	TypeMarkRead          = "mark_read"
	TypeAssign            = "assign"
	TypeCloseChat         = "close_chat"
	TypePing              = "ping"
)

// Server -> Client message types.
const (
	TypeConnected   = "connected"
	TypeEvent       = "event"
	TypeAck         = "ack"
	TypeRateLimited = "rate_limited"
	TypeError       = "error"
	TypePong        = "pong"
)

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// ConversationMsg addresses one conversation. join_conversation,
// leave_conversation, mark_read, assign and close_chat carry nothing else.
type ConversationMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
}

// SendMessageMsg posts a chat message.
type SendMessageMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

// TypingMsg starts or stops the typing indicator.
type TypingMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg is sent once the connection has joined its default groups.
type ConnectedMsg struct {
	Type         string   `json:"type"`
	ConnectionID string   `json:"connectionId"`
	UserID       string   `json:"userId"`
	Topics       []string `json:"topics"`
}

// AckMsg confirms a client request. Result is the request's outcome, such as
// the stored message for send_message.
type AckMsg struct {
	Type    string `json:"type"`
	Request string `json:"request"`
	Result  any    `json:"result,omitempty"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retryAfter"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// TypingIndicator is the payload of TYPING events.
type TypingIndicator struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	UserName       string `json:"userName"`
	IsTyping       bool   `json:"isTyping"`
}

// MemberNotice is the payload of USER_JOINED_CHAT, USER_LEFT_CHAT and
// USER_OFFLINE events.
type MemberNotice struct {
	ConversationID string `json:"conversationId,omitempty"`
	UserID         string `json:"userId"`
	UserName       string `json:"userName"`
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// addressed is implemented by frames that act on one conversation.
type addressed interface {
	conversation() string
}

func (m ConversationMsg) conversation() string { return m.ConversationID }
func (m SendMessageMsg) conversation() string  { return m.ConversationID }
func (m TypingMsg) conversation() string       { return m.ConversationID }

func decode[T any](raw []byte) (any, error) {
	var m T
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if a, ok := any(m).(addressed); ok && a.conversation() == "" {
		return nil, errors.New("missing conversationId")
	}
	return m, nil
}

// clientFrames maps each client frame type to its decoder.
var clientFrames = map[string]func([]byte) (any, error){
	TypeJoinConversation:  decode[ConversationMsg],
	TypeLeaveConversation: decode[ConversationMsg],
	TypeMarkRead:          decode[ConversationMsg],
	TypeAssign:            decode[ConversationMsg],
	TypeCloseChat:         decode[ConversationMsg],
	TypeSendMessage:       decode[SendMessageMsg],
	TypeTyping:            decode[TypingMsg],
	TypePing:              decode[PingMsg],
}

// FrameType returns the "type" discriminator of a raw frame.
func FrameType(data []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", fmt.Errorf("protocol: parse frame: %w", err)
	}
	if head.Type == "" {
		return "", errors.New(`protocol: frame has no "type"`)
	}
	return head.Type, nil
}

// ParseClientMessage decodes a client frame into its typed struct, such as
// SendMessageMsg for send_message. The type is returned even when decoding
// fails, as long as the frame names one. Server-only and unknown types are
// rejected.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	typ, err := FrameType(data)
	if err != nil {
		return "", nil, err
	}
	dec, ok := clientFrames[typ]
	if !ok {
		return typ, nil, fmt.Errorf("protocol: unknown client message type: %q", typ)
	}
	msg, err := dec(data)
	if err != nil {
		return typ, nil, fmt.Errorf("protocol: decode %q: %w", typ, err)
	}
	return typ, msg, nil
}

// NewServerMessage encodes payload, which must marshal to a JSON object, as
// a server frame with "type" set to msgType. Payload fields pass through
// untouched.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", msgType, err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("protocol: encode %s: payload is not an object: %w", msgType, err)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage, 1)
	}
	typ, _ := json.Marshal(msgType)
	fields["type"] = typ
	return json.Marshal(fields)
}

// ErrorFrame returns an encoded error frame. It never fails.
func ErrorFrame(code, message string) []byte {
	data, err := NewServerMessage(TypeError, ErrorMsg{Code: code, Message: message})
	if err != nil {
		return []byte(`{"type":"error","code":"internal_error","message":"internal error"}`)
	}
	return data
}

package conversation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/foodfast/realtime/internal/apperr"
)

// Filter selects conversations for listing. Zero fields match everything.
type Filter struct {
	CustomerID string
	AgentID    string
	Unassigned bool // open conversations with no agent
}

// Store is the system of record for conversations and messages. Every method
// that reads and then writes does so atomically with respect to concurrent
// callers on the same conversation.
type Store interface {
	// CreateConversation inserts c together with its first message.
	CreateConversation(ctx context.Context, c Conversation, first Message) error

	// GetConversation returns apperr.ErrNotFound when id is unknown.
	GetConversation(ctx context.Context, id string) (Conversation, error)

	// ListConversations returns matching conversations, newest first.
	ListConversations(ctx context.Context, f Filter) ([]Conversation, error)

	// UpdateConversation applies mutate to the current row and persists the
	// result. An error from mutate aborts the update and is returned as is.
	UpdateConversation(ctx context.Context, id string, mutate func(*Conversation) error) (Conversation, error)

	// AppendMessage inserts m after check approves the current conversation.
	AppendMessage(ctx context.Context, m Message, check func(Conversation) error) error

	// Messages returns a page of messages in chronological order. Offset
	// counts back from the newest message.
	Messages(ctx context.Context, conversationID string, offset, limit int) ([]Message, error)

	// MarkRead marks every message not sent by readerID and not yet read as
	// read, and returns how many changed.
	MarkRead(ctx context.Context, conversationID, readerID string) (int, error)

	// CountUnread counts messages not sent by viewerID that are not read.
	CountUnread(ctx context.Context, conversationID, viewerID string) (int, error)
}

// MemoryStore is an in-process Store for tests and single-node development.
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[string]Conversation
	messages      map[string][]Message // chronological
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]Conversation),
		messages:      make(map[string][]Message),
	}
}

func (s *MemoryStore) CreateConversation(_ context.Context, c Conversation, first Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[c.ID]; ok {
		return fmt.Errorf("conversation: create %s: %w", c.ID, apperr.ErrConflict)
	}
	s.conversations[c.ID] = c
	s.messages[c.ID] = []Message{first}
	return nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return Conversation{}, fmt.Errorf("conversation %s: %w", id, apperr.ErrNotFound)
	}
	return c, nil
}

func (s *MemoryStore) ListConversations(_ context.Context, f Filter) ([]Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Conversation, 0)
	for _, c := range s.conversations {
		if f.CustomerID != "" && c.CustomerID != f.CustomerID {
			continue
		}
		if f.AgentID != "" && c.AgentID != f.AgentID {
			continue
		}
		if f.Unassigned && (c.AgentID != "" || c.Status != StatusOpen) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateConversation(_ context.Context, id string, mutate func(*Conversation) error) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return Conversation{}, fmt.Errorf("conversation %s: %w", id, apperr.ErrNotFound)
	}
	if err := mutate(&c); err != nil {
		return Conversation{}, err
	}
	s.conversations[id] = c
	return c, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, m Message, check func(Conversation) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[m.ConversationID]
	if !ok {
		return fmt.Errorf("conversation %s: %w", m.ConversationID, apperr.ErrNotFound)
	}
	if err := check(c); err != nil {
		return err
	}
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], m)
	return nil
}

func (s *MemoryStore) Messages(_ context.Context, conversationID string, offset, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.messages[conversationID]
	end := len(all) - offset
	if end <= 0 || limit <= 0 {
		return []Message{}, nil
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]Message, end-start)
	copy(out, all[start:end])
	return out, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, conversationID, readerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[conversationID]
	n := 0
	for i := range msgs {
		if msgs[i].SenderID != readerID && msgs[i].Advance(MessageRead) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CountUnread(_ context.Context, conversationID, viewerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages[conversationID] {
		if m.UnreadBy(viewerID) {
			n++
		}
	}
	return n, nil
}

// Package announce broadcasts system-wide announcements. Each category is a
// push-stream topic whose latest announcement is replayed to late joiners
// until it expires.
package announce

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/foodfast/realtime/internal/apperr"
	"github.com/foodfast/realtime/internal/auth"
	"github.com/foodfast/realtime/internal/fanout"
)

const (
	CategoryMaintenance = "maintenance"
	CategoryPromotion   = "promotion"
	CategoryFeature     = "feature"
)

var categories = []string{CategoryMaintenance, CategoryPromotion, CategoryFeature}

// Categories lists the known announcement categories.
func Categories() []string { return slices.Clone(categories) }

// IsCategory reports whether c is a known category.
func IsCategory(c string) bool { return slices.Contains(categories, c) }

// Announcement is a broadcast message.
type Announcement struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	Type      string     `json:"type"`
	Priority  int        `json:"priority"`
	CreatedAt time.Time  `json:"timestamp"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Request is an admin's broadcast.
type Request struct {
	Title     string
	Message   string
	Type      string
	Priority  int
	ExpiresAt *time.Time
}

// Store persists announcements.
type Store interface {
	CreateAnnouncement(ctx context.Context, a Announcement) error
}

// Service validates, persists and publishes announcements.
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
		logger: logger.With().Str("component", "announce").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Broadcast publishes an announcement to its category. The event carries the
// announcement's expiry so the registry replays it only while it is current.
func (s *Service) Broadcast(ctx context.Context, caller auth.Identity, req Request) (Announcement, error) {
	if caller.Role != auth.RoleAdmin {
		return Announcement{}, fmt.Errorf("announce: broadcast: %w", apperr.ErrAccessDenied)
	}

	now := s.now()
	if err := validate(req, now); err != nil {
		return Announcement{}, fmt.Errorf("announce: broadcast: %w", err)
	}

	a := Announcement{
		ID:        uuid.NewString(),
		Title:     strings.TrimSpace(req.Title),
		Message:   strings.TrimSpace(req.Message),
		Type:      req.Type,
		Priority:  req.Priority,
		CreatedAt: now,
	}
	if req.ExpiresAt != nil {
		t := req.ExpiresAt.UTC()
		a.ExpiresAt = &t
	}

	if err := s.store.CreateAnnouncement(ctx, a); err != nil {
		return Announcement{}, fmt.Errorf("announce: broadcast: %w", err)
	}

	e, err := fanout.NewEvent(fanout.AnnouncementTopic(a.Type), fanout.EventAnnouncement, a)
	if err != nil {
		return Announcement{}, fmt.Errorf("announce: broadcast: %w", err)
	}
	if a.ExpiresAt != nil {
		e = e.WithExpiry(*a.ExpiresAt)
	}
	if err := s.pub.Publish(ctx, e); err != nil && !errors.Is(err, fanout.ErrClosed) {
		s.logger.Warn().Err(err).Str("announcement", a.ID).Msg("publish announcement")
	}

	s.logger.Info().Str("announcement", a.ID).Str("type", a.Type).Msg("announcement broadcast")
	return a, nil
}

func validate(req Request, now time.Time) error {
	if !IsCategory(req.Type) {
		return fmt.Errorf("unknown announcement type %q: %w", req.Type, apperr.ErrInvalidInput)
	}
	if strings.TrimSpace(req.Title) == "" || strings.TrimSpace(req.Message) == "" {
		return fmt.Errorf("title and message are required: %w", apperr.ErrInvalidInput)
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return fmt.Errorf("announcement already expired: %w", apperr.ErrInvalidInput)
	}
	return nil
}

// MemoryStore keeps announcements in memory.
type MemoryStore struct {
	mu    sync.Mutex
	items []Announcement
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) CreateAnnouncement(_ context.Context, a Announcement) error {
	s.mu.Lock()
	s.items = append(s.items, a)
	s.mu.Unlock()
	return nil
}

// All returns every stored announcement in insertion order.
func (s *MemoryStore) All() []Announcement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.items)
}

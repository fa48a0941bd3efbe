package postgres

import (
	"context"
	"database/sql"

	"github.com/foodfast/realtime/internal/announce"
)

// AnnouncementStore implements announce.Store.
type AnnouncementStore struct {
	db *sql.DB
}

func NewAnnouncementStore(db *sql.DB) *AnnouncementStore {
	return &AnnouncementStore{db: db}
}

var _ announce.Store = (*AnnouncementStore)(nil)

func (s *AnnouncementStore) CreateAnnouncement(ctx context.Context, a announce.Announcement) error {
	const query = `
		INSERT INTO announcements (id, title, message, type, priority, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.db.ExecContext(ctx, query, a.ID, a.Title, a.Message, a.Type, a.Priority,
		a.CreatedAt, nullTime(a.ExpiresAt))
	if err != nil {
		return translate(err, "postgres: create announcement "+a.ID)
	}
	return nil
}

package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foodfast/realtime/internal/announce"
	"github.com/foodfast/realtime/internal/apperr"
	"github.com/foodfast/realtime/internal/fanout"
	"github.com/foodfast/realtime/internal/stream"
)

type announcementRequest struct {
	Title     string     `json:"title" validate:"required,max=200"`
	Message   string     `json:"message" validate:"required,max=2000"`
	Type      string     `json:"type" validate:"required,oneof=maintenance promotion feature"`
	Priority  int        `json:"priority" validate:"min=0,max=10"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

func (a *api) broadcast(w http.ResponseWriter, r *http.Request) {
	var req announcementRequest
	if err := a.decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	ann, err := a.Announcements.Broadcast(r.Context(), caller(r), announce.Request{
		Title:     req.Title,
		Message:   req.Message,
		Type:      req.Type,
		Priority:  req.Priority,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ann)
}

func (a *api) announcementCategories(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, announce.Categories())
}

// streamAnnouncements replays the category's current announcement, if any,
// and then streams new ones.
func (a *api) streamAnnouncements(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	if !announce.IsCategory(category) {
		a.writeError(w, r, fmt.Errorf("unknown announcement category %q: %w", category, apperr.ErrNotFound))
		return
	}
	a.serveStream(w, r, fanout.AnnouncementTopic(category), a.Streams.KeepAlive(stream.KindAnnouncement))
}

// streamAllAnnouncements merges every category into one feed, replaying the
// current announcement of each category first.
func (a *api) streamAllAnnouncements(w http.ResponseWriter, r *http.Request) {
	categories := announce.Categories()
	topics := make([]fanout.Topic, len(categories))
	for i, c := range categories {
		topics[i] = fanout.AnnouncementTopic(c)
	}
	a.serveTopics(w, r, topics, a.Streams.KeepAlive(stream.KindAnnouncement))
}

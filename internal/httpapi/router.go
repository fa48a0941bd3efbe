// Package httpapi exposes the realtime node over HTTP: the REST operations,
// the push streams, the long-poll tracker and the WebSocket endpoint.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/foodfast/realtime/internal/announce"
	"github.com/foodfast/realtime/internal/auth"
	"github.com/foodfast/realtime/internal/conversation"
	"github.com/foodfast/realtime/internal/jobs"
	"github.com/foodfast/realtime/internal/metrics"
	"github.com/foodfast/realtime/internal/order"
	"github.com/foodfast/realtime/internal/stream"
)

// MenuCatalog looks up menu items for upload authorization.
type MenuCatalog interface {
	GetMenuItem(ctx context.Context, id string) (order.MenuItem, bool, error)
}

// Deps are the services the API is built on. WebSocket and Connections may
// be nil, in which case /ws is not mounted and /health reports zero
// connections. Each entry in Checks is a backing service probed by /health.
type Deps struct {
	Tokens        *auth.TokenService
	Chats         *conversation.Service
	Orders        *order.Service
	Announcements *announce.Service
	Streams       *stream.Streams
	Queue         jobs.Queue
	Progress      jobs.ProgressStore
	Menu          MenuCatalog
	UploadDir     string
	WebSocket     http.Handler
	Connections   func() int
	Checks        map[string]func(context.Context) error
	Logger        zerolog.Logger
}

type api struct {
	Deps
	validate  *validator.Validate
	logger    zerolog.Logger
	startedAt time.Time
}

// NewRouter builds the HTTP handler for the realtime node.
func NewRouter(d Deps) http.Handler {
	a := &api{
		Deps:      d,
		validate:  validator.New(),
		logger:    d.Logger.With().Str("component", "http").Logger(),
		startedAt: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", a.health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(a.authenticate)

		if d.WebSocket != nil {
			r.Method(http.MethodGet, "/ws", d.WebSocket)
		}

		r.Route("/api/chat", func(r chi.Router) {
			r.Post("/conversations", a.createConversation)
			r.Get("/conversations", a.listConversations)
			r.Get("/unassigned", a.listUnassigned)
			r.Route("/conversations/{id}", func(r chi.Router) {
				r.Get("/", a.getConversation)
				r.Get("/messages", a.listMessages)
				r.Post("/messages", a.sendMessage)
				r.Post("/read", a.markRead)
				r.Post("/assign", a.assign)
				r.Post("/resolve", a.resolve)
				r.Post("/close", a.closeConversation)
			})
		})

		r.Route("/api/orders", func(r chi.Router) {
			r.Post("/", a.placeOrder)
			r.Post("/{id}/acknowledge", a.acknowledgeOrder)
			r.Post("/{id}/status", a.updateOrderStatus)
			r.Post("/{id}/preparation-time", a.updatePreparationTime)
			r.Get("/{id}/track", a.trackOrder)
		})

		r.Post("/api/drivers/location", a.updateDriverLocation)
		r.Get("/api/drivers/location/{orderId}/stream", a.streamDriverLocation)

		r.Post("/api/announcements", a.broadcast)
		r.Get("/api/announcements/categories", a.announcementCategories)
		r.Get("/api/announcements/stream", a.streamAllAnnouncements)
		r.Get("/api/announcements/{category}/stream", a.streamAnnouncements)

		r.Post("/api/menu-items/{id}/image", a.uploadMenuImage)
		r.Get("/api/jobs/{id}", a.jobStatus)
	})

	return r
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	conns := 0
	if a.Connections != nil {
		conns = a.Connections()
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status, code := "ok", http.StatusOK
	checks := make(map[string]string, len(a.Checks))
	for name, check := range a.Checks {
		if err := check(ctx); err != nil {
			a.logger.Warn().Err(err).Str("check", name).Msg("health check failed")
			checks[name] = "down"
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		checks[name] = "up"
	}

	writeJSON(w, code, struct {
		Status      string            `json:"status"`
		Connections int               `json:"connections"`
		Uptime      string            `json:"uptime"`
		Checks      map[string]string `json:"checks,omitempty"`
	}{
		Status:      status,
		Connections: conns,
		Uptime:      time.Since(a.startedAt).Round(time.Second).String(),
		Checks:      checks,
	})
}

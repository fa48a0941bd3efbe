package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

type createConversationRequest struct {
	InitialMessage string `json:"initialMessage" validate:"required"`
	Subject        string `json:"subject" validate:"max=200"`
}

type sendMessageRequest struct {
	Content string `json:"content" validate:"required"`
}

func (a *api) createConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := a.decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	view, err := a.Chats.Create(r.Context(), caller(r), req.InitialMessage, req.Subject)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (a *api) listConversations(w http.ResponseWriter, r *http.Request) {
	views, err := a.Chats.ListForUser(r.Context(), caller(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *api) listUnassigned(w http.ResponseWriter, r *http.Request) {
	views, err := a.Chats.ListUnassigned(r.Context(), caller(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *api) getConversation(w http.ResponseWriter, r *http.Request) {
	view, err := a.Chats.Get(r.Context(), chi.URLParam(r, "id"), caller(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// listMessages pages through a conversation. Missing or malformed page
// parameters fall back to the first page of the default size.
func (a *api) listMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("pageSize"))
	msgs, err := a.Chats.Messages(r.Context(), chi.URLParam(r, "id"), caller(r), page, size)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (a *api) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := a.decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	msg, err := a.Chats.SendMessage(r.Context(), chi.URLParam(r, "id"), caller(r), req.Content)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (a *api) markRead(w http.ResponseWriter, r *http.Request) {
	n, err := a.Chats.MarkRead(r.Context(), chi.URLParam(r, "id"), caller(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"markedRead": n})
}

func (a *api) assign(w http.ResponseWriter, r *http.Request) {
	view, err := a.Chats.Assign(r.Context(), chi.URLParam(r, "id"), caller(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *api) resolve(w http.ResponseWriter, r *http.Request) {
	c, err := a.Chats.Resolve(r.Context(), chi.URLParam(r, "id"), caller(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *api) closeConversation(w http.ResponseWriter, r *http.Request) {
	c, err := a.Chats.Close(r.Context(), chi.URLParam(r, "id"), caller(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

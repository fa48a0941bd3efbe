package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/foodfast/realtime/internal/apperr"
	"github.com/foodfast/realtime/internal/auth"
	"github.com/foodfast/realtime/internal/jobs"
)

// maxUploadBytes caps menu image uploads.
const maxUploadBytes = 10 << 20

var imageExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".webp": true}

// uploadMenuImage stores the multipart "image" field and queues it for
// processing. The job's progress is readable at /api/jobs/{id} and its result
// is published on the item's menu images topic.
func (a *api) uploadMenuImage(w http.ResponseWriter, r *http.Request) {
	id := caller(r)
	itemID := chi.URLParam(r, "id")

	if id.Role != auth.RoleRestaurant && id.Role != auth.RoleAdmin {
		a.writeError(w, r, apperr.ErrAccessDenied)
		return
	}
	item, ok, err := a.Menu.GetMenuItem(r.Context(), itemID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if !ok {
		a.writeError(w, r, fmt.Errorf("menu item %s: %w", itemID, apperr.ErrNotFound))
		return
	}
	if id.Role == auth.RoleRestaurant && item.RestaurantID != id.RestaurantID {
		a.writeError(w, r, fmt.Errorf("menu item %s belongs to another restaurant: %w", itemID, apperr.ErrAccessDenied))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("image")
	if err != nil {
		a.writeError(w, r, fmt.Errorf("multipart field \"image\" is required: %w", apperr.ErrInvalidInput))
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !imageExtensions[ext] {
		a.writeError(w, r, fmt.Errorf("unsupported image type %q: %w", ext, apperr.ErrInvalidInput))
		return
	}

	jobID := uuid.NewString()
	path, err := a.saveUpload(jobID+ext, file)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	job := jobs.ImageJob{JobID: jobID, MenuItemID: itemID, RestaurantID: item.RestaurantID, FilePath: path}
	if err := jobs.Submit(r.Context(), a.Queue, a.Progress, job); err != nil {
		_ = os.Remove(path)
		a.writeError(w, r, err)
		return
	}
	a.logger.Info().Str("job", jobID).Str("menu_item", itemID).Msg("image job queued")
	writeJSON(w, http.StatusAccepted, jobs.JobStatus{JobID: jobID, State: jobs.StateQueued})
}

func (a *api) saveUpload(name string, src io.Reader) (string, error) {
	if err := os.MkdirAll(a.UploadDir, 0o755); err != nil {
		return "", fmt.Errorf("httpapi: upload dir: %w", err)
	}
	path := filepath.Join(a.UploadDir, name)
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("httpapi: create upload: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("httpapi: write upload: %w", err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("httpapi: close upload: %w", err)
	}
	return path, nil
}

func (a *api) jobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	st, ok, err := a.Progress.Status(r.Context(), jobID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if !ok {
		a.writeError(w, r, fmt.Errorf("job %s: %w", jobID, apperr.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/foodfast/realtime/internal/fanout"
)

// KindImage is the queue carrying ImageJob messages.
const KindImage = "image_processing"

// ProgressTTL bounds how long job progress stays readable.
const ProgressTTL = time.Hour

// Job states recorded in the progress store.
const (
	StateQueued     = "queued"
	StateProcessing = "processing"
	StateCompleted  = "completed"
	StateFailed     = "failed"
)

// ImageJob asks the worker to process an uploaded menu image.
type ImageJob struct {
	JobID        string `json:"jobId"`
	MenuItemID   string `json:"menuItemId"`
	RestaurantID string `json:"restaurantId"`
	FilePath     string `json:"filePath"`
}

// JobStatus is the observable progress of a job.
type JobStatus struct {
	JobID    string `json:"jobId"`
	State    string `json:"status"`
	Progress int    `json:"progress"`
	Error    string `json:"error,omitempty"`
}

// ImageResult is published when a job finishes, successfully or not.
type ImageResult struct {
	JobID      string            `json:"jobId"`
	MenuItemID string            `json:"menuItemId"`
	Status     string            `json:"status"`
	Images     map[string]string `json:"images,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// ProgressStore records job progress for status polling.
type ProgressStore interface {
	SetState(ctx context.Context, jobID, state string) error
	SetProgress(ctx context.Context, jobID string, pct int) error
	SetError(ctx context.Context, jobID, msg string) error
	Status(ctx context.Context, jobID string) (JobStatus, bool, error)
}

// Resizer produces the published variants of an image and returns their
// locations keyed by variant name.
type Resizer interface {
	Resize(ctx context.Context, job ImageJob) (map[string]string, error)
}

// Submit records the job as queued and enqueues it.
func Submit(ctx context.Context, q Queue, progress ProgressStore, job ImageJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobs: submit %s: %w", job.JobID, err)
	}
	if err := progress.SetState(ctx, job.JobID, StateQueued); err != nil {
		return err
	}
	if err := progress.SetProgress(ctx, job.JobID, 0); err != nil {
		return err
	}
	return q.Enqueue(ctx, Message{Kind: KindImage, Body: body})
}

// ImageProcessor handles ImageJob messages.
type ImageProcessor struct {
	progress ProgressStore
	resizer  Resizer
	pub      fanout.Publisher
	logger   zerolog.Logger
}

// NewImageProcessor creates an ImageProcessor.
func NewImageProcessor(progress ProgressStore, resizer Resizer, pub fanout.Publisher, logger zerolog.Logger) *ImageProcessor {
	return &ImageProcessor{
		progress: progress,
		resizer:  resizer,
		pub:      pub,
		logger:   logger.With().Str("component", "imageworker").Logger(),
	}
}

// Handle is a Handler for KindImage. Progress-store failures are retried;
// a bad upload fails the job for good.
func (p *ImageProcessor) Handle(ctx context.Context, body []byte) error {
	var job ImageJob
	if err := json.Unmarshal(body, &job); err != nil {
		return Permanent(fmt.Errorf("jobs: decode image job: %w", err))
	}
	if job.JobID == "" || job.FilePath == "" {
		return Permanent(fmt.Errorf("jobs: image job missing id or path"))
	}
	log := p.logger.With().Str("job", job.JobID).Str("menu_item", job.MenuItemID).Logger()

	if err := p.progress.SetState(ctx, job.JobID, StateProcessing); err != nil {
		return err
	}
	if err := p.progress.SetProgress(ctx, job.JobID, 10); err != nil {
		return err
	}

	info, err := os.Stat(job.FilePath)
	if err != nil || info.IsDir() || info.Size() == 0 {
		if err == nil {
			err = errors.New("upload is empty")
		}
		return p.fail(ctx, job, fmt.Errorf("validate upload: %w", err))
	}
	if err := p.progress.SetProgress(ctx, job.JobID, 30); err != nil {
		return err
	}

	images, err := p.resizer.Resize(ctx, job)
	if err != nil {
		return p.fail(ctx, job, fmt.Errorf("resize: %w", err))
	}
	if err := p.progress.SetProgress(ctx, job.JobID, 100); err != nil {
		return err
	}
	if err := p.progress.SetState(ctx, job.JobID, StateCompleted); err != nil {
		return err
	}

	if err := os.Remove(job.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("remove upload")
	}

	p.publish(ctx, ImageResult{JobID: job.JobID, MenuItemID: job.MenuItemID, Status: StateCompleted, Images: images})
	log.Info().Int("variants", len(images)).Msg("image processed")
	return nil
}

func (p *ImageProcessor) fail(ctx context.Context, job ImageJob, cause error) error {
	p.logger.Error().Err(cause).Str("job", job.JobID).Msg("image job failed")
	if err := p.progress.SetState(ctx, job.JobID, StateFailed); err != nil {
		return err
	}
	if err := p.progress.SetError(ctx, job.JobID, cause.Error()); err != nil {
		return err
	}
	p.publish(ctx, ImageResult{JobID: job.JobID, MenuItemID: job.MenuItemID, Status: StateFailed, Error: cause.Error()})
	return Permanent(cause)
}

func (p *ImageProcessor) publish(ctx context.Context, res ImageResult) {
	e, err := fanout.NewEvent(fanout.MenuImagesTopic(res.MenuItemID), fanout.EventMenuImageProcessed, res)
	if err == nil {
		err = p.pub.Publish(ctx, e)
	}
	if err != nil {
		p.logger.Warn().Err(err).Str("job", res.JobID).Msg("publish image result")
	}
}

// FileResizer moves the upload into a per-item directory and publishes it
// as the single "original" variant.
type FileResizer struct {
	Dir string
}

func (r FileResizer) Resize(_ context.Context, job ImageJob) (map[string]string, error) {
	dir := filepath.Join(r.Dir, "menu", job.MenuItemID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	dst := filepath.Join(dir, job.JobID+filepath.Ext(job.FilePath))
	data, err := os.ReadFile(job.FilePath)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return nil, err
	}
	return map[string]string{"original": dst}, nil
}

// RedisProgressStore keeps job:<id>:status, job:<id>:progress and
// job:<id>:error keys.
type RedisProgressStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisProgressStore creates a RedisProgressStore on client.
func NewRedisProgressStore(client *redis.Client) *RedisProgressStore {
	return &RedisProgressStore{client: client, ttl: ProgressTTL}
}

func jobKey(jobID, field string) string { return "job:" + jobID + ":" + field }

func (s *RedisProgressStore) set(ctx context.Context, jobID, field string, v any) error {
	if err := s.client.Set(ctx, jobKey(jobID, field), v, s.ttl).Err(); err != nil {
		return fmt.Errorf("jobs: set %s %s: %w", jobID, field, err)
	}
	return nil
}

func (s *RedisProgressStore) SetState(ctx context.Context, jobID, state string) error {
	return s.set(ctx, jobID, "status", state)
}

func (s *RedisProgressStore) SetProgress(ctx context.Context, jobID string, pct int) error {
	return s.set(ctx, jobID, "progress", pct)
}

func (s *RedisProgressStore) SetError(ctx context.Context, jobID, msg string) error {
	return s.set(ctx, jobID, "error", msg)
}

func (s *RedisProgressStore) Status(ctx context.Context, jobID string) (JobStatus, bool, error) {
	vals, err := s.client.MGet(ctx, jobKey(jobID, "status"), jobKey(jobID, "progress"), jobKey(jobID, "error")).Result()
	if err != nil {
		return JobStatus{}, false, fmt.Errorf("jobs: status %s: %w", jobID, err)
	}
	state, _ := vals[0].(string)
	if state == "" {
		return JobStatus{}, false, nil
	}
	st := JobStatus{JobID: jobID, State: state}
	if p, ok := vals[1].(string); ok {
		st.Progress, _ = strconv.Atoi(p)
	}
	st.Error, _ = vals[2].(string)
	return st, true, nil
}

// MemoryProgressStore is a ProgressStore for tests.
type MemoryProgressStore struct {
	mu   sync.Mutex
	jobs map[string]JobStatus
	// History records every state and progress write in order.
	History []string
}

func NewMemoryProgressStore() *MemoryProgressStore {
	return &MemoryProgressStore{jobs: make(map[string]JobStatus)}
}

func (s *MemoryProgressStore) update(jobID, note string, f func(*JobStatus)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.jobs[jobID]
	st.JobID = jobID
	f(&st)
	s.jobs[jobID] = st
	s.History = append(s.History, note)
	return nil
}

func (s *MemoryProgressStore) SetState(_ context.Context, jobID, state string) error {
	return s.update(jobID, state, func(st *JobStatus) { st.State = state })
}

func (s *MemoryProgressStore) SetProgress(_ context.Context, jobID string, pct int) error {
	return s.update(jobID, strconv.Itoa(pct), func(st *JobStatus) { st.Progress = pct })
}

func (s *MemoryProgressStore) SetError(_ context.Context, jobID, msg string) error {
	return s.update(jobID, "error", func(st *JobStatus) { st.Error = msg })
}

func (s *MemoryProgressStore) Status(_ context.Context, jobID string) (JobStatus, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.jobs[jobID]
	return st, ok, nil
}

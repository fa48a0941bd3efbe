package stream

import (
	"context"
	"time"

	"github.com/foodfast/realtime/internal/metrics"
)

// ReadFunc loads the current state of the resource identified by id.
type ReadFunc[T any] func(ctx context.Context, id string) (T, error)

// Poller implements the blocking long-poll: it re-reads a resource on a fixed
// interval until a caller-supplied predicate reports a change, the timeout
// elapses, or the caller goes away.
type Poller[T any] struct {
	read       ReadFunc[T]
	interval   time.Duration
	timeout    time.Duration
	maxTimeout time.Duration
}

// NewPoller creates a Poller reading through read with the poll settings in cfg.
func NewPoller[T any](read ReadFunc[T], cfg Config) *Poller[T] {
	def := DefaultConfig()
	p := &Poller[T]{
		read:       read,
		interval:   cfg.PollInterval,
		timeout:    cfg.PollTimeout,
		maxTimeout: cfg.PollMaxTimeout,
	}
	if p.interval <= 0 {
		p.interval = def.PollInterval
	}
	if p.timeout <= 0 {
		p.timeout = def.PollTimeout
	}
	return p
}

// Wait returns the current value of id as soon as changed reports true for it.
// If timeout elapses first, the value read at the deadline is returned with a
// nil error: timing out is a normal outcome. A zero timeout selects the
// default; larger values are capped by the configured maximum.
//
// An error on the first read (typically NotFound) is returned as is. Once a
// value has been read, a failing re-read ends the wait with the last good
// value. On cancellation the last good value is returned with ctx.Err().
func (p *Poller[T]) Wait(ctx context.Context, id string, changed func(T) bool, timeout time.Duration) (T, error) {
	metrics.ActivePolls.Inc()
	defer metrics.ActivePolls.Dec()

	start := time.Now()
	outcome := "changed"
	defer func() {
		metrics.PollWait.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	timeout = p.effectiveTimeout(timeout)

	cur, err := p.read(ctx, id)
	if err != nil {
		outcome = "error"
		var zero T
		return zero, err
	}
	if changed(cur) {
		return cur, nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			outcome = "cancelled"
			return cur, ctx.Err()

		case <-deadline.C:
			outcome = "timeout"
			if v, err := p.read(ctx, id); err == nil {
				cur = v
			}
			return cur, nil

		case <-ticker.C:
			v, err := p.read(ctx, id)
			if err != nil {
				outcome = "error"
				return cur, nil
			}
			cur = v
			if changed(cur) {
				return cur, nil
			}
		}
	}
}

func (p *Poller[T]) effectiveTimeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		requested = p.timeout
	}
	if p.maxTimeout > 0 && requested > p.maxTimeout {
		requested = p.maxTimeout
	}
	return requested
}

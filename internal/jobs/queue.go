// Package jobs runs background work off the request path through a durable
// queue with at-least-once delivery.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/foodfast/realtime/internal/metrics"
)

// Message is one unit of queued work. Kind names the queue.
type Message struct {
	Kind string
	Body []byte
}

// Handler processes a message body. A nil error acknowledges the message; a
// permanent error drops it; any other error requeues it for redelivery.
type Handler func(ctx context.Context, body []byte) error

// Queue is an at-least-once work queue.
type Queue interface {
	Enqueue(ctx context.Context, msg Message) error

	// Consume delivers messages of kind to h until ctx is cancelled.
	Consume(ctx context.Context, kind string, h Handler) error
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// run invokes h and converts a panic into an error.
func run(ctx context.Context, kind string, h Handler, body []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("jobs: %s handler panic: %v", kind, r)
		}
		result := "ok"
		switch {
		case err == nil:
		case IsPermanent(err):
			result = "dropped"
		default:
			result = "retry"
		}
		metrics.JobsProcessed.WithLabelValues(kind, result).Inc()
	}()
	return h(ctx, body)
}

// MemoryQueue is an in-process Queue for tests and single-node development.
// Requeued messages go to the back of the queue.
type MemoryQueue struct {
	mu     sync.Mutex
	queues map[string]chan Message
	size   int
}

// NewMemoryQueue creates a MemoryQueue holding up to size messages per kind.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{queues: make(map[string]chan Message), size: size}
}

func (q *MemoryQueue) queue(kind string) chan Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.queues[kind]
	if !ok {
		ch = make(chan Message, q.size)
		q.queues[kind] = ch
	}
	return ch
}

func (q *MemoryQueue) Enqueue(ctx context.Context, msg Message) error {
	select {
	case q.queue(msg.Kind) <- msg:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("jobs: enqueue %s: %w", msg.Kind, ctx.Err())
	}
}

func (q *MemoryQueue) Consume(ctx context.Context, kind string, h Handler) error {
	ch := q.queue(kind)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-ch:
			err := run(ctx, kind, h, msg.Body)
			if err != nil && !IsPermanent(err) {
				if err := q.Enqueue(ctx, msg); err != nil {
					return nil
				}
			}
		}
	}
}

// Len returns the number of messages waiting for kind.
func (q *MemoryQueue) Len(kind string) int {
	return len(q.queue(kind))
}

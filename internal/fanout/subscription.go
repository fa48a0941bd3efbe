package fanout

import (
	"sync"

	"github.com/google/uuid"

	"github.com/foodfast/realtime/internal/metrics"
)

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id      string
	topic   Topic
	sink    Sink
	reg     *Registry
	mailbox chan Event
	done    chan struct{}

	mu     sync.Mutex
	closed bool
}

func newSubscription(r *Registry, topic Topic, sink Sink, size int) *Subscription {
	return &Subscription{
		id:      uuid.NewString(),
		topic:   topic,
		sink:    sink,
		reg:     r,
		mailbox: make(chan Event, size),
		done:    make(chan struct{}),
	}
}

// ID returns the subscription's unique identifier.
func (s *Subscription) ID() string { return s.id }

// Topic returns the subscribed topic.
func (s *Subscription) Topic() Topic { return s.topic }

// Done is closed when the subscription ends: Unsubscribe, a delivery failure,
// or registry shutdown.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// enqueue offers e to the mailbox without blocking. It returns false only when
// the mailbox is full; an already cancelled subscription swallows e.
func (s *Subscription) enqueue(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.mailbox <- e:
		return true
	default:
		return false
	}
}

// cancel marks the subscription ended. It reports whether this call did so.
func (s *Subscription) cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.done)
	return true
}

// run drains the mailbox into the sink until the subscription ends.
func (s *Subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case e := <-s.mailbox:
			// Prefer done when both are ready.
			select {
			case <-s.done:
				return
			default:
			}
			if err := s.sink.Accept(e); err != nil {
				s.reg.fail(s, "sink", err)
				return
			}
			metrics.Deliveries.Inc()
		}
	}
}

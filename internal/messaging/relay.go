package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/foodfast/realtime/internal/fanout"
)

// Bus is the subset of NATSClient the relay needs.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte)) error
	Unsubscribe(subject string) error
}

// Relay publishes events to the local registry and to every other node. It
// implements fanout.Publisher, so domain services need not know whether they
// run on one node or many.
type Relay struct {
	local   fanout.Publisher
	bus     Bus
	subject string
	node    string
	logger  zerolog.Logger
}

// NewRelay creates a Relay for node, forwarding through bus on subject.
func NewRelay(local fanout.Publisher, bus Bus, subject, node string, logger zerolog.Logger) *Relay {
	if subject == "" {
		subject = SubjectEvents
	}
	return &Relay{
		local:   local,
		bus:     bus,
		subject: subject,
		node:    node,
		logger:  logger.With().Str("component", "relay").Str("node", node).Logger(),
	}
}

// Start subscribes to events published by other nodes.
func (r *Relay) Start() error {
	if err := r.bus.Subscribe(r.subject, r.handleRemote); err != nil {
		return fmt.Errorf("relay: start: %w", err)
	}
	r.logger.Info().Str("subject", r.subject).Msg("relay started")
	return nil
}

// Stop unsubscribes from the shared subject.
func (r *Relay) Stop() error {
	return r.bus.Unsubscribe(r.subject)
}

// Publish delivers e locally, then forwards it to the other nodes. A failed
// forward is logged and does not fail the call: local subscribers already
// have the event and delivery is best effort.
func (r *Relay) Publish(ctx context.Context, e fanout.Event) error {
	if e.Origin == "" {
		e = e.WithOrigin(r.node)
	}
	if err := r.local.Publish(ctx, e); err != nil {
		return err
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("relay: encode %s: %w", e.Type, err)
	}
	if err := r.bus.Publish(r.subject, data); err != nil {
		r.logger.Warn().Err(err).Str("topic", string(e.Topic)).Msg("forward event")
	}
	return nil
}

func (r *Relay) handleRemote(data []byte) {
	var e fanout.Event
	if err := json.Unmarshal(data, &e); err != nil {
		r.logger.Warn().Err(err).Msg("decode remote event")
		return
	}
	if e.Origin == r.node {
		return
	}
	if err := r.local.Publish(context.Background(), e); err != nil {
		r.logger.Debug().Err(err).Str("topic", string(e.Topic)).Msg("deliver remote event")
	}
}

package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/itskum47/FleetForge/control_plane/logging"
	"github.com/itskum47/FleetForge/control_plane/observability"
	"github.com/rs/zerolog"
)

const source = "fleetforge"

func newEvent(topic string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encoding %s payload: %w", topic, err)
	}
	return Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now().UTC(),
		Source:    source,
	}, nil
}

// LogPublisher writes every event to the structured log.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{
		logger: logging.WithComponent("streaming"),
	}
}

func (p *LogPublisher) Publish(ctx context.Context, topic string, payload any) error {
	event, err := newEvent(topic, payload)
	if err != nil {
		observability.EventPublishFailures.WithLabelValues(topic).Inc()
		return err
	}
	p.logger.Info().
		Str("event_id", event.ID).
		Str("topic", topic).
		RawJSON("payload", event.Payload).
		Msg("event published")
	return nil
}

func (p *LogPublisher) Close() error {
	p.logger.Debug().Msg("log publisher closed")
	return nil
}

// MultiPublisher fans every event out to several publishers. A failing
// publisher does not stop the others; the first error is returned.
type MultiPublisher struct {
	publishers []Publisher
}

func NewMultiPublisher(publishers ...Publisher) *MultiPublisher {
	return &MultiPublisher{publishers: publishers}
}

func (m *MultiPublisher) Publish(ctx context.Context, topic string, payload any) error {
	var first error
	for _, p := range m.publishers {
		if err := p.Publish(ctx, topic, payload); err != nil {
			observability.EventPublishFailures.WithLabelValues(topic).Inc()
			if first == nil {
				first = err
			}
		}
	}
	return first
}

func (m *MultiPublisher) Close() error {
	var first error
	for _, p := range m.publishers {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

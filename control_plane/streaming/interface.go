// Package streaming publishes workflow events to interested consumers.
package streaming

import (
	"context"
	"time"
)

// Topics published by the workflow orchestrator.
const (
	TopicRuns   = "fleet.runs"
	TopicAlerts = "fleet.alerts"
)

// Event wraps one published payload. Payload is the JSON encoding of the
// value handed to Publish, typically a run record or an alert.
type Event struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// Publisher is the sink the orchestrator writes run events to.
// Publish failures never fail a run.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
	Close() error
}

// Handler receives events for one topic. It runs on the publisher's
// goroutine and must not block.
type Handler func(Event)

type Subscriber interface {
	Subscribe(topic string, handler Handler) (Subscription, error)
}

type Subscription interface {
	Unsubscribe() error
}

// Package analytics provides a fire-and-forget NATS publisher for analytics events.
package analytics

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Subject constants for every analytics event type.
const (
	SubjectScraperResolved = "analytics.scraper.resolved"
	SubjectScraperDegraded = "analytics.scraper.degraded"
)

// Event is the canonical envelope sent to all analytics.* subjects.
type Event struct {
	EventID    string         `json:"event_id"`
	EventName  string         `json:"event_name"`
	OccurredAt time.Time      `json:"occurred_at"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Sink is the subset of a NATS connection the publisher needs.
type Sink interface {
	Publish(subject string, data []byte) error
}

// Publisher publishes analytics events to NATS core subjects.
// The zero value and a nil pointer are both safe no-op stubs.
type Publisher struct {
	sink Sink
	log  *zap.Logger
	now  func() time.Time
}

// New creates a Publisher. Pass a nil sink to get a no-op stub.
func New(sink Sink, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{sink: sink, log: log, now: time.Now}
}

// FromConn adapts an optional NATS connection; nil yields a no-op publisher.
func FromConn(nc *nats.Conn, log *zap.Logger) *Publisher {
	if nc == nil {
		return New(nil, log)
	}
	return New(nc, log)
}

// Publish sends an analytics event (fire-and-forget).
// Failures are logged as warnings and never surface to the caller.
func (p *Publisher) Publish(subject, eventName string, props map[string]any) {
	if p == nil || p.sink == nil {
		return
	}
	ev := Event{
		EventID:    uuid.NewString(),
		EventName:  eventName,
		OccurredAt: p.now().UTC(),
		Properties: props,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn("analytics: marshal failed", zap.String("event", eventName), zap.Error(err))
		return
	}
	if err := p.sink.Publish(subject, data); err != nil {
		p.log.Warn("analytics: publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

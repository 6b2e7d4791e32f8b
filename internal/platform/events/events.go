// Package events publishes visit and session lifecycle events to downstream
// consumers (Kafka, connected websocket clients, the log).
package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event types emitted by the domain services.
const (
	VisitScheduled      = "visit.scheduled"
	VisitCheckedIn      = "visit.checked_in"
	VisitStarted        = "visit.started"
	VisitCompleted      = "visit.completed"
	VisitCancelled      = "visit.cancelled"
	VisitNoShow         = "visit.no_show"
	VisitTechnicalIssue = "visit.technical_issue"
	WaitingEntered      = "waiting_room.entered"
	WaitingCalled       = "waiting_room.called"
	WaitingAdmitted     = "waiting_room.admitted"
	WaitingLeft         = "waiting_room.left"
	WaitingTimedOut     = "waiting_room.timed_out"
	SessionCreated      = "session.created"
	SessionStarted      = "session.started"
	SessionEnded        = "session.ended"
	SessionFailed       = "session.failed"
	RecordingStopped    = "session.recording_stopped"
	NotificationSent    = "notification.sent"
)

type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Key        string          `json:"key"`
	TenantID   string          `json:"tenant_id,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// New builds an event keyed by key (the aggregate id, used for partitioning).
// data is JSON encoded; an encoding failure leaves Data empty.
func New(typ, key string, at time.Time, data interface{}) Event {
	evt := Event{ID: uuid.NewString(), Type: typ, Key: key, OccurredAt: at}
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			evt.Data = b
		}
	}
	return evt
}

type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
	Close() error
}

type nopPublisher struct{}

func NewNopPublisher() Publisher { return nopPublisher{} }

func (nopPublisher) Publish(context.Context, ...Event) error { return nil }
func (nopPublisher) Close() error                            { return nil }

// LogPublisher writes each event as a structured log line.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "events").Logger()}
}

func (p *LogPublisher) Publish(_ context.Context, events ...Event) error {
	for _, e := range events {
		p.logger.Info().
			Str("event_id", e.ID).
			Str("event_type", e.Type).
			Str("key", e.Key).
			RawJSON("data", orEmpty(e.Data)).
			Msg("event")
	}
	return nil
}

func (p *LogPublisher) Close() error { return nil }

func orEmpty(b json.RawMessage) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("{}")
	}
	return b
}

// Fanout publishes to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, events ...Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, events...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, p := range f {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory. Used by tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(_ context.Context, events ...Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Types returns the types of every recorded event, in publish order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

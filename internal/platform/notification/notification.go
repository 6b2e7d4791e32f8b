// Package notification delivers the notifications the visit workflow decides
// to send. The domain services only call Dispatch; the Manager renders a title
// from the template for the notification type, fans the notification out to
// the configured channels and keeps a per-recipient log.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/telehealth/internal/platform/clock"
)

type Type string

const (
	TypeVisitScheduled Type = "visit_scheduled"
	TypeVisitCancelled Type = "visit_cancelled"
	TypeNoShow         Type = "no_show"
	TypeReady          Type = "ready"
	TypePositionUpdate Type = "position_update"
	TypeCalledSoon     Type = "called_soon"
	TypeTimedOut       Type = "timed_out"
)

const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// Message is what a domain service hands to a Dispatcher.
type Message struct {
	Recipient string
	Type      Type
	Message   string
	VisitID   string
	Data      map[string]string
}

// Dispatcher delivers a message through whatever channels are configured.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message) error
}

type Notification struct {
	ID        string            `json:"id"`
	Type      Type              `json:"type"`
	Recipient string            `json:"recipient"`
	VisitID   string            `json:"visit_id,omitempty"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
	Status    string            `json:"status"`
	Error     string            `json:"error,omitempty"`
	Attempts  int               `json:"attempts"`
	CreatedAt time.Time         `json:"created_at"`
	SentAt    *time.Time        `json:"sent_at,omitempty"`
}

// Channel is one delivery route (websocket push, event stream, ...).
type Channel interface {
	Name() string
	Deliver(ctx context.Context, n *Notification) error
}

// TemplateEngine renders {{key}} placeholders in per-type titles.
type TemplateEngine struct {
	mu     sync.RWMutex
	titles map[Type]string
}

func NewTemplateEngine() *TemplateEngine {
	return &TemplateEngine{titles: map[Type]string{
		TypeVisitScheduled: "Telehealth visit scheduled for {{scheduled_at}}",
		TypeVisitCancelled: "Your telehealth visit was cancelled",
		TypeNoShow:         "You missed your telehealth visit",
		TypeReady:          "{{provider_name}} is ready to see you",
		TypePositionUpdate: "You are now number {{position}} in line",
		TypeCalledSoon:     "You will be called soon",
		TypeTimedOut:       "Your waiting room session has expired",
	}}
}

func (e *TemplateEngine) Register(t Type, title string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.titles[t] = title
}

// Render fills the title for t. Unknown types fall back to the type name;
// placeholders without data are left as-is.
func (e *TemplateEngine) Render(t Type, data map[string]string) string {
	e.mu.RLock()
	title, ok := e.titles[t]
	e.mu.RUnlock()
	if !ok {
		return string(t)
	}
	for k, v := range data {
		title = strings.ReplaceAll(title, "{{"+k+"}}", v)
	}
	return title
}

// Manager is the Dispatcher used in production.
type Manager struct {
	templates *TemplateEngine
	channels  []Channel
	clock     clock.Clock
	logger    zerolog.Logger

	mu          sync.RWMutex
	byID        map[string]*Notification
	byRecipient map[string][]*Notification
}

func NewManager(tpl *TemplateEngine, clk clock.Clock, logger zerolog.Logger, channels ...Channel) *Manager {
	return &Manager{
		templates:   tpl,
		channels:    channels,
		clock:       clk,
		logger:      logger.With().Str("component", "notification").Logger(),
		byID:        make(map[string]*Notification),
		byRecipient: make(map[string][]*Notification),
	}
}

func (m *Manager) Dispatch(ctx context.Context, msg Message) error {
	if msg.Recipient == "" {
		return fmt.Errorf("recipient is required")
	}
	if msg.Type == "" {
		return fmt.Errorf("notification type is required")
	}

	n := &Notification{
		ID:        uuid.NewString(),
		Type:      msg.Type,
		Recipient: msg.Recipient,
		VisitID:   msg.VisitID,
		Title:     m.templates.Render(msg.Type, msg.Data),
		Body:      msg.Message,
		Data:      msg.Data,
		CreatedAt: m.clock.Now(),
	}
	err := m.deliver(ctx, n)

	m.mu.Lock()
	m.byID[n.ID] = n
	m.byRecipient[n.Recipient] = append(m.byRecipient[n.Recipient], n)
	m.mu.Unlock()

	return err
}

func (m *Manager) deliver(ctx context.Context, n *Notification) error {
	var errs []error
	for _, ch := range m.channels {
		if err := ch.Deliver(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
		}
	}
	err := errors.Join(errs...)

	m.mu.Lock()
	defer m.mu.Unlock()
	n.Attempts++
	if err != nil {
		n.Status = StatusFailed
		n.Error = err.Error()
		m.logger.Warn().Err(err).Str("notification_id", n.ID).Str("type", string(n.Type)).Msg("delivery failed")
		return err
	}
	now := m.clock.Now()
	n.Status = StatusSent
	n.Error = ""
	n.SentAt = &now
	return nil
}

func (m *Manager) Get(id string) (*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

// ListByRecipient returns up to limit notifications, newest first.
func (m *Manager) ListByRecipient(recipient string, limit int) []Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.byRecipient[recipient]
	out := make([]Notification, 0, len(list))
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *list[i])
	}
	return out
}

// Retry re-delivers a failed notification.
func (m *Manager) Retry(ctx context.Context, id string) (*Notification, error) {
	m.mu.RLock()
	n, ok := m.byID[id]
	status := ""
	if ok {
		status = n.Status
	}
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if status != StatusFailed {
		return nil, fmt.Errorf("%w (current: %s)", ErrNotRetryable, status)
	}
	err := m.deliver(ctx, n)
	got, _ := m.Get(id)
	return got, err
}

// Stats counts notifications by status and by type.
func (m *Manager) Stats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make(map[string]int)
	for _, n := range m.byID {
		stats["status:"+n.Status]++
		stats["type:"+string(n.Type)]++
	}
	return stats
}

var (
	ErrNotFound     = errors.New("notification not found")
	ErrNotRetryable = errors.New("notification is not in failed status")
)

// Recorder is an in-memory Dispatcher for tests.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
	Err      error
}

func (r *Recorder) Dispatch(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return r.Err
}

// Messages returns the dispatched messages, optionally filtered by type.
func (r *Recorder) Messages(types ...Type) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, m := range r.messages {
		if len(types) == 0 || containsType(types, m.Type) {
			out = append(out, m)
		}
	}
	return out
}

func containsType(types []Type, t Type) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

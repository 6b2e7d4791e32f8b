// Package outbox holds the events and notifications a unit of work produces
// until it commits. Nested units of work share the outermost outbox, so
// nothing is delivered for work that is later rolled back.
package outbox

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ehr/telehealth/internal/platform/db"
	"github.com/ehr/telehealth/internal/platform/events"
	"github.com/ehr/telehealth/internal/platform/notification"
)

type Outbox struct {
	mu       sync.Mutex
	events   []events.Event
	messages []notification.Message
}

type ctxKey struct{}

// Open returns the outbox bound to ctx, binding a new one if there is none.
// owner is true for the call that bound it; only the owner flushes.
func Open(ctx context.Context) (_ context.Context, ob *Outbox, owner bool) {
	if ob, ok := ctx.Value(ctxKey{}).(*Outbox); ok {
		return ctx, ob, false
	}
	ob = &Outbox{}
	return context.WithValue(ctx, ctxKey{}, ob), ob, true
}

func (o *Outbox) Event(e events.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, e)
}

func (o *Outbox) Notify(m notification.Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = append(o.messages, m)
}

// Flush publishes the collected events, then dispatches the notifications.
// Delivery failures are logged and swallowed: the state change has already
// committed.
func (o *Outbox) Flush(ctx context.Context, pub events.Publisher, disp notification.Dispatcher, logger zerolog.Logger) {
	o.mu.Lock()
	evts, msgs := o.events, o.messages
	o.events, o.messages = nil, nil
	o.mu.Unlock()

	if len(evts) > 0 && pub != nil {
		tenant := db.TenantFromContext(ctx)
		for i := range evts {
			evts[i].TenantID = tenant
		}
		if err := pub.Publish(ctx, evts...); err != nil {
			logger.Warn().Err(err).Int("count", len(evts)).Msg("publish events failed")
		}
	}
	if disp == nil {
		return
	}
	for _, m := range msgs {
		if err := disp.Dispatch(ctx, m); err != nil {
			logger.Warn().Err(err).Str("recipient", m.Recipient).Str("type", string(m.Type)).Msg("notification dispatch failed")
		}
	}
}

// Run executes fn through tx under key and flushes the outbox on success when
// this call owns it.
func Run(ctx context.Context, tx db.Transactor, key string, pub events.Publisher, disp notification.Dispatcher, logger zerolog.Logger, fn func(ctx context.Context, ob *Outbox) error) error {
	ctx, ob, owner := Open(ctx)
	if err := tx.InTx(ctx, key, func(ctx context.Context) error { return fn(ctx, ob) }); err != nil {
		if owner {
			ob.discard()
		}
		return err
	}
	if owner {
		ob.Flush(ctx, pub, disp, logger)
	}
	return nil
}

func (o *Outbox) discard() {
	o.mu.Lock()
	o.events, o.messages = nil, nil
	o.mu.Unlock()
}

package waitingroom

import (
	"context"
	"time"

	"github.com/ehr/telehealth/internal/platform/apperr"
)

var (
	ErrEntryNotFound = apperr.NotFound("waiting_room_entry_not_found", "waiting room entry not found")
	ErrQueueEmpty    = apperr.NotFound("queue_empty", "no patients are waiting")
	ErrNotWaiting    = apperr.StateConflict("not_waiting", "patient is not waiting")
	ErrNotCalled     = apperr.StateConflict("not_called", "patient has not been called")
	ErrAlreadyCalled = apperr.StateConflict("already_called", "patient has already been called for this visit")
	ErrInvalidInput  = apperr.Validation("invalid_input", "invalid waiting room request")

	// errQueueNotFound is internal: a missing queue is created on demand.
	errQueueNotFound = apperr.NotFound("queue_not_found", "provider queue not found")
)

type EntryRepository interface {
	Create(ctx context.Context, e *WaitingRoomEntry) error
	// GetByVisit returns the most recent entry for the visit.
	GetByVisit(ctx context.Context, visitID string) (*WaitingRoomEntry, error)
	Update(ctx context.Context, e *WaitingRoomEntry) error
	// CompareAndSetStatus moves the entry from one status to another and
	// reports whether the entry was still in from.
	CompareAndSetStatus(ctx context.Context, entryID string, from, to EntryStatus) (bool, error)
	// ListExpired returns waiting entries whose TimeoutAt is not after now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*WaitingRoomEntry, error)
}

type QueueRepository interface {
	Get(ctx context.Context, providerID string) (*ProviderQueue, error)
	Save(ctx context.Context, q *ProviderQueue) error
}

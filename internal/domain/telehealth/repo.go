package telehealth

import (
	"context"
	"time"

	"github.com/ehr/telehealth/internal/platform/apperr"
)

var (
	ErrVisitNotFound        = apperr.NotFound("visit_not_found", "visit not found")
	ErrConsentNotFound      = apperr.NotFound("consent_not_found", "consent not found")
	ErrAvailabilityNotFound = apperr.NotFound("availability_not_found", "provider has no telehealth configuration")

	ErrConsentMissing       = apperr.StateConflict("consent_missing", "patient has no valid telehealth consent")
	ErrConsentExpired       = apperr.Expired("consent_expired", "patient's telehealth consent has expired")
	ErrProviderUnavailable  = apperr.StateConflict("provider_unavailable", "provider is not available for telehealth at this time")
	ErrSlotConflict         = apperr.StateConflict("slot_conflict", "provider already has a visit at this time")
	ErrTooEarly             = apperr.StateConflict("too_early", "check-in is not open yet")
	ErrInvalidState         = apperr.StateConflict("invalid_state", "operation not allowed in the visit's current status")
	ErrNotInWaitingRoom     = apperr.StateConflict("not_in_waiting_room", "visit is not in the waiting room")
	ErrNotInProgress        = apperr.StateConflict("not_in_progress", "visit is not in progress")
	ErrAlreadyTerminal      = apperr.StateConflict("already_terminal", "visit is already closed")
	ErrCannotCancelStarted  = apperr.StateConflict("cannot_cancel_in_progress", "visit in progress must be completed, not cancelled")
	ErrNoShowTooEarly       = apperr.StateConflict("no_show_too_early", "grace period after the scheduled time has not passed")
	ErrUnsupportedVisitType = apperr.Validation("unsupported_visit_type", "provider does not offer this visit type")
	ErrLeadTimeViolation    = apperr.Validation("lead_time_violation", "visit is too soon")
	ErrAdvanceWindow        = apperr.Validation("advance_window_violation", "visit is too far in the future")
	ErrPaymentNotAccepted   = apperr.Validation("payment_method_not_accepted", "provider does not accept this payment method")
	ErrWrongParticipant     = apperr.Validation("wrong_participant", "caller is not a participant of this visit")
	ErrInvalidInput         = apperr.Validation("invalid_input", "invalid request")
)

type VisitRepository interface {
	Create(ctx context.Context, v *VirtualVisit) error
	GetByID(ctx context.Context, id string) (*VirtualVisit, error)
	Update(ctx context.Context, v *VirtualVisit) error
	// ListActiveForProvider returns the provider's non-terminal visits
	// scheduled in [from, to), ordered by ScheduledAt.
	ListActiveForProvider(ctx context.Context, providerID string, from, to time.Time) ([]*VirtualVisit, error)
	// ListScheduledBefore returns visits still scheduled at or before cutoff.
	ListScheduledBefore(ctx context.Context, cutoff time.Time, limit int) ([]*VirtualVisit, error)
	List(ctx context.Context, f VisitFilter, limit, offset int) ([]*VirtualVisit, int, error)
}

type ConsentRepository interface {
	Create(ctx context.Context, c *TelehealthConsent) error
	GetByID(ctx context.Context, id string) (*TelehealthConsent, error)
	Update(ctx context.Context, c *TelehealthConsent) error
	// LatestActive returns the patient's most recent consent that has not
	// been revoked, expired or not.
	LatestActive(ctx context.Context, patientID string) (*TelehealthConsent, error)
}

type AvailabilityRepository interface {
	Get(ctx context.Context, providerID string) (*ProviderTelehealthAvailability, error)
	Save(ctx context.Context, a *ProviderTelehealthAvailability) error
}

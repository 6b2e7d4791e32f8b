package telehealth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/telehealth/internal/platform/clock"
	"github.com/ehr/telehealth/internal/platform/db"
	"github.com/ehr/telehealth/internal/platform/events"
	"github.com/ehr/telehealth/internal/platform/notification"
	"github.com/ehr/telehealth/internal/platform/outbox"
)

const (
	DefaultMinLeadTime      = time.Hour
	DefaultMaxAdvanceWindow = 60 * 24 * time.Hour
	DefaultCheckInWindow    = 15 * time.Minute
	DefaultNoShowGrace      = 15 * time.Minute

	noShowBatch = 200
)

type Config struct {
	MinLeadTime      time.Duration
	MaxAdvanceWindow time.Duration
	CheckInWindow    time.Duration
	NoShowGrace      time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinLeadTime <= 0 {
		c.MinLeadTime = DefaultMinLeadTime
	}
	if c.MaxAdvanceWindow <= 0 {
		c.MaxAdvanceWindow = DefaultMaxAdvanceWindow
	}
	if c.CheckInWindow <= 0 {
		c.CheckInWindow = DefaultCheckInWindow
	}
	if c.NoShowGrace <= 0 {
		c.NoShowGrace = DefaultNoShowGrace
	}
	return c
}

// WaitingRoom is the queue a checked-in patient is placed in.
type WaitingRoom interface {
	Enter(ctx context.Context, visitID, patientID, providerID string) error
	// Withdraw removes the visit from the queue; a visit without an open
	// entry is not an error.
	Withdraw(ctx context.Context, visitID string) error
	RecordVisitDuration(ctx context.Context, providerID string, minutes int) error
	// InQueue reports whether the visit has a waiting or called entry.
	InQueue(ctx context.Context, visitID string) (bool, error)
}

type Service struct {
	visits       VisitRepository
	consents     ConsentRepository
	availability AvailabilityRepository
	waitingRoom  WaitingRoom
	tx           db.Transactor
	clock        clock.Clock
	events       events.Publisher
	notifier     notification.Dispatcher
	logger       zerolog.Logger
	cfg          Config
}

func NewService(visits VisitRepository, consents ConsentRepository, availability AvailabilityRepository,
	waitingRoom WaitingRoom, tx db.Transactor, clk clock.Clock, pub events.Publisher,
	notifier notification.Dispatcher, logger zerolog.Logger, cfg Config) *Service {
	return &Service{
		visits:       visits,
		consents:     consents,
		availability: availability,
		waitingRoom:  waitingRoom,
		tx:           tx,
		clock:        clk,
		events:       pub,
		notifier:     notifier,
		logger:       logger.With().Str("component", "telehealth").Logger(),
		cfg:          cfg.withDefaults(),
	}
}

func visitKey(id string) string        { return "visit:" + id }
func providerSlotKey(id string) string { return "provider-slot:" + id }

func (s *Service) Config() Config { return s.cfg }

func (s *Service) now() time.Time { return s.clock.Now() }

func eventData(v *VirtualVisit) map[string]interface{} {
	return map[string]interface{}{
		"patient_id": v.PatientID, "provider_id": v.ProviderID, "status": v.Status,
	}
}

func (s *Service) run(ctx context.Context, key string, fn func(ctx context.Context, ob *outbox.Outbox) error) error {
	return outbox.Run(ctx, s.tx, key, s.events, s.notifier, s.logger, fn)
}

// inVisit loads the visit under its lock, applies fn and saves it.
func (s *Service) inVisit(ctx context.Context, visitID string, fn func(ctx context.Context, ob *outbox.Outbox, v *VirtualVisit) error) (*VirtualVisit, error) {
	var out *VirtualVisit
	err := s.run(ctx, visitKey(visitID), func(ctx context.Context, ob *outbox.Outbox) error {
		v, err := s.visits.GetByID(ctx, visitID)
		if err != nil {
			return err
		}
		if err := fn(ctx, ob, v); err != nil {
			return err
		}
		v.touch(s.now())
		if err := s.visits.Update(ctx, v); err != nil {
			return fmt.Errorf("update visit %s: %w", visitID, err)
		}
		out = v
		return nil
	})
	return out, err
}

// ---------- Consent ----------

func (s *Service) RecordConsent(ctx context.Context, req ConsentRequest) (*TelehealthConsent, error) {
	if req.PatientID == "" {
		return nil, fmt.Errorf("%w: patient_id is required", ErrInvalidInput)
	}
	if req.ConsentVersion == "" {
		return nil, fmt.Errorf("%w: consent_version is required", ErrInvalidInput)
	}
	now := s.now()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: expires_at must be in the future", ErrInvalidInput)
	}
	c := &TelehealthConsent{
		ID:             uuid.NewString(),
		PatientID:      req.PatientID,
		ConsentedAt:    now,
		IPAddress:      req.IPAddress,
		UserAgent:      req.UserAgent,
		ConsentVersion: req.ConsentVersion,
		ExpiresAt:      req.ExpiresAt,
	}
	if err := s.consents.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create consent: %w", err)
	}
	s.logger.Info().Str("patient_id", c.PatientID).Str("consent_id", c.ID).Str("version", c.ConsentVersion).Msg("telehealth consent recorded")
	return c, nil
}

// RevokeConsent stamps RevokedAt. Revoking twice keeps the first timestamp.
func (s *Service) RevokeConsent(ctx context.Context, consentID string) (*TelehealthConsent, error) {
	c, err := s.consents.GetByID(ctx, consentID)
	if err != nil {
		return nil, err
	}
	if c.RevokedAt != nil {
		return c, nil
	}
	now := s.now()
	c.RevokedAt = &now
	if err := s.consents.Update(ctx, c); err != nil {
		return nil, fmt.Errorf("revoke consent: %w", err)
	}
	s.logger.Info().Str("patient_id", c.PatientID).Str("consent_id", c.ID).Msg("telehealth consent revoked")
	return c, nil
}

func (s *Service) GetConsent(ctx context.Context, id string) (*TelehealthConsent, error) {
	return s.consents.GetByID(ctx, id)
}

// checkConsent returns nil when the patient's latest non-revoked consent is
// still in force.
func (s *Service) checkConsent(ctx context.Context, patientID string) error {
	c, err := s.consents.LatestActive(ctx, patientID)
	if errors.Is(err, ErrConsentNotFound) {
		return fmt.Errorf("%w: patient %s", ErrConsentMissing, patientID)
	}
	if err != nil {
		return err
	}
	if c.expired(s.now()) {
		return fmt.Errorf("%w: patient %s, expired %s", ErrConsentExpired, patientID, c.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// VerifyConsent reports whether the patient holds a valid consent.
func (s *Service) VerifyConsent(ctx context.Context, patientID string) (bool, error) {
	err := s.checkConsent(ctx, patientID)
	if errors.Is(err, ErrConsentMissing) || errors.Is(err, ErrConsentExpired) {
		return false, nil
	}
	return err == nil, err
}

// ---------- Availability ----------

// EnableTelehealth saves the provider's configuration with telehealth on.
func (s *Service) EnableTelehealth(ctx context.Context, a *ProviderTelehealthAvailability) (*ProviderTelehealthAvailability, error) {
	a.Enabled = true
	return s.UpdateAvailability(ctx, a)
}

func (s *Service) UpdateAvailability(ctx context.Context, a *ProviderTelehealthAvailability) (*ProviderTelehealthAvailability, error) {
	if err := a.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if a.DefaultDurationMinutes == 0 {
		a.DefaultDurationMinutes = DefaultVisitMinutes
	}
	err := s.run(ctx, providerSlotKey(a.ProviderID), func(ctx context.Context, _ *outbox.Outbox) error {
		a.UpdatedAt = s.now()
		return s.availability.Save(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("provider_id", a.ProviderID).Bool("enabled", a.Enabled).Msg("telehealth availability updated")
	return a, nil
}

func (s *Service) GetAvailability(ctx context.Context, providerID string) (*ProviderTelehealthAvailability, error) {
	return s.availability.Get(ctx, providerID)
}

// dayBounds returns the provider-local calendar day containing t.
func dayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

// checkWindow enforces the lead time and advance window against now.
func (s *Service) checkWindow(at time.Time) error {
	now := s.now()
	if at.Before(now.Add(s.cfg.MinLeadTime)) {
		return fmt.Errorf("%w: visits must be booked at least %s ahead", ErrLeadTimeViolation, s.cfg.MinLeadTime)
	}
	if at.After(now.Add(s.cfg.MaxAdvanceWindow)) {
		return fmt.Errorf("%w: visits can be booked at most %s ahead", ErrAdvanceWindow, s.cfg.MaxAdvanceWindow)
	}
	return nil
}

// GetAvailableSlots walks the provider's weekly windows for date
// (YYYY-MM-DD, provider time zone) in steps of the default duration and
// returns the bookable slots.
func (s *Service) GetAvailableSlots(ctx context.Context, providerID, date string) ([]Slot, error) {
	a, err := s.availability.Get(ctx, providerID)
	if err != nil {
		return nil, err
	}
	slots := []Slot{}
	if !a.Enabled {
		return slots, nil
	}
	loc := a.location()
	day, err := time.ParseInLocation("2006-01-02", date, loc)
	if err != nil {
		return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", ErrInvalidInput)
	}
	dayStart, dayEnd := dayBounds(day, loc)
	booked, err := s.visits.ListActiveForProvider(ctx, providerID, dayStart, dayEnd)
	if err != nil {
		return nil, err
	}
	if a.MaxDailyVirtualVisits > 0 && len(booked) >= a.MaxDailyVirtualVisits {
		return slots, nil
	}

	step := time.Duration(a.duration()) * time.Minute
	for _, w := range a.windowsFor(day.Weekday()) {
		ws, we, err := w.minutes()
		if err != nil {
			continue
		}
		for m := ws; m+a.duration() <= we; m += a.duration() {
			start := dayStart.Add(time.Duration(m) * time.Minute)
			end := start.Add(step)
			if !a.fits(start, step) || s.checkWindow(start) != nil || overlapsAny(booked, start, end) {
				continue
			}
			slots = append(slots, Slot{Start: start, End: end})
		}
	}
	return slots, nil
}

func overlapsAny(visits []*VirtualVisit, start, end time.Time) bool {
	for _, v := range visits {
		if start.Before(v.EndsAt()) && end.After(v.ScheduledAt) {
			return true
		}
	}
	return false
}

// ---------- Visits ----------

// ScheduleVisit books a visit after checking consent, provider
// configuration, the booking window and the provider's calendar.
func (s *Service) ScheduleVisit(ctx context.Context, req ScheduleRequest) (*VirtualVisit, error) {
	if req.PatientID == "" || req.ProviderID == "" {
		return nil, fmt.Errorf("%w: patient_id and provider_id are required", ErrInvalidInput)
	}
	if req.ScheduledAt.IsZero() {
		return nil, fmt.Errorf("%w: scheduled_at is required", ErrInvalidInput)
	}
	if !req.VisitType.Valid() {
		return nil, fmt.Errorf("%w: unknown visit type %q", ErrInvalidInput, req.VisitType)
	}
	if req.Platform == "" {
		req.Platform = PlatformWeb
	}
	if !req.Platform.Valid() {
		return nil, fmt.Errorf("%w: unknown platform %q", ErrInvalidInput, req.Platform)
	}

	if err := s.checkConsent(ctx, req.PatientID); err != nil {
		return nil, err
	}
	a, err := s.availability.Get(ctx, req.ProviderID)
	if errors.Is(err, ErrAvailabilityNotFound) {
		return nil, fmt.Errorf("%w: provider %s has not enabled telehealth", ErrProviderUnavailable, req.ProviderID)
	}
	if err != nil {
		return nil, err
	}
	if !a.Enabled {
		return nil, fmt.Errorf("%w: provider %s has not enabled telehealth", ErrProviderUnavailable, req.ProviderID)
	}
	if !a.supports(req.VisitType) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedVisitType, req.VisitType)
	}
	if !a.accepts(req.PaymentMethod) {
		return nil, fmt.Errorf("%w: %s", ErrPaymentNotAccepted, req.PaymentMethod)
	}
	if err := s.checkWindow(req.ScheduledAt); err != nil {
		return nil, err
	}
	duration := time.Duration(a.duration()) * time.Minute
	if !a.fits(req.ScheduledAt, duration) {
		return nil, fmt.Errorf("%w: %s is outside the provider's telehealth hours", ErrProviderUnavailable, req.ScheduledAt.Format(time.RFC3339))
	}
	price, _ := PriceFor(req.VisitType)

	var out *VirtualVisit
	err = s.run(ctx, providerSlotKey(req.ProviderID), func(ctx context.Context, ob *outbox.Outbox) error {
		dayStart, dayEnd := dayBounds(req.ScheduledAt, a.location())
		sameDay, err := s.visits.ListActiveForProvider(ctx, req.ProviderID, dayStart, dayEnd)
		if err != nil {
			return err
		}
		for _, other := range sameDay {
			if other.ScheduledAt.Equal(req.ScheduledAt) {
				return fmt.Errorf("%w: %s", ErrSlotConflict, req.ScheduledAt.Format(time.RFC3339))
			}
		}
		if a.MaxDailyVirtualVisits > 0 && len(sameDay) >= a.MaxDailyVirtualVisits {
			return fmt.Errorf("%w: daily limit of %d virtual visits reached", ErrProviderUnavailable, a.MaxDailyVirtualVisits)
		}

		now := s.now()
		v := &VirtualVisit{
			ID:               uuid.NewString(),
			PatientID:        req.PatientID,
			ProviderID:       req.ProviderID,
			PatientName:      req.PatientName,
			ProviderName:     req.ProviderName,
			VisitType:        req.VisitType,
			Reason:           req.Reason,
			ScheduledAt:      req.ScheduledAt,
			DurationMinutes:  a.duration(),
			Status:           StatusScheduled,
			RecordingConsent: req.RecordingConsent,
			Platform:         req.Platform,
			Price:            price,
			Currency:         Currency,
			PaymentStatus:    PaymentPending,
			PaymentMethod:    req.PaymentMethod,
			DeviceInfo:       req.DeviceInfo,
			CreatedAt:        now,
			UpdatedAt:        now,
			VersionID:        1,
		}
		if v.ProviderName == "" {
			v.ProviderName = a.ProviderName
		}
		if err := s.visits.Create(ctx, v); err != nil {
			return fmt.Errorf("create visit: %w", err)
		}
		ob.Event(events.New(events.VisitScheduled, v.ID, now, map[string]interface{}{
			"patient_id": v.PatientID, "provider_id": v.ProviderID, "visit_type": v.VisitType,
			"scheduled_at": v.ScheduledAt, "price": v.Price.StringFixed(2), "currency": v.Currency,
		}))
		ob.Notify(notification.Message{
			Recipient: v.PatientID,
			Type:      notification.TypeVisitScheduled,
			Message:   fmt.Sprintf("Your virtual visit is scheduled for %s.", v.ScheduledAt.Format(time.RFC1123)),
			VisitID:   v.ID,
			Data:      map[string]string{"scheduled_at": v.ScheduledAt.Format(time.RFC3339), "provider": v.ProviderName},
		})
		out = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("visit_id", out.ID).Str("provider_id", out.ProviderID).Str("visit_type", string(out.VisitType)).
		Time("scheduled_at", out.ScheduledAt).Msg("visit scheduled")
	return out, nil
}

// CheckIn opens the visit's waiting-room entry. Check-in opens
// CheckInWindow before the scheduled time.
func (s *Service) CheckIn(ctx context.Context, visitID, patientID string) (*VirtualVisit, error) {
	return s.inVisit(ctx, visitID, func(ctx context.Context, ob *outbox.Outbox, v *VirtualVisit) error {
		if patientID != "" && patientID != v.PatientID {
			return fmt.Errorf("%w: visit %s", ErrWrongParticipant, visitID)
		}
		switch v.Status {
		case StatusScheduled:
		case StatusWaitingRoom:
			// A patient who left or timed out may check in again.
			queued, err := s.waitingRoom.InQueue(ctx, v.ID)
			if err != nil {
				return fmt.Errorf("waiting room lookup: %w", err)
			}
			if queued {
				return fmt.Errorf("%w: visit %s is already in the waiting room", ErrInvalidState, visitID)
			}
		default:
			return fmt.Errorf("%w: cannot check in a %s visit", ErrInvalidState, v.Status)
		}
		now := s.now()
		if opens := v.ScheduledAt.Add(-s.cfg.CheckInWindow); now.Before(opens) {
			return fmt.Errorf("%w: check-in opens at %s", ErrTooEarly, opens.Format(time.RFC3339))
		}
		if err := s.waitingRoom.Enter(ctx, v.ID, v.PatientID, v.ProviderID); err != nil {
			return fmt.Errorf("enter waiting room: %w", err)
		}
		v.Status = StatusWaitingRoom
		v.CheckedInAt = &now
		ob.Event(events.New(events.VisitCheckedIn, v.ID, now, eventData(v)))
		s.logger.Info().Str("visit_id", v.ID).Str("provider_id", v.ProviderID).Msg("patient checked in")
		return nil
	})
}

func (s *Service) StartVisit(ctx context.Context, visitID, providerID string) (*VirtualVisit, error) {
	return s.inVisit(ctx, visitID, func(ctx context.Context, ob *outbox.Outbox, v *VirtualVisit) error {
		if providerID != "" && providerID != v.ProviderID {
			return fmt.Errorf("%w: visit %s", ErrWrongParticipant, visitID)
		}
		if v.Status != StatusWaitingRoom {
			return fmt.Errorf("%w: visit is %s", ErrNotInWaitingRoom, v.Status)
		}
		now := s.now()
		v.Status = StatusInProgress
		v.StartedAt = &now
		ob.Event(events.New(events.VisitStarted, v.ID, now, eventData(v)))
		s.logger.Info().Str("visit_id", v.ID).Str("provider_id", v.ProviderID).Msg("visit started")
		return nil
	})
}

// CompleteVisit records the documentation and the visit's length, and feeds
// that length into the provider's wait estimates.
func (s *Service) CompleteVisit(ctx context.Context, visitID, providerID string, doc Documentation) (*VirtualVisit, error) {
	return s.inVisit(ctx, visitID, func(ctx context.Context, ob *outbox.Outbox, v *VirtualVisit) error {
		if providerID != "" && providerID != v.ProviderID {
			return fmt.Errorf("%w: visit %s", ErrWrongParticipant, visitID)
		}
		if v.Status != StatusInProgress {
			return fmt.Errorf("%w: visit is %s", ErrNotInProgress, v.Status)
		}
		now := s.now()
		minutes := 0
		if v.StartedAt != nil {
			minutes = int(now.Sub(*v.StartedAt).Minutes())
		}
		if minutes < 0 {
			minutes = 0
		}
		if err := s.waitingRoom.RecordVisitDuration(ctx, v.ProviderID, minutes); err != nil {
			return fmt.Errorf("record visit duration: %w", err)
		}
		v.Status = StatusCompleted
		v.CompletedAt = &now
		v.ActualDurationMinutes = &minutes
		v.Documentation = &doc
		ob.Event(events.New(events.VisitCompleted, v.ID, now, map[string]interface{}{
			"patient_id": v.PatientID, "provider_id": v.ProviderID, "actual_duration_minutes": minutes,
			"follow_up_required": doc.FollowUpRequired,
		}))
		s.logger.Info().Str("visit_id", v.ID).Str("provider_id", v.ProviderID).Int("minutes", minutes).Msg("visit completed")
		return nil
	})
}

// CancelVisit closes a visit that has not started. A checked-in patient is
// taken out of the waiting room.
func (s *Service) CancelVisit(ctx context.Context, visitID, actor, reason string) (*VirtualVisit, error) {
	return s.inVisit(ctx, visitID, func(ctx context.Context, ob *outbox.Outbox, v *VirtualVisit) error {
		switch {
		case v.Status.Terminal():
			return fmt.Errorf("%w: visit is %s", ErrAlreadyTerminal, v.Status)
		case v.Status == StatusInProgress || v.Status == StatusTechnicalIssue:
			return fmt.Errorf("%w: visit is %s", ErrCannotCancelStarted, v.Status)
		}
		if v.Status == StatusWaitingRoom {
			if err := s.waitingRoom.Withdraw(ctx, v.ID); err != nil {
				return fmt.Errorf("leave waiting room: %w", err)
			}
		}
		now := s.now()
		v.Status = StatusCancelled
		v.CancelledBy = actor
		v.CancellationReason = reason
		v.CancelledAt = &now
		ob.Event(events.New(events.VisitCancelled, v.ID, now, map[string]interface{}{
			"patient_id": v.PatientID, "provider_id": v.ProviderID, "cancelled_by": actor, "reason": reason,
		}))
		ob.Notify(notification.Message{
			Recipient: v.PatientID,
			Type:      notification.TypeVisitCancelled,
			Message:   fmt.Sprintf("Your virtual visit on %s was cancelled.", v.ScheduledAt.Format(time.RFC1123)),
			VisitID:   v.ID,
			Data:      map[string]string{"reason": reason},
		})
		s.logger.Info().Str("visit_id", v.ID).Str("cancelled_by", actor).Msg("visit cancelled")
		return nil
	})
}

// MarkNoShow closes a visit the patient never checked in for, once
// NoShowGrace has passed since the scheduled time.
func (s *Service) MarkNoShow(ctx context.Context, visitID string) (*VirtualVisit, error) {
	return s.inVisit(ctx, visitID, func(ctx context.Context, ob *outbox.Outbox, v *VirtualVisit) error {
		if v.Status != StatusScheduled {
			return fmt.Errorf("%w: cannot mark a %s visit as no-show", ErrInvalidState, v.Status)
		}
		now := s.now()
		if !now.After(v.ScheduledAt.Add(s.cfg.NoShowGrace)) {
			return fmt.Errorf("%w: visit %s", ErrNoShowTooEarly, visitID)
		}
		v.Status = StatusNoShow
		ob.Event(events.New(events.VisitNoShow, v.ID, now, eventData(v)))
		ob.Notify(notification.Message{
			Recipient: v.PatientID,
			Type:      notification.TypeNoShow,
			Message:   "You missed your virtual visit. Please contact the practice to reschedule.",
			VisitID:   v.ID,
		})
		s.logger.Info().Str("visit_id", v.ID).Str("provider_id", v.ProviderID).Msg("visit marked no-show")
		return nil
	})
}

// ProcessNoShows marks every overdue scheduled visit as no-show and returns
// how many it marked.
func (s *Service) ProcessNoShows(ctx context.Context) (int, error) {
	overdue, err := s.visits.ListScheduledBefore(ctx, s.now().Add(-s.cfg.NoShowGrace), noShowBatch)
	if err != nil {
		return 0, fmt.Errorf("list overdue visits: %w", err)
	}
	processed := 0
	var errs []error
	for _, v := range overdue {
		_, err := s.MarkNoShow(ctx, v.ID)
		switch {
		case err == nil:
			processed++
		case errors.Is(err, ErrInvalidState), errors.Is(err, ErrNoShowTooEarly):
			// checked in or cancelled since the listing
		default:
			errs = append(errs, fmt.Errorf("visit %s: %w", v.ID, err))
		}
	}
	return processed, errors.Join(errs...)
}

// ReportTechnicalIssue flags an in-progress visit. Reporting again on a
// flagged visit replaces the detail.
func (s *Service) ReportTechnicalIssue(ctx context.Context, visitID, detail string) (*VirtualVisit, error) {
	return s.inVisit(ctx, visitID, func(ctx context.Context, ob *outbox.Outbox, v *VirtualVisit) error {
		if v.Status != StatusInProgress && v.Status != StatusTechnicalIssue {
			return fmt.Errorf("%w: visit is %s", ErrNotInProgress, v.Status)
		}
		v.Status = StatusTechnicalIssue
		v.TechnicalIssue = detail
		ob.Event(events.New(events.VisitTechnicalIssue, v.ID, s.now(), map[string]string{
			"provider_id": v.ProviderID, "detail": detail,
		}))
		s.logger.Warn().Str("visit_id", v.ID).Str("detail", detail).Msg("technical issue reported")
		return nil
	})
}

// LinkSession points the visit at its current video session and reports
// whether the patient agreed to recording.
func (s *Service) LinkSession(ctx context.Context, visitID, sessionID string) (bool, error) {
	v, err := s.inVisit(ctx, visitID, func(ctx context.Context, _ *outbox.Outbox, v *VirtualVisit) error {
		if v.Status.Terminal() {
			return fmt.Errorf("%w: visit is %s", ErrAlreadyTerminal, v.Status)
		}
		v.VideoSessionID = sessionID
		return nil
	})
	if err != nil {
		return false, err
	}
	return v.RecordingConsent, nil
}

func (s *Service) GetVisit(ctx context.Context, id string) (*VirtualVisit, error) {
	return s.visits.GetByID(ctx, id)
}

func (s *Service) ListVisits(ctx context.Context, f VisitFilter, limit, offset int) ([]*VirtualVisit, int, error) {
	return s.visits.List(ctx, f, limit, offset)
}

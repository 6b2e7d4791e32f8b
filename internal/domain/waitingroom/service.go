package waitingroom

import (
	"context"
	"errors"
	"fmt"
	"strconv"
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
	DefaultTimeout = 30 * time.Minute

	// An improvement of at least this many places triggers position_update.
	positionUpdateThreshold = 2
	// Entries at or ahead of this position get a single called_soon.
	calledSoonPosition = 2

	sweepBatch = 500
)

type Config struct {
	Timeout time.Duration
}

type Service struct {
	entries  EntryRepository
	queues   QueueRepository
	tx       db.Transactor
	clock    clock.Clock
	events   events.Publisher
	notifier notification.Dispatcher
	logger   zerolog.Logger
	timeout  time.Duration
}

func NewService(entries EntryRepository, queues QueueRepository, tx db.Transactor, clk clock.Clock,
	pub events.Publisher, notifier notification.Dispatcher, logger zerolog.Logger, cfg Config) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Service{
		entries:  entries,
		queues:   queues,
		tx:       tx,
		clock:    clk,
		events:   pub,
		notifier: notifier,
		logger:   logger.With().Str("component", "waitingroom").Logger(),
		timeout:  cfg.Timeout,
	}
}

func queueKey(providerID string) string { return "provider-queue:" + providerID }

func (s *Service) inQueue(ctx context.Context, providerID string, fn func(ctx context.Context, ob *outbox.Outbox) error) error {
	return outbox.Run(ctx, s.tx, queueKey(providerID), s.events, s.notifier, s.logger, fn)
}

func (s *Service) loadQueue(ctx context.Context, providerID string) (*ProviderQueue, error) {
	q, err := s.queues.Get(ctx, providerID)
	if errors.Is(err, errQueueNotFound) {
		return newQueue(providerID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load queue %s: %w", providerID, err)
	}
	return q, nil
}

func (s *Service) saveQueue(ctx context.Context, q *ProviderQueue) error {
	q.UpdatedAt = s.clock.Now()
	if err := s.queues.Save(ctx, q); err != nil {
		return fmt.Errorf("save queue %s: %w", q.ProviderID, err)
	}
	return nil
}

// providerOf looks up the provider owning the visit's entry so the caller can
// take that provider's queue lock. The entry is re-read under the lock.
func (s *Service) providerOf(ctx context.Context, visitID string) (string, error) {
	e, err := s.entries.GetByVisit(ctx, visitID)
	if err != nil {
		return "", err
	}
	return e.ProviderID, nil
}

// EnterWaitingRoom appends the visit to the provider's queue. While the visit
// already has a waiting entry that entry is returned unchanged.
func (s *Service) EnterWaitingRoom(ctx context.Context, visitID, patientID, providerID string) (*WaitingRoomEntry, error) {
	if visitID == "" || patientID == "" || providerID == "" {
		return nil, fmt.Errorf("%w: visit_id, patient_id and provider_id are required", ErrInvalidInput)
	}

	var out *WaitingRoomEntry
	err := s.inQueue(ctx, providerID, func(ctx context.Context, ob *outbox.Outbox) error {
		existing, err := s.entries.GetByVisit(ctx, visitID)
		switch {
		case err == nil && existing.Status == StatusWaiting:
			out = existing
			return nil
		case err == nil && (existing.Status == StatusCalled || existing.Status == StatusAdmitted):
			return fmt.Errorf("%w: visit %s", ErrAlreadyCalled, visitID)
		case err != nil && !errors.Is(err, ErrEntryNotFound):
			return err
		}

		q, err := s.loadQueue(ctx, providerID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		q.VisitIDs = append(q.VisitIDs, visitID)
		position := len(q.VisitIDs)

		e := &WaitingRoomEntry{
			ID:                   uuid.NewString(),
			VisitID:              visitID,
			PatientID:            patientID,
			ProviderID:           providerID,
			Position:             position,
			EstimatedWaitMinutes: position * q.AverageVisitMinutes,
			Status:               StatusWaiting,
			EnteredAt:            now,
			TimeoutAt:            now.Add(s.timeout),
			Notifications:        []SentNotification{},
			UpdatedAt:            now,
		}
		if err := s.entries.Create(ctx, e); err != nil {
			return fmt.Errorf("create entry: %w", err)
		}
		if err := s.saveQueue(ctx, q); err != nil {
			return err
		}
		ob.Event(events.New(events.WaitingEntered, visitID, now, map[string]interface{}{
			"provider_id": providerID, "position": position,
		}))
		s.logger.Info().Str("visit_id", visitID).Str("provider_id", providerID).Int("position", position).Msg("patient entered waiting room")
		out = e
		return nil
	})
	return out, err
}

// LeaveWaitingRoom removes a waiting patient from the queue.
func (s *Service) LeaveWaitingRoom(ctx context.Context, visitID string) (*WaitingRoomEntry, error) {
	providerID, err := s.providerOf(ctx, visitID)
	if err != nil {
		return nil, err
	}
	var out *WaitingRoomEntry
	err = s.inQueue(ctx, providerID, func(ctx context.Context, ob *outbox.Outbox) error {
		e, err := s.removeEntry(ctx, ob, visitID, StatusWaiting, StatusLeft, ErrNotWaiting)
		out = e
		return err
	})
	return out, err
}

// removeEntry transitions the visit's entry from -> to, takes it out of the
// queue and renumbers the rest. Must run under the provider's queue lock.
func (s *Service) removeEntry(ctx context.Context, ob *outbox.Outbox, visitID string, from, to EntryStatus, stateErr error) (*WaitingRoomEntry, error) {
	e, err := s.entries.GetByVisit(ctx, visitID)
	if err != nil {
		return nil, err
	}
	ok, err := s.entries.CompareAndSetStatus(ctx, e.ID, from, to)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: visit %s is %s", stateErr, visitID, e.Status)
	}

	now := s.clock.Now()
	e.Status = to
	e.finishWait(now)
	e.UpdatedAt = now
	switch to {
	case StatusAdmitted:
		e.AdmittedAt = &now
	default:
		e.LeftAt = &now
	}
	if err := s.entries.Update(ctx, e); err != nil {
		return nil, err
	}

	q, err := s.loadQueue(ctx, e.ProviderID)
	if err != nil {
		return nil, err
	}
	q.remove(visitID)
	if to == StatusAdmitted {
		q.CurrentVisitID = visitID
	}
	if err := s.recompute(ctx, ob, q); err != nil {
		return nil, err
	}
	if err := s.saveQueue(ctx, q); err != nil {
		return nil, err
	}

	ob.Event(events.New(closeEvent(to), visitID, now, map[string]interface{}{
		"provider_id": e.ProviderID, "actual_wait_minutes": *e.ActualWaitMinutes,
	}))
	s.logger.Info().Str("visit_id", visitID).Str("provider_id", e.ProviderID).Str("status", string(to)).Msg("waiting room entry closed")
	return e, nil
}

func closeEvent(to EntryStatus) string {
	switch to {
	case StatusAdmitted:
		return events.WaitingAdmitted
	case StatusTimedOut:
		return events.WaitingTimedOut
	default:
		return events.WaitingLeft
	}
}

// CallNextPatient pops the head of the provider's queue and marks it called.
// Queue references to entries that are missing or no longer waiting are
// dropped and the next one is tried.
func (s *Service) CallNextPatient(ctx context.Context, providerID string) (*WaitingRoomEntry, error) {
	var out *WaitingRoomEntry
	err := s.inQueue(ctx, providerID, func(ctx context.Context, ob *outbox.Outbox) error {
		q, err := s.loadQueue(ctx, providerID)
		if err != nil {
			return err
		}
		for len(q.VisitIDs) > 0 {
			head := q.VisitIDs[0]
			q.VisitIDs = q.VisitIDs[1:]

			e, err := s.entries.GetByVisit(ctx, head)
			if errors.Is(err, ErrEntryNotFound) {
				s.logger.Warn().Str("provider_id", providerID).Str("visit_id", head).Msg("queue referenced a missing entry; skipping")
				continue
			}
			if err != nil {
				return err
			}
			ok, err := s.entries.CompareAndSetStatus(ctx, e.ID, StatusWaiting, StatusCalled)
			if err != nil {
				return err
			}
			if !ok {
				s.logger.Warn().Str("provider_id", providerID).Str("visit_id", head).Str("status", string(e.Status)).Msg("queue head no longer waiting; skipping")
				continue
			}

			now := s.clock.Now()
			e.Status = StatusCalled
			e.CalledAt = &now
			e.Position = 0
			e.EstimatedWaitMinutes = 0
			e.UpdatedAt = now
			s.notify(ob, e, notification.TypeReady, "Your provider is ready to see you. Please join the visit now.", nil)
			if err := s.entries.Update(ctx, e); err != nil {
				return err
			}
			if err := s.recompute(ctx, ob, q); err != nil {
				return err
			}
			if err := s.saveQueue(ctx, q); err != nil {
				return err
			}
			ob.Event(events.New(events.WaitingCalled, e.VisitID, now, map[string]string{"provider_id": providerID}))
			s.logger.Info().Str("visit_id", e.VisitID).Str("provider_id", providerID).Msg("patient called")
			out = e
			return nil
		}
		return fmt.Errorf("%w: provider %s", ErrQueueEmpty, providerID)
	})
	return out, err
}

// AdmitPatient moves a called patient into the visit.
func (s *Service) AdmitPatient(ctx context.Context, visitID string) (*WaitingRoomEntry, error) {
	providerID, err := s.providerOf(ctx, visitID)
	if err != nil {
		return nil, err
	}
	var out *WaitingRoomEntry
	err = s.inQueue(ctx, providerID, func(ctx context.Context, ob *outbox.Outbox) error {
		e, err := s.removeEntry(ctx, ob, visitID, StatusCalled, StatusAdmitted, ErrNotCalled)
		out = e
		return err
	})
	return out, err
}

// Withdraw takes the visit out of the waiting room whatever its queue state.
// It is a no-op when the visit has no open entry.
func (s *Service) Withdraw(ctx context.Context, visitID string) error {
	providerID, err := s.providerOf(ctx, visitID)
	if errors.Is(err, ErrEntryNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.inQueue(ctx, providerID, func(ctx context.Context, ob *outbox.Outbox) error {
		e, err := s.entries.GetByVisit(ctx, visitID)
		if err != nil {
			return err
		}
		if e.Status != StatusWaiting && e.Status != StatusCalled {
			return nil
		}
		_, err = s.removeEntry(ctx, ob, visitID, e.Status, StatusLeft, ErrNotWaiting)
		return err
	})
}

// recompute renumbers the waiting entries of q 1..n in queue order and
// refreshes their estimates, deciding position_update and called_soon
// notifications on the way. Stale references are dropped from q.
func (s *Service) recompute(ctx context.Context, ob *outbox.Outbox, q *ProviderQueue) error {
	kept := q.VisitIDs[:0:0]
	position := 0
	for _, visitID := range q.VisitIDs {
		e, err := s.entries.GetByVisit(ctx, visitID)
		if errors.Is(err, ErrEntryNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if e.Status != StatusWaiting {
			continue
		}
		kept = append(kept, visitID)
		position++

		prev := e.Position
		changed := prev != position || e.EstimatedWaitMinutes != position*q.AverageVisitMinutes
		e.Position = position
		e.EstimatedWaitMinutes = position * q.AverageVisitMinutes

		data := map[string]string{"position": strconv.Itoa(position), "estimated_wait_minutes": strconv.Itoa(e.EstimatedWaitMinutes)}
		if prev-position >= positionUpdateThreshold {
			s.notify(ob, e, notification.TypePositionUpdate,
				fmt.Sprintf("You moved up to position %d. Estimated wait: %d minutes.", position, e.EstimatedWaitMinutes), data)
			changed = true
		}
		if position < prev && position <= calledSoonPosition && !e.CalledSoonSent {
			e.CalledSoonSent = true
			s.notify(ob, e, notification.TypeCalledSoon, "You will be called soon. Please stay near your device.", data)
			changed = true
		}
		if changed {
			e.UpdatedAt = s.clock.Now()
			if err := s.entries.Update(ctx, e); err != nil {
				return err
			}
		}
	}
	q.VisitIDs = kept
	return nil
}

// notify records the notification on the entry and queues its delivery.
func (s *Service) notify(ob *outbox.Outbox, e *WaitingRoomEntry, typ notification.Type, msg string, data map[string]string) {
	e.Notifications = append(e.Notifications, SentNotification{Type: string(typ), Message: msg, SentAt: s.clock.Now()})
	ob.Notify(notification.Message{Recipient: e.PatientID, Type: typ, Message: msg, VisitID: e.VisitID, Data: data})
}

// CompleteSystemCheck stores the device check and returns human-readable
// warnings. Warnings never fail the call.
func (s *Service) CompleteSystemCheck(ctx context.Context, visitID string, results SystemCheckResults) ([]string, error) {
	providerID, err := s.providerOf(ctx, visitID)
	if err != nil {
		return nil, err
	}

	warnings := []string{}
	if !results.CameraAvailable {
		warnings = append(warnings, "Camera not detected")
	} else if !results.CameraPermission {
		warnings = append(warnings, "Camera permission denied")
	}
	if !results.MicrophoneAvailable {
		warnings = append(warnings, "Microphone not detected")
	} else if !results.MicrophonePermission {
		warnings = append(warnings, "Microphone permission denied")
	}
	if results.ConnectionSpeedMbps < MinConnectionMbps {
		warnings = append(warnings, fmt.Sprintf("Connection speed %.1f Mbps is below the recommended %.0f Mbps", results.ConnectionSpeedMbps, MinConnectionMbps))
	}
	if !browserSupported(results.BrowserName, results.BrowserVersion) {
		warnings = append(warnings, fmt.Sprintf("Browser %s %s is not supported; use a recent Chrome, Firefox, Safari or Edge",
			results.BrowserName, results.BrowserVersion))
	}

	err = s.inQueue(ctx, providerID, func(ctx context.Context, _ *outbox.Outbox) error {
		e, err := s.entries.GetByVisit(ctx, visitID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		results.CheckedAt = now
		e.SystemCheck = &results
		e.Readiness.CameraWorking = results.CameraAvailable && results.CameraPermission
		e.Readiness.MicrophoneWorking = results.MicrophoneAvailable && results.MicrophonePermission
		e.Readiness.ConnectionMeetsFloor = results.ConnectionSpeedMbps >= MinConnectionMbps
		e.Readiness.SystemCheckPassed = len(warnings) == 0
		e.UpdatedAt = now
		return s.entries.Update(ctx, e)
	})
	if err != nil {
		return nil, err
	}
	return warnings, nil
}

// UpdateReadiness records pre-visit paperwork items.
func (s *Service) UpdateReadiness(ctx context.Context, visitID string, upd ReadinessUpdate) (*WaitingRoomEntry, error) {
	providerID, err := s.providerOf(ctx, visitID)
	if err != nil {
		return nil, err
	}
	var out *WaitingRoomEntry
	err = s.inQueue(ctx, providerID, func(ctx context.Context, _ *outbox.Outbox) error {
		e, err := s.entries.GetByVisit(ctx, visitID)
		if err != nil {
			return err
		}
		if upd.QuestionnaireCompleted != nil {
			e.Readiness.QuestionnaireCompleted = *upd.QuestionnaireCompleted
		}
		if upd.ConsentSigned != nil {
			e.Readiness.ConsentSigned = *upd.ConsentSigned
		}
		if upd.PaymentVerified != nil {
			e.Readiness.PaymentVerified = *upd.PaymentVerified
		}
		e.UpdatedAt = s.clock.Now()
		out = e
		return s.entries.Update(ctx, e)
	})
	return out, err
}

// IsReadyForVisit reports readiness and, when not ready, what is missing.
func (s *Service) IsReadyForVisit(ctx context.Context, visitID string) (bool, []string, error) {
	e, err := s.entries.GetByVisit(ctx, visitID)
	if err != nil {
		return false, nil, err
	}
	missing := e.Readiness.Missing()
	return len(missing) == 0, missing, nil
}

// ProcessTimeouts times out every waiting entry past its TimeoutAt and
// returns how many it processed. Entries that left waiting in the meantime
// are skipped.
func (s *Service) ProcessTimeouts(ctx context.Context) (int, error) {
	expired, err := s.entries.ListExpired(ctx, s.clock.Now(), sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list expired entries: %w", err)
	}

	processed := 0
	var errs []error
	for _, candidate := range expired {
		timedOut := false
		err := s.inQueue(ctx, candidate.ProviderID, func(ctx context.Context, ob *outbox.Outbox) error {
			e, err := s.removeEntry(ctx, ob, candidate.VisitID, StatusWaiting, StatusTimedOut, ErrNotWaiting)
			if errors.Is(err, ErrNotWaiting) {
				return nil
			}
			if err != nil {
				return err
			}
			s.notify(ob, e, notification.TypeTimedOut, "Your waiting room session expired. Please check in again.", nil)
			// The notification log lives on the entry, so persist it again.
			if err := s.entries.Update(ctx, e); err != nil {
				return err
			}
			timedOut = true
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("visit %s: %w", candidate.VisitID, err))
			continue
		}
		if timedOut {
			processed++
		}
	}
	return processed, errors.Join(errs...)
}

// GetWaitingPatients returns the provider's waiting entries in queue order.
func (s *Service) GetWaitingPatients(ctx context.Context, providerID string) ([]*WaitingRoomEntry, error) {
	q, err := s.loadQueue(ctx, providerID)
	if err != nil {
		return nil, err
	}
	out := []*WaitingRoomEntry{}
	for _, visitID := range q.VisitIDs {
		e, err := s.entries.GetByVisit(ctx, visitID)
		if errors.Is(err, ErrEntryNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if e.Status == StatusWaiting {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Service) GetEntry(ctx context.Context, visitID string) (*WaitingRoomEntry, error) {
	return s.entries.GetByVisit(ctx, visitID)
}

func (s *Service) GetQueueStatus(ctx context.Context, providerID string) (*QueueStatus, error) {
	q, err := s.loadQueue(ctx, providerID)
	if err != nil {
		return nil, err
	}
	waiting, err := s.GetWaitingPatients(ctx, providerID)
	if err != nil {
		return nil, err
	}
	return &QueueStatus{
		ProviderID:          providerID,
		Waiting:             len(waiting),
		AverageVisitMinutes: q.AverageVisitMinutes,
		CurrentVisitID:      q.CurrentVisitID,
		Entries:             waiting,
	}, nil
}

// RecordVisitDuration feeds a completed visit into the provider's rolling
// average and clears the current patient.
func (s *Service) RecordVisitDuration(ctx context.Context, providerID string, minutes int) error {
	return s.inQueue(ctx, providerID, func(ctx context.Context, ob *outbox.Outbox) error {
		q, err := s.loadQueue(ctx, providerID)
		if err != nil {
			return err
		}
		q.recordDuration(minutes)
		q.CurrentVisitID = ""
		if err := s.recompute(ctx, ob, q); err != nil {
			return err
		}
		s.logger.Info().Str("provider_id", providerID).Int("minutes", minutes).Int("average", q.AverageVisitMinutes).Msg("visit duration recorded")
		return s.saveQueue(ctx, q)
	})
}

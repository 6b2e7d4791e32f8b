package telehealth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/telehealth/internal/platform/apperr"
	"github.com/ehr/telehealth/internal/platform/clock"
	"github.com/ehr/telehealth/internal/platform/db"
	"github.com/ehr/telehealth/internal/platform/events"
	"github.com/ehr/telehealth/internal/platform/notification"
)

type fakeWaitingRoom struct {
	mu        sync.Mutex
	entered   []string
	withdrawn []string
	durations []int
	open      map[string]bool
	err       error
}

func (f *fakeWaitingRoom) Enter(_ context.Context, visitID, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.entered = append(f.entered, visitID)
	if f.open == nil {
		f.open = map[string]bool{}
	}
	f.open[visitID] = true
	return nil
}

func (f *fakeWaitingRoom) Withdraw(_ context.Context, visitID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.withdrawn = append(f.withdrawn, visitID)
	delete(f.open, visitID)
	return nil
}

func (f *fakeWaitingRoom) InQueue(_ context.Context, visitID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open[visitID], nil
}

// lapse drops the visit's entry the way a timeout sweep would.
func (f *fakeWaitingRoom) lapse(visitID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.open, visitID)
}

func (f *fakeWaitingRoom) RecordVisitDuration(_ context.Context, _ string, minutes int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.durations = append(f.durations, minutes)
	return nil
}

type fixture struct {
	svc      *Service
	store    *MemoryStore
	clock    *clock.ManagedClock
	room     *fakeWaitingRoom
	events   *events.Recorder
	notifier *notification.Recorder
}

// Monday 2026-06-01 08:00 UTC.
var start = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := NewMemoryStore()
	f := &fixture{
		store:    store,
		clock:    clock.NewManaged(start),
		room:     &fakeWaitingRoom{},
		events:   events.NewRecorder(),
		notifier: &notification.Recorder{},
	}
	f.svc = NewService(store.Visits(), store.Consents(), store.Availability(), f.room,
		db.NewLocalTransactor(), f.clock, f.events, f.notifier, zerolog.Nop(), cfg)

	ctx := context.Background()
	if _, err := f.svc.RecordConsent(ctx, ConsentRequest{PatientID: "alice", ConsentVersion: "v1"}); err != nil {
		t.Fatalf("record consent: %v", err)
	}
	if _, err := f.svc.EnableTelehealth(ctx, &ProviderTelehealthAvailability{ProviderID: "dr-1", ProviderName: "Dr. One"}); err != nil {
		t.Fatalf("enable telehealth: %v", err)
	}
	return f
}

func (f *fixture) schedule(at time.Time) (*VirtualVisit, error) {
	return f.svc.ScheduleVisit(context.Background(), ScheduleRequest{
		PatientID:        "alice",
		ProviderID:       "dr-1",
		VisitType:        VisitFollowUp,
		Reason:           "blood pressure review",
		ScheduledAt:      at,
		RecordingConsent: true,
	})
}

func (f *fixture) mustSchedule(t *testing.T, at time.Time) *VirtualVisit {
	t.Helper()
	v, err := f.schedule(at)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	return v
}

func TestScheduleVisit_LeadTimeFloor(t *testing.T) {
	f := newFixture(t, Config{MinLeadTime: 30 * time.Minute})
	now := f.clock.Now()

	if _, err := f.schedule(now.Add(30 * time.Minute)); err != nil {
		t.Fatalf("expected a visit exactly at the floor to succeed, got %v", err)
	}
	_, err := f.schedule(now.Add(10 * time.Minute))
	if !errors.Is(err, ErrLeadTimeViolation) {
		t.Errorf("expected ErrLeadTimeViolation, got %v", err)
	}
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected validation kind, got %v", apperr.KindOf(err))
	}
}

func TestScheduleVisit_DefaultLeadTimeIsOneHour(t *testing.T) {
	f := newFixture(t, Config{})
	now := f.clock.Now()

	if _, err := f.schedule(now.Add(59 * time.Minute)); !errors.Is(err, ErrLeadTimeViolation) {
		t.Errorf("expected ErrLeadTimeViolation at 59m, got %v", err)
	}
	if _, err := f.schedule(now.Add(time.Hour)); err != nil {
		t.Errorf("expected success at 1h, got %v", err)
	}
}

func TestScheduleVisit_AdvanceWindow(t *testing.T) {
	f := newFixture(t, Config{})
	now := f.clock.Now()

	if _, err := f.schedule(now.Add(60 * 24 * time.Hour)); err != nil {
		t.Errorf("expected success at 60 days, got %v", err)
	}
	if _, err := f.schedule(now.Add(61 * 24 * time.Hour)); !errors.Is(err, ErrAdvanceWindow) {
		t.Errorf("expected ErrAdvanceWindow, got %v", err)
	}
}

func TestScheduleVisit_PricedAndNotified(t *testing.T) {
	f := newFixture(t, Config{})
	v := f.mustSchedule(t, f.clock.Now().Add(2*time.Hour))

	if v.Status != StatusScheduled || v.Price.StringFixed(2) != "100.00" || v.Currency != "USD" {
		t.Errorf("unexpected visit %+v", v)
	}
	if v.PaymentStatus != PaymentPending || v.Platform != PlatformWeb || v.DurationMinutes != DefaultVisitMinutes {
		t.Errorf("unexpected defaults %+v", v)
	}
	if v.ProviderName != "Dr. One" {
		t.Errorf("expected provider name from availability, got %q", v.ProviderName)
	}
	if got := f.events.Types(); len(got) != 1 || got[0] != events.VisitScheduled {
		t.Errorf("unexpected events %v", got)
	}
	if got := f.notifier.Messages(notification.TypeVisitScheduled); len(got) != 1 || got[0].Recipient != "alice" {
		t.Errorf("expected visit_scheduled notification, got %+v", got)
	}
}

func TestPriceFor(t *testing.T) {
	for _, vt := range AllVisitTypes {
		p, ok := PriceFor(vt)
		if !ok || !p.IsPositive() {
			t.Errorf("%s: missing price", vt)
		}
	}
	if p, _ := PriceFor(VisitPrescriptionRefill); p.StringFixed(2) != "50.00" {
		t.Errorf("unexpected refill price %s", p)
	}
	if _, ok := PriceFor("house_call"); ok {
		t.Error("expected no price for unknown type")
	}
}

func TestScheduleVisit_ConsentRules(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	at := f.clock.Now().Add(2 * time.Hour)

	_, err := f.svc.ScheduleVisit(ctx, ScheduleRequest{PatientID: "bob", ProviderID: "dr-1", VisitType: VisitFollowUp, ScheduledAt: at})
	if !errors.Is(err, ErrConsentMissing) {
		t.Fatalf("expected ErrConsentMissing, got %v", err)
	}

	expires := f.clock.Now().Add(time.Hour)
	if _, err := f.svc.RecordConsent(ctx, ConsentRequest{PatientID: "bob", ConsentVersion: "v1", ExpiresAt: &expires}); err != nil {
		t.Fatalf("record consent: %v", err)
	}
	if ok, _ := f.svc.VerifyConsent(ctx, "bob"); !ok {
		t.Error("expected consent to be valid before expiry")
	}
	f.clock.WarpForward(2 * time.Hour)
	if ok, _ := f.svc.VerifyConsent(ctx, "bob"); ok {
		t.Error("expected expired consent to be invalid")
	}
	_, err = f.svc.ScheduleVisit(ctx, ScheduleRequest{PatientID: "bob", ProviderID: "dr-1", VisitType: VisitFollowUp, ScheduledAt: f.clock.Now().Add(2 * time.Hour)})
	if !errors.Is(err, ErrConsentExpired) || apperr.KindOf(err) != apperr.KindExpired {
		t.Errorf("expected ErrConsentExpired, got %v", err)
	}
}

func TestRevokeConsent(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	c, err := f.svc.RecordConsent(ctx, ConsentRequest{PatientID: "carol", ConsentVersion: "v2"})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	revoked, err := f.svc.RevokeConsent(ctx, c.ID)
	if err != nil || revoked.RevokedAt == nil {
		t.Fatalf("revoke: %v %+v", err, revoked)
	}
	if ok, _ := f.svc.VerifyConsent(ctx, "carol"); ok {
		t.Error("expected revoked consent to be invalid")
	}

	f.clock.WarpForward(time.Minute)
	again, _ := f.svc.RevokeConsent(ctx, c.ID)
	if !again.RevokedAt.Equal(*revoked.RevokedAt) {
		t.Error("second revoke changed the timestamp")
	}

	if _, err := f.svc.RecordConsent(ctx, ConsentRequest{PatientID: "carol", ConsentVersion: "v3"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if ok, _ := f.svc.VerifyConsent(ctx, "carol"); !ok {
		t.Error("expected a fresh consent to be valid")
	}
}

func TestScheduleVisit_ProviderRules(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	at := f.clock.Now().Add(2 * time.Hour)

	_, err := f.svc.ScheduleVisit(ctx, ScheduleRequest{PatientID: "alice", ProviderID: "dr-unknown", VisitType: VisitFollowUp, ScheduledAt: at})
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Errorf("expected ErrProviderUnavailable for unknown provider, got %v", err)
	}

	_, _ = f.svc.UpdateAvailability(ctx, &ProviderTelehealthAvailability{ProviderID: "dr-2", Enabled: false})
	_, err = f.svc.ScheduleVisit(ctx, ScheduleRequest{PatientID: "alice", ProviderID: "dr-2", VisitType: VisitFollowUp, ScheduledAt: at})
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Errorf("expected ErrProviderUnavailable for disabled provider, got %v", err)
	}

	_, _ = f.svc.EnableTelehealth(ctx, &ProviderTelehealthAvailability{
		ProviderID:             "dr-3",
		SupportedVisitTypes:    []VisitType{VisitFollowUp},
		AcceptedPaymentMethods: []string{"card"},
	})
	_, err = f.svc.ScheduleVisit(ctx, ScheduleRequest{PatientID: "alice", ProviderID: "dr-3", VisitType: VisitUrgentCare, ScheduledAt: at})
	if !errors.Is(err, ErrUnsupportedVisitType) {
		t.Errorf("expected ErrUnsupportedVisitType, got %v", err)
	}
	_, err = f.svc.ScheduleVisit(ctx, ScheduleRequest{PatientID: "alice", ProviderID: "dr-3", VisitType: VisitFollowUp, ScheduledAt: at, PaymentMethod: "crypto"})
	if !errors.Is(err, ErrPaymentNotAccepted) {
		t.Errorf("expected ErrPaymentNotAccepted, got %v", err)
	}

	_, err = f.svc.ScheduleVisit(ctx, ScheduleRequest{PatientID: "alice", ProviderID: "dr-1", VisitType: "house_call", ScheduledAt: at})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected validation error for unknown visit type, got %v", err)
	}
}

func TestScheduleVisit_SlotConflict(t *testing.T) {
	f := newFixture(t, Config{})
	at := f.clock.Now().Add(3 * time.Hour)
	first := f.mustSchedule(t, at)

	_, err := f.schedule(at)
	if !errors.Is(err, ErrSlotConflict) || apperr.KindOf(err) != apperr.KindStateConflict {
		t.Fatalf("expected ErrSlotConflict, got %v", err)
	}

	if _, err := f.svc.CancelVisit(context.Background(), first.ID, "alice", "conflict"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := f.schedule(at); err != nil {
		t.Errorf("expected cancelled slot to be free again, got %v", err)
	}
}

func TestScheduleVisit_ConcurrentSameSlot(t *testing.T) {
	f := newFixture(t, Config{})
	at := f.clock.Now().Add(4 * time.Hour)

	const n = 12
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, conflicts := 0, 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.schedule(at)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrSlotConflict):
				conflicts++
			default:
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()
	if ok != 1 || conflicts != n-1 {
		t.Errorf("expected exactly one booking, got %d ok / %d conflicts", ok, conflicts)
	}
}

func tuesdayHours() *ProviderTelehealthAvailability {
	return &ProviderTelehealthAvailability{
		ProviderID:             "dr-hours",
		DefaultDurationMinutes: 30,
		WeeklyHours:            map[string][]TimeWindow{"Tuesday": {{Start: "09:00", End: "12:00"}}},
		BreakTimes:             []TimeWindow{{Start: "10:00", End: "10:30"}},
	}
}

func TestScheduleVisit_WeeklyHoursAndBreaks(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	if _, err := f.svc.EnableTelehealth(ctx, tuesdayHours()); err != nil {
		t.Fatalf("enable: %v", err)
	}
	tuesday := func(h, m int) time.Time { return time.Date(2026, 6, 2, h, m, 0, 0, time.UTC) }
	book := func(at time.Time) error {
		_, err := f.svc.ScheduleVisit(ctx, ScheduleRequest{PatientID: "alice", ProviderID: "dr-hours", VisitType: VisitFollowUp, ScheduledAt: at})
		return err
	}

	if err := book(tuesday(13, 0)); !errors.Is(err, ErrProviderUnavailable) {
		t.Errorf("expected outside-hours rejection, got %v", err)
	}
	if err := book(tuesday(10, 0)); !errors.Is(err, ErrProviderUnavailable) {
		t.Errorf("expected break rejection, got %v", err)
	}
	if err := book(tuesday(11, 45)); !errors.Is(err, ErrProviderUnavailable) {
		t.Errorf("expected rejection for a visit running past the window, got %v", err)
	}
	if err := book(tuesday(9, 30)); err != nil {
		t.Errorf("expected 09:30 to be bookable, got %v", err)
	}
}

func TestScheduleVisit_DailyLimit(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	_, _ = f.svc.EnableTelehealth(ctx, &ProviderTelehealthAvailability{ProviderID: "dr-busy", MaxDailyVirtualVisits: 2})
	book := func(at time.Time) error {
		_, err := f.svc.ScheduleVisit(ctx, ScheduleRequest{PatientID: "alice", ProviderID: "dr-busy", VisitType: VisitFollowUp, ScheduledAt: at})
		return err
	}
	day := time.Date(2026, 6, 3, 0, 0, 0, 0, time.UTC)
	_ = book(day.Add(9 * time.Hour))
	_ = book(day.Add(10 * time.Hour))
	if err := book(day.Add(11 * time.Hour)); !errors.Is(err, ErrProviderUnavailable) {
		t.Errorf("expected daily limit rejection, got %v", err)
	}
	if err := book(day.Add(33 * time.Hour)); err != nil {
		t.Errorf("expected next day to be free, got %v", err)
	}
}

func TestGetAvailableSlots(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	_, _ = f.svc.EnableTelehealth(ctx, tuesdayHours())

	slots, err := f.svc.GetAvailableSlots(ctx, "dr-hours", "2026-06-02")
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	want := []string{"09:00", "09:30", "10:30", "11:00", "11:30"}
	if len(slots) != len(want) {
		t.Fatalf("expected %v, got %+v", want, slots)
	}
	for i, s := range slots {
		if s.Start.Format("15:04") != want[i] {
			t.Errorf("slot %d: expected %s, got %s", i, want[i], s.Start.Format("15:04"))
		}
	}

	_, err = f.svc.ScheduleVisit(ctx, ScheduleRequest{PatientID: "alice", ProviderID: "dr-hours", VisitType: VisitFollowUp,
		ScheduledAt: time.Date(2026, 6, 2, 11, 0, 0, 0, time.UTC)})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	slots, _ = f.svc.GetAvailableSlots(ctx, "dr-hours", "2026-06-02")
	if len(slots) != 4 {
		t.Errorf("expected booked slot to disappear, got %d slots", len(slots))
	}

	if slots, _ := f.svc.GetAvailableSlots(ctx, "dr-hours", "2026-06-03"); len(slots) != 0 {
		t.Errorf("expected no Wednesday slots, got %d", len(slots))
	}
	if _, err := f.svc.GetAvailableSlots(ctx, "dr-hours", "June 2"); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected validation error for bad date, got %v", err)
	}
}

func TestUpdateAvailability_Validates(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.svc.UpdateAvailability(context.Background(), &ProviderTelehealthAvailability{
		ProviderID:  "dr-x",
		WeeklyHours: map[string][]TimeWindow{"monday": {{Start: "12:00", End: "09:00"}}},
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for inverted window, got %v", err)
	}
	_, err = f.svc.UpdateAvailability(context.Background(), &ProviderTelehealthAvailability{
		ProviderID:  "dr-x",
		WeeklyHours: map[string][]TimeWindow{"someday": {{Start: "09:00", End: "12:00"}}},
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for unknown weekday, got %v", err)
	}
}

func TestCheckIn(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	v := f.mustSchedule(t, f.clock.Now().Add(2*time.Hour))

	if _, err := f.svc.CheckIn(ctx, v.ID, "alice"); !errors.Is(err, ErrTooEarly) {
		t.Errorf("expected ErrTooEarly, got %v", err)
	}
	f.clock.WarpForward(time.Hour + 45*time.Minute)
	if _, err := f.svc.CheckIn(ctx, v.ID, "mallory"); !errors.Is(err, ErrWrongParticipant) {
		t.Errorf("expected ErrWrongParticipant, got %v", err)
	}
	checked, err := f.svc.CheckIn(ctx, v.ID, "alice")
	if err != nil {
		t.Fatalf("check in: %v", err)
	}
	if checked.Status != StatusWaitingRoom || checked.CheckedInAt == nil {
		t.Errorf("unexpected visit %+v", checked)
	}
	if len(f.room.entered) != 1 || f.room.entered[0] != v.ID {
		t.Errorf("expected waiting room entry, got %v", f.room.entered)
	}
	if _, err := f.svc.CheckIn(ctx, v.ID, "alice"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on second check-in, got %v", err)
	}
}

func TestCheckIn_AgainAfterWaitingRoomTimeout(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	v := f.mustSchedule(t, f.clock.Now().Add(time.Hour))
	f.clock.WarpForward(50 * time.Minute)

	if _, err := f.svc.CheckIn(ctx, v.ID, "alice"); err != nil {
		t.Fatalf("check in: %v", err)
	}
	f.room.lapse(v.ID)
	f.clock.WarpForward(31 * time.Minute)

	again, err := f.svc.CheckIn(ctx, v.ID, "alice")
	if err != nil {
		t.Fatalf("expected a second check-in after the entry lapsed, got %v", err)
	}
	if again.Status != StatusWaitingRoom || !again.CheckedInAt.Equal(f.clock.Now()) {
		t.Errorf("unexpected visit %+v", again)
	}
	if len(f.room.entered) != 2 {
		t.Errorf("expected two waiting room entries, got %v", f.room.entered)
	}
	if _, err := f.svc.CheckIn(ctx, v.ID, "alice"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState while queued, got %v", err)
	}
}

func TestCheckIn_WaitingRoomFailureKeepsVisitScheduled(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	v := f.mustSchedule(t, f.clock.Now().Add(time.Hour))
	f.clock.WarpForward(50 * time.Minute)
	f.room.err = errors.New("queue down")

	if _, err := f.svc.CheckIn(ctx, v.ID, "alice"); err == nil {
		t.Fatal("expected check-in to fail")
	}
	got, _ := f.svc.GetVisit(ctx, v.ID)
	if got.Status != StatusScheduled {
		t.Errorf("expected visit to stay scheduled, got %s", got.Status)
	}
}

func TestVisitLifecycle(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	v := f.mustSchedule(t, f.clock.Now().Add(time.Hour))

	if _, err := f.svc.StartVisit(ctx, v.ID, "dr-1"); !errors.Is(err, ErrNotInWaitingRoom) {
		t.Errorf("expected ErrNotInWaitingRoom, got %v", err)
	}
	f.clock.WarpForward(50 * time.Minute)
	if _, err := f.svc.CheckIn(ctx, v.ID, "alice"); err != nil {
		t.Fatalf("check in: %v", err)
	}
	if _, err := f.svc.CompleteVisit(ctx, v.ID, "dr-1", Documentation{}); !errors.Is(err, ErrNotInProgress) {
		t.Errorf("expected ErrNotInProgress, got %v", err)
	}
	if _, err := f.svc.StartVisit(ctx, v.ID, "dr-2"); !errors.Is(err, ErrWrongParticipant) {
		t.Errorf("expected ErrWrongParticipant, got %v", err)
	}
	started, err := f.svc.StartVisit(ctx, v.ID, "dr-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Status != StatusInProgress || started.StartedAt == nil {
		t.Errorf("unexpected started visit %+v", started)
	}

	if _, err := f.svc.CancelVisit(ctx, v.ID, "alice", "changed mind"); !errors.Is(err, ErrCannotCancelStarted) {
		t.Errorf("expected ErrCannotCancelStarted, got %v", err)
	}

	f.clock.WarpForward(22*time.Minute + 40*time.Second)
	done, err := f.svc.CompleteVisit(ctx, v.ID, "dr-1", Documentation{
		ChiefComplaint: "headache", Diagnoses: []string{"R51"}, FollowUpRequired: true,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != StatusCompleted || done.ActualDurationMinutes == nil || *done.ActualDurationMinutes != 22 {
		t.Errorf("unexpected completed visit %+v", done)
	}
	if done.CompletedAt.Sub(*done.StartedAt) < time.Duration(*done.ActualDurationMinutes)*time.Minute {
		t.Error("actual duration exceeds the started/completed span")
	}
	if done.Documentation == nil || done.Documentation.ChiefComplaint != "headache" {
		t.Errorf("documentation not recorded: %+v", done.Documentation)
	}
	if len(f.room.durations) != 1 || f.room.durations[0] != 22 {
		t.Errorf("expected duration fed to the waiting room, got %v", f.room.durations)
	}
	if done.VersionID < 4 {
		t.Errorf("expected version to advance on each change, got %d", done.VersionID)
	}

	if _, err := f.svc.CancelVisit(ctx, v.ID, "alice", "late"); !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("expected ErrAlreadyTerminal, got %v", err)
	}
}

func TestCancelVisit_WithdrawsFromWaitingRoom(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	v := f.mustSchedule(t, f.clock.Now().Add(time.Hour))
	f.clock.WarpForward(50 * time.Minute)
	_, _ = f.svc.CheckIn(ctx, v.ID, "alice")

	cancelled, err := f.svc.CancelVisit(ctx, v.ID, "nurse-1", "patient unwell")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled || cancelled.CancelledBy != "nurse-1" || cancelled.CancelledAt == nil {
		t.Errorf("unexpected cancelled visit %+v", cancelled)
	}
	if len(f.room.withdrawn) != 1 || f.room.withdrawn[0] != v.ID {
		t.Errorf("expected waiting room withdrawal, got %v", f.room.withdrawn)
	}
	if got := f.notifier.Messages(notification.TypeVisitCancelled); len(got) != 1 {
		t.Errorf("expected cancellation notice, got %+v", got)
	}
}

func TestNoShows(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	missed := f.mustSchedule(t, f.clock.Now().Add(time.Hour))
	later := f.mustSchedule(t, f.clock.Now().Add(3*time.Hour))

	f.clock.WarpForward(time.Hour + 10*time.Minute)
	if _, err := f.svc.MarkNoShow(ctx, missed.ID); !errors.Is(err, ErrNoShowTooEarly) {
		t.Errorf("expected ErrNoShowTooEarly inside the grace period, got %v", err)
	}

	f.clock.WarpForward(10 * time.Minute)
	n, err := f.svc.ProcessNoShows(ctx)
	if err != nil {
		t.Fatalf("process no-shows: %v", err)
	}
	if n != 1 {
		t.Errorf("expected one no-show, got %d", n)
	}
	got, _ := f.svc.GetVisit(ctx, missed.ID)
	if got.Status != StatusNoShow {
		t.Errorf("expected no_show, got %s", got.Status)
	}
	if got, _ := f.svc.GetVisit(ctx, later.ID); got.Status != StatusScheduled {
		t.Errorf("future visit touched: %s", got.Status)
	}
	if msgs := f.notifier.Messages(notification.TypeNoShow); len(msgs) != 1 {
		t.Errorf("expected one no-show notice, got %d", len(msgs))
	}
	if n, _ := f.svc.ProcessNoShows(ctx); n != 0 {
		t.Errorf("expected second sweep to be a no-op, got %d", n)
	}
}

func TestReportTechnicalIssueAndLinkSession(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	v := f.mustSchedule(t, f.clock.Now().Add(time.Hour))

	consent, err := f.svc.LinkSession(ctx, v.ID, "sess-1")
	if err != nil || !consent {
		t.Fatalf("link: %v %v", consent, err)
	}
	if got, _ := f.svc.GetVisit(ctx, v.ID); got.VideoSessionID != "sess-1" {
		t.Errorf("expected session link, got %q", got.VideoSessionID)
	}

	if _, err := f.svc.ReportTechnicalIssue(ctx, v.ID, "no audio"); !errors.Is(err, ErrNotInProgress) {
		t.Errorf("expected ErrNotInProgress, got %v", err)
	}
	f.clock.WarpForward(50 * time.Minute)
	_, _ = f.svc.CheckIn(ctx, v.ID, "alice")
	_, _ = f.svc.StartVisit(ctx, v.ID, "dr-1")
	flagged, err := f.svc.ReportTechnicalIssue(ctx, v.ID, "no audio")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if flagged.Status != StatusTechnicalIssue || flagged.TechnicalIssue != "no audio" {
		t.Errorf("unexpected visit %+v", flagged)
	}
	if _, err := f.svc.CancelVisit(ctx, v.ID, "alice", ""); !errors.Is(err, ErrCannotCancelStarted) {
		t.Errorf("expected flagged visit to be uncancellable, got %v", err)
	}
}

func TestListVisits(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		f.mustSchedule(t, f.clock.Now().Add(time.Duration(i)*time.Hour))
	}
	items, total, err := f.svc.ListVisits(ctx, VisitFilter{PatientID: "alice"}, 2, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || len(items) != 2 {
		t.Errorf("expected 2 of 3, got %d of %d", len(items), total)
	}
	if !items[0].ScheduledAt.After(items[1].ScheduledAt) {
		t.Error("expected newest first")
	}
	if _, total, _ := f.svc.ListVisits(ctx, VisitFilter{Status: StatusCancelled}, 10, 0); total != 0 {
		t.Errorf("expected no cancelled visits, got %d", total)
	}
}

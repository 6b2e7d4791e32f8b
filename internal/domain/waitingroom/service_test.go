package waitingroom

import (
	"context"
	"errors"
	"fmt"
	"sort"
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

type fixture struct {
	svc      *Service
	store    *MemoryStore
	clock    *clock.ManagedClock
	events   *events.Recorder
	notifier *notification.Recorder
}

func newFixture() *fixture {
	store := NewMemoryStore()
	clk := clock.NewManaged(time.Date(2026, 6, 1, 14, 0, 0, 0, time.UTC))
	rec := events.NewRecorder()
	notifier := &notification.Recorder{}
	svc := NewService(store, store, db.NewLocalTransactor(), clk, rec, notifier, zerolog.Nop(), Config{})
	return &fixture{svc: svc, store: store, clock: clk, events: rec, notifier: notifier}
}

func (f *fixture) enter(t *testing.T, visitID, patientID string) *WaitingRoomEntry {
	t.Helper()
	e, err := f.svc.EnterWaitingRoom(context.Background(), visitID, patientID, "dr-1")
	if err != nil {
		t.Fatalf("enter %s: %v", visitID, err)
	}
	return e
}

func (f *fixture) entry(t *testing.T, visitID string) *WaitingRoomEntry {
	t.Helper()
	e, err := f.svc.GetEntry(context.Background(), visitID)
	if err != nil {
		t.Fatalf("get %s: %v", visitID, err)
	}
	return e
}

// assertContiguous checks that waiting positions for dr-1 are exactly 1..n.
func assertContiguous(t *testing.T, f *fixture) {
	t.Helper()
	waiting, err := f.svc.GetWaitingPatients(context.Background(), "dr-1")
	if err != nil {
		t.Fatalf("waiting: %v", err)
	}
	positions := make([]int, len(waiting))
	for i, e := range waiting {
		positions[i] = e.Position
	}
	sort.Ints(positions)
	for i, p := range positions {
		if p != i+1 {
			t.Fatalf("positions not contiguous: %v", positions)
		}
	}
}

func TestService_EnterAssignsPositionsAndEstimates(t *testing.T) {
	f := newFixture()
	alice := f.enter(t, "v-alice", "alice")
	bob := f.enter(t, "v-bob", "bob")

	if alice.Position != 1 || bob.Position != 2 {
		t.Errorf("expected positions 1 and 2, got %d and %d", alice.Position, bob.Position)
	}
	if bob.EstimatedWaitMinutes != 2*DefaultAverageVisitMinutes {
		t.Errorf("expected Bob's estimate %d, got %d", 2*DefaultAverageVisitMinutes, bob.EstimatedWaitMinutes)
	}
	if !alice.TimeoutAt.Equal(alice.EnteredAt.Add(30 * time.Minute)) {
		t.Errorf("expected 30m timeout, got %s", alice.TimeoutAt.Sub(alice.EnteredAt))
	}
	if got := f.events.Types(); len(got) != 2 || got[0] != events.WaitingEntered {
		t.Errorf("unexpected events %v", got)
	}
}

func TestService_EnterIsIdempotentWhileWaiting(t *testing.T) {
	f := newFixture()
	f.enter(t, "v-alice", "alice")
	first := f.enter(t, "v-bob", "bob")
	f.clock.WarpForward(5 * time.Minute)
	second := f.enter(t, "v-bob", "bob")

	if second.ID != first.ID || second.Position != 2 || !second.EnteredAt.Equal(first.EnteredAt) {
		t.Errorf("expected the same entry back, got %+v", second)
	}
	status, _ := f.svc.GetQueueStatus(context.Background(), "dr-1")
	if status.Waiting != 2 {
		t.Errorf("expected no duplicate queue entry, got %d waiting", status.Waiting)
	}
}

func TestService_EnterValidates(t *testing.T) {
	f := newFixture()
	_, err := f.svc.EnterWaitingRoom(context.Background(), "", "p", "dr-1")
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestService_LeaveRecomputesAndSendsCalledSoonOnce(t *testing.T) {
	f := newFixture()
	f.enter(t, "v-alice", "alice")
	f.enter(t, "v-bob", "bob")

	f.clock.WarpForward(4 * time.Minute)
	left, err := f.svc.LeaveWaitingRoom(context.Background(), "v-alice")
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if left.Status != StatusLeft || left.ActualWaitMinutes == nil || *left.ActualWaitMinutes != 4 {
		t.Errorf("unexpected left entry %+v", left)
	}

	bob := f.entry(t, "v-bob")
	if bob.Position != 1 || bob.EstimatedWaitMinutes != DefaultAverageVisitMinutes {
		t.Errorf("expected Bob at 1 with one slot estimate, got %d/%d", bob.Position, bob.EstimatedWaitMinutes)
	}
	if len(bob.Notifications) != 1 || bob.Notifications[0].Type != string(notification.TypeCalledSoon) {
		t.Fatalf("expected exactly one called_soon on the entry, got %+v", bob.Notifications)
	}

	// Another recomputation must not repeat it.
	f.enter(t, "v-carol", "carol")
	if err := f.svc.RecordVisitDuration(context.Background(), "dr-1", 20); err != nil {
		t.Fatalf("record duration: %v", err)
	}
	bob = f.entry(t, "v-bob")
	if len(bob.Notifications) != 1 {
		t.Errorf("called_soon repeated: %+v", bob.Notifications)
	}
	msgs := f.notifier.Messages(notification.TypeCalledSoon)
	bobs := 0
	for _, m := range msgs {
		if m.Recipient == "bob" {
			bobs++
		}
	}
	if bobs != 1 {
		t.Errorf("expected one called_soon dispatch for bob, got %d", bobs)
	}
}

func TestService_CalledSoonNeedsAnActualMove(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.enter(t, "v-alice", "alice")
	f.enter(t, "v-bob", "bob")
	f.enter(t, "v-carol", "carol")

	if _, err := f.svc.LeaveWaitingRoom(ctx, "v-carol"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if got := f.notifier.Messages(notification.TypeCalledSoon); len(got) != 0 {
		t.Errorf("expected no called_soon when nobody moved, got %+v", got)
	}
	for _, id := range []string{"v-alice", "v-bob"} {
		if e := f.entry(t, id); len(e.Notifications) != 0 {
			t.Errorf("%s: expected no notifications, got %+v", id, e.Notifications)
		}
	}
}

func TestService_RecordVisitDurationSendsNoCalledSoon(t *testing.T) {
	f := newFixture()
	f.enter(t, "v-alice", "alice")

	if err := f.svc.RecordVisitDuration(context.Background(), "dr-1", 20); err != nil {
		t.Fatalf("record duration: %v", err)
	}
	if got := f.notifier.Messages(notification.TypeCalledSoon); len(got) != 0 {
		t.Errorf("expected no called_soon for an unmoved entry, got %+v", got)
	}
	if alice := f.entry(t, "v-alice"); alice.EstimatedWaitMinutes != 20 {
		t.Errorf("expected estimate refreshed to 20, got %d", alice.EstimatedWaitMinutes)
	}
}

func TestService_RemovalShiftsOnlyLaterPositions(t *testing.T) {
	f := newFixture()
	for i := 1; i <= 5; i++ {
		f.enter(t, fmt.Sprintf("v%d", i), fmt.Sprintf("p%d", i))
	}
	if _, err := f.svc.LeaveWaitingRoom(context.Background(), "v3"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	want := map[string]int{"v1": 1, "v2": 2, "v4": 3, "v5": 4}
	for visit, pos := range want {
		if got := f.entry(t, visit).Position; got != pos {
			t.Errorf("%s: expected position %d, got %d", visit, pos, got)
		}
	}
	assertContiguous(t, f)
}

func TestService_PositionUpdateOnBigJump(t *testing.T) {
	f := newFixture()
	for i := 1; i <= 4; i++ {
		f.enter(t, fmt.Sprintf("v%d", i), fmt.Sprintf("p%d", i))
	}
	_, _ = f.svc.LeaveWaitingRoom(context.Background(), "v1")
	_, _ = f.svc.LeaveWaitingRoom(context.Background(), "v2")

	// p4 went 4 -> 3 -> 2 one step at a time: no position_update.
	for _, m := range f.notifier.Messages(notification.TypePositionUpdate) {
		if m.Recipient == "p4" {
			t.Errorf("unexpected position_update for single-step moves")
		}
	}

	f2 := newFixture()
	for i := 1; i <= 4; i++ {
		f2.enter(t, fmt.Sprintf("v%d", i), fmt.Sprintf("p%d", i))
	}
	// Leave v1 and v2 behind the service's back so one recomputation moves p4
	// up three places.
	for _, v := range []string{"v1", "v2"} {
		e := f2.entry(t, v)
		if _, err := f2.store.CompareAndSetStatus(context.Background(), e.ID, StatusWaiting, StatusLeft); err != nil {
			t.Fatalf("cas: %v", err)
		}
	}
	if _, err := f2.svc.LeaveWaitingRoom(context.Background(), "v3"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	p4 := f2.entry(t, "v4")
	if p4.Position != 1 {
		t.Fatalf("expected p4 at 1, got %d", p4.Position)
	}
	found := false
	for _, m := range f2.notifier.Messages(notification.TypePositionUpdate) {
		if m.Recipient == "p4" && m.Data["position"] == "1" {
			found = true
		}
	}
	if !found {
		t.Error("expected position_update for a jump of 3 places")
	}
}

func TestService_CallNextAndAdmit(t *testing.T) {
	f := newFixture()
	f.enter(t, "v-alice", "alice")
	f.enter(t, "v-bob", "bob")
	ctx := context.Background()

	called, err := f.svc.CallNextPatient(ctx, "dr-1")
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if called.VisitID != "v-alice" || called.Status != StatusCalled || called.CalledAt == nil {
		t.Errorf("unexpected called entry %+v", called)
	}
	if got := f.notifier.Messages(notification.TypeReady); len(got) != 1 || got[0].Recipient != "alice" {
		t.Errorf("expected ready notification for alice, got %+v", got)
	}
	if f.entry(t, "v-bob").Position != 1 {
		t.Error("expected Bob to move to the head")
	}

	f.clock.WarpForward(7 * time.Minute)
	admitted, err := f.svc.AdmitPatient(ctx, "v-alice")
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if admitted.Status != StatusAdmitted || *admitted.ActualWaitMinutes != 7 {
		t.Errorf("unexpected admitted entry %+v", admitted)
	}
	status, _ := f.svc.GetQueueStatus(ctx, "dr-1")
	if status.CurrentVisitID != "v-alice" || status.Waiting != 1 {
		t.Errorf("unexpected queue status %+v", status)
	}
}

func TestService_AdmitRequiresCalled(t *testing.T) {
	f := newFixture()
	f.enter(t, "v-alice", "alice")
	_, err := f.svc.AdmitPatient(context.Background(), "v-alice")
	if !errors.Is(err, ErrNotCalled) || apperr.KindOf(err) != apperr.KindStateConflict {
		t.Errorf("expected ErrNotCalled, got %v", err)
	}
}

func TestService_CallNextEmptyQueue(t *testing.T) {
	f := newFixture()
	_, err := f.svc.CallNextPatient(context.Background(), "dr-1")
	if !errors.Is(err, ErrQueueEmpty) || apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("expected ErrQueueEmpty, got %v", err)
	}
}

func TestService_CallNextSkipsStaleHead(t *testing.T) {
	f := newFixture()
	f.enter(t, "v-alice", "alice")
	f.enter(t, "v-bob", "bob")
	stale := f.entry(t, "v-alice")
	_, _ = f.store.CompareAndSetStatus(context.Background(), stale.ID, StatusWaiting, StatusLeft)

	called, err := f.svc.CallNextPatient(context.Background(), "dr-1")
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if called.VisitID != "v-bob" {
		t.Errorf("expected stale head to be skipped, got %s", called.VisitID)
	}
}

func TestService_ProcessTimeouts(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.enter(t, "v-alice", "alice")
	f.clock.WarpForward(10 * time.Minute)
	f.enter(t, "v-bob", "bob")

	f.clock.WarpForward(21 * time.Minute)
	n, err := f.svc.ProcessTimeouts(ctx)
	if err != nil {
		t.Fatalf("process timeouts: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 timed out, got %d", n)
	}
	alice := f.entry(t, "v-alice")
	if alice.Status != StatusTimedOut {
		t.Errorf("expected timed_out, got %s", alice.Status)
	}
	waiting, _ := f.svc.GetWaitingPatients(ctx, "dr-1")
	for _, e := range waiting {
		if e.VisitID == "v-alice" {
			t.Error("timed out entry still returned by GetWaitingPatients")
		}
	}
	if len(waiting) != 1 || waiting[0].Position != 1 {
		t.Errorf("expected Bob alone at position 1, got %+v", waiting)
	}
	if got := f.notifier.Messages(notification.TypeTimedOut); len(got) != 1 || got[0].Recipient != "alice" {
		t.Errorf("expected timed_out notification for alice, got %+v", got)
	}

	n, _ = f.svc.ProcessTimeouts(ctx)
	if n != 0 {
		t.Errorf("expected second sweep to be a no-op, got %d", n)
	}
}

func TestService_ProcessTimeoutsCountsOnlyCommitted(t *testing.T) {
	store := NewMemoryStore()
	clk := clock.NewManaged(time.Date(2026, 6, 1, 14, 0, 0, 0, time.UTC))
	tx := failingCommit{}
	svc := NewService(store, store, tx, clk, events.NewRecorder(), &notification.Recorder{}, zerolog.Nop(), Config{})

	seed := NewService(store, store, db.NewLocalTransactor(), clk, events.NewRecorder(), &notification.Recorder{}, zerolog.Nop(), Config{})
	if _, err := seed.EnterWaitingRoom(context.Background(), "v-alice", "alice", "dr-1"); err != nil {
		t.Fatalf("enter: %v", err)
	}
	clk.WarpForward(31 * time.Minute)

	n, err := svc.ProcessTimeouts(context.Background())
	if err == nil {
		t.Fatal("expected the commit failure to surface")
	}
	if n != 0 {
		t.Errorf("expected nothing counted when the commit fails, got %d", n)
	}
}

// failingCommit runs the unit of work and then reports a failed commit.
type failingCommit struct{}

func (failingCommit) InTx(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	if err := fn(ctx); err != nil {
		return err
	}
	return errors.New("commit transaction: connection reset")
}

func TestService_TimeoutSweepSkipsAlreadyCalled(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.enter(t, "v-alice", "alice")
	f.clock.WarpForward(31 * time.Minute)
	if _, err := f.svc.CallNextPatient(ctx, "dr-1"); err != nil {
		t.Fatalf("call next: %v", err)
	}
	n, err := f.svc.ProcessTimeouts(ctx)
	if err != nil || n != 0 {
		t.Errorf("expected called entry to be left alone, got %d %v", n, err)
	}
	if f.entry(t, "v-alice").Status != StatusCalled {
		t.Error("called entry was timed out")
	}
}

func TestService_ConcurrentEntersKeepPositionsUnique(t *testing.T) {
	f := newFixture()
	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := f.svc.EnterWaitingRoom(context.Background(), fmt.Sprintf("v%d", i), fmt.Sprintf("p%d", i), "dr-1"); err != nil {
				t.Errorf("enter: %v", err)
			}
		}(i)
	}
	wg.Wait()
	assertContiguous(t, f)
	status, _ := f.svc.GetQueueStatus(context.Background(), "dr-1")
	if status.Waiting != n {
		t.Errorf("expected %d waiting, got %d", n, status.Waiting)
	}
}

func TestService_ConcurrentLeaveAndSweep(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.enter(t, "v-alice", "alice")
	f.enter(t, "v-bob", "bob")
	f.clock.WarpForward(45 * time.Minute)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = f.svc.LeaveWaitingRoom(ctx, "v-alice")
	}()
	go func() {
		defer wg.Done()
		_, _ = f.svc.ProcessTimeouts(ctx)
	}()
	wg.Wait()

	alice := f.entry(t, "v-alice")
	if alice.Status != StatusLeft && alice.Status != StatusTimedOut {
		t.Errorf("unexpected status %s", alice.Status)
	}
	closed := 0
	for _, typ := range f.events.Types() {
		if typ == events.WaitingLeft || typ == events.WaitingTimedOut {
			closed++
		}
	}
	// Bob times out too; Alice must be closed exactly once.
	if closed != 2 {
		t.Errorf("expected two close events (alice once, bob once), got %d", closed)
	}
}

func TestService_SystemCheckWarnings(t *testing.T) {
	f := newFixture()
	f.enter(t, "v-alice", "alice")

	warnings, err := f.svc.CompleteSystemCheck(context.Background(), "v-alice", SystemCheckResults{
		CameraAvailable:     true,
		CameraPermission:    false,
		MicrophoneAvailable: false,
		ConnectionSpeedMbps: 1.2,
		BrowserName:         "Firefox",
		BrowserVersion:      "80.0",
	})
	if err != nil {
		t.Fatalf("system check: %v", err)
	}
	if len(warnings) != 4 {
		t.Errorf("expected 4 warnings, got %v", warnings)
	}
	e := f.entry(t, "v-alice")
	if e.Readiness.SystemCheckPassed || e.Readiness.CameraWorking || e.SystemCheck == nil {
		t.Errorf("unexpected readiness %+v", e.Readiness)
	}
}

func TestService_ReadyForVisit(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.enter(t, "v-alice", "alice")

	ready, missing, _ := f.svc.IsReadyForVisit(ctx, "v-alice")
	if ready || len(missing) != 7 {
		t.Errorf("expected everything missing, got %v %v", ready, missing)
	}

	warnings, _ := f.svc.CompleteSystemCheck(ctx, "v-alice", SystemCheckResults{
		CameraAvailable: true, CameraPermission: true,
		MicrophoneAvailable: true, MicrophonePermission: true,
		SpeakerAvailable: true, ConnectionSpeedMbps: 25,
		BrowserName: "chrome", BrowserVersion: "124.0.6367.91",
	})
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings %v", warnings)
	}
	yes := true
	_, err := f.svc.UpdateReadiness(ctx, "v-alice", ReadinessUpdate{QuestionnaireCompleted: &yes, ConsentSigned: &yes})
	if err != nil {
		t.Fatalf("update readiness: %v", err)
	}
	ready, missing, _ = f.svc.IsReadyForVisit(ctx, "v-alice")
	if ready || len(missing) != 1 || missing[0] != "payment" {
		t.Errorf("expected only payment missing, got %v", missing)
	}
	_, _ = f.svc.UpdateReadiness(ctx, "v-alice", ReadinessUpdate{PaymentVerified: &yes})
	if ready, _, _ = f.svc.IsReadyForVisit(ctx, "v-alice"); !ready {
		t.Error("expected ready")
	}
}

func TestService_RecordVisitDurationRollingAverage(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		if err := f.svc.RecordVisitDuration(ctx, "dr-1", 10); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	_ = f.svc.RecordVisitDuration(ctx, "dr-1", 30)
	status, _ := f.svc.GetQueueStatus(ctx, "dr-1")
	// last 20 samples: 19*10 + 30 = 220, average 11
	if status.AverageVisitMinutes != 11 {
		t.Errorf("expected rolling average 11, got %d", status.AverageVisitMinutes)
	}

	f.enter(t, "v-new", "p")
	if got := f.entry(t, "v-new").EstimatedWaitMinutes; got != 11 {
		t.Errorf("expected estimate from rolling average, got %d", got)
	}
}

func TestService_WithdrawCalledOrWaiting(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.enter(t, "v-alice", "alice")
	f.enter(t, "v-bob", "bob")
	_, _ = f.svc.CallNextPatient(ctx, "dr-1")

	if err := f.svc.Withdraw(ctx, "v-alice"); err != nil {
		t.Fatalf("withdraw called: %v", err)
	}
	if err := f.svc.Withdraw(ctx, "v-bob"); err != nil {
		t.Fatalf("withdraw waiting: %v", err)
	}
	if err := f.svc.Withdraw(ctx, "v-unknown"); err != nil {
		t.Errorf("expected no-op for unknown visit, got %v", err)
	}
	if f.entry(t, "v-alice").Status != StatusLeft || f.entry(t, "v-bob").Status != StatusLeft {
		t.Error("expected both entries left")
	}
}

func TestBrowserSupported(t *testing.T) {
	cases := []struct {
		name, version string
		want          bool
	}{
		{"Chrome", "90.0", true},
		{"chrome", "89.9", false},
		{"Safari", "14", true},
		{"edge", "120.1", true},
		{"Opera", "100", false},
		{"firefox", "beta", false},
	}
	for _, tc := range cases {
		if got := browserSupported(tc.name, tc.version); got != tc.want {
			t.Errorf("%s %s: got %v, want %v", tc.name, tc.version, got, tc.want)
		}
	}
}

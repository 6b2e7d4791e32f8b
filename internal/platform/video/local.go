package video

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/telehealth/internal/platform/clock"
)

// registry tracks the rooms a provider handed out. Vendors that create rooms
// lazily on first connect still need it to answer recording and close calls.
type registry struct {
	mu    sync.Mutex
	rooms map[string]*roomState
}

type roomState struct {
	closed     bool
	recordings map[string]Recording
}

func newRegistry() *registry {
	return &registry{rooms: make(map[string]*roomState)}
}

func (r *registry) add(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms[roomID] = &roomState{recordings: make(map[string]Recording)}
}

func (r *registry) open(roomID string) (*roomState, error) {
	st, ok := r.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	if st.closed {
		return nil, fmt.Errorf("%w: %s", ErrRoomClosed, roomID)
	}
	return st, nil
}

func (r *registry) check(roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.open(roomID)
	return err
}

func (r *registry) startRecording(roomID string, at time.Time) (Recording, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, err := r.open(roomID)
	if err != nil {
		return Recording{}, err
	}
	rec := Recording{ID: uuid.NewString(), RoomID: roomID, StartedAt: at}
	st.recordings[rec.ID] = rec
	return rec, nil
}

func (r *registry) stopRecording(rec Recording) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.rooms[rec.RoomID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, rec.RoomID)
	}
	if _, ok := st.recordings[rec.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrRecordingUnknown, rec.ID)
	}
	delete(st.recordings, rec.ID)
	return nil
}

func (r *registry) close(roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.rooms[roomID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	st.closed = true
	return nil
}

// Local is an in-process provider for development and tests.
type Local struct {
	rooms *registry
	clock clock.Clock
}

func NewLocal(clk clock.Clock) *Local {
	return &Local{rooms: newRegistry(), clock: clk}
}

func (l *Local) Name() string { return ProviderLocal }

func (l *Local) DefaultQuality() QualityProfile {
	return QualityProfile{Resolution: "720p", FrameRate: 30, MaxBitrateKbps: 1500, AdaptiveBitrate: true}
}

func (l *Local) CreateRoom(_ context.Context, opts RoomOptions) (Room, error) {
	id := "local-" + uuid.NewString()
	l.rooms.add(id)
	return Room{RoomID: id, Provider: ProviderLocal, JoinURL: "/rooms/" + id, Quality: l.DefaultQuality()}, nil
}

func (l *Local) IssueToken(_ context.Context, roomID, identity string, _ time.Duration) (string, error) {
	if err := l.rooms.check(roomID); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%s", roomID, identity), nil
}

func (l *Local) StartRecording(_ context.Context, roomID string) (Recording, error) {
	return l.rooms.startRecording(roomID, l.clock.Now())
}

func (l *Local) StopRecording(_ context.Context, rec Recording) (string, error) {
	if err := l.rooms.stopRecording(rec); err != nil {
		return "", err
	}
	return fmt.Sprintf("local://recordings/%s/%s", rec.RoomID, rec.ID), nil
}

func (l *Local) CloseRoom(_ context.Context, roomID string) error {
	return l.rooms.close(roomID)
}

package waitingroom

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements EntryRepository and QueueRepository in process.
// Values are copied on the way in and out.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*WaitingRoomEntry
	byVisit map[string]string
	queues  map[string]*ProviderQueue
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*WaitingRoomEntry),
		byVisit: make(map[string]string),
		queues:  make(map[string]*ProviderQueue),
	}
}

func cloneEntry(e *WaitingRoomEntry) *WaitingRoomEntry {
	cp := *e
	cp.Notifications = append([]SentNotification(nil), e.Notifications...)
	if e.SystemCheck != nil {
		sc := *e.SystemCheck
		cp.SystemCheck = &sc
	}
	return &cp
}

func (m *MemoryStore) Create(_ context.Context, e *WaitingRoomEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.ID] = cloneEntry(e)
	m.byVisit[e.VisitID] = e.ID
	return nil
}

func (m *MemoryStore) GetByVisit(_ context.Context, visitID string) (*WaitingRoomEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byVisit[visitID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return cloneEntry(m.entries[id]), nil
}

func (m *MemoryStore) Update(_ context.Context, e *WaitingRoomEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[e.ID]; !ok {
		return ErrEntryNotFound
	}
	m.entries[e.ID] = cloneEntry(e)
	return nil
}

func (m *MemoryStore) CompareAndSetStatus(_ context.Context, entryID string, from, to EntryStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[entryID]
	if !ok {
		return false, ErrEntryNotFound
	}
	if e.Status != from {
		return false, nil
	}
	e.Status = to
	return true, nil
}

func (m *MemoryStore) ListExpired(_ context.Context, now time.Time, limit int) ([]*WaitingRoomEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*WaitingRoomEntry
	for _, e := range m.entries {
		if e.Status == StatusWaiting && !e.TimeoutAt.After(now) {
			out = append(out, cloneEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimeoutAt.Before(out[j].TimeoutAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneQueue(q *ProviderQueue) *ProviderQueue {
	cp := *q
	cp.VisitIDs = append([]string(nil), q.VisitIDs...)
	cp.RecentDurations = append([]int(nil), q.RecentDurations...)
	return &cp
}

func (m *MemoryStore) Get(_ context.Context, providerID string) (*ProviderQueue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queues[providerID]
	if !ok {
		return nil, errQueueNotFound
	}
	return cloneQueue(q), nil
}

func (m *MemoryStore) Save(_ context.Context, q *ProviderQueue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[q.ProviderID] = cloneQueue(q)
	return nil
}

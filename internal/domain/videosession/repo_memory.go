package videosession

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore implements the session, participant, screen-share and chat
// repositories in process.
type MemoryStore struct {
	mu           sync.RWMutex
	sessions     map[string]*VideoSession
	participants map[string]*SessionParticipant
	shares       map[string]*ScreenShareSession
	chat         map[string][]*SessionChatMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:     make(map[string]*VideoSession),
		participants: make(map[string]*SessionParticipant),
		shares:       make(map[string]*ScreenShareSession),
		chat:         make(map[string][]*SessionChatMessage),
	}
}

func (m *MemoryStore) Sessions() SessionRepository         { return sessionMemory{m} }
func (m *MemoryStore) Participants() ParticipantRepository { return participantMemory{m} }
func (m *MemoryStore) ScreenShares() ScreenShareRepository { return shareMemory{m} }
func (m *MemoryStore) Chat() ChatRepository                { return chatMemory{m} }

func cloneSession(s *VideoSession) *VideoSession {
	cp := *s
	cp.Participants = nil
	cp.Errors = append([]SessionError(nil), s.Errors...)
	return &cp
}

type sessionMemory struct{ m *MemoryStore }

func (r sessionMemory) Create(_ context.Context, s *VideoSession) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.sessions[s.ID] = cloneSession(s)
	return nil
}

func (r sessionMemory) GetByID(_ context.Context, id string) (*VideoSession, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	s, ok := r.m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(s), nil
}

func (r sessionMemory) Update(_ context.Context, s *VideoSession) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.sessions[s.ID]; !ok {
		return ErrSessionNotFound
	}
	r.m.sessions[s.ID] = cloneSession(s)
	return nil
}

func (r sessionMemory) OpenForVisit(_ context.Context, visitID string) (*VideoSession, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	for _, s := range r.m.sessions {
		if s.VisitID == visitID && !s.Status.closed() {
			return cloneSession(s), nil
		}
	}
	return nil, ErrSessionNotFound
}

type participantMemory struct{ m *MemoryStore }

func (r participantMemory) Create(_ context.Context, p *SessionParticipant) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	cp := *p
	r.m.participants[p.ID] = &cp
	return nil
}

func (r participantMemory) Update(_ context.Context, p *SessionParticipant) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.participants[p.ID]; !ok {
		return ErrNotAParticipant
	}
	cp := *p
	r.m.participants[p.ID] = &cp
	return nil
}

func (r participantMemory) ListBySession(_ context.Context, sessionID string) ([]*SessionParticipant, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var out []*SessionParticipant
	for _, p := range r.m.participants {
		if p.SessionID == sessionID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

type shareMemory struct{ m *MemoryStore }

func (r shareMemory) Create(_ context.Context, s *ScreenShareSession) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, existing := range r.m.shares {
		if existing.SessionID == s.SessionID && existing.EndedAt == nil {
			return ErrScreenShareBusy
		}
	}
	cp := *s
	r.m.shares[s.ID] = &cp
	return nil
}

func (r shareMemory) Update(_ context.Context, s *ScreenShareSession) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.shares[s.ID]; !ok {
		return ErrNotScreenSharing
	}
	cp := *s
	r.m.shares[s.ID] = &cp
	return nil
}

func (r shareMemory) Active(_ context.Context, sessionID string) (*ScreenShareSession, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	for _, s := range r.m.shares {
		if s.SessionID == sessionID && s.EndedAt == nil {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (r shareMemory) ListBySession(_ context.Context, sessionID string) ([]*ScreenShareSession, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var out []*ScreenShareSession
	for _, s := range r.m.shares {
		if s.SessionID == sessionID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

type chatMemory struct{ m *MemoryStore }

func (r chatMemory) Create(_ context.Context, msg *SessionChatMessage) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	cp := *msg
	r.m.chat[msg.SessionID] = append(r.m.chat[msg.SessionID], &cp)
	return nil
}

func (r chatMemory) ListBySession(_ context.Context, sessionID string) ([]*SessionChatMessage, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	msgs := r.m.chat[sessionID]
	out := make([]*SessionChatMessage, 0, len(msgs))
	for _, msg := range msgs {
		cp := *msg
		out = append(out, &cp)
	}
	return out, nil
}

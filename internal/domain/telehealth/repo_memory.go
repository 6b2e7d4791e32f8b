package telehealth

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements the visit, consent and availability repositories in
// process. Values are copied on the way in and out.
type MemoryStore struct {
	mu           sync.RWMutex
	visits       map[string]*VirtualVisit
	consents     map[string]*TelehealthConsent
	availability map[string]*ProviderTelehealthAvailability
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		visits:       make(map[string]*VirtualVisit),
		consents:     make(map[string]*TelehealthConsent),
		availability: make(map[string]*ProviderTelehealthAvailability),
	}
}

// Visits, Consents and Availability expose the store through one repository
// interface each, since the method sets overlap.
func (m *MemoryStore) Visits() VisitRepository             { return visitMemory{m} }
func (m *MemoryStore) Consents() ConsentRepository         { return consentMemory{m} }
func (m *MemoryStore) Availability() AvailabilityRepository { return availabilityMemory{m} }

func cloneVisit(v *VirtualVisit) *VirtualVisit {
	cp := *v
	if v.Documentation != nil {
		doc := *v.Documentation
		doc.Diagnoses = append([]string(nil), v.Documentation.Diagnoses...)
		doc.Prescriptions = append([]string(nil), v.Documentation.Prescriptions...)
		cp.Documentation = &doc
	}
	return &cp
}

type visitMemory struct{ m *MemoryStore }

func (r visitMemory) Create(_ context.Context, v *VirtualVisit) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.visits[v.ID] = cloneVisit(v)
	return nil
}

func (r visitMemory) GetByID(_ context.Context, id string) (*VirtualVisit, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	v, ok := r.m.visits[id]
	if !ok {
		return nil, ErrVisitNotFound
	}
	return cloneVisit(v), nil
}

func (r visitMemory) Update(_ context.Context, v *VirtualVisit) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.visits[v.ID]; !ok {
		return ErrVisitNotFound
	}
	r.m.visits[v.ID] = cloneVisit(v)
	return nil
}

func (r visitMemory) ListActiveForProvider(_ context.Context, providerID string, from, to time.Time) ([]*VirtualVisit, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var out []*VirtualVisit
	for _, v := range r.m.visits {
		if v.ProviderID != providerID || v.Status.Terminal() {
			continue
		}
		if v.ScheduledAt.Before(from) || !v.ScheduledAt.Before(to) {
			continue
		}
		out = append(out, cloneVisit(v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out, nil
}

func (r visitMemory) ListScheduledBefore(_ context.Context, cutoff time.Time, limit int) ([]*VirtualVisit, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var out []*VirtualVisit
	for _, v := range r.m.visits {
		if v.Status == StatusScheduled && !v.ScheduledAt.After(cutoff) {
			out = append(out, cloneVisit(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r visitMemory) List(_ context.Context, f VisitFilter, limit, offset int) ([]*VirtualVisit, int, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var matched []*VirtualVisit
	for _, v := range r.m.visits {
		if f.PatientID != "" && v.PatientID != f.PatientID {
			continue
		}
		if f.ProviderID != "" && v.ProviderID != f.ProviderID {
			continue
		}
		if f.Status != "" && v.Status != f.Status {
			continue
		}
		if f.From != nil && v.ScheduledAt.Before(*f.From) {
			continue
		}
		if f.To != nil && !v.ScheduledAt.Before(*f.To) {
			continue
		}
		matched = append(matched, v)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ScheduledAt.After(matched[j].ScheduledAt) })

	total := len(matched)
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]*VirtualVisit, 0, end-offset)
	for _, v := range matched[offset:end] {
		out = append(out, cloneVisit(v))
	}
	return out, total, nil
}

type consentMemory struct{ m *MemoryStore }

func (r consentMemory) Create(_ context.Context, c *TelehealthConsent) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	cp := *c
	r.m.consents[c.ID] = &cp
	return nil
}

func (r consentMemory) GetByID(_ context.Context, id string) (*TelehealthConsent, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	c, ok := r.m.consents[id]
	if !ok {
		return nil, ErrConsentNotFound
	}
	cp := *c
	return &cp, nil
}

func (r consentMemory) Update(_ context.Context, c *TelehealthConsent) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.consents[c.ID]; !ok {
		return ErrConsentNotFound
	}
	cp := *c
	r.m.consents[c.ID] = &cp
	return nil
}

func (r consentMemory) LatestActive(_ context.Context, patientID string) (*TelehealthConsent, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	var latest *TelehealthConsent
	for _, c := range r.m.consents {
		if c.PatientID != patientID || c.RevokedAt != nil {
			continue
		}
		if latest == nil || c.ConsentedAt.After(latest.ConsentedAt) {
			latest = c
		}
	}
	if latest == nil {
		return nil, ErrConsentNotFound
	}
	cp := *latest
	return &cp, nil
}

type availabilityMemory struct{ m *MemoryStore }

func (r availabilityMemory) Get(_ context.Context, providerID string) (*ProviderTelehealthAvailability, error) {
	r.m.mu.RLock()
	defer r.m.mu.RUnlock()
	a, ok := r.m.availability[providerID]
	if !ok {
		return nil, ErrAvailabilityNotFound
	}
	return cloneAvailability(a), nil
}

func (r availabilityMemory) Save(_ context.Context, a *ProviderTelehealthAvailability) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.availability[a.ProviderID] = cloneAvailability(a)
	return nil
}

func cloneAvailability(a *ProviderTelehealthAvailability) *ProviderTelehealthAvailability {
	cp := *a
	cp.WeeklyHours = make(map[string][]TimeWindow, len(a.WeeklyHours))
	for day, windows := range a.WeeklyHours {
		cp.WeeklyHours[day] = append([]TimeWindow(nil), windows...)
	}
	cp.BreakTimes = append([]TimeWindow(nil), a.BreakTimes...)
	cp.SupportedVisitTypes = append([]VisitType(nil), a.SupportedVisitTypes...)
	cp.AcceptedPaymentMethods = append([]string(nil), a.AcceptedPaymentMethods...)
	return &cp
}

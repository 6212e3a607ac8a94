package enrollment

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-process Store used by tests and dev mode.
type MemoryStore struct {
	mu          sync.Mutex
	records     map[string]Enrollment
	transitions []Transition
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Enrollment)}
}

func (m *MemoryStore) Get(_ context.Context, userID string) (Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.records[userID]
	if !ok {
		return Enrollment{}, ErrNotFound
	}
	return e, nil
}

func (m *MemoryStore) Create(_ context.Context, e Enrollment) (Enrollment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.records[e.UserID]; ok {
		return cur, false, nil
	}
	if e.Status == "" {
		e.Status = StatusNone
	}
	m.records[e.UserID] = e
	return e, true, nil
}

func (m *MemoryStore) UpdateProfile(_ context.Context, userID string, p Profile, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.records[userID]
	if !ok {
		return ErrNotFound
	}
	if p.ReferencePhotoURL != "" {
		e.ReferencePhotoURL = p.ReferencePhotoURL
	}
	if p.FingerprintHash != "" {
		e.FingerprintHash = p.FingerprintHash
	}
	if p.CredentialID != "" {
		e.CredentialID = p.CredentialID
	}
	e.UpdatedAt = at
	m.records[userID] = e
	return nil
}

func (m *MemoryStore) Transition(_ context.Context, userID string, from, to Status, c Change, t Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.records[userID]
	if !ok {
		return ErrNotFound
	}
	if e.Status != from {
		return ErrStale
	}
	e.Status = to
	if c.Reason != nil {
		e.Reason = *c.Reason
	}
	if c.ApprovedBy != nil {
		e.ApprovedBy = *c.ApprovedBy
	}
	if c.ApprovedAt != nil {
		at := *c.ApprovedAt
		e.ApprovedAt = &at
	}
	e.UpdatedAt = t.At
	m.records[userID] = e
	m.transitions = append(m.transitions, t)
	return nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, s Status) ([]Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Enrollment
	for _, e := range m.records {
		if e.Status == s {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (m *MemoryStore) Transitions(_ context.Context, userID string) ([]Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Transition
	for _, t := range m.transitions {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

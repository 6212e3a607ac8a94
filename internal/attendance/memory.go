package attendance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is the in-process Repository used by tests and dev mode.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[string]Record
	now     func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]Record), now: time.Now}
}

func (m *MemoryRepository) Insert(_ context.Context, r Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.records {
		if existing.UserID == r.UserID && existing.Scope == r.Scope {
			return Record{}, ErrDuplicate
		}
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CreatedAt = m.now().UTC()
	m.records[r.ID] = r
	return r, nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryRepository) FindByScope(_ context.Context, userID, scope string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.UserID == userID && r.Scope == scope {
			return r, nil
		}
	}
	return Record{}, ErrNotFound
}

func (m *MemoryRepository) CheckOut(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	if r.CheckOutAt != nil {
		return ErrAlreadyClosed
	}
	r.CheckOutAt = &at
	m.records[id] = r
	return nil
}

func (m *MemoryRepository) Review(_ context.Context, id string, status Status, admin string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	if r.Verified {
		return ErrAlreadyVerified
	}
	r.Status = status
	r.Verified = true
	r.VerifiedBy = admin
	r.VerifiedAt = &at
	m.records[id] = r
	return nil
}

func (m *MemoryRepository) List(_ context.Context, f Filter) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if f.UserID != "" && r.UserID != f.UserID {
			continue
		}
		if f.Scope != "" && r.Scope != f.Scope {
			continue
		}
		if !f.From.IsZero() && r.CheckInAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !r.CheckInAt.Before(f.To) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CheckInAt.After(out[j].CheckInAt) })
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

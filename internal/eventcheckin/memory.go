package eventcheckin

import (
	"context"
	"sync"
)

// MemoryRepository keeps tokens and attendance in process. One mutex covers
// both maps, so Redeem is atomic like the Postgres transaction.
type MemoryRepository struct {
	mu         sync.Mutex
	tokens     map[string]Token
	attendance []Attendance
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tokens: make(map[string]Token)}
}

func (m *MemoryRepository) Token(_ context.Context, token string) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[token]
	if !ok {
		return Token{}, ErrTokenNotFound
	}
	return t, nil
}

func (m *MemoryRepository) Attended(_ context.Context, eventID string, id Identity) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attendedLocked(eventID, id), nil
}

func (m *MemoryRepository) EventExists(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.EventID == eventID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryRepository) attendedLocked(eventID string, id Identity) bool {
	for _, a := range m.attendance {
		if a.EventID != eventID {
			continue
		}
		if (id.Email != "" && a.Email == id.Email) || (id.UserID != "" && a.UserID == id.UserID) {
			return true
		}
	}
	return false
}

func (m *MemoryRepository) Redeem(_ context.Context, t Token, a Attendance) (Attendance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tokens[t.Token]
	if !ok {
		return Attendance{}, ErrTokenNotFound
	}
	if cur.SingleUse && cur.Used {
		return Attendance{}, ErrTokenUsed
	}
	if m.attendedLocked(a.EventID, Identity{Email: a.Email, UserID: a.UserID}) {
		return Attendance{}, ErrDuplicate
	}
	if cur.SingleUse {
		cur.Used = true
		m.tokens[t.Token] = cur
	}
	m.attendance = append(m.attendance, a)
	return a, nil
}

func (m *MemoryRepository) InsertTokens(_ context.Context, tokens []Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tokens {
		m.tokens[t.Token] = t
	}
	return nil
}

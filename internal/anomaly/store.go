package anomaly

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Store keeps flagged assessments for the admin security view.
type Store interface {
	Save(ctx context.Context, a Assessment) error
	List(ctx context.Context, since time.Time, limit int) ([]Assessment, error)
}

type MemoryStore struct {
	mu    sync.Mutex
	items map[string]Assessment
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{items: map[string]Assessment{}} }

func (m *MemoryStore) Save(_ context.Context, a Assessment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[a.EntryID] = a
	return nil
}

func (m *MemoryStore) List(_ context.Context, since time.Time, limit int) ([]Assessment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Assessment
	for _, a := range m.items {
		if a.At.Before(since) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PostgresStore writes to anomaly_assessments. Re-reviewing an entry
// replaces its assessment.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (s *PostgresStore) Save(ctx context.Context, a Assessment) error {
	flags, err := json.Marshal(a.Flags)
	if err != nil {
		return err
	}
	sugg, err := json.Marshal(a.Suggestions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO anomaly_assessments (entry_id, actor_id, at, risk_level, score, flags, suggestions)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (entry_id) DO UPDATE
		SET risk_level = EXCLUDED.risk_level, score = EXCLUDED.score,
			flags = EXCLUDED.flags, suggestions = EXCLUDED.suggestions
	`, a.EntryID, a.ActorID, a.At, string(a.RiskLevel), a.Score, flags, sugg)
	return err
}

func (s *PostgresStore) List(ctx context.Context, since time.Time, limit int) ([]Assessment, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_id, actor_id, at, risk_level, score, flags, suggestions
		FROM anomaly_assessments WHERE at >= $1
		ORDER BY at DESC LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Assessment
	for rows.Next() {
		var (
			a           Assessment
			risk        string
			flags, sugg []byte
		)
		if err := rows.Scan(&a.EntryID, &a.ActorID, &a.At, &risk, &a.Score, &flags, &sugg); err != nil {
			return nil, err
		}
		a.RiskLevel = RiskLevel(risk)
		if err := json.Unmarshal(flags, &a.Flags); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(sugg, &a.Suggestions); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

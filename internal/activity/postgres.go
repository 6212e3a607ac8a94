package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PostgresStore persists entries in the activity_log table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, e Entry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("encode details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO activity_log (id, at, actor_id, actor_email, action, outcome, code, ip, user_agent, fingerprint, lat, lon, details)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, e.ID, e.At, e.ActorID, e.ActorEmail, e.Action, e.Outcome, e.Code, e.IP, e.UserAgent, e.Fingerprint, e.Lat, e.Lon, details)
	return err
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]Entry, error) {
	query := `SELECT id, at, actor_id, actor_email, action, outcome, code, ip, user_agent, fingerprint, lat, lon, details FROM activity_log`
	var (
		clauses []string
		args    []any
	)
	if f.ActorID != "" {
		args = append(args, f.ActorID)
		clauses = append(clauses, fmt.Sprintf("actor_id = $%d", len(args)))
	}
	if f.Action != "" {
		args = append(args, f.Action)
		clauses = append(clauses, fmt.Sprintf("action = $%d", len(args)))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		clauses = append(clauses, fmt.Sprintf("at >= $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.At, &e.ActorID, &e.ActorEmail, &e.Action, &e.Outcome, &e.Code, &e.IP, &e.UserAgent, &e.Fingerprint, &e.Lat, &e.Lon, &details); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			_ = json.Unmarshal(details, &e.Details)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

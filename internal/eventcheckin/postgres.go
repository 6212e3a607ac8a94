package eventcheckin

import (
	"context"
	"database/sql"
	"errors"

	"attendguard/internal/store"
)

// PostgresRepository stores tokens in event_tokens and redemptions in
// event_attendance.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Token(ctx context.Context, token string) (Token, error) {
	var t Token
	err := r.db.QueryRowContext(ctx, `
		SELECT token, event_id, expires_at, single_use, used, created_at
		FROM event_tokens WHERE token = $1
	`, token).Scan(&t.Token, &t.EventID, &t.ExpiresAt, &t.SingleUse, &t.Used, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Token{}, ErrTokenNotFound
	}
	return t, err
}

func (r *PostgresRepository) EventExists(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM event_tokens WHERE event_id = $1)`, eventID).Scan(&exists)
	return exists, err
}

func (r *PostgresRepository) Attended(ctx context.Context, eventID string, id Identity) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM event_attendance
			WHERE event_id = $1 AND ((email <> '' AND email = $2) OR (user_id <> '' AND user_id = $3))
		)
	`, eventID, id.Email, id.UserID).Scan(&exists)
	return exists, err
}

// Redeem marks the token used before inserting. Two concurrent scans of a
// single-use token race on the conditional UPDATE and exactly one sees a
// row affected.
func (r *PostgresRepository) Redeem(ctx context.Context, t Token, a Attendance) (Attendance, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Attendance{}, err
	}
	defer tx.Rollback()

	if t.SingleUse {
		res, err := tx.ExecContext(ctx, `
			UPDATE event_tokens SET used = TRUE, used_at = $2
			WHERE token = $1 AND used = FALSE
		`, t.Token, a.CheckedInAt)
		if err != nil {
			return Attendance{}, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return Attendance{}, err
		}
		if n == 0 {
			return Attendance{}, ErrTokenUsed
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO event_attendance (id, event_id, token, email, user_id, name, checked_in_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, a.ID, a.EventID, a.Token, a.Email, a.UserID, a.Name, a.CheckedInAt)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return Attendance{}, ErrDuplicate
		}
		return Attendance{}, err
	}
	if err := tx.Commit(); err != nil {
		return Attendance{}, err
	}
	return a, nil
}

func (r *PostgresRepository) InsertTokens(ctx context.Context, tokens []Token) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO event_tokens (token, event_id, expires_at, single_use, used, created_at)
		VALUES ($1,$2,$3,$4,FALSE,$5)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, t := range tokens {
		if _, err := stmt.ExecContext(ctx, t.Token, t.EventID, t.ExpiresAt, t.SingleUse, t.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

package enrollment

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists enrollments in biometric_enrollments and the
// transition log in enrollment_transitions.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const enrollmentColumns = `user_id, reference_photo_url, fingerprint_hash, credential_id, enrolled_at, re_enroll_status, re_enroll_reason, approved_by, approved_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanEnrollment(row scanner) (Enrollment, error) {
	var (
		e      Enrollment
		status string
	)
	if err := row.Scan(&e.UserID, &e.ReferencePhotoURL, &e.FingerprintHash, &e.CredentialID, &e.EnrolledAt, &status, &e.Reason, &e.ApprovedBy, &e.ApprovedAt, &e.UpdatedAt); err != nil {
		return Enrollment{}, err
	}
	e.Status = Status(status)
	return e, nil
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (Enrollment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+enrollmentColumns+` FROM biometric_enrollments WHERE user_id = $1`, userID)
	e, err := scanEnrollment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Enrollment{}, ErrNotFound
	}
	return e, err
}

func (s *PostgresStore) Create(ctx context.Context, e Enrollment) (Enrollment, bool, error) {
	if e.Status == "" {
		e.Status = StatusNone
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO biometric_enrollments (user_id, reference_photo_url, fingerprint_hash, credential_id, enrolled_at, re_enroll_status, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (user_id) DO NOTHING
	`, e.UserID, e.ReferencePhotoURL, e.FingerprintHash, e.CredentialID, e.EnrolledAt, string(e.Status), e.UpdatedAt)
	if err != nil {
		return Enrollment{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Enrollment{}, false, err
	}
	cur, err := s.Get(ctx, e.UserID)
	return cur, n == 1, err
}

func (s *PostgresStore) UpdateProfile(ctx context.Context, userID string, p Profile, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE biometric_enrollments
		SET reference_photo_url = COALESCE(NULLIF($2, ''), reference_photo_url),
			fingerprint_hash = COALESCE(NULLIF($3, ''), fingerprint_hash),
			credential_id = COALESCE(NULLIF($4, ''), credential_id),
			updated_at = $5
		WHERE user_id = $1
	`, userID, p.ReferencePhotoURL, p.FingerprintHash, p.CredentialID, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Transition performs the status compare-and-swap and the audit insert in
// one transaction.
func (s *PostgresStore) Transition(ctx context.Context, userID string, from, to Status, c Change, t Transition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE biometric_enrollments
		SET re_enroll_status = $3,
			re_enroll_reason = COALESCE($4, re_enroll_reason),
			approved_by = COALESCE($5, approved_by),
			approved_at = COALESCE($6, approved_at),
			updated_at = $7
		WHERE user_id = $1 AND re_enroll_status = $2
	`, userID, string(from), string(to), c.Reason, c.ApprovedBy, c.ApprovedAt, t.At)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.Get(ctx, userID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrStale
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO enrollment_transitions (id, user_id, actor, from_status, to_status, reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, t.ID, t.UserID, t.Actor, string(t.From), string(t.To), t.Reason, t.At); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) ListByStatus(ctx context.Context, st Status) ([]Enrollment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+enrollmentColumns+` FROM biometric_enrollments WHERE re_enroll_status = $1 ORDER BY updated_at`, string(st))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Transitions(ctx context.Context, userID string) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, actor, from_status, to_status, reason, created_at
		FROM enrollment_transitions WHERE user_id = $1 ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Transition
	for rows.Next() {
		var (
			t        Transition
			from, to string
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.Actor, &from, &to, &t.Reason, &t.At); err != nil {
			return nil, err
		}
		t.From, t.To = Status(from), Status(to)
		out = append(out, t)
	}
	return out, rows.Err()
}

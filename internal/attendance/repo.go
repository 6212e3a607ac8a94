package attendance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"attendguard/internal/store"
)

// PostgresRepository persists attendance records in Postgres.
type PostgresRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const recordColumns = `id, user_id, scope, check_in_at, check_out_at, status, verification, verified, verified_by, verified_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		r      Record
		status string
		meta   []byte
	)
	if err := row.Scan(&r.ID, &r.UserID, &r.Scope, &r.CheckInAt, &r.CheckOutAt, &status, &meta, &r.Verified, &r.VerifiedBy, &r.VerifiedAt, &r.CreatedAt); err != nil {
		return Record{}, err
	}
	r.Status = Status(status)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &r.Verification); err != nil {
			return Record{}, fmt.Errorf("decode verification: %w", err)
		}
	}
	return r, nil
}

// Insert writes a new record. The (user_id, scope) unique index turns a
// concurrent second check-in into ErrDuplicate.
func (r *PostgresRepository) Insert(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CheckInAt.IsZero() {
		rec.CheckInAt = time.Now().UTC()
	}
	meta, err := json.Marshal(rec.Verification)
	if err != nil {
		return Record{}, err
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records (id, user_id, scope, check_in_at, status, verification, verified)
		VALUES ($1,$2,$3,$4,$5,$6,FALSE)
		RETURNING created_at
	`, rec.ID, rec.UserID, rec.Scope, rec.CheckInAt, string(rec.Status), meta)
	if err := row.Scan(&rec.CreatedAt); err != nil {
		if store.IsUniqueViolation(err) {
			return Record{}, ErrDuplicate
		}
		return Record{}, err
	}
	return rec, nil
}

// Get returns a single record by id.
func (r *PostgresRepository) Get(ctx context.Context, id string) (Record, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM attendance_records WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

// FindByScope returns the user's record for a day or event scope.
func (r *PostgresRepository) FindByScope(ctx context.Context, userID, scope string) (Record, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM attendance_records WHERE user_id = $1 AND scope = $2`, userID, scope))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

// CheckOut closes an open record.
func (r *PostgresRepository) CheckOut(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_records SET check_out_at = $2
		WHERE id = $1 AND check_out_at IS NULL
	`, id, at)
	if err != nil {
		return err
	}
	return r.conditional(ctx, res, id, ErrAlreadyClosed)
}

// Review applies an admin verdict once; verified records are append-only.
func (r *PostgresRepository) Review(ctx context.Context, id string, status Status, admin string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_records
		SET status = $2, verified = TRUE, verified_by = $3, verified_at = $4
		WHERE id = $1 AND verified = FALSE
	`, id, string(status), admin, at)
	if err != nil {
		return err
	}
	return r.conditional(ctx, res, id, ErrAlreadyVerified)
}

// conditional distinguishes "no such row" from "guard failed" after a
// zero-row conditional update.
func (r *PostgresRepository) conditional(ctx context.Context, res sql.Result, id string, guard error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return guard
}

// List pages through records newest first. Zero-valued filter fields are
// ignored.
func (r *PostgresRepository) List(ctx context.Context, f Filter) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	arg := func(cond string, v any) {
		args = append(args, v)
		where = append(where, cond+" $"+strconv.Itoa(len(args)))
	}
	if f.UserID != "" {
		arg("user_id =", f.UserID)
	}
	if f.Scope != "" {
		arg("scope =", f.Scope)
	}
	if !f.From.IsZero() {
		arg("check_in_at >=", f.From)
	}
	if !f.To.IsZero() {
		arg("check_in_at <", f.To)
	}

	var q strings.Builder
	q.WriteString(`SELECT ` + recordColumns + ` FROM attendance_records`)
	if len(where) > 0 {
		q.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	limit, offset := f.Limit, max(f.Offset, 0)
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, offset)
	fmt.Fprintf(&q, " ORDER BY check_in_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

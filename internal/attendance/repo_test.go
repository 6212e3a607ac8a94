package attendance

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestPostgresInsert_UniqueViolationIsDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO attendance_records")).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "attendance_records_user_scope_key"})

	_, err = NewRepository(db).Insert(context.Background(), Record{UserID: "u-1", Scope: "day:2026-03-02", Status: StatusPresent})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("want ErrDuplicate, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresReview_GuardedUpdate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND verified = FALSE")).
		WithArgs("r-1", "sick", "admin-1", at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	cols := []string{"id", "user_id", "scope", "check_in_at", "check_out_at", "status", "verification", "verified", "verified_by", "verified_at", "created_at"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM attendance_records WHERE id = $1")).
		WithArgs("r-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("r-1", "u-1", "day:2026-03-02", at, nil, "present", []byte(`{}`), true, "admin-0", at, at))

	err = NewRepository(db).Review(context.Background(), "r-1", StatusSick, "admin-1", at)
	if !errors.Is(err, ErrAlreadyVerified) {
		t.Fatalf("want ErrAlreadyVerified, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresCheckOut_MissingRecord(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("check_out_at IS NULL")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM attendance_records WHERE id = $1")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	err = NewRepository(db).CheckOut(context.Background(), "missing", time.Now())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestPostgresList_BuildsFilters(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM attendance_records WHERE user_id = $1 AND check_in_at >= $2 ORDER BY check_in_at DESC LIMIT $3 OFFSET $4")).
		WithArgs("u-1", from, 50, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	recs, err := NewRepository(db).List(context.Background(), Filter{UserID: "u-1", From: from, Offset: -3})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Fatalf("want no records, got %d", len(recs))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

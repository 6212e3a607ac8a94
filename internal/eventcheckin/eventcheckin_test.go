package eventcheckin

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"attendguard/internal/activity"
	"attendguard/internal/apperr"
)

var clock = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newTestService(tokens ...Token) (*Service, *MemoryRepository) {
	repo := NewMemoryRepository()
	repo.InsertTokens(context.Background(), tokens)
	svc := NewService(repo, nil, zerolog.Nop())
	svc.now = func() time.Time { return clock }
	return svc, repo
}

func TestCheckIn_SingleUseScenario(t *testing.T) {
	svc, _ := newTestService(Token{Token: "tok-9", EventID: "E1", ExpiresAt: clock.Add(time.Hour), SingleUse: true})
	ctx := context.Background()

	a, err := svc.CheckIn(ctx, "E1", "tok-9", Identity{Email: "a@x.com"}, activity.Client{})
	if err != nil {
		t.Fatalf("user A: %v", err)
	}
	if a.Email != "a@x.com" || a.EventID != "E1" {
		t.Fatalf("unexpected attendance %+v", a)
	}
	_, err = svc.CheckIn(ctx, "E1", "tok-9", Identity{Email: "b@x.com"}, activity.Client{})
	if !errors.Is(err, apperr.ErrTokenAlreadyUsed) {
		t.Fatalf("user B: want token_already_used, got %v", err)
	}
	if apperr.MessageOf(err) != "token_already_used" {
		t.Fatalf("unexpected message %q", apperr.MessageOf(err))
	}
}

func TestCheckIn_ConcurrentSingleUse(t *testing.T) {
	svc, _ := newTestService(Token{Token: "tok", EventID: "E1", ExpiresAt: clock.Add(time.Hour), SingleUse: true})
	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		ok, consumed int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.CheckIn(context.Background(), "E1", "tok", Identity{UserID: string(rune('a' + i))}, activity.Client{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, apperr.ErrTokenAlreadyUsed):
				consumed++
			}
		}(i)
	}
	wg.Wait()
	if ok != 1 || consumed != 19 {
		t.Fatalf("want 1 ok and 19 token_already_used, got %d and %d", ok, consumed)
	}
}

func TestCheckIn_Rejections(t *testing.T) {
	svc, _ := newTestService(
		Token{Token: "live", EventID: "E1", ExpiresAt: clock.Add(time.Hour)},
		Token{Token: "old", EventID: "E1", ExpiresAt: clock.Add(-time.Minute)},
		Token{Token: "edge", EventID: "E1", ExpiresAt: clock},
	)
	ctx := context.Background()
	if _, err := svc.CheckIn(ctx, "E1", "live", Identity{Email: "A@X.com", UserID: "u-1"}, activity.Client{}); err != nil {
		t.Fatalf("setup: %v", err)
	}

	cases := []struct {
		name    string
		event   string
		token   string
		id      Identity
		code    apperr.Code
		message string
	}{
		{"unknown token", "E1", "nope", Identity{Email: "c@x.com"}, apperr.CodeTokenInvalid, ""},
		{"token of another event", "E2", "live", Identity{Email: "c@x.com"}, apperr.CodeTokenInvalid, ""},
		{"expired", "E1", "old", Identity{Email: "c@x.com"}, apperr.CodeTokenExpired, "Token expired"},
		{"expires now", "E1", "edge", Identity{Email: "c@x.com"}, apperr.CodeTokenExpired, "Token expired"},
		{"same email", "E1", "live", Identity{Email: " a@x.com "}, apperr.CodeDuplicateAttendance, ""},
		{"same user id", "E1", "live", Identity{UserID: "u-1", Email: "other@x.com"}, apperr.CodeDuplicateAttendance, ""},
		{"no identity", "E1", "live", Identity{Name: "Anon"}, apperr.CodeInvalidRequest, ""},
		{"empty token", "E1", " ", Identity{Email: "c@x.com"}, apperr.CodeTokenInvalid, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CheckIn(ctx, tc.event, tc.token, tc.id, activity.Client{})
			if got := apperr.CodeOf(err); got != tc.code {
				t.Fatalf("want %s, got %s (%v)", tc.code, got, err)
			}
			if tc.message != "" && apperr.MessageOf(err) != tc.message {
				t.Fatalf("want message %q, got %q", tc.message, apperr.MessageOf(err))
			}
		})
	}
}

func TestCheckIn_ReusableToken(t *testing.T) {
	svc, _ := newTestService(Token{Token: "poster", EventID: "E1", ExpiresAt: clock.Add(time.Hour)})
	ctx := context.Background()
	for _, email := range []string{"a@x.com", "b@x.com", "c@x.com"} {
		if _, err := svc.CheckIn(ctx, "E1", "poster", Identity{Email: email}, activity.Client{}); err != nil {
			t.Fatalf("%s: %v", email, err)
		}
	}
}

type capture struct{ entries []activity.Entry }

func (c *capture) Record(_ context.Context, e activity.Entry) { c.entries = append(c.entries, e) }

func TestCheckIn_LogsEveryAttempt(t *testing.T) {
	repo := NewMemoryRepository()
	rec := &capture{}
	svc := NewService(repo, rec, zerolog.Nop())
	svc.CheckIn(context.Background(), "E1", "missing", Identity{Email: "a@x.com"}, activity.Client{IP: "10.0.0.1"})
	if len(rec.entries) != 1 {
		t.Fatalf("want 1 entry, got %d", len(rec.entries))
	}
	e := rec.entries[0]
	if !e.Failed() || e.Code != string(apperr.CodeTokenInvalid) || e.IP != "10.0.0.1" || e.Action != activity.ActionEventCheckin {
		t.Fatalf("unexpected entry %+v", e)
	}
}

func TestIssueTokens(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	tokens, err := svc.IssueTokens(ctx, "E1", 5, time.Hour, true)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	seen := map[string]bool{}
	for _, tok := range tokens {
		if len(tok.Token) != 43 || seen[tok.Token] {
			t.Fatalf("bad or repeated token %q", tok.Token)
		}
		seen[tok.Token] = true
		stored, err := repo.Token(ctx, tok.Token)
		if err != nil || !stored.SingleUse || !stored.ExpiresAt.Equal(clock.Add(time.Hour)) {
			t.Fatalf("stored token %+v: %v", stored, err)
		}
	}
	if _, err := svc.IssueTokens(ctx, "E1", 0, time.Hour, true); apperr.CodeOf(err) != apperr.CodeInvalidRequest {
		t.Fatalf("want invalid_request, got %v", err)
	}
}

func TestPostgresRedeem_ConditionalUpdate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	repo := NewPostgresRepository(db)
	tok := Token{Token: "tok-9", EventID: "E1", SingleUse: true}
	a := Attendance{ID: "a-1", EventID: "E1", Token: "tok-9", Email: "a@x.com", CheckedInAt: clock}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("WHERE token = $1 AND used = FALSE")).
		WithArgs("tok-9", clock).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO event_attendance")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	if _, err := repo.Redeem(context.Background(), tok, a); err != nil {
		t.Fatalf("first redeem: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("WHERE token = $1 AND used = FALSE")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	if _, err := repo.Redeem(context.Background(), tok, a); !errors.Is(err, ErrTokenUsed) {
		t.Fatalf("second redeem: want ErrTokenUsed, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresRedeem_DuplicateRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO event_attendance")).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	_, err = NewPostgresRepository(db).Redeem(context.Background(), Token{Token: "poster"}, Attendance{ID: "a-2", EventID: "E1", Email: "a@x.com"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("want ErrDuplicate, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

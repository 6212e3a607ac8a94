// Package eventcheckin redeems QR-code tokens for event attendance. A
// single-use token is consumed by exactly one request, however many scan it
// at the same time.
package eventcheckin

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"attendguard/internal/activity"
	"attendguard/internal/apperr"
	"attendguard/internal/metrics"
)

// Token is one distributable QR code.
type Token struct {
	Token     string    `json:"token"`
	EventID   string    `json:"event_id"`
	ExpiresAt time.Time `json:"expires_at"`
	SingleUse bool      `json:"single_use"`
	Used      bool      `json:"used"`
	CreatedAt time.Time `json:"created_at"`
}

// Identity is who is checking in. At least one of Email and UserID is set.
type Identity struct {
	Email  string `json:"email,omitempty"`
	UserID string `json:"user_id,omitempty"`
	Name   string `json:"name,omitempty"`
}

// Attendance is the row written by a successful redemption.
type Attendance struct {
	ID          string    `json:"id"`
	EventID     string    `json:"event_id"`
	Token       string    `json:"token"`
	Email       string    `json:"email,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	Name        string    `json:"name,omitempty"`
	CheckedInAt time.Time `json:"checked_in_at"`
}

var (
	ErrTokenNotFound = errors.New("event token not found")
	ErrTokenUsed     = errors.New("event token already used")
	ErrDuplicate     = errors.New("identity already checked in to event")
)

// Repository persists tokens and attendance rows.
type Repository interface {
	Token(ctx context.Context, token string) (Token, error)
	Attended(ctx context.Context, eventID string, id Identity) (bool, error)
	// Redeem flips used (single-use tokens only) and inserts the attendance
	// row in one transaction. The flip is a compare-and-swap: ErrTokenUsed
	// when another request won it.
	Redeem(ctx context.Context, t Token, a Attendance) (Attendance, error)
	InsertTokens(ctx context.Context, tokens []Token) error
	// EventExists reports whether any token was ever issued for eventID.
	EventExists(ctx context.Context, eventID string) (bool, error)
}

type Service struct {
	repo     Repository
	recorder activity.Recorder
	log      zerolog.Logger
	now      func() time.Time
}

func NewService(repo Repository, recorder activity.Recorder, log zerolog.Logger) *Service {
	if recorder == nil {
		recorder = activity.Discard{}
	}
	return &Service{repo: repo, recorder: recorder, log: log, now: time.Now}
}

// Known reports whether eventID names an event admins issued tokens for.
func (s *Service) Known(ctx context.Context, eventID string) (bool, error) {
	if strings.TrimSpace(eventID) == "" {
		return false, nil
	}
	return s.repo.EventExists(ctx, eventID)
}

// CheckIn validates the token and identity and redeems it.
func (s *Service) CheckIn(ctx context.Context, eventID, token string, id Identity, client activity.Client) (Attendance, error) {
	id.Email = strings.ToLower(strings.TrimSpace(id.Email))
	id.UserID = strings.TrimSpace(id.UserID)
	id.Name = strings.TrimSpace(id.Name)

	a, err := s.checkIn(ctx, eventID, strings.TrimSpace(token), id)
	code := "ok"
	e := client.Entry(id.UserID, activity.ActionEventCheckin, activity.OutcomeSuccess)
	e.ActorEmail = id.Email
	e.Details = map[string]any{"event_id": eventID}
	if err != nil {
		code = string(apperr.CodeOf(err))
		e.Outcome = activity.OutcomeFailure
		e.Code = code
		e.Details["reason"] = apperr.MessageOf(err)
	} else {
		e.Details["attendance_id"] = a.ID
	}
	metrics.EventRedemptions.WithLabelValues(code).Inc()
	s.recorder.Record(ctx, e)
	return a, err
}

func (s *Service) checkIn(ctx context.Context, eventID, token string, id Identity) (Attendance, error) {
	if token == "" {
		return Attendance{}, apperr.New(apperr.CodeTokenInvalid, "token is required")
	}
	if id.Email == "" && id.UserID == "" {
		return Attendance{}, apperr.New(apperr.CodeInvalidRequest, "email or user_id is required")
	}

	t, err := s.repo.Token(ctx, token)
	if errors.Is(err, ErrTokenNotFound) || (err == nil && t.EventID != eventID) {
		return Attendance{}, apperr.ErrTokenInvalid
	}
	if err != nil {
		return Attendance{}, apperr.Wrap(apperr.CodeInternal, "token lookup failed, retry", err)
	}
	now := s.now().UTC()
	if !now.Before(t.ExpiresAt) {
		return Attendance{}, apperr.ErrTokenExpired
	}

	attended, err := s.repo.Attended(ctx, eventID, id)
	if err != nil {
		return Attendance{}, apperr.Wrap(apperr.CodeInternal, "attendance lookup failed, retry", err)
	}
	if attended {
		return Attendance{}, apperr.Wrap(apperr.CodeDuplicateAttendance, "already checked in to this event", apperr.ErrDuplicateAttendance)
	}

	a, err := s.repo.Redeem(ctx, t, Attendance{
		ID:          uuid.NewString(),
		EventID:     eventID,
		Token:       token,
		Email:       id.Email,
		UserID:      id.UserID,
		Name:        id.Name,
		CheckedInAt: now,
	})
	switch {
	case errors.Is(err, ErrTokenUsed):
		return Attendance{}, apperr.ErrTokenAlreadyUsed
	case errors.Is(err, ErrDuplicate):
		return Attendance{}, apperr.Wrap(apperr.CodeDuplicateAttendance, "already checked in to this event", apperr.ErrDuplicateAttendance)
	case err != nil:
		return Attendance{}, apperr.Wrap(apperr.CodeInternal, "check-in could not be saved, retry", err)
	}
	return a, nil
}

// IssueTokens mints count random tokens for an event.
func (s *Service) IssueTokens(ctx context.Context, eventID string, count int, ttl time.Duration, singleUse bool) ([]Token, error) {
	if strings.TrimSpace(eventID) == "" || count <= 0 || count > 1000 || ttl <= 0 {
		return nil, apperr.New(apperr.CodeInvalidRequest, "event id, a count between 1 and 1000 and a positive ttl are required")
	}
	now := s.now().UTC()
	tokens := make([]Token, 0, count)
	for i := 0; i < count; i++ {
		raw, err := NewToken()
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeInternal, "token generation failed", err)
		}
		tokens = append(tokens, Token{Token: raw, EventID: eventID, ExpiresAt: now.Add(ttl), SingleUse: singleUse, CreatedAt: now})
	}
	if err := s.repo.InsertTokens(ctx, tokens); err != nil {
		return nil, apperr.Wrap(apperr.CodeInternal, "tokens could not be saved", err)
	}
	s.log.Info().Str("event", eventID).Int("count", count).Bool("single_use", singleUse).Msg("event tokens issued")
	return tokens, nil
}

// NewToken returns 32 random bytes, URL-safe encoded.
func NewToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

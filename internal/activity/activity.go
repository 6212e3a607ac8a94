// Package activity is the append-only security log. Every verification
// attempt, successful or not, lands here and is forwarded to the anomaly
// reviewer through the queue.
package activity

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"attendguard/internal/queue"
)

// Actions recorded by the pipeline.
const (
	ActionAttendanceCheckin  = "attendance.checkin"
	ActionAttendanceCheckout = "attendance.checkout"
	ActionAttendanceReview   = "attendance.review"
	ActionEventCheckin       = "event.checkin"
	ActionWebAuthnRegister   = "webauthn.register"
	ActionWebAuthnLogin      = "webauthn.login"
	ActionBiometricSetup     = "biometric.setup"
	ActionReEnrollRequest    = "reenroll.request"
	ActionReEnrollDecision   = "reenroll.decision"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Entry is one log row.
type Entry struct {
	ID          string         `json:"id"`
	At          time.Time      `json:"at"`
	ActorID     string         `json:"actor_id,omitempty"`
	ActorEmail  string         `json:"actor_email,omitempty"`
	Action      string         `json:"action"`
	Outcome     string         `json:"outcome"`
	Code        string         `json:"code,omitempty"`
	IP          string         `json:"ip,omitempty"`
	UserAgent   string         `json:"user_agent,omitempty"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	Lat         *float64       `json:"lat,omitempty"`
	Lon         *float64       `json:"lon,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// Client describes the caller of an attempt.
type Client struct {
	IP          string
	UserAgent   string
	Fingerprint string
}

// Entry starts an entry for this caller.
func (c Client) Entry(actorID, action, outcome string) Entry {
	return Entry{
		ActorID:     actorID,
		Action:      action,
		Outcome:     outcome,
		IP:          c.IP,
		UserAgent:   c.UserAgent,
		Fingerprint: c.Fingerprint,
	}
}

// Failed reports whether the entry records a rejected attempt.
func (e Entry) Failed() bool { return e.Outcome == OutcomeFailure }

// Filter narrows List results. Zero values mean "any".
type Filter struct {
	ActorID string
	Action  string
	Since   time.Time
	Limit   int
}

// Store persists entries.
type Store interface {
	Append(ctx context.Context, e Entry) error
	List(ctx context.Context, f Filter) ([]Entry, error)
}

// Publisher forwards entries to the reviewer.
type Publisher interface {
	Publish(ctx context.Context, msg queue.Message) error
}

// Recorder is what the pipeline components depend on.
type Recorder interface {
	Record(ctx context.Context, e Entry)
}

// Log writes to a Store and, optionally, a Publisher. Record never fails
// the caller; write errors are only logged.
type Log struct {
	store   Store
	pub     Publisher
	log     zerolog.Logger
	timeout time.Duration
	now     func() time.Time
}

// NewLog builds a Log. pub may be nil.
func NewLog(store Store, pub Publisher, log zerolog.Logger) *Log {
	return &Log{store: store, pub: pub, log: log, timeout: 3 * time.Second, now: time.Now}
}

// Record appends e. The write outlives the request context so that
// rejections of disconnected callers are still logged.
func (l *Log) Record(ctx context.Context, e Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = l.now().UTC()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()

	if err := l.store.Append(ctx, e); err != nil {
		l.log.Error().Err(err).Str("action", e.Action).Str("actor", e.ActorID).Msg("activity append failed")
	}
	if l.pub == nil {
		return
	}
	msg, err := queue.NewMessage(queue.TypeActivity, e)
	if err != nil {
		l.log.Error().Err(err).Msg("activity encode failed")
		return
	}
	if err := l.pub.Publish(ctx, msg); err != nil {
		l.log.Warn().Err(err).Str("action", e.Action).Msg("activity publish failed")
	}
}

// List reads back entries for admin review.
func (l *Log) List(ctx context.Context, f Filter) ([]Entry, error) {
	return l.store.List(ctx, f)
}

// Discard drops entries.
type Discard struct{}

func (Discard) Record(context.Context, Entry) {}

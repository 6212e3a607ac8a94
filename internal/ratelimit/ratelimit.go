// Package ratelimit implements sliding-window admission control backed by a
// shared Redis store with an in-process fallback.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"attendguard/internal/metrics"
)

// Policy is a limit of admissions per window for one surface.
type Policy struct {
	Name   string
	Limit  int
	Window time.Duration
}

var (
	AuthAttempts         = Policy{Name: "auth", Limit: 5, Window: 15 * time.Minute}
	BiometricSetup       = Policy{Name: "biometric_setup", Limit: 3, Window: 24 * time.Hour}
	AttendanceSubmission = Policy{Name: "attendance", Limit: 5, Window: time.Hour}
	EventCheckin         = Policy{Name: "event_checkin", Limit: 20, Window: time.Minute}
)

// Decision is the verdict for one admission request.
type Decision struct {
	Allowed   bool          `json:"allowed"`
	Remaining int           `json:"remaining"`
	ResetIn   time.Duration `json:"-"`
	ResetInMs int64         `json:"resetInMs"`
	Source    string        `json:"source"`
}

// Store counts admissions for a key. Hit must be atomic per key: it records
// the admission only when fewer than limit admissions exist in the window.
type Store interface {
	Name() string
	Hit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error)
}

var errNoStore = errors.New("ratelimit: no store available")

// Limiter tries its stores in order and uses the first one that answers.
type Limiter struct {
	stores []Store
	log    zerolog.Logger
	now    func() time.Time
}

// New builds a limiter over the given stores, tried in order.
func New(log zerolog.Logger, stores ...Store) *Limiter {
	return &Limiter{stores: stores, log: log, now: time.Now}
}

// Allow admits or denies one request for identifier under policy. When every
// store fails the request is denied.
func (l *Limiter) Allow(ctx context.Context, identifier string, p Policy) Decision {
	key := "rl:" + p.Name + ":" + identifier
	now := l.now()

	err := errNoStore
	for _, s := range l.stores {
		var d Decision
		d, err = s.Hit(ctx, key, p.Limit, p.Window, now)
		if err != nil {
			metrics.RateLimitStoreErrors.WithLabelValues(s.Name()).Inc()
			l.log.Warn().Err(err).Str("store", s.Name()).Str("policy", p.Name).Msg("rate limit store failed, falling back")
			continue
		}
		d.Source = s.Name()
		d.ResetInMs = d.ResetIn.Milliseconds()
		metrics.RateLimitDecisions.WithLabelValues(p.Name, metrics.Bool(d.Allowed), d.Source).Inc()
		return d
	}

	l.log.Error().Err(err).Str("policy", p.Name).Msg("no rate limit store answered, denying")
	metrics.RateLimitDecisions.WithLabelValues(p.Name, "false", "none").Inc()
	return Decision{Allowed: false, ResetIn: p.Window, ResetInMs: p.Window.Milliseconds(), Source: "none"}
}

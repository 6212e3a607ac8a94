package anomaly

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"attendguard/internal/activity"
	"attendguard/internal/metrics"
	"attendguard/internal/notify"
	"attendguard/internal/queue"
)

// History loads an actor's recent activity.
type History interface {
	List(ctx context.Context, f activity.Filter) ([]activity.Entry, error)
}

// Reviewer analyses each published activity entry against the actor's
// recent history, stores flagged assessments and alerts on high risk.
type Reviewer struct {
	history  History
	store    Store
	notifier notify.Notifier
	th       Thresholds
	log      zerolog.Logger
}

func NewReviewer(history History, store Store, notifier notify.Notifier, th Thresholds, log zerolog.Logger) *Reviewer {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Reviewer{history: history, store: store, notifier: notifier, th: th, log: log}
}

// Run consumes the queue until ctx is done.
func (r *Reviewer) Run(ctx context.Context, q queue.Queue) error {
	msgs, err := q.Consume(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			if msg.Type != queue.TypeActivity {
				r.log.Warn().Str("type", msg.Type).Msg("skipping unknown message type")
				continue
			}
			var e activity.Entry
			if err := msg.Decode(&e); err != nil {
				r.log.Error().Err(err).Msg("decode activity entry")
				continue
			}
			if _, err := r.Review(ctx, e); err != nil {
				r.log.Error().Err(err).Str("entry", e.ID).Msg("review failed")
			}
		}
	}
}

// Review assesses a single entry.
func (r *Reviewer) Review(ctx context.Context, e activity.Entry) (Assessment, error) {
	var history []activity.Entry
	if e.ActorID != "" {
		var since time.Time
		if r.th.Lookback > 0 {
			since = e.At.Add(-r.th.Lookback)
		}
		past, err := r.history.List(ctx, activity.Filter{ActorID: e.ActorID, Since: since, Limit: 500})
		if err != nil {
			return Assessment{}, fmt.Errorf("load history: %w", err)
		}
		for _, h := range past {
			if h.ID != e.ID && !h.At.After(e.At) {
				history = append(history, h)
			}
		}
	}

	results := Analyze(append(history, e), r.th)
	var a Assessment
	for _, res := range results {
		if res.EntryID == e.ID {
			a = res
		}
	}
	if !a.Flagged() {
		return a, nil
	}

	for _, f := range a.Flags {
		metrics.AnomalyFlags.WithLabelValues(f).Inc()
	}
	if err := r.store.Save(ctx, a); err != nil {
		return a, fmt.Errorf("save assessment: %w", err)
	}
	r.log.Info().Str("entry", e.ID).Str("actor", a.ActorID).Str("risk", string(a.RiskLevel)).Strs("flags", a.Flags).Msg("activity flagged")

	if a.RiskLevel == RiskHigh || a.RiskLevel == RiskCritical {
		if err := r.notifier.Notify(ctx, alertText(e, a)); err != nil {
			r.log.Error().Err(err).Str("entry", e.ID).Msg("security alert not delivered")
		}
	}
	return a, nil
}

func alertText(e activity.Entry, a Assessment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s by %s at %s\n", strings.ToUpper(string(a.RiskLevel)), e.Action, actorLabel(e), e.At.UTC().Format(time.RFC3339))
	if e.IP != "" {
		fmt.Fprintf(&b, "ip: %s\n", e.IP)
	}
	fmt.Fprintf(&b, "flags: %s\n", strings.Join(a.Flags, ", "))
	for _, s := range a.Suggestions {
		fmt.Fprintf(&b, "- %s\n", s)
	}
	return strings.TrimRight(b.String(), "\n")
}

func actorLabel(e activity.Entry) string {
	switch {
	case e.ActorEmail != "":
		return e.ActorEmail
	case e.ActorID != "":
		return e.ActorID
	}
	return "unknown actor"
}

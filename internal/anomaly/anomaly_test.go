package anomaly

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"attendguard/internal/activity"
	"attendguard/internal/queue"
)

var base = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func thresholds() Thresholds {
	return Thresholds{
		MaxFailedLogins:  3,
		MaxDistinctIPs:   3,
		MaxDevices:       2,
		BurstPerMinute:   10,
		OffHoursStart:    22,
		OffHoursEnd:      5,
		TravelDistanceKm: 100,
		TravelWindow:     time.Hour,
		Lookback:         24 * time.Hour,
		Location:         time.UTC,
	}
}

func ptr(v float64) *float64 { return &v }

func entry(id string, at time.Time) activity.Entry {
	return activity.Entry{ID: id, ActorID: "u-1", At: at, Action: activity.ActionAttendanceCheckin, Outcome: activity.OutcomeSuccess, IP: "10.0.0.1", Fingerprint: "fp-1"}
}

func flagsOf(as []Assessment, id string) []string {
	for _, a := range as {
		if a.EntryID == id {
			return a.Flags
		}
	}
	return nil
}

func TestAnalyze_CleanHistory(t *testing.T) {
	as := Analyze([]activity.Entry{entry("a", base), entry("b", base.Add(time.Hour))}, thresholds())
	for _, a := range as {
		if a.Flagged() || a.RiskLevel != RiskLow {
			t.Fatalf("unexpected assessment %+v", a)
		}
	}
}

func TestAnalyze_FailedLogins(t *testing.T) {
	var es []activity.Entry
	for i := 0; i < 3; i++ {
		e := entry(fmt.Sprint(i), base.Add(time.Duration(i)*time.Minute))
		e.Outcome = activity.OutcomeFailure
		es = append(es, e)
	}
	as := Analyze(es, thresholds())
	if slices.Contains(flagsOf(as, "1"), FlagFailedLogins) {
		t.Fatal("two failures must not trip the threshold")
	}
	if !slices.Contains(flagsOf(as, "2"), FlagFailedLogins) {
		t.Fatalf("third failure should be flagged: %+v", as[2])
	}
}

func TestAnalyze_ManyIPsAndDeviceChurn(t *testing.T) {
	var es []activity.Entry
	for i := 0; i < 4; i++ {
		e := entry(fmt.Sprint(i), base.Add(time.Duration(i)*10*time.Minute))
		e.IP = fmt.Sprintf("10.0.0.%d", i+1)
		e.Fingerprint = fmt.Sprintf("fp-%d", i%3)
		es = append(es, e)
	}
	flags := flagsOf(Analyze(es, thresholds()), "3")
	if !slices.Contains(flags, FlagManyIPs) || !slices.Contains(flags, FlagDeviceChurn) {
		t.Fatalf("got %v", flags)
	}
}

func TestAnalyze_AnonymousAndOffHours(t *testing.T) {
	e := entry("x", time.Date(2026, 3, 2, 23, 30, 0, 0, time.UTC))
	e.ActorID = ""
	as := Analyze([]activity.Entry{e}, thresholds())
	if !slices.Equal(as[0].Flags, []string{FlagAnonymousActor, FlagOffHours}) {
		t.Fatalf("got %v", as[0].Flags)
	}
	if as[0].RiskLevel != RiskMedium || len(as[0].Suggestions) != 2 {
		t.Fatalf("unexpected assessment %+v", as[0])
	}
}

func TestAnalyze_OffHoursUsesLocation(t *testing.T) {
	th := thresholds()
	th.Location = time.FixedZone("WIB", 7*3600)
	// 16:00 UTC is 23:00 local.
	as := Analyze([]activity.Entry{entry("a", time.Date(2026, 3, 2, 16, 0, 0, 0, time.UTC))}, th)
	if !slices.Contains(as[0].Flags, FlagOffHours) {
		t.Fatalf("got %v", as[0].Flags)
	}
}

func TestAnalyze_Burst(t *testing.T) {
	var es []activity.Entry
	for i := 0; i < 11; i++ {
		es = append(es, entry(fmt.Sprint(i), base.Add(time.Duration(i)*time.Second)))
	}
	as := Analyze(es, thresholds())
	if slices.Contains(flagsOf(as, "9"), FlagBurstActivity) {
		t.Fatal("ten events in a minute is the limit, not a burst")
	}
	if !slices.Contains(flagsOf(as, "10"), FlagBurstActivity) {
		t.Fatal("eleventh event should be a burst")
	}
}

func TestAnalyze_ImpossibleTravel(t *testing.T) {
	jakarta := entry("jkt", base)
	jakarta.Lat, jakarta.Lon = ptr(-6.2), ptr(106.8)
	bandung := entry("bdg", base.Add(30*time.Minute))
	bandung.Lat, bandung.Lon = ptr(-6.9), ptr(107.6)
	later := entry("later", base.Add(3*time.Hour))
	later.Lat, later.Lon = ptr(-6.2), ptr(106.8)

	as := Analyze([]activity.Entry{later, bandung, jakarta}, thresholds())
	if !slices.Contains(flagsOf(as, "bdg"), FlagImpossibleTravel) {
		t.Fatalf("~120 km in 30 min should be flagged: %v", flagsOf(as, "bdg"))
	}
	if slices.Contains(flagsOf(as, "later"), FlagImpossibleTravel) {
		t.Fatal("travel outside the window must not be flagged")
	}

	th := thresholds()
	th.TravelDistanceKm = 200
	if slices.Contains(flagsOf(Analyze([]activity.Entry{jakarta, bandung}, th), "bdg"), FlagImpossibleTravel) {
		t.Fatal("distance threshold should be tunable")
	}
}

func TestAnalyze_SuspectedCloneIsCritical(t *testing.T) {
	e := entry("c", base)
	e.Outcome = activity.OutcomeFailure
	e.Details = map[string]any{"suspected_clone": true}
	es := []activity.Entry{e}
	for i := 0; i < 2; i++ {
		f := entry(fmt.Sprint(i), base.Add(-time.Duration(i+1)*time.Minute))
		f.Outcome = activity.OutcomeFailure
		es = append(es, f)
	}
	as := Analyze(es, thresholds())
	var got Assessment
	for _, a := range as {
		if a.EntryID == "c" {
			got = a
		}
	}
	if got.RiskLevel != RiskCritical || !slices.Contains(got.Flags, FlagSuspectedClone) {
		t.Fatalf("unexpected assessment %+v", got)
	}
}

type fakeNotifier struct {
	msgs []string
	err  error
}

func (f *fakeNotifier) Notify(_ context.Context, m string) error {
	f.msgs = append(f.msgs, m)
	return f.err
}

func TestReviewer_StoresAndAlerts(t *testing.T) {
	ctx := context.Background()
	hist := activity.NewMemoryStore()
	for i := 0; i < 2; i++ {
		e := entry(fmt.Sprint(i), base.Add(time.Duration(i)*time.Minute))
		e.Outcome = activity.OutcomeFailure
		hist.Append(ctx, e)
	}
	store := NewMemoryStore()
	n := &fakeNotifier{err: errors.New("chat unreachable")}
	r := NewReviewer(hist, store, n, thresholds(), zerolog.Nop())

	clean := entry("ok", base.Add(-time.Hour))
	if a, err := r.Review(ctx, clean); err != nil || a.Flagged() {
		t.Fatalf("clean entry: %+v %v", a, err)
	}

	e := entry("clone", base.Add(5*time.Minute))
	e.Outcome = activity.OutcomeFailure
	e.Details = map[string]any{"suspected_clone": true}
	a, err := r.Review(ctx, e)
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if a.RiskLevel != RiskCritical {
		t.Fatalf("want critical, got %+v", a)
	}
	saved, _ := store.List(ctx, time.Time{}, 0)
	if len(saved) != 1 || saved[0].EntryID != "clone" {
		t.Fatalf("unexpected stored assessments %+v", saved)
	}
	if len(n.msgs) != 1 {
		t.Fatalf("want one alert, got %d", len(n.msgs))
	}
}

func TestReviewer_RunConsumesQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := queue.NewInMemory(4)
	store := NewMemoryStore()
	n := &fakeNotifier{}
	r := NewReviewer(activity.NewMemoryStore(), store, n, thresholds(), zerolog.Nop())

	e := entry("anon", time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC))
	e.ActorID = ""
	e.Details = map[string]any{"suspected_clone": true}
	msg, _ := queue.NewMessage(queue.TypeActivity, e)
	q.Publish(ctx, queue.Message{Type: "other"})
	q.Publish(ctx, msg)

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, q) }()

	deadline := time.After(2 * time.Second)
	for {
		saved, _ := store.List(ctx, time.Time{}, 0)
		if len(saved) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("assessment was not stored")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

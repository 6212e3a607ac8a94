// Package anomaly annotates activity history with fraud heuristics. It never
// blocks anything; its output is for human review.
package anomaly

import (
	"sort"
	"time"

	"attendguard/internal/activity"
	"attendguard/internal/config"
	"attendguard/internal/geo"
)

// RiskLevel orders assessments for review.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Flags.
const (
	FlagFailedLogins     = "failed_logins"
	FlagManyIPs          = "many_ips"
	FlagAnonymousActor   = "anonymous_actor"
	FlagOffHours         = "off_hours"
	FlagBurstActivity    = "burst_activity"
	FlagImpossibleTravel = "impossible_travel"
	FlagDeviceChurn      = "device_churn"
	FlagSuspectedClone   = "suspected_clone"
)

var weights = map[string]int{
	FlagSuspectedClone:   3,
	FlagImpossibleTravel: 3,
	FlagFailedLogins:     2,
	FlagDeviceChurn:      2,
	FlagManyIPs:          1,
	FlagBurstActivity:    1,
	FlagOffHours:         1,
	FlagAnonymousActor:   1,
}

var suggestions = map[string]string{
	FlagSuspectedClone:   "Revoke the passkey and require re-enrollment; the authenticator counter went backwards.",
	FlagImpossibleTravel: "Compare the reported locations; consecutive attempts imply an implausible speed.",
	FlagFailedLogins:     "Contact the user about repeated failed verifications.",
	FlagDeviceChurn:      "Check whether the account is shared across devices.",
	FlagManyIPs:          "Review the source addresses for proxy or VPN use.",
	FlagBurstActivity:    "Look for scripted submissions.",
	FlagOffHours:         "Confirm the activity was expected outside school hours.",
	FlagAnonymousActor:   "Trace the request by address and device; it carried no identity.",
}

// Thresholds tune the heuristics.
type Thresholds struct {
	MaxFailedLogins  int
	MaxDistinctIPs   int
	MaxDevices       int
	BurstPerMinute   int
	OffHoursStart    int
	OffHoursEnd      int
	TravelDistanceKm float64
	TravelWindow     time.Duration
	Lookback         time.Duration
	Location         *time.Location
}

// FromConfig builds thresholds from the environment configuration.
func FromConfig(c config.AnomalyThresholds, timezone string) Thresholds {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}
	return Thresholds{
		MaxFailedLogins:  c.MaxFailedLogins,
		MaxDistinctIPs:   c.MaxDistinctIPs,
		MaxDevices:       c.MaxDevices,
		BurstPerMinute:   c.BurstPerMinute,
		OffHoursStart:    c.OffHoursStart,
		OffHoursEnd:      c.OffHoursEnd,
		TravelDistanceKm: c.TravelDistanceKm,
		TravelWindow:     c.TravelWindow,
		Lookback:         c.Lookback,
		Location:         loc,
	}
}

// Assessment annotates one activity entry.
type Assessment struct {
	EntryID     string    `json:"entry_id"`
	ActorID     string    `json:"actor_id,omitempty"`
	At          time.Time `json:"at"`
	RiskLevel   RiskLevel `json:"risk_level"`
	Score       int       `json:"score"`
	Flags       []string  `json:"flags"`
	Suggestions []string  `json:"suggestions"`
}

// Flagged reports whether any heuristic fired.
func (a Assessment) Flagged() bool { return len(a.Flags) > 0 }

// Analyze returns one assessment per entry, in chronological order. Each
// entry is judged against the same actor's entries in the lookback window
// before it.
func Analyze(entries []activity.Entry, th Thresholds) []Assessment {
	if th.Location == nil {
		th.Location = time.UTC
	}
	sorted := make([]activity.Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].At.Before(sorted[j].At) })

	byActor := map[string][]activity.Entry{}
	out := make([]Assessment, 0, len(sorted))
	for _, e := range sorted {
		key := actorKey(e)
		history := window(byActor[key], e.At, th.Lookback)
		var flags []string
		if key == "" {
			flags = append(flags, FlagAnonymousActor)
			history = nil
		} else {
			byActor[key] = append(byActor[key], e)
		}
		flags = append(flags, evaluate(e, history, th)...)
		out = append(out, assess(e, flags))
	}
	return out
}

func actorKey(e activity.Entry) string {
	if e.ActorID != "" {
		return e.ActorID
	}
	return e.ActorEmail
}

// window returns entries no older than lookback before at.
func window(history []activity.Entry, at time.Time, lookback time.Duration) []activity.Entry {
	if lookback <= 0 {
		return history
	}
	cut := at.Add(-lookback)
	i := sort.Search(len(history), func(i int) bool { return !history[i].At.Before(cut) })
	return history[i:]
}

func evaluate(e activity.Entry, history []activity.Entry, th Thresholds) []string {
	var flags []string
	all := append(append([]activity.Entry{}, history...), e)

	if th.MaxFailedLogins > 0 && e.Failed() {
		failed := 0
		for _, h := range all {
			if h.Failed() {
				failed++
			}
		}
		if failed >= th.MaxFailedLogins {
			flags = append(flags, FlagFailedLogins)
		}
	}

	if th.MaxDistinctIPs > 0 && distinct(all, func(h activity.Entry) string { return h.IP }) > th.MaxDistinctIPs {
		flags = append(flags, FlagManyIPs)
	}

	if offHours(e.At.In(th.Location).Hour(), th.OffHoursStart, th.OffHoursEnd) {
		flags = append(flags, FlagOffHours)
	}

	if th.BurstPerMinute > 0 {
		n := 0
		for _, h := range all {
			if !h.At.Before(e.At.Add(-time.Minute)) {
				n++
			}
		}
		if n > th.BurstPerMinute {
			flags = append(flags, FlagBurstActivity)
		}
	}

	if impossibleTravel(e, history, th) {
		flags = append(flags, FlagImpossibleTravel)
	}

	if th.MaxDevices > 0 && distinct(all, func(h activity.Entry) string { return h.Fingerprint }) > th.MaxDevices {
		flags = append(flags, FlagDeviceChurn)
	}

	if clone, _ := e.Details[FlagSuspectedClone].(bool); clone {
		flags = append(flags, FlagSuspectedClone)
	}
	return flags
}

func distinct(entries []activity.Entry, field func(activity.Entry) string) int {
	seen := map[string]struct{}{}
	for _, e := range entries {
		if v := field(e); v != "" {
			seen[v] = struct{}{}
		}
	}
	return len(seen)
}

// offHours handles windows that wrap midnight, e.g. 22 to 5.
func offHours(hour, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// impossibleTravel compares e with the most recent located entry inside
// the travel window.
func impossibleTravel(e activity.Entry, history []activity.Entry, th Thresholds) bool {
	if e.Lat == nil || e.Lon == nil || th.TravelDistanceKm <= 0 || th.TravelWindow <= 0 {
		return false
	}
	for i := len(history) - 1; i >= 0; i-- {
		h := history[i]
		if e.At.Sub(h.At) > th.TravelWindow {
			return false
		}
		if h.Lat == nil || h.Lon == nil {
			continue
		}
		km := geo.Haversine(*h.Lat, *h.Lon, *e.Lat, *e.Lon) / 1000
		return km >= th.TravelDistanceKm
	}
	return false
}

func assess(e activity.Entry, flags []string) Assessment {
	a := Assessment{EntryID: e.ID, ActorID: actorKey(e), At: e.At, Flags: flags, Suggestions: []string{}}
	if a.Flags == nil {
		a.Flags = []string{}
	}
	for _, f := range flags {
		a.Score += weights[f]
		a.Suggestions = append(a.Suggestions, suggestions[f])
	}
	switch {
	case a.Score >= 5:
		a.RiskLevel = RiskCritical
	case a.Score >= 3:
		a.RiskLevel = RiskHigh
	case a.Score >= 1:
		a.RiskLevel = RiskMedium
	default:
		a.RiskLevel = RiskLow
	}
	return a
}

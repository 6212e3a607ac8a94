// Package metrics holds the Prometheus collectors shared by the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CheckinOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendance_checkins_total",
		Help: "Attendance check-in attempts by result code.",
	}, []string{"code"})

	RateLimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ratelimit_decisions_total",
		Help: "Rate limiter decisions by policy, verdict and backing store.",
	}, []string{"policy", "allowed", "source"})

	RateLimitStoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ratelimit_store_errors_total",
		Help: "Shared counter store failures that triggered a fallback.",
	}, []string{"store"})

	NetworkVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "network_origin_verdicts_total",
		Help: "Network origin verdicts by deciding source.",
	}, []string{"source", "valid"})

	WebAuthnCeremonies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webauthn_ceremonies_total",
		Help: "Registration and authentication ceremonies by outcome.",
	}, []string{"ceremony", "outcome"})

	FaceMatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "face_match_duration_seconds",
		Help:    "Latency of the vision model face comparison.",
		Buckets: prometheus.DefBuckets,
	}, []string{"band"})

	EventRedemptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "event_token_redemptions_total",
		Help: "Event QR token check-ins by result code.",
	}, []string{"code"})

	AnomalyFlags = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anomaly_flags_total",
		Help: "Heuristic flags raised by the anomaly reviewer.",
	}, []string{"flag"})
)

// Bool renders a label value.
func Bool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

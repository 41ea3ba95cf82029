package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus collectors of the gate. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	admissions      *prometheus.CounterVec
	creditsCharged  prometheus.Counter
	ruleReloads     prometheus.Counter
	rulesLoaded     prometheus.Gauge
	admitDuration   prometheus.Histogram
	rateLimited     prometheus.Counter
	chainVerifyFail prometheus.Counter
}

// New registers all collectors with reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{}

	m.admissions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmdgate_admissions_total",
			Help: "admitted commands by terminal status and reason class",
		}, []string{"status", "reason"},
	)
	m.creditsCharged = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "cmdgate_credits_charged_total",
			Help: "credits charged for executed commands",
		},
	)
	m.ruleReloads = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "cmdgate_rule_reloads_total",
			Help: "rule snapshot rebuilds",
		},
	)
	m.rulesLoaded = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "cmdgate_rules_loaded",
			Help: "rules in the active snapshot",
		},
	)
	m.admitDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cmdgate_admit_duration_seconds",
			Help:    "time spent in the admission pipeline",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
	)
	m.rateLimited = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "cmdgate_rate_limited_total",
			Help: "requests refused by the rate limiter",
		},
	)
	m.chainVerifyFail = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "cmdgate_log_chain_verify_failures_total",
			Help: "audit log verifications that found a broken chain",
		},
	)
	return m
}

// Reason classes used as label values
const (
	ReasonRule         = "rule"
	ReasonDefaultDeny  = "default_deny"
	ReasonInsufficient = "insufficient_credits"
)

// Admission records one terminal admission decision
func (m *Metrics) Admission(status, reason string, seconds float64) {
	if m == nil {
		return
	}
	m.admissions.WithLabelValues(status, reason).Inc()
	m.admitDuration.Observe(seconds)
}

// Charged adds to the charged credits counter
func (m *Metrics) Charged(amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.creditsCharged.Add(float64(amount))
}

// RulesReloaded records a snapshot rebuild with n rules
func (m *Metrics) RulesReloaded(n int) {
	if m == nil {
		return
	}
	m.ruleReloads.Inc()
	m.rulesLoaded.Set(float64(n))
}

// RateLimited counts a refused request
func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// ChainBroken counts a failed log verification
func (m *Metrics) ChainBroken() {
	if m == nil {
		return
	}
	m.chainVerifyFail.Inc()
}

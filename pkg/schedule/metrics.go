package schedule

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	OutcomeSkipped   = "skipped"
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

// Metrics instruments a scheduler run. A nil *Metrics records nothing.
type Metrics struct {
	Trials         *prometheus.CounterVec
	ThrottleSleeps prometheus.Counter
	Temperature    prometheus.Gauge
	TrialDuration  *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Trials: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tokensweep_trials_total",
			Help: "Trials visited by the scheduler, by outcome",
		}, []string{"outcome"}),
		ThrottleSleeps: f.NewCounter(prometheus.CounterOpts{
			Name: "tokensweep_throttle_sleeps_total",
			Help: "Cooldown sleeps taken because the device was too hot",
		}),
		Temperature: f.NewGauge(prometheus.GaugeOpts{
			Name: "tokensweep_temperature_celsius",
			Help: "Last temperature reading before a trial",
		}),
		TrialDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tokensweep_trial_duration_seconds",
			Help:    "Wall time of executed trials",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"token_count"}),
	}
}

func (m *Metrics) trial(outcome string) {
	if m == nil {
		return
	}
	m.Trials.WithLabelValues(outcome).Inc()
}

func (m *Metrics) sleep() {
	if m == nil {
		return
	}
	m.ThrottleSleeps.Inc()
}

func (m *Metrics) temperature(c float64) {
	if m == nil {
		return
	}
	m.Temperature.Set(c)
}

func (m *Metrics) duration(tokenCount string, seconds float64) {
	if m == nil {
		return
	}
	m.TrialDuration.WithLabelValues(tokenCount).Observe(seconds)
}

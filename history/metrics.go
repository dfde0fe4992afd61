package history

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Timer measures one operation. Call ObserveDuration when it completes.
type Timer interface {
	ObserveDuration()
}

// Metrics receives poller instrumentation.
type Metrics interface {
	// PollDuration starts timing one PollOnce call.
	PollDuration(stateType string) Timer
	// RecordDelivered counts one record handled by one subscription.
	RecordDelivered(stateType string)
	// CallbackFailed counts one failed subscriber callback.
	CallbackFailed(stateType string)
	// CursorAdvanced reports a poller's new cursor.
	CursorAdvanced(stateType string, seq int64)
}

type nopTimer struct{}

func (nopTimer) ObserveDuration() {}

type nopMetrics struct{}

func (nopMetrics) PollDuration(string) Timer { return nopTimer{} }
func (nopMetrics) RecordDelivered(string) {}
func (nopMetrics) CallbackFailed(string) {}
func (nopMetrics) CursorAdvanced(string, int64) {}

// NopMetrics returns a Metrics that discards everything.
func NopMetrics() Metrics {
	return nopMetrics{}
}

// Default histogram buckets for poll latency (in seconds).
var pollBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

type timer struct {
	h     prometheus.Observer
	start time.Time
}

func (t *timer) ObserveDuration() {
	t.h.Observe(time.Since(t.start).Seconds())
}

type promMetrics struct {
	pollDuration *prometheus.HistogramVec
	delivered    *prometheus.CounterVec
	failures     *prometheus.CounterVec
	cursor       *prometheus.GaugeVec
}

// NewPrometheusMetrics creates a Metrics backed by Prometheus collectors
// registered on reg.
func NewPrometheusMetrics(reg prometheus.Registerer) Metrics {
	m := &promMetrics{
		pollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rootstore_history_poll_duration_seconds",
			Help:    "Time spent in one poll of a history log",
			Buckets: pollBuckets,
		}, []string{"state_type"}),

		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rootstore_history_records_delivered_total",
			Help: "History records handled by a subscription",
		}, []string{"state_type"}),

		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rootstore_history_callback_failures_total",
			Help: "Subscriber callbacks that returned an error",
		}, []string{"state_type"}),

		cursor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rootstore_history_cursor",
			Help: "Last sequence handled by every subscription of a poller",
		}, []string{"state_type"}),
	}

	reg.MustRegister(m.pollDuration, m.delivered, m.failures, m.cursor)
	return m
}

func (m *promMetrics) PollDuration(stateType string) Timer {
	return &timer{h: m.pollDuration.WithLabelValues(stateType), start: time.Now()}
}

func (m *promMetrics) RecordDelivered(stateType string) {
	m.delivered.WithLabelValues(stateType).Inc()
}

func (m *promMetrics) CallbackFailed(stateType string) {
	m.failures.WithLabelValues(stateType).Inc()
}

func (m *promMetrics) CursorAdvanced(stateType string, seq int64) {
	m.cursor.WithLabelValues(stateType).Set(float64(seq))
}

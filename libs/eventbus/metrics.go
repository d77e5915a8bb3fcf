package eventbus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Handling outcomes recorded per consumed message.
const (
	OutcomeSuccess     = "success"
	OutcomeRetry       = "retry"
	OutcomeDLQ         = "dlq"
	OutcomeUndecodable = "undecodable"
	OutcomeStalled     = "stalled"
)

// Metrics holds the delivery-layer counters. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Published       *prometheus.CounterVec
	PublishFailures *prometheus.CounterVec
	Handled         *prometheus.CounterVec
	CommitFailures  *prometheus.CounterVec
	Reinjected      *prometheus.CounterVec
}

// NewMetrics registers the counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Published: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eventbus_published_total",
			Help: "Events written to the broker",
		}, []string{"topic"}),
		PublishFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eventbus_publish_failures_total",
			Help: "Event writes the broker rejected or that timed out",
		}, []string{"topic"}),
		Handled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eventbus_handled_total",
			Help: "Consumed messages by disposition",
		}, []string{"topic", "outcome"}),
		CommitFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eventbus_commit_failures_total",
			Help: "Offset commits that failed",
		}, []string{"topic"}),
		Reinjected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eventbus_reinjected_total",
			Help: "Events moved from a retry topic back to its base topic",
		}, []string{"topic"}),
	}
}

func (m *Metrics) published(topic string) {
	if m != nil {
		m.Published.WithLabelValues(topic).Inc()
	}
}

func (m *Metrics) publishFailed(topic string) {
	if m != nil {
		m.PublishFailures.WithLabelValues(topic).Inc()
	}
}

func (m *Metrics) handled(topic, outcome string) {
	if m != nil {
		m.Handled.WithLabelValues(topic, outcome).Inc()
	}
}

func (m *Metrics) commitFailed(topic string) {
	if m != nil {
		m.CommitFailures.WithLabelValues(topic).Inc()
	}
}

func (m *Metrics) reinjected(topic string) {
	if m != nil {
		m.Reinjected.WithLabelValues(topic).Inc()
	}
}

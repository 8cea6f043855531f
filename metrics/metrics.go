// Package metrics exports Prometheus counters for classification and the
// dispute lifecycle.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"disputeflow/dispute"
	"disputeflow/intake"
)

const namespace = "disputeflow"

// Collector implements dispute.Metrics and intake.Metrics.
type Collector struct {
	classified  *prometheus.CounterVec
	rejected    prometheus.Counter
	transitions *prometheus.CounterVec
	invalid     *prometheus.CounterVec
	expired     prometheus.Counter
	sweeps      prometheus.Counter
}

var (
	_ dispute.Metrics = (*Collector)(nil)
	_ intake.Metrics  = (*Collector)(nil)
)

// NewCollector registers the collectors with reg. Pass
// prometheus.DefaultRegisterer to expose them on promhttp.Handler.
func NewCollector(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		classified: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "classify",
			Name:      "tradelines_total",
			Help:      "Tradelines classified, by outcome.",
		}, []string{"negative"}),
		rejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "classify",
			Name:      "rejected_total",
			Help:      "Tradelines rejected by validation.",
		}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispute",
			Name:      "transitions_total",
			Help:      "Committed dispute status changes, including creation.",
		}, []string{"from", "to", "by"}),
		invalid: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispute",
			Name:      "invalid_transitions_total",
			Help:      "Rejected transition attempts. Non-zero values indicate a client contract bug.",
		}, []string{"from", "to"}),
		expired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispute",
			Name:      "expired_total",
			Help:      "Disputes expired by the sweep.",
		}),
		sweeps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispute",
			Name:      "expiry_sweeps_total",
			Help:      "Completed expiry sweeps.",
		}),
	}
}

func (c *Collector) TradelineClassified(negative bool) {
	c.classified.WithLabelValues(strconv.FormatBool(negative)).Inc()
}

func (c *Collector) TradelineRejected() {
	c.rejected.Inc()
}

func (c *Collector) TransitionCommitted(from, to dispute.Status, by dispute.Actor) {
	if from == "" {
		from = "none"
	}
	c.transitions.WithLabelValues(string(from), string(to), string(by)).Inc()
}

func (c *Collector) TransitionRejected(from, to dispute.Status) {
	if !to.Valid() {
		to = "unknown"
	}
	c.invalid.WithLabelValues(string(from), string(to)).Inc()
}

func (c *Collector) DisputesExpired(n int) {
	c.sweeps.Inc()
	c.expired.Add(float64(n))
}

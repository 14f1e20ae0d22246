// Package metrics exposes the node's Prometheus collectors
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/uhyunpark/liquidibond/pkg/app/core/audit"
)

const namespace = "liquidibond"

var (
	submissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compliance",
			Name:      "submissions_total",
			Help:      "Order submissions and resolutions by outcome",
		},
		[]string{"status", "reason"},
	)

	trades = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "matching",
			Name:      "trades_total",
			Help:      "Settled trades",
		},
		[]string{"symbol"},
	)

	abortedMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "matching",
			Name:      "aborted_matches_total",
			Help:      "Crossing pairs that failed settlement",
		},
		[]string{"symbol"},
	)

	notional = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "matching",
			Name:      "notional_total",
			Help:      "Traded notional in cash units",
		},
		[]string{"symbol"},
	)

	pending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "compliance",
			Name:      "pending_submissions",
			Help:      "Submissions suspended awaiting acknowledgement or a one-time code",
		},
	)
)

// ObserveSubmission counts one gate outcome. reason may be empty.
func ObserveSubmission(status, reason string) {
	submissions.WithLabelValues(status, reason).Inc()
}

// ObserveTrade counts an audit entry: settled trades add to volume, aborted
// matches are counted separately.
func ObserveTrade(t audit.Trade) {
	if t.Aborted() {
		abortedMatches.WithLabelValues(t.Symbol).Inc()
		return
	}
	trades.WithLabelValues(t.Symbol).Inc()
	v, _ := t.Notional.Float64()
	notional.WithLabelValues(t.Symbol).Add(v)
}

// SetPending records the number of suspended submissions
func SetPending(n int) {
	pending.Set(float64(n))
}

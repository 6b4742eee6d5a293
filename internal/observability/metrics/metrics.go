// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ticksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remindd_ticks_total",
			Help: "Total scheduling ticks, by tick kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	tickDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remindd_tick_duration_seconds",
			Help:    "Wall time of one scheduling tick",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"kind"},
	)

	remindersEvaluated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remindd_reminders_evaluated_total",
			Help: "Total reminder records run through the due-window evaluator",
		},
	)

	notificationsFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remindd_notifications_fired_total",
			Help: "Notification events handed to the sink, by tick kind",
		},
		[]string{"kind"},
	)

	itemFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remindd_item_failures_total",
			Help: "Per-user/per-reminder failures isolated during a tick",
		},
		[]string{"kind"},
	)

	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remindd_deliveries_total",
			Help: "Channel delivery attempts, by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	sinkQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "remindd_sink_queue_depth",
			Help: "Events currently queued in the notification sink",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordTick(kind, outcome string, dur time.Duration) {
	ticksTotal.WithLabelValues(kind, outcome).Inc()
	tickDuration.WithLabelValues(kind).Observe(dur.Seconds())
}

func RecordEvaluations(n int) {
	if n > 0 {
		remindersEvaluated.Add(float64(n))
	}
}

func RecordFired(kind string) {
	notificationsFired.WithLabelValues(kind).Inc()
}

func RecordItemFailure(kind string) {
	itemFailures.WithLabelValues(kind).Inc()
}

func RecordDelivery(channel, outcome string) {
	deliveriesTotal.WithLabelValues(channel, outcome).Inc()
}

func SetSinkQueueDepth(n int) {
	sinkQueueDepth.Set(float64(n))
}

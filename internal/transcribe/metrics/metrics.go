// Package metrics exposes daemon counters to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Event sources
const (
	SourceWatch  = "watch"
	SourceRescan = "rescan"
)

// Delivery results
const (
	DeliverySent    = "sent"
	DeliveryFailed  = "failed"
	DeliverySkipped = "skipped"
	DeliveryLocal   = "local"
)

var (
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callscribe_events_total",
		Help: "Candidate recordings seen, by source",
	}, []string{"source"})

	FilterRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callscribe_filter_rejections_total",
		Help: "Candidates rejected by the recording filter, by reason",
	}, []string{"reason"})

	QueueDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callscribe_queue_drops_total",
		Help: "Accepted recordings not enqueued, by reason",
	}, []string{"reason"})

	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callscribe_jobs_total",
		Help: "Jobs that reached a terminal state, by outcome",
	}, []string{"outcome"})

	DeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callscribe_deliveries_total",
		Help: "Dispatch results, by result",
	}, []string{"result"})

	EngineDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "callscribe_engine_duration_seconds",
		Help:    "Wall time of transcription engine runs",
		Buckets: prometheus.ExponentialBuckets(5, 2, 10),
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callscribe_queue_depth",
		Help: "Jobs waiting for a worker",
	})

	JobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callscribe_jobs_in_flight",
		Help: "Recordings queued or being processed",
	})

	WatchOverflowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callscribe_watch_overflows_total",
		Help: "Filesystem notification queue overflows",
	})
)

// RecordEvent counts a candidate from source.
func RecordEvent(source string) {
	EventsTotal.WithLabelValues(source).Inc()
}

// RecordRejection counts a filter rejection.
func RecordRejection(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	FilterRejectionsTotal.WithLabelValues(reason).Inc()
}

// RecordQueueDrop counts an accepted recording that was not enqueued.
func RecordQueueDrop(reason string) {
	QueueDropsTotal.WithLabelValues(reason).Inc()
}

// RecordJob counts a finished job and observes its engine time.
func RecordJob(outcome string, engine time.Duration) {
	JobsTotal.WithLabelValues(outcome).Inc()
	if engine > 0 {
		EngineDuration.Observe(engine.Seconds())
	}
}

// RecordDelivery counts a dispatch result.
func RecordDelivery(result string) {
	DeliveriesTotal.WithLabelValues(result).Inc()
}

// SetQueue publishes the current queue gauges.
func SetQueue(depth, inFlight int) {
	QueueDepth.Set(float64(depth))
	JobsInFlight.Set(float64(inFlight))
}

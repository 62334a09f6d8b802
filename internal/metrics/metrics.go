// SPDX-License-Identifier: MIT

// Package metrics registers the pipeline's Prometheus instruments. The
// collector daemon exposes them via promhttp; library embeddings that never
// scrape simply carry the registered collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_events_enqueued_total",
		Help: "Events accepted into the queue by kind",
	}, []string{"kind"})

	eventsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_events_suppressed_total",
		Help: "Events dropped before enqueue by suppression reason",
	}, []string{"reason"}) // reason=bot|dnt|local_host|disabled|sampled|invalid

	batchesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_batches_sent_total",
		Help: "Batch delivery attempts by channel and outcome",
	}, []string{"channel", "outcome"}) // channel=sdk|beacon|keepalive outcome=success|failure

	batchesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telemetry_batches_dropped_total",
		Help: "Non-critical batches dropped after all channels failed",
	})

	redactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_pii_redactions_total",
		Help: "PII substrings replaced by the sanitizer, by class",
	}, []string{"class"}) // class=email|ipv4|ipv6|card|token

	backlogDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "telemetry_backlog_depth",
		Help: "Events currently persisted in the offline backlog",
	})

	flushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "telemetry_flush_duration_seconds",
		Help:    "Time from flush trigger to transport hand-off",
		Buckets: prometheus.DefBuckets,
	})

	sessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_sessions_ended_total",
		Help: "Session-end emissions by outcome",
	}, []string{"outcome"}) // outcome=reported|under_floor

	collectorReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_collector_batches_received_total",
		Help: "Batches accepted by the collector, by submission channel",
	}, []string{"channel"}) // channel=beacon|keepalive

	collectorRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telemetry_collector_batches_rejected_total",
		Help: "Batches the collector refused, by reason",
	}, []string{"reason"}) // reason=decode|empty|too_large
)

func IncEnqueued(kind string)              { eventsEnqueued.WithLabelValues(kind).Inc() }
func IncSuppressed(reason string)          { eventsSuppressed.WithLabelValues(reason).Inc() }
func IncBatchSent(channel, outcome string) { batchesSent.WithLabelValues(channel, outcome).Inc() }
func IncBatchDropped()                     { batchesDropped.Inc() }
func IncRedaction(class string)            { redactionsTotal.WithLabelValues(class).Inc() }
func SetBacklogDepth(n int)                { backlogDepth.Set(float64(n)) }
func ObserveFlush(seconds float64)         { flushDuration.Observe(seconds) }
func IncSessionEnded(outcome string)       { sessionsEnded.WithLabelValues(outcome).Inc() }

func IncCollectorReceived(channel string) { collectorReceived.WithLabelValues(channel).Inc() }
func IncCollectorRejected(reason string)  { collectorRejected.WithLabelValues(reason).Inc() }

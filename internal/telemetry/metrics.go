package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "convoflow"

/* ───────────────────────── capture ───────────────────────── */

var (
	CaptureCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "capture", Name: "cycles_total",
		Help: "Poll cycles by mode and outcome.",
	}, []string{"mode", "result"})

	CaptureRows = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "capture", Name: "rows_published_total",
		Help: "Change events published to the broker.",
	}, []string{"mode"})

	CaptureLag = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "capture", Name: "lag_seconds",
		Help: "now - oldest eventTime of the last non-empty batch.",
	}, []string{"mode"})

	CaptureCursor = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "capture", Name: "cursor_timestamp_seconds",
		Help: "Current cursor position as unix seconds.",
	}, []string{"mode"})

	CaptureFastForwards = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "capture", Name: "fast_forwards_total",
		Help: "Cursor jumps that discarded unprocessed rows.",
	}, []string{"mode"})

	CaptureBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "capture", Name: "breaker_trips_total",
		Help: "Runaway breaker trips.",
	}, []string{"mode"})

	CaptureEnabled = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "capture", Name: "enabled",
		Help: "1 when the mode is enabled.",
	}, []string{"mode"})
)

/* ───────────────────────── consumer ───────────────────────── */

var (
	ConsumerMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "consumer", Name: "messages_total",
		Help: "Messages by final outcome (succeeded, rejected, dead_lettered).",
	}, []string{"consumer", "outcome"})

	ConsumerRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "consumer", Name: "retries_total",
		Help: "Handler re-invocations after a failure.",
	}, []string{"consumer"})

	ConsumerHandlerSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "consumer", Name: "handler_seconds",
		Help:    "Handler invocation latency.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
	}, []string{"consumer"})

	ConsumerPaused = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "consumer", Name: "paused",
		Help: "1 while fetching is paused.",
	}, []string{"consumer"})

	ConsumerCommitted = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "consumer", Name: "committed_offset",
		Help: "Last acknowledged offset per partition.",
	}, []string{"consumer", "partition"})
)

/* ───────────────────────── assembly ───────────────────────── */

var (
	AssemblyOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "assembly", Name: "open_buffers",
		Help: "Conversations currently buffered.",
	})

	AssemblyUnits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "assembly", Name: "units_total",
		Help: "Assembled units emitted by flush reason.",
	}, []string{"reason"})

	AssemblyUnitSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "assembly", Name: "unit_messages",
		Help:    "Messages per assembled unit.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	AssemblyDuplicates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "assembly", Name: "duplicates_total",
		Help: "Redelivered events dropped by sourceRowId.",
	})

	AssemblyEmitFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "assembly", Name: "emit_failures_total",
		Help: "Flushes whose publish failed and were put back.",
	})
)

/* ───────────────────────── alarms ───────────────────────── */

var (
	Alarms = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "alarms_total",
		Help: "Alarm bus events by kind and severity.",
	}, []string{"kind", "severity"})

	AlarmsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "alarms_dropped_total",
		Help: "Alarm events dropped because a subscriber was full.",
	})
)

func init() {
	prometheus.MustRegister(
		CaptureCycles, CaptureRows, CaptureLag, CaptureCursor,
		CaptureFastForwards, CaptureBreakerTrips, CaptureEnabled,
		ConsumerMessages, ConsumerRetries, ConsumerHandlerSeconds,
		ConsumerPaused, ConsumerCommitted,
		AssemblyOpen, AssemblyUnits, AssemblyUnitSize, AssemblyDuplicates, AssemblyEmitFailures,
		Alarms, AlarmsDropped,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

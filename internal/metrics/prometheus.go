// Package metrics exposes the fleet's operational counters: invocation
// outcomes, cold/warm start split, bind/unbind churn, state push
// latency, sandbox growth, and local queue depth.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the Prometheus collectors for the runtime's eight core
// components.
type Metrics struct {
	registry *prometheus.Registry

	invocationsTotal *prometheus.CounterVec
	coldStartsTotal  prometheus.Counter
	warmStartsTotal  prometheus.Counter
	workerBindTotal  prometheus.Counter
	workerUnbindTotal prometheus.Counter

	statePushDuration *prometheus.HistogramVec
	statePushTotal    *prometheus.CounterVec
	sandboxGrowBytes  prometheus.Histogram

	queueDepth         *prometheus.GaugeVec
	schedulerRecursionTotal prometheus.Counter
}

var defaultDurationBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500}

var active *Metrics

// Init builds the registry and stores it as the package-level active
// instance RecordX/Handler calls target.
func Init(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		invocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Total number of function invocations",
			},
			[]string{"user", "function", "status"},
		),
		coldStartsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cold_starts_total",
				Help:      "Total number of worker cold starts",
			},
		),
		warmStartsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "warm_starts_total",
				Help:      "Total number of invocations served by an already-bound worker",
			},
		),
		workerBindTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_bind_total",
				Help:      "Total number of successful worker binds",
			},
		),
		workerUnbindTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_unbind_total",
				Help:      "Total number of workers that idled out of a bound function",
			},
		),
		statePushDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "state_push_duration_milliseconds",
				Help:      "Duration of a state key's pushPartial/pushFull round trip",
				Buckets:   defaultDurationBuckets,
			},
			[]string{"kind"}, // "full" or "partial"
		),
		statePushTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_push_total",
				Help:      "Total number of state pushes by kind and outcome",
			},
			[]string{"kind", "status"},
		),
		sandboxGrowBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sandbox_grow_bytes",
				Help:      "Distribution of sandbox growMemory request sizes",
				Buckets:   prometheus.ExponentialBuckets(PageSizeBucketBase, 2, 12),
			},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "local_queue_depth",
				Help:      "Current depth of a function's local queue",
			},
			[]string{"user", "function"},
		),
		schedulerRecursionTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_recursion_total",
				Help:      "Total number of updateWorkerAllocs recursive retries",
			},
		),
	}

	registry.MustRegister(
		m.invocationsTotal, m.coldStartsTotal, m.warmStartsTotal,
		m.workerBindTotal, m.workerUnbindTotal,
		m.statePushDuration, m.statePushTotal, m.sandboxGrowBytes,
		m.queueDepth, m.schedulerRecursionTotal,
	)

	active = m
	return m
}

// PageSizeBucketBase is the smallest sandboxGrowBytes histogram bucket,
// matching the sandbox's 64-KiB logical page size.
const PageSizeBucketBase = 65536

// RecordInvocation records an invocation outcome and its cold/warm split.
func RecordInvocation(user, function string, success bool, coldStart bool) {
	if active == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	active.invocationsTotal.WithLabelValues(user, function, status).Inc()
	if coldStart {
		active.coldStartsTotal.Inc()
	} else {
		active.warmStartsTotal.Inc()
	}
}

// RecordWorkerBind/RecordWorkerUnbind track bound-worker churn.
func RecordWorkerBind()   { if active != nil { active.workerBindTotal.Inc() } }
func RecordWorkerUnbind() { if active != nil { active.workerUnbindTotal.Inc() } }

// RecordStatePush records a state push's duration and outcome. kind is
// "full" or "partial".
func RecordStatePush(kind string, durationMs float64, err error) {
	if active == nil {
		return
	}
	active.statePushDuration.WithLabelValues(kind).Observe(durationMs)
	status := "ok"
	if err != nil {
		status = "error"
	}
	active.statePushTotal.WithLabelValues(kind, status).Inc()
}

// RecordSandboxGrow records a growMemory request's size.
func RecordSandboxGrow(nBytes int) {
	if active != nil {
		active.sandboxGrowBytes.Observe(float64(nBytes))
	}
}

// SetQueueDepth reports a function's current local queue length.
func SetQueueDepth(user, function string, depth int) {
	if active != nil {
		active.queueDepth.WithLabelValues(user, function).Set(float64(depth))
	}
}

// RecordSchedulerRecursion records one updateWorkerAllocs retry.
func RecordSchedulerRecursion() {
	if active != nil {
		active.schedulerRecursionTotal.Inc()
	}
}

// Handler exposes the registry for scraping.
func Handler() http.Handler {
	if active == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(active.registry, promhttp.HandlerOpts{})
}

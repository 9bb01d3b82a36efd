package orchestrator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report orchestration activity.
type Metrics struct {
	tasksTotal   *prometheus.CounterVec
	turnDuration *prometheus.HistogramVec
	agentsActive prometheus.Gauge
	cacheLookups *prometheus.CounterVec
	queueDepth   *prometheus.GaugeVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. The collectors are created only once to
// avoid duplicate registration panics when the pool is instantiated multiple
// times (e.g. in tests).
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Callers that need unique metric names (tests, multi-pool processes) should
// pass a fresh registry. Registration errors other than
// AlreadyRegisteredError panic, mirroring promauto semantics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	tasksTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skylight",
			Subsystem: "orchestrator",
			Name:      "tasks_total",
			Help:      "Tasks handled, labelled by task kind and terminal status.",
		},
		[]string{"kind", "status"},
	)
	turnDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "skylight",
			Subsystem: "orchestrator",
			Name:      "turn_duration_seconds",
			Help:      "Wall-clock duration of a single agent turn.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
	agentsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "skylight",
			Subsystem: "orchestrator",
			Name:      "agents_active",
			Help:      "Number of live agent sessions in the pool.",
		},
	)
	cacheLookups := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skylight",
			Subsystem: "orchestrator",
			Name:      "cache_lookups_total",
			Help:      "Reload-cache lookups, labelled by outcome.",
		},
		[]string{"result"},
	)
	queueDepth := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "skylight",
			Subsystem: "orchestrator",
			Name:      "queue_depth",
			Help:      "Pending tasks per queue.",
		},
		[]string{"queue"},
	)

	collectors := []prometheus.Collector{tasksTotal, turnDuration, agentsActive, cacheLookups, queueDepth}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				// Reuse the existing collector when it matches the expected type.
				switch target := collector.(type) {
				case *prometheus.HistogramVec:
					turnDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case *prometheus.CounterVec:
					switch target { //nolint:exhaustive
					case tasksTotal:
						tasksTotal = already.ExistingCollector.(*prometheus.CounterVec)
					case cacheLookups:
						cacheLookups = already.ExistingCollector.(*prometheus.CounterVec)
					}
				case *prometheus.GaugeVec:
					queueDepth = already.ExistingCollector.(*prometheus.GaugeVec)
				case prometheus.Gauge:
					agentsActive = already.ExistingCollector.(prometheus.Gauge)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		tasksTotal:   tasksTotal,
		turnDuration: turnDuration,
		agentsActive: agentsActive,
		cacheLookups: cacheLookups,
		queueDepth:   queueDepth,
	}
}

// IncTask counts a task reaching a terminal status.
func (m *Metrics) IncTask(kind, status string) {
	if m == nil || m.tasksTotal == nil {
		return
	}
	m.tasksTotal.WithLabelValues(kind, status).Inc()
}

// ObserveTurnDuration records the wall-clock time of one agent turn.
func (m *Metrics) ObserveTurnDuration(kind string, duration time.Duration) {
	if m == nil || m.turnDuration == nil {
		return
	}
	m.turnDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// SetActiveAgents records the current live session count.
func (m *Metrics) SetActiveAgents(n int) {
	if m == nil || m.agentsActive == nil {
		return
	}
	m.agentsActive.Set(float64(n))
}

// IncCacheLookup counts a reload-cache lookup outcome: "exact", "fuzzy" or
// "miss".
func (m *Metrics) IncCacheLookup(result string) {
	if m == nil || m.cacheLookups == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// SetQueueDepth records the pending task count for one queue.
func (m *Metrics) SetQueueDepth(queue string, depth int) {
	if m == nil || m.queueDepth == nil {
		return
	}
	m.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

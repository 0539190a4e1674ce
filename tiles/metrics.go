package tiles

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "deepzoom"

// Metrics holds the Prometheus collectors of the tile engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	fetches    *prometheus.CounterVec
	inFlight   prometheus.Gauge
	renderSet  prometheus.Gauge
	evictions  *prometheus.CounterVec
	poolLookup *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "collector",
			Name:      "fetches_total",
			Help:      "Tile fetches handled by the collector workers, by result.",
		}, []string{"result"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "collector",
			Name:      "in_flight",
			Help:      "Tile specs currently being processed.",
		}),
		renderSet: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "canvas",
			Name:      "render_set_tiles",
			Help:      "Tiles currently eligible for render.",
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "canvas",
			Name:      "evictions_total",
			Help:      "Tiles evicted from the render set, by eviction phase.",
		}, []string{"phase"}),
		poolLookup: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "pool",
			Name:      "acquires_total",
			Help:      "Pool acquisitions, by pool and whether an element was reused.",
		}, []string{"pool", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.fetches, m.inFlight, m.renderSet, m.evictions, m.poolLookup)
	}
	return m
}

func (m *Metrics) fetch(result string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(result).Inc()
}

func (m *Metrics) setInFlight(n int) {
	if m == nil {
		return
	}
	m.inFlight.Set(float64(n))
}

func (m *Metrics) setRenderSet(n int) {
	if m == nil {
		return
	}
	m.renderSet.Set(float64(n))
}

func (m *Metrics) evicted(phase string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.evictions.WithLabelValues(phase).Add(float64(n))
}

func (m *Metrics) poolAcquire(pool string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.poolLookup.WithLabelValues(pool, result).Inc()
}

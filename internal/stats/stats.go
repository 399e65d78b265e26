package stats

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

type StatsProvider interface {
	Incr(name string)
	Decr(name string)
	RegisterMetric(name string)
}

// StatsUpdater keeps named gauges in a private registry and serves them on
// GET /metrics.
type StatsUpdater struct {
	registry *prometheus.Registry
	mu       sync.RWMutex
	metrics  map[string]prometheus.Gauge
}

// NewStatsUpdater creates a new stats updater instance.
func NewStatsUpdater(mux *http.ServeMux) *StatsUpdater {
	su := &StatsUpdater{
		registry: prometheus.NewRegistry(),
		metrics:  make(map[string]prometheus.Gauge),
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(su.registry, promhttp.HandlerOpts{}))
	su.initializeMetrics()

	return su
}

func (su *StatsUpdater) initializeMetrics() {
	startTime := time.Now()
	su.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Seconds since the relay process started.",
	}, func() float64 {
		return time.Since(startTime).Seconds()
	}))
	su.registry.MustRegister(collectors.NewGoCollector())
}

func (su *StatsUpdater) RegisterMetric(name string) {
	su.mu.Lock()
	defer su.mu.Unlock()

	if _, ok := su.metrics[name]; ok {
		return
	}

	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      metricName(name),
		Help:      fmt.Sprintf("Relay metric %s.", name),
	})
	su.registry.MustRegister(g)
	su.metrics[name] = g
}

func (su *StatsUpdater) Incr(name string) {
	su.get(name).Inc()
}

func (su *StatsUpdater) Decr(name string) {
	su.get(name).Dec()
}

func (su *StatsUpdater) get(name string) prometheus.Gauge {
	su.mu.RLock()
	defer su.mu.RUnlock()

	g, ok := su.metrics[name]
	if !ok {
		panic("metric not found: " + name)
	}
	return g
}

// metricName turns "NumActiveClients" into "num_active_clients".
func metricName(name string) string {
	var b strings.Builder
	for i, r := range name {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

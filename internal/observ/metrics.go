package observ

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registry keeps the teacher's canonicalized-label counters/gauges/
// histograms in memory (nothing in the package reads them back out),
// while every metric is additionally registered as a real
// prometheus.Collector so
// Handler() serves the exposition format an actual scrape config
// expects (domain stack: github.com/prometheus/client_golang, grounded
// on chidi150c-coinbase).
type registry struct {
	mu       sync.Mutex
	counters map[string]map[string]int64
	gauges   map[string]map[string]float64
	hist     map[string]map[string][]float64

	promCounters   map[string]*prometheus.CounterVec
	promGauges     map[string]*prometheus.GaugeVec
	promHistograms map[string]*prometheus.HistogramVec
}

var reg = &registry{
	counters:       map[string]map[string]int64{},
	gauges:         map[string]map[string]float64{},
	hist:           map[string]map[string][]float64{},
	promCounters:   map[string]*prometheus.CounterVec{},
	promGauges:     map[string]*prometheus.GaugeVec{},
	promHistograms: map[string]*prometheus.HistogramVec{},
}

func canonLabels(lbl map[string]string) string {
	if len(lbl) == 0 {
		return ""
	}
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(lbl[k])
	}
	return b.String()
}

func labelNames(lbl map[string]string) []string {
	names := make([]string, 0, len(lbl))
	for k := range lbl {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1.0)
}

func IncCounterBy(name string, labels map[string]string, value float64) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.counters[name]
	if !ok {
		m = map[string]int64{}
		reg.counters[name] = m
	}
	m[canonLabels(labels)] += int64(value)

	cv, ok := reg.promCounters[name]
	if !ok {
		cv = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nifty_" + name,
			Help: name,
		}, labelNames(labels))
		reg.promCounters[name] = cv
	}
	cv.With(labels).Add(value)
}

func SetGauge(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.gauges[name]
	if !ok {
		m = map[string]float64{}
		reg.gauges[name] = m
	}
	m[canonLabels(labels)] = value

	gv, ok := reg.promGauges[name]
	if !ok {
		gv = promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nifty_" + name,
			Help: name,
		}, labelNames(labels))
		reg.promGauges[name] = gv
	}
	gv.With(labels).Set(value)
}

func Observe(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	m, ok := reg.hist[name]
	if !ok {
		m = map[string][]float64{}
		reg.hist[name] = m
	}
	m[canonLabels(labels)] = append(m[canonLabels(labels)], value)

	hv, ok := reg.promHistograms[name]
	if !ok {
		hv = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nifty_" + name,
			Help:    name,
			Buckets: prometheus.DefBuckets,
		}, labelNames(labels))
		reg.promHistograms[name] = hv
	}
	hv.With(labels).Observe(value)
}

func RecordHistogram(name string, value float64, labels map[string]string) { Observe(name, value, labels) }
func RecordGauge(name string, value float64, labels map[string]string)     { SetGauge(name, value, labels) }
func RecordDuration(name string, duration time.Duration, labels map[string]string) {
	Observe(name+"_ms", float64(duration.Milliseconds()), labels)
}

// Handler serves the Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HealthHandler serves CurrentHealth() as JSON, for the operator
// surface's /healthz endpoint.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := CurrentHealth()
		w.Header().Set("Content-Type", "application/json")
		if h.Status == "halted" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		enc := json.NewEncoder(w)
		_ = enc.Encode(h)
	})
}

var startTime = time.Now()

// HealthStatus summarizes the engine's operating condition for the
// operator surface's /healthz endpoint.
type HealthStatus struct {
	Status  string            `json:"status"` // "healthy" | "degraded" | "halted"
	Uptime  string            `json:"uptime"`
	Details map[string]string `json:"details"`
}

var (
	healthMu      sync.Mutex
	healthDetails = map[string]string{}
	healthStatus  = "healthy"
)

// SetHealth records the current status of a named subsystem
// (feed, broker, journal, ...) plus an overall status string.
// internal/engine calls this on every risk evaluation (each
// risk-check tick and after any position closes), adapted from the teacher's
// risk.checkComponentHealth / ComponentHealth pattern.
func SetHealth(overall string, details map[string]string) {
	healthMu.Lock()
	defer healthMu.Unlock()
	healthStatus = overall
	healthDetails = details
}

func CurrentHealth() HealthStatus {
	healthMu.Lock()
	defer healthMu.Unlock()
	cp := make(map[string]string, len(healthDetails))
	for k, v := range healthDetails {
		cp[k] = v
	}
	return HealthStatus{
		Status:  healthStatus,
		Uptime:  time.Since(startTime).String(),
		Details: cp,
	}
}

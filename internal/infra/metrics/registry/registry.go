// Package registry implements the metrics registry: counters, phase
// histograms with p50/p95, a bounded rolling snapshot history, and a
// status digest, layered on top of github.com/prometheus/client_golang
// counters/histograms (client_golang has no notion of "snapshot history"
// or "status digest" itself — that application logic is hand-rolled here).
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const defaultHistorySize = 30

// PhaseStats summarizes one phase's recorded durations.
type PhaseStats struct {
	Count int     `json:"count"`
	P50Ms float64 `json:"p50_ms"`
	P95Ms float64 `json:"p95_ms"`
}

// Snapshot is one point-in-time view of the registry, the unit stored in
// the bounded history ring.
type Snapshot struct {
	TakenAt  time.Time             `json:"taken_at"`
	Counters map[string]float64    `json:"counters"`
	Phases   map[string]PhaseStats `json:"phases"`
}

// Status is the registry's green/amber/red digest for a single metric.
type Status string

const (
	StatusGreen Status = "green"
	StatusAmber Status = "amber"
	StatusRed   Status = "red"
)

// Threshold configures the amber/red cutoffs for one metric name. Values
// at or above Red trigger StatusRed; at or above Amber but below Red
// trigger StatusAmber; otherwise green.
type Threshold struct {
	Amber float64
	Red   float64
}

// Registry is the single owner of counters, phase histories, and the
// rolling snapshot ring. It is safe for concurrent use.
type Registry struct {
	mu sync.Mutex

	counters   map[string]float64
	counterVec *prometheus.CounterVec
	phaseVec   *prometheus.HistogramVec
	phaseRaw   map[string][]float64 // name -> recent durations (ms), bounded

	history    []Snapshot
	historyCap int

	thresholds map[string]Threshold
}

// New constructs an empty registry with its own Prometheus collectors
// (registered to a private registry, not the global default, so multiple
// Registry instances coexist cleanly in tests).
func New() *Registry {
	promReg := prometheus.NewRegistry()
	counterVec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rag_counter_total",
		Help: "Generic named counters incremented by core components.",
	}, []string{"name"})
	phaseVec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rag_phase_duration_ms",
		Help:    "Per-phase latency in milliseconds.",
		Buckets: prometheus.ExponentialBuckets(5, 2, 12),
	}, []string{"phase"})
	promReg.MustRegister(counterVec, phaseVec)

	return &Registry{
		counters:   make(map[string]float64),
		counterVec: counterVec,
		phaseVec:   phaseVec,
		phaseRaw:   make(map[string][]float64),
		historyCap: defaultHistorySize,
		thresholds: make(map[string]Threshold),
	}
}

// IncrementCounter adds amount to the named counter.
func (r *Registry) IncrementCounter(name string, amount float64) {
	r.mu.Lock()
	r.counters[name] += amount
	r.mu.Unlock()
	r.counterVec.WithLabelValues(name).Add(amount)
}

// RecordPhase appends a duration (ms) to the named phase's rolling window,
// bounded to the last 500 samples so percentile computation stays cheap.
func (r *Registry) RecordPhase(name string, ms float64) {
	r.mu.Lock()
	samples := append(r.phaseRaw[name], ms)
	if len(samples) > 500 {
		samples = samples[len(samples)-500:]
	}
	r.phaseRaw[name] = samples
	r.mu.Unlock()
	r.phaseVec.WithLabelValues(name).Observe(ms)
}

// SetThreshold configures the status digest cutoffs for a counter or phase
// p95 name.
func (r *Registry) SetThreshold(name string, t Threshold) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.thresholds[name] = t
}

// Snapshot returns the current counters and phase percentiles, and appends
// the snapshot to the bounded history ring (default 30).
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		TakenAt:  time.Now(),
		Counters: copyFloatMap(r.counters),
		Phases:   make(map[string]PhaseStats, len(r.phaseRaw)),
	}
	for name, samples := range r.phaseRaw {
		snap.Phases[name] = percentileStats(samples)
	}

	r.history = append(r.history, snap)
	if len(r.history) > r.historyCap {
		r.history = r.history[len(r.history)-r.historyCap:]
	}
	return snap
}

// History returns the bounded ring of prior snapshots, oldest first.
func (r *Registry) History() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.history...)
}

// StatusDigest maps each configured (counter/phase-p95) metric to a
// green/amber/red status against its threshold.
func (r *Registry) StatusDigest() map[string]Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	digest := make(map[string]Status, len(r.thresholds))
	for name, t := range r.thresholds {
		value, ok := r.counters[name]
		if !ok {
			if stats, ok2 := r.phaseRaw[name]; ok2 {
				value = percentileStats(stats).P95Ms
			}
		}
		switch {
		case value >= t.Red:
			digest[name] = StatusRed
		case value >= t.Amber:
			digest[name] = StatusAmber
		default:
			digest[name] = StatusGreen
		}
	}
	return digest
}

func copyFloatMap(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func percentileStats(samples []float64) PhaseStats {
	if len(samples) == 0 {
		return PhaseStats{}
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	return PhaseStats{
		Count: len(sorted),
		P50Ms: percentile(sorted, 0.50),
		P95Ms: percentile(sorted, 0.95),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

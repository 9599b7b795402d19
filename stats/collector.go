// Package stats implements per-phase instrumentation of handler execution
// and message traffic, and the collective statistics reducer that folds
// per-rank load data into {min,max,avg,sum,imb,var}.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package stats

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nodegrid/dispatch/cluster"
	"github.com/nodegrid/dispatch/cmn/mono"
	"github.com/nodegrid/dispatch/core"
)

// Category distinguishes communication edges by (bytes, category) for
// per_edge_bytes.
type Category int

const (
	CatCompute Category = iota // load, not traffic; carried for symmetry with EdgeKey
	CatUserMsg
	CatBroadcast
	CatMigration
	CatLocation
)

// EdgeKey names one communication edge: either element-to-element or
// element-to-node.
type EdgeKey struct {
	From     core.Key
	To       core.Key
	ToNode   cluster.NodeID
	ToIsNode bool
	Category Category
}

// phaseData is the per-worker-thread-local accumulator: owned exclusively by
// one goroutine between NewWorker and Merge, so it takes no locks on the
// fast path.
type phaseData struct {
	load  map[core.Key]time.Duration
	edges map[EdgeKey]int64
}

func newPhaseData() *phaseData {
	return &phaseData{load: make(map[core.Key]time.Duration), edges: make(map[EdgeKey]int64)}
}

// Worker is a per-goroutine handle into the current phase's instrumentation.
// Record calls never lock; the owning goroutine must call Collector.Merge
// exactly once, at phase close, to fold this worker's data in.
type Worker struct {
	data *phaseData
}

// RecordLoad attributes d to obj for the current phase: load is end minus
// start, attributed to (element, phase).
func (w *Worker) RecordLoad(obj core.Key, d time.Duration) {
	w.data.load[obj] += d
}

// Span times a handler invocation and records it against obj; callers wrap
// dispatch with `defer w.Span(obj)()`. Uses mono.NanoTime rather than
// time.Now(). No dispatch path in this module calls Span; cmd/node records
// synthetic loads through RecordLoad.
func (w *Worker) Span(obj core.Key) func() {
	start := mono.NanoTime()
	return func() { w.RecordLoad(obj, time.Duration(mono.NanoTime()-start)) }
}

// RecordEdge records one message's byte count on the named edge.
func (w *Worker) RecordEdge(key EdgeKey, bytes int64) {
	w.data.edges[key] += bytes
}

// PerRankTotals mirrors the per-phase rollup.
type PerRankTotals struct {
	SumLoad    time.Duration
	MaxObjLoad time.Duration
	NumObjects int
}

// Collector owns one phase's merged instrumentation plus the Prometheus
// gauges that mirror it for external scraping.
type Collector struct {
	mu    sync.Mutex
	phase *phaseData

	loadGauge  *prometheus.GaugeVec
	bytesTotal *prometheus.CounterVec
}

// NewCollector builds a Collector and registers its Prometheus metrics
// against reg (pass prometheus.DefaultRegisterer in production, a fresh
// registry in tests).
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		phase: newPhaseData(),
		loadGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dispatch",
			Subsystem: "lb",
			Name:      "element_load_seconds",
			Help:      "Per-element load for the most recently closed phase.",
		}, []string{"obj"}),
		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatch",
			Subsystem: "lb",
			Name:      "edge_bytes_total",
			Help:      "Cumulative bytes moved per communication edge category.",
		}, []string{"category"}),
	}
	reg.MustRegister(c.loadGauge, c.bytesTotal)
	return c
}

// NewWorker hands out a fresh per-goroutine accumulator for the current
// phase.
func (c *Collector) NewWorker() *Worker { return &Worker{data: newPhaseData()} }

// Merge folds w's accumulated load and edge data into the current phase.
// Called once per worker at phase close.
func (c *Collector) Merge(w *Worker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for obj, d := range w.data.load {
		c.phase.load[obj] += d
		c.loadGauge.WithLabelValues(obj.String()).Set(c.phase.load[obj].Seconds())
	}
	for key, n := range w.data.edges {
		c.phase.edges[key] += n
		c.bytesTotal.WithLabelValues(categoryLabel(key.Category)).Add(float64(n))
	}
}

func categoryLabel(c Category) string {
	switch c {
	case CatUserMsg:
		return "user"
	case CatBroadcast:
		return "broadcast"
	case CatMigration:
		return "migration"
	case CatLocation:
		return "location"
	default:
		return "compute"
	}
}

// PerElementLoad returns a snapshot of the current phase's per_element_load.
func (c *Collector) PerElementLoad() map[core.Key]time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[core.Key]time.Duration, len(c.phase.load))
	for k, v := range c.phase.load {
		out[k] = v
	}
	return out
}

// PerEdgeBytes returns a snapshot of the current phase's per_edge_bytes.
func (c *Collector) PerEdgeBytes() map[EdgeKey]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[EdgeKey]int64, len(c.phase.edges))
	for k, v := range c.phase.edges {
		out[k] = v
	}
	return out
}

// PerRankTotals rolls up the current phase.
func (c *Collector) PerRankTotals() PerRankTotals {
	c.mu.Lock()
	defer c.mu.Unlock()
	var t PerRankTotals
	for _, d := range c.phase.load {
		t.SumLoad += d
		if d > t.MaxObjLoad {
			t.MaxObjLoad = d
		}
		t.NumObjects++
	}
	return t
}

// ClosePhase returns the current phase's totals and resets accumulation for
// the next phase.
func (c *Collector) ClosePhase() PerRankTotals {
	t := c.PerRankTotals()
	c.mu.Lock()
	c.phase = newPhaseData()
	c.mu.Unlock()
	return t
}

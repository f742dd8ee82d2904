// Package telemetry collects process-wide evaluation metrics for the CDS
// engine -- counters, an evaluation-latency histogram, and the breaker
// state gauge -- and exposes them as a JSON snapshot with derived health
// status plus a Prometheus text exposition endpoint, all on standard
// library constructs without the go.opentelemetry.io SDK.
package telemetry

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/cds/cds/internal/platform/breaker"
)

// ---------------------------------------------------------------------------
// Histogram — Prometheus-style histogram with buckets
// ---------------------------------------------------------------------------

// histogram is a thread-safe histogram with configurable bucket boundaries.
// Bucket counts are non-cumulative in storage; cumulative counts are
// computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64 // one per boundary, non-cumulative
	count        int64
	sum          uint64     // stored as math.Float64bits for atomic add
	mu           sync.Mutex // protects bucketCounts
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

// Observe records a single value.
func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			h.mu.Unlock()
			return
		}
	}
	// Value exceeds all boundaries — counted in +Inf (handled at export).
	h.mu.Unlock()
}

// Count returns the total number of observations.
func (h *histogram) Count() int64 {
	return atomic.LoadInt64(&h.count)
}

// Sum returns the total sum of all observations.
func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

// cumulativeBuckets returns cumulative bucket counts for export.
func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	cum := make([]int64, len(raw))
	var running int64
	for i, c := range raw {
		running += c
		cum[i] = running
	}
	return cum
}

// quantile returns an upper-bound estimate of the q-quantile from the
// bucket boundaries (the boundary of the bucket containing the q-th
// observation). Returns 0 with no observations; the last boundary when the
// quantile falls in the +Inf bucket.
func (h *histogram) quantile(q float64) float64 {
	total := h.Count()
	if total == 0 {
		return 0
	}
	rank := int64(math.Ceil(q * float64(total)))
	cum := h.cumulativeBuckets()
	for i, c := range cum {
		if c >= rank {
			return h.boundaries[i]
		}
	}
	return h.boundaries[len(h.boundaries)-1]
}

// atomicAddFloat64 performs an atomic add on a uint64 that stores a float64
// using CAS.
func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		newVal := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(newVal)) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Labeled counter store — keyed by rule id
// ---------------------------------------------------------------------------

type counterStore struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newCounterStore() *counterStore {
	return &counterStore{items: make(map[string]*int64)}
}

func (s *counterStore) inc(key string) {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		atomic.AddInt64(p, 1)
		return
	}
	s.mu.Lock()
	p, ok = s.items[key]
	if !ok {
		v := int64(1)
		s.items[key] = &v
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	atomic.AddInt64(p, 1)
}

func (s *counterStore) get(key string) int64 {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

func (s *counterStore) snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]int64, len(s.items))
	for k, p := range s.items {
		cp[k] = atomic.LoadInt64(p)
	}
	return cp
}

// ---------------------------------------------------------------------------
// Collector
// ---------------------------------------------------------------------------

// evalDurationBuckets are the histogram bucket boundaries (in seconds) for
// whole-evaluation latency. The p95 target for inline UI blocking is 2s, so
// the boundaries cluster below that.
var evalDurationBuckets = []float64{
	0.005, 0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.0, 5.0,
}

// ruleDurationBuckets cover single-rule evaluation latency.
var ruleDurationBuckets = []float64{
	0.001, 0.005, 0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0,
}

// Config tunes health derivation.
type Config struct {
	// HitRateTarget is the cache hit rate below which the engine reports
	// degraded (once enough evaluations have been seen).
	HitRateTarget float64
	// ErrorRateLimit is the evaluation error rate above which the
	// highErrorRate flag raises. Defaults to 0.05.
	ErrorRateLimit float64
	// SlowRateLimit is the slow-evaluation rate above which the
	// slowEvaluations flag raises. Defaults to 0.10.
	SlowRateLimit float64
	// MinSamples is the evaluation count before rate-based flags can raise,
	// avoiding noisy health right after startup. Defaults to 20.
	MinSamples int64
}

func (c *Config) applyDefaults() {
	if c.HitRateTarget == 0 {
		c.HitRateTarget = 0.5
	}
	if c.ErrorRateLimit == 0 {
		c.ErrorRateLimit = 0.05
	}
	if c.SlowRateLimit == 0 {
		c.SlowRateLimit = 0.10
	}
	if c.MinSamples == 0 {
		c.MinSamples = 20
	}
}

// Collector is the process-wide metrics collector. Write-heavy (every
// evaluation records here) and read-occasionally (snapshot endpoint), so
// all hot-path state is atomic; reset only on process restart.
type Collector struct {
	cfg Config

	totalEvaluations int64
	cacheHits        int64
	cacheMisses      int64
	slowEvaluations  int64
	errors           int64
	invalidations    int64

	ruleFailures   int64
	ruleFailCounts *counterStore // per-rule failure counts
	breakerState   int64         // breaker.State as int64
	evalDurations  *histogram
	ruleDurations  *histogram
}

// NewCollector creates a Collector with all counters at zero and the
// breaker reported closed.
func NewCollector(cfg Config) *Collector {
	cfg.applyDefaults()
	return &Collector{
		cfg:            cfg,
		ruleFailCounts: newCounterStore(),
		evalDurations:  newHistogram(evalDurationBuckets),
		ruleDurations:  newHistogram(ruleDurationBuckets),
	}
}

// RecordEvaluation records one completed engine evaluation.
func (c *Collector) RecordEvaluation(duration time.Duration, cacheHit, slow bool) {
	atomic.AddInt64(&c.totalEvaluations, 1)
	if cacheHit {
		atomic.AddInt64(&c.cacheHits, 1)
	} else {
		atomic.AddInt64(&c.cacheMisses, 1)
	}
	if slow {
		atomic.AddInt64(&c.slowEvaluations, 1)
	}
	c.evalDurations.Observe(duration.Seconds())
}

// RecordError records an evaluation that failed outright (NotFound or
// DataSourceUnavailable); per-rule failures are recorded separately.
func (c *Collector) RecordError() {
	atomic.AddInt64(&c.errors, 1)
}

// RecordRuleTiming records one rule task's duration and outcome.
func (c *Collector) RecordRuleTiming(ruleID string, duration time.Duration, failed bool) {
	c.ruleDurations.Observe(duration.Seconds())
	if failed {
		atomic.AddInt64(&c.ruleFailures, 1)
		c.ruleFailCounts.inc(ruleID)
	}
}

// RecordInvalidation records one patient cache invalidation.
func (c *Collector) RecordInvalidation() {
	atomic.AddInt64(&c.invalidations, 1)
}

// RecordBreakerState records the cache breaker's current state.
func (c *Collector) RecordBreakerState(s breaker.State) {
	atomic.StoreInt64(&c.breakerState, int64(s))
}

// ---------------------------------------------------------------------------
// Snapshot
// ---------------------------------------------------------------------------

// HealthStatus is the derived engine health.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
)

// AlertFlags are the boolean conditions monitoring keys on.
type AlertFlags struct {
	HighErrorRate      bool `json:"high_error_rate"`
	LowCacheHitRate    bool `json:"low_cache_hit_rate"`
	SlowEvaluations    bool `json:"slow_evaluations"`
	CircuitBreakerOpen bool `json:"circuit_breaker_open"`
}

// Metrics is a point-in-time snapshot; derived rates are computed at
// snapshot time, never stored.
type Metrics struct {
	TotalEvaluations int64 `json:"total_evaluations"`
	CacheHits        int64 `json:"cache_hits"`
	CacheMisses      int64 `json:"cache_misses"`
	SlowEvaluations  int64 `json:"slow_evaluations"`
	Errors           int64 `json:"errors"`
	Invalidations    int64 `json:"invalidations"`
	RuleFailures     int64 `json:"rule_failures"`

	CacheHitRate        float64 `json:"cache_hit_rate"`
	SlowEvaluationRate  float64 `json:"slow_evaluation_rate"`
	ErrorRate           float64 `json:"error_rate"`
	AvgProcessingTimeMs float64 `json:"avg_processing_time_ms"`
	P95ProcessingTimeMs float64 `json:"p95_processing_time_ms"`
	P99ProcessingTimeMs float64 `json:"p99_processing_time_ms"`

	BreakerState string `json:"breaker_state"`

	RuleFailureCounts map[string]int64 `json:"rule_failure_counts,omitempty"`

	Health HealthStatus `json:"health"`
	Flags  AlertFlags   `json:"flags"`
}

// Snapshot computes the current Metrics, including derived rates, health
// status and alert flags.
func (c *Collector) Snapshot() Metrics {
	total := atomic.LoadInt64(&c.totalEvaluations)
	hits := atomic.LoadInt64(&c.cacheHits)
	misses := atomic.LoadInt64(&c.cacheMisses)
	slow := atomic.LoadInt64(&c.slowEvaluations)
	errs := atomic.LoadInt64(&c.errors)
	brState := breaker.State(atomic.LoadInt64(&c.breakerState))

	m := Metrics{
		TotalEvaluations:  total,
		CacheHits:         hits,
		CacheMisses:       misses,
		SlowEvaluations:   slow,
		Errors:            errs,
		Invalidations:     atomic.LoadInt64(&c.invalidations),
		RuleFailures:      atomic.LoadInt64(&c.ruleFailures),
		BreakerState:      brState.String(),
		RuleFailureCounts: c.ruleFailCounts.snapshot(),
	}

	if lookups := hits + misses; lookups > 0 {
		m.CacheHitRate = float64(hits) / float64(lookups)
	}
	if total > 0 {
		m.SlowEvaluationRate = float64(slow) / float64(total)
	}
	if attempts := total + errs; attempts > 0 {
		m.ErrorRate = float64(errs) / float64(attempts)
	}
	if n := c.evalDurations.Count(); n > 0 {
		m.AvgProcessingTimeMs = c.evalDurations.Sum() / float64(n) * 1000
	}
	m.P95ProcessingTimeMs = c.evalDurations.quantile(0.95) * 1000
	m.P99ProcessingTimeMs = c.evalDurations.quantile(0.99) * 1000

	warmedUp := total >= c.cfg.MinSamples
	m.Flags = AlertFlags{
		HighErrorRate:      warmedUp && m.ErrorRate > c.cfg.ErrorRateLimit,
		LowCacheHitRate:    warmedUp && m.CacheHitRate < c.cfg.HitRateTarget,
		SlowEvaluations:    warmedUp && m.SlowEvaluationRate > c.cfg.SlowRateLimit,
		CircuitBreakerOpen: brState != breaker.StateClosed,
	}

	if m.Flags.HighErrorRate || m.Flags.LowCacheHitRate || m.Flags.SlowEvaluations || m.Flags.CircuitBreakerOpen {
		m.Health = HealthDegraded
	} else {
		m.Health = HealthHealthy
	}

	return m
}

// ---------------------------------------------------------------------------
// HTTP handlers
// ---------------------------------------------------------------------------

// SnapshotHandler serves the JSON metrics snapshot consumed by monitoring
// and load-testing harnesses.
func (c *Collector) SnapshotHandler() echo.HandlerFunc {
	return func(ec echo.Context) error {
		return ec.JSON(http.StatusOK, c.Snapshot())
	}
}

// PrometheusHandler serves metrics in Prometheus text exposition format.
func (c *Collector) PrometheusHandler() echo.HandlerFunc {
	return func(ec echo.Context) error {
		m := c.Snapshot()
		var b strings.Builder

		writeCounter(&b, "cds_evaluations_total", "Total CDS evaluations.", m.TotalEvaluations)
		writeCounter(&b, "cds_cache_hits_total", "Cache hits.", m.CacheHits)
		writeCounter(&b, "cds_cache_misses_total", "Cache misses.", m.CacheMisses)
		writeCounter(&b, "cds_slow_evaluations_total", "Evaluations exceeding the slow threshold.", m.SlowEvaluations)
		writeCounter(&b, "cds_evaluation_errors_total", "Evaluations that failed outright.", m.Errors)
		writeCounter(&b, "cds_invalidations_total", "Patient cache invalidations.", m.Invalidations)

		b.WriteString("# HELP cds_rule_failures_total Rule tasks that failed or timed out, by rule.\n")
		b.WriteString("# TYPE cds_rule_failures_total counter\n")
		for rule, n := range m.RuleFailureCounts {
			writeLabeledValue(&b, "cds_rule_failures_total", "rule", rule, float64(n))
		}
		b.WriteByte('\n')

		b.WriteString("# HELP cds_breaker_state Cache breaker state (0=closed, 1=open, 2=half-open).\n")
		b.WriteString("# TYPE cds_breaker_state gauge\n")
		writeValue(&b, "cds_breaker_state", float64(atomic.LoadInt64(&c.breakerState)))
		b.WriteByte('\n')

		writeHistogram(&b, "cds_evaluation_duration_seconds",
			"Duration of whole evaluations in seconds.", c.evalDurations)
		writeHistogram(&b, "cds_rule_duration_seconds",
			"Duration of individual rule tasks in seconds.", c.ruleDurations)

		return ec.String(http.StatusOK, b.String())
	}
}

// ---------------------------------------------------------------------------
// Prometheus format helpers
// ---------------------------------------------------------------------------

func writeCounter(b *strings.Builder, name, help string, v int64) {
	b.WriteString("# HELP " + name + " " + help + "\n")
	b.WriteString("# TYPE " + name + " counter\n")
	writeValue(b, name, float64(v))
	b.WriteByte('\n')
}

func writeValue(b *strings.Builder, name string, v float64) {
	b.WriteString(name + " " + formatFloat(v) + "\n")
}

func writeLabeledValue(b *strings.Builder, name, label, lv string, v float64) {
	b.WriteString(name + `{` + label + `="` + lv + `"} ` + formatFloat(v) + "\n")
}

func writeHistogram(b *strings.Builder, name, help string, h *histogram) {
	b.WriteString("# HELP " + name + " " + help + "\n")
	b.WriteString("# TYPE " + name + " histogram\n")

	cum := h.cumulativeBuckets()
	total := h.Count()
	for i, boundary := range h.boundaries {
		b.WriteString(name + `_bucket{le="` + formatFloat(boundary) + `"} ` + formatFloat(float64(cum[i])) + "\n")
	}
	b.WriteString(name + `_bucket{le="+Inf"} ` + formatFloat(float64(total)) + "\n")
	b.WriteString(name + "_sum " + formatFloat(h.Sum()) + "\n")
	b.WriteString(name + "_count " + formatFloat(float64(total)) + "\n")
	b.WriteByte('\n')
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Package stats provides runtime statistics tracking for Conduit.
package stats

import (
	"runtime"
	"sync/atomic"
	"time"
)

// Collector tracks query metrics over the process lifetime. Safe for
// concurrent use.
type Collector struct {
	startTime     time.Time
	queryCount    atomic.Int64
	errorCount    atomic.Int64
	cacheHits     atomic.Int64
	totalDuration atomic.Int64 // nanoseconds
}

// NewCollector creates a new stats collector.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// Stats represents service statistics at a point in time.
type Stats struct {
	// System resources
	Memory     MemoryStats `json:"memory"`
	Goroutines int         `json:"goroutines"`
	Uptime     string      `json:"uptime"`

	// Query metrics
	QueryCount   int64   `json:"query_count"`
	ErrorCount   int64   `json:"error_count"`
	CacheHits    int64   `json:"cache_hits"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// MemoryStats represents memory usage statistics.
type MemoryStats struct {
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	HeapSysMB   float64 `json:"heap_sys_mb"`
	HeapObjects uint64  `json:"heap_objects"`
	NumGC       uint32  `json:"num_gc"`
}

// Collect returns current service statistics.
func (c *Collector) Collect() *Stats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	queries := c.queryCount.Load()
	avgLatency := float64(0)
	if queries > 0 {
		avgLatency = float64(c.totalDuration.Load()) / float64(queries) / 1e6
	}

	return &Stats{
		Memory: MemoryStats{
			HeapAllocMB: bytesToMB(int64(m.HeapAlloc)),
			HeapSysMB:   bytesToMB(int64(m.HeapSys)),
			HeapObjects: m.HeapObjects,
			NumGC:       m.NumGC,
		},
		Goroutines:   runtime.NumGoroutine(),
		Uptime:       time.Since(c.startTime).String(),
		QueryCount:   queries,
		ErrorCount:   c.errorCount.Load(),
		CacheHits:    c.cacheHits.Load(),
		AvgLatencyMs: avgLatency,
	}
}

// RecordQuery records a completed query.
func (c *Collector) RecordQuery(duration time.Duration) {
	c.queryCount.Add(1)
	c.totalDuration.Add(duration.Nanoseconds())
}

// RecordError records a failed query.
func (c *Collector) RecordError() {
	c.errorCount.Add(1)
}

// RecordCacheHit records a query served from cache.
func (c *Collector) RecordCacheHit() {
	c.cacheHits.Add(1)
}

// bytesToMB converts bytes to megabytes.
func bytesToMB(b int64) float64 {
	return float64(b) / 1024 / 1024
}

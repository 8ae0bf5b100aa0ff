// Package granularity defines the bucketing-width configuration the engine
// is parameterized over. Granularity config is an injected value (§9 of the
// design: "Global state. None."); there is no package-level registry.
package granularity

import "time"

// Infinite marks a granularity with no cache retention horizon.
const Infinite time.Duration = -1

// Granularity is a named bucketing width plus its retention and
// realtime-splice policy.
type Granularity struct {
	// Suffix names the per-granularity cache tables, e.g. "15min".
	Suffix string
	// Interval is the bucket width store.BucketStore.RefreshBucketing
	// uses to map raw price updates onto bucket starts.
	Interval time.Duration
	// CacheRetention is how long user_product_timeline_cache[g] and
	// user_timeline_cache[g] rows are kept by retention GC. Infinite
	// means rows are never pruned.
	CacheRetention time.Duration
	// IncludeRealtime, when true, requires the query path to splice in
	// raw (unbucketed) prices newer than the latest bucket edge.
	IncludeRealtime bool
}

// HasFiniteRetention reports whether g is subject to retention GC.
func (g Granularity) HasFiniteRetention() bool {
	return g.CacheRetention != Infinite
}

// Defaults returns the engine's built-in granularity table, carried over
// from the original system's granularities.py: 15-minute buckets with a
// week of retention and realtime splicing, hourly buckets with a month of
// retention, and daily buckets with unbounded retention.
func Defaults() []Granularity {
	return []Granularity{
		{Suffix: "15min", Interval: 15 * time.Minute, CacheRetention: 7 * 24 * time.Hour, IncludeRealtime: true},
		{Suffix: "1h", Interval: time.Hour, CacheRetention: 30 * 24 * time.Hour, IncludeRealtime: false},
		{Suffix: "1d", Interval: 24 * time.Hour, CacheRetention: Infinite, IncludeRealtime: false},
	}
}

/*
Package metrics provides Prometheus metrics for the response cache.

# Overview

Collector implements types.MetricsRecorder, so the cache store, the buffer
pool, the maintenance engine and the payload decorators all report into
one registry. A disabled collector accepts every call and records nothing,
which keeps call sites free of nil checks.

Architecture

	┌─────────────┐
	│  Collector  │  ← types.MetricsRecorder
	└──────┬──────┘
	       │
	   ┌───┴────────────────────────────┐
	   │                                │
	┌──▼───────────┐         ┌─────────▼──────┐
	│  Prometheus  │         │  HTTP Endpoints │
	│   Registry   │         │  /metrics       │
	│              │         │  /health        │
	│ - Counters   │         │  /debug/metrics │
	│ - Histograms │         └─────────────────┘
	│ - Gauges     │
	└──────────────┘

# Usage

	collector, err := metrics.NewCollector(metrics.ConfigFrom(cfg))
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(ctx)

	store := cache.New(payloads, cache.WithMetrics(collector))

# Exported Metrics

All names are prefixed with the configured namespace (respcache by
default).

	cache_requests_total{type}            hit / miss
	cache_size_bytes, cache_entries       live totals
	evictions_total{reason}               expired / size / clear
	evicted_bytes_total{reason}
	payload_errors_total{operation,type}  failed payload store calls
	sweep_duration_seconds                maintenance pass latency
	sweep_removed_total
	pool_acquires_total{result}           reused / allocated
	pool_drops_total{reason}              disabled / oversize / pool_full / idle
	request_duration_seconds{outcome}     transport requests

Error types come from the cache error code when there is one (circuit_open,
not_found, corrupt) and from the error message otherwise (timeout,
connection, permission, throttling, other).
*/
package metrics

/*
Package types provides the collaborator interfaces and shared data structures of respcache.

The cache core never talks to a filesystem, a clock or a logging library directly. It
consumes the small interfaces declared here, which lets the same store run against a
local directory in production and an in-memory map in tests.

# Architecture Overview

	┌─────────────────────────────────────────────┐
	│        HTTP layer (internal/transport)      │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│  Entry store (internal/cache)               │
	│  Maintenance engine (internal/maintenance)  │
	│  Buffer pool (internal/buffer)              │
	└─────────────────────────────────────────────┘
	          │             │             │
	┌─────────┴───┐ ┌───────┴─────┐ ┌─────┴──────┐
	│PayloadStore │ │    Clock    │ │   Logger   │
	└─────────────┘ └─────────────┘ └────────────┘

# Core Interfaces

PayloadStore: byte storage for response bodies and the persisted index. Writes are
two-phase (OpenWrite, then Commit or Abort) so a failed write never leaves a half
payload visible at its location.

Lister: optional extension of PayloadStore used to find payloads that no index record
references any more.

Clock: source of the current time. Age-based eviction and pool maintenance intervals
are computed from it, so tests can move time forward without sleeping.

Logger: severity, component, message and optional error. Non-fatal I/O failures during
eviction are reported here.

MetricsRecorder: optional sink for cache, pool and sweep measurements.
*/
package types

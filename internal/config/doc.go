/*
Package config provides configuration management for respcache.

Configuration is layered, later sources overriding earlier ones:

	defaults (NewDefault) → YAML file (LoadFromFile) → RESPCACHE_* environment (LoadFromEnv)

Validate must be called on the final result. Sizes are humanized strings
("512MiB", "64MB") parsed with go-humanize; a blank size means unlimited.

# Configuration Structure

Global:
- Logging (level, format, optional file)
- Metrics port

Cache:
- Payload backend: fs, memory, redis or s3
- Index file name, relative to the payload backend
- Maintenance limits: max_size, max_entries, max_age
- Maintenance interval
- Compression and the in-memory hot tier
- Request headers that take part in cache keys

Pool:
- Buffer reuse, idle expiry and byte ceilings

Redis, S3, Breaker:
- Backend connection settings and the circuit breaker that guards remote backends

Metrics:
- Prometheus namespace and endpoint path

# Usage

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("/etc/respcache/config.yaml"); err != nil {
		return err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

Configuration file format:

	global:
	  log_level: INFO
	  log_format: json
	  metrics_port: 9090

	cache:
	  backend: fs
	  directory: /var/cache/respcache
	  index_file: index.json
	  max_size: 2GiB
	  max_entries: 100000
	  max_age: 168h
	  maintenance_interval: 5m
	  vary_headers: [Accept-Encoding]
	  hot_tier:
	    enabled: true
	    max_cost: 64MiB
	    max_item_size: 1MiB

	pool:
	  enabled: true
	  max_idle: 10s
	  max_pool_size: 10MiB
	  heap_limit: 512MiB   # pooling pauses while the heap is above this

Environment variable mapping:

	RESPCACHE_LOG_LEVEL="DEBUG"
	RESPCACHE_CACHE_BACKEND="redis"
	RESPCACHE_CACHE_MAX_SIZE="1GiB"
	RESPCACHE_CACHE_MAX_AGE="24h"
	RESPCACHE_REDIS_ADDRESS="cache:6379"
	RESPCACHE_S3_BUCKET="responses"
	RESPCACHE_POOL_HEAP_LIMIT="512MiB"

Invalid values in environment variables that need parsing (numbers,
durations) are ignored and the previous value is kept.
*/
package config

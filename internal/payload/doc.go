/*
Package payload implements the byte stores behind cached response bodies
and the persisted cache index.

Every store satisfies types.PayloadStore. Writes are two-phase: bytes go
to an OpenWrite writer and only become visible at the location when Commit
succeeds, so a failed Put never leaves a half-written payload behind.

# Stores

  - FileStore: one file per location in a local directory
  - MemoryStore: in-process map, for tests and ephemeral caches
  - RedisStore: namespaced Redis string keys
  - S3Store: objects under a bucket prefix

# Decorators

Decorators wrap any store and compose freely:

  - Compressed: zstd stream compression
  - Tiered: ristretto in-memory hot tier for small payloads
  - Breaker: gobreaker circuit breaker for remote stores

Open builds the configured stack from a config.Configuration, innermost
first: backend, then Compressed, then Tiered, then Breaker for remote
backends.
*/
package payload

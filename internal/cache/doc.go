/*
Package cache provides the HTTP response cache entry store.

A Store maps a request Key (method, URI and the values of the vary
headers) to a CacheEntry describing the cached response, and keeps the
response body in an injected types.PayloadStore. The index lives in
memory behind a single reader-writer lock and is persisted as a versioned
JSON document next to the payloads.

# Storage Layout

	┌─────────────────────────────────────────────┐
	│                 Store                       │
	│   fingerprint → record (refs, doomed)       │
	│   totalSize, count, next seq                │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│             PayloadStore                    │
	│   index.json                                │
	│   0000000000000001, 0000000000000002, ...   │
	└─────────────────────────────────────────────┘

Every Put writes to a location derived from a monotonically increasing
sequence number, commits it, and only then swaps the record into the index.
Locations are never reused, so a reader of the old payload is never
disturbed by a writer of the new one.

# Handles and Deferred Deletion

TryGet returns a Handle that pins the entry's payload:

	h, ok := store.TryGet(ctx, key)
	if !ok {
		// miss
	}
	defer h.Close()
	n, err := h.WriteTo(ctx, w)

Delete, Evict, Clear and Put-over-existing unlink records from the index
immediately and subtract their size. The payload itself is deleted by
whichever happens last: the unlink or the final Handle.Close.

# Consistency

A record whose payload has gone missing is treated as a miss and dropped.
A payload that fails its length or xxhash64 checksum check is reported as
CACHE_CORRUPT and its record dropped. Load discards records with missing
payloads and deletes payloads that no record references.
*/
package cache

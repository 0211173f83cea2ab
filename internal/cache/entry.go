package cache

import (
	"net/http"
	"time"

	"go.uber.org/atomic"
)

// Metadata is the response information kept alongside a cached payload.
type Metadata struct {
	Status       int         `json:"status"`
	Header       http.Header `json:"header,omitempty"`
	ETag         string      `json:"etag,omitempty"`
	LastModified time.Time   `json:"last_modified,omitempty"`
	Expires      time.Time   `json:"expires,omitempty"`
	Date         time.Time   `json:"date,omitempty"`
	Received     time.Time   `json:"received,omitempty"`

	Age                  time.Duration `json:"age,omitempty"`
	MaxAge               time.Duration `json:"max_age,omitempty"`
	StaleWhileRevalidate time.Duration `json:"stale_while_revalidate,omitempty"`
	StaleIfError         time.Duration `json:"stale_if_error,omitempty"`
	MustRevalidate       bool          `json:"must_revalidate,omitempty"`
	NoCache              bool          `json:"no_cache,omitempty"`
}

// CacheEntry is a point-in-time copy of a cached response record.
type CacheEntry struct {
	Key          Key       `json:"key"`
	Created      time.Time `json:"created"`
	LastAccessed time.Time `json:"last_accessed"`
	SizeBytes    int64     `json:"size"`
	Validator    string    `json:"validator,omitempty"`
	LastModified time.Time `json:"last_modified,omitempty"`
	Location     string    `json:"location"`
	Seq          uint64    `json:"seq"`
	Checksum     uint64    `json:"checksum"`
	Metadata     Metadata  `json:"metadata"`
}

// record is the live, store-owned form of an entry.
type record struct {
	key      Key
	created  time.Time
	size     int64
	location string
	seq      uint64
	checksum uint64

	meta         atomic.Pointer[Metadata]
	lastAccessed atomic.Int64 // unix nanoseconds

	refs    atomic.Int32 // open handles
	doomed  atomic.Bool  // unlinked from the index
	deleted atomic.Bool  // payload deletion claimed
}

func newRecord(e CacheEntry) *record {
	r := &record{
		key:      e.Key,
		created:  e.Created,
		size:     e.SizeBytes,
		location: e.Location,
		seq:      e.Seq,
		checksum: e.Checksum,
	}
	meta := e.Metadata
	r.meta.Store(&meta)
	r.lastAccessed.Store(e.LastAccessed.UnixNano())
	return r
}

func (r *record) touch(now time.Time) {
	r.lastAccessed.Store(now.UnixNano())
}

func (r *record) snapshot() CacheEntry {
	meta := *r.meta.Load()
	return CacheEntry{
		Key:          r.key,
		Created:      r.created,
		LastAccessed: time.Unix(0, r.lastAccessed.Load()).In(r.created.Location()),
		SizeBytes:    r.size,
		Validator:    meta.ETag,
		LastModified: meta.LastModified,
		Location:     r.location,
		Seq:          r.seq,
		Checksum:     r.checksum,
		Metadata:     meta,
	}
}

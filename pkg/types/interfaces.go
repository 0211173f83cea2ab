package types

import (
	"context"
	"io"
	"time"
)

// PayloadStore defines the byte storage behind cached response bodies and
// the persisted index. Any byte-addressable store satisfies it.
type PayloadStore interface {
	// OpenRead opens the payload at location. A missing payload returns an
	// error matching ErrPayloadNotFound.
	OpenRead(ctx context.Context, location string) (io.ReadCloser, error)

	// OpenWrite starts writing a payload at location. Nothing is visible at
	// location until Commit succeeds.
	OpenWrite(ctx context.Context, location string) (PayloadWriter, error)

	// Delete removes the payload. Deleting a missing payload is not an error.
	Delete(ctx context.Context, location string) error

	// Exists reports whether a committed payload is present at location.
	Exists(ctx context.Context, location string) (bool, error)
}

// PayloadWriter is an in-progress payload write.
type PayloadWriter interface {
	io.Writer

	// Commit makes the written bytes durable and visible at the location.
	Commit() error

	// Abort discards the written bytes. Abort after Commit is a no-op.
	Abort() error
}

// Lister is implemented by payload stores able to enumerate their contents,
// used to remove payloads the index no longer references.
type Lister interface {
	List(ctx context.Context) ([]string, error)
}

// Clock supplies the current time
type Clock interface {
	Now() time.Time
}

// Logger is the logging sink consumed by the cache core
type Logger interface {
	Log(severity Severity, component, message string, err error)
}

// MetricsRecorder receives cache, pool and maintenance measurements
type MetricsRecorder interface {
	RecordCacheHit()
	RecordCacheMiss()
	RecordEviction(reason string, size int64)
	RecordPayloadError(operation string, err error)
	RecordSweep(duration time.Duration, evicted int, freed int64)
	UpdateCacheSize(size int64, entries int)
	RecordPoolAcquire(reused bool)
	RecordPoolDrop(reason string)
}

package cache

import (
	"context"
	stderrors "errors"
	"io"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/atomic"

	"github.com/respcache/respcache/pkg/errors"
	"github.com/respcache/respcache/pkg/types"
)

// Handle pins a cache entry's payload for reading. The payload is not
// deleted while the handle is open, even if the entry is evicted, replaced
// or cleared in the meantime. Close every handle; readers returned by Open
// must be closed before the handle.
type Handle struct {
	store  *Store
	rec    *record
	closed atomic.Bool
}

// Entry returns a snapshot of the pinned entry.
func (h *Handle) Entry() CacheEntry {
	return h.rec.snapshot()
}

// Open returns a reader over the raw payload.
func (h *Handle) Open(ctx context.Context) (io.ReadCloser, error) {
	if h.closed.Load() {
		return nil, errors.NewError(errors.ErrCodeHandleClosed, "handle is closed").
			WithComponent(component).
			WithOperation("open")
	}
	rc, err := h.store.payloads.OpenRead(ctx, h.rec.location)
	if err != nil {
		h.store.recordPayloadError("open_read", err)
		if stderrors.Is(err, types.ErrPayloadNotFound) {
			h.invalidate(ctx)
			return nil, errors.Wrap(err, errors.ErrCodePayloadNotFound, "cached payload is missing").
				WithComponent(component).
				WithOperation("open")
		}
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to open payload").
			WithComponent(component).
			WithOperation("open")
	}
	return rc, nil
}

// ReadAll reads the whole payload and verifies its length and checksum.
// A payload that fails verification invalidates the entry.
func (h *Handle) ReadAll(ctx context.Context) ([]byte, error) {
	rc, err := h.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	b := h.store.pool.Acquire(int(h.rec.size))
	defer h.store.pool.Release(b)

	if _, err := b.ReadFrom(rc); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to read payload").
			WithComponent(component).
			WithOperation("read")
	}
	if int64(b.Len()) != h.rec.size || xxhash.Sum64(b.B) != h.rec.checksum {
		h.invalidate(ctx)
		return nil, h.corrupt(int64(b.Len()))
	}

	out := make([]byte, b.Len())
	copy(out, b.B)
	return out, nil
}

// WriteTo streams the payload to w through a pooled buffer. Verification
// happens at the end of the stream, so on a corrupt payload w has already
// received the bytes and the error reports it.
func (h *Handle) WriteTo(ctx context.Context, w io.Writer) (int64, error) {
	rc, err := h.Open(ctx)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	digest := xxhash.New()
	n, err := h.store.pool.CopyBuffer(io.MultiWriter(w, digest), rc)
	if err != nil {
		return n, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to stream payload").
			WithComponent(component).
			WithOperation("write_to")
	}
	if n != h.rec.size || digest.Sum64() != h.rec.checksum {
		h.invalidate(ctx)
		return n, h.corrupt(n)
	}
	return n, nil
}

// Close releases the pin. It is safe to call more than once.
func (h *Handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	if h.rec.refs.Dec() == 0 && h.rec.doomed.Load() {
		return h.store.deletePayload(context.Background(), h.rec)
	}
	return nil
}

// invalidate drops the entry if it still points at this payload.
func (h *Handle) invalidate(ctx context.Context) {
	h.store.logger.Log(types.SeverityWarn, component, "invalidating damaged entry "+h.rec.key.String(), nil)
	_, _, _ = h.store.Evict(ctx, h.rec.key, h.rec.seq)
}

func (h *Handle) corrupt(read int64) error {
	return errors.NewError(errors.ErrCodeCacheCorrupt, "payload failed verification").
		WithComponent(component).
		WithDetail("location", h.rec.location).
		WithDetail("expected_size", h.rec.size).
		WithDetail("read_size", read)
}

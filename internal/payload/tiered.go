package payload

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/atomic"

	"github.com/respcache/respcache/pkg/types"
)

// TieredConfig sizes the in-memory hot tier.
type TieredConfig struct {
	MaxCost     int64 // total bytes held in memory
	MaxItemSize int64 // payloads larger than this bypass the hot tier
}

// Tiered keeps small payloads in a ristretto cache in front of a slower
// store. Writes go through to the wrapped store; the hot copy is only
// populated after a successful commit or a complete read.
type Tiered struct {
	inner   types.PayloadStore
	hot     *ristretto.Cache
	maxItem int64

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewTiered creates the hot tier.
func NewTiered(inner types.PayloadStore, cfg TieredConfig) (*Tiered, error) {
	if cfg.MaxCost <= 0 {
		cfg.MaxCost = 64 << 20
	}
	if cfg.MaxItemSize <= 0 || cfg.MaxItemSize > cfg.MaxCost {
		cfg.MaxItemSize = cfg.MaxCost / 16
	}

	counters := cfg.MaxCost / 1024 * 10
	if counters < 10000 {
		counters = 10000
	}
	hot, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        counters,
		MaxCost:            cfg.MaxCost,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ristretto cache: %w", err)
	}

	return &Tiered{inner: inner, hot: hot, maxItem: cfg.MaxItemSize}, nil
}

// OpenRead serves from memory when possible.
func (t *Tiered) OpenRead(ctx context.Context, location string) (io.ReadCloser, error) {
	if v, ok := t.hot.Get(location); ok {
		t.hits.Inc()
		return io.NopCloser(bytes.NewReader(v.([]byte))), nil
	}
	t.misses.Inc()

	rc, err := t.inner.OpenRead(ctx, location)
	if err != nil {
		return nil, err
	}
	return &teeReader{tier: t, location: location, src: rc}, nil
}

// OpenWrite writes through to the wrapped store.
func (t *Tiered) OpenWrite(ctx context.Context, location string) (types.PayloadWriter, error) {
	w, err := t.inner.OpenWrite(ctx, location)
	if err != nil {
		return nil, err
	}
	t.hot.Del(location)
	return &teeWriter{tier: t, location: location, dst: w}, nil
}

// Delete drops the hot copy and deletes from the wrapped store.
func (t *Tiered) Delete(ctx context.Context, location string) error {
	t.hot.Del(location)
	return t.inner.Delete(ctx, location)
}

// Exists always asks the wrapped store, which stays authoritative. A hot
// copy of a payload the wrapped store no longer has is dropped.
func (t *Tiered) Exists(ctx context.Context, location string) (bool, error) {
	ok, err := t.inner.Exists(ctx, location)
	if err == nil && !ok {
		t.hot.Del(location)
	}
	return ok, err
}

// List passes through when the wrapped store can list.
func (t *Tiered) List(ctx context.Context) ([]string, error) {
	return list(ctx, t.inner)
}

// HitRatio returns hot tier hits over lookups.
func (t *Tiered) HitRatio() float64 {
	h, m := t.hits.Load(), t.misses.Load()
	if h+m == 0 {
		return 0
	}
	return float64(h) / float64(h+m)
}

// Close releases the hot tier.
func (t *Tiered) Close() error {
	t.hot.Close()
	return nil
}

func (t *Tiered) admit(location string, data []byte) {
	if int64(len(data)) > t.maxItem {
		return
	}
	t.hot.Set(location, data, int64(len(data)))
	t.hot.Wait()
}

type teeReader struct {
	tier     *Tiered
	location string
	src      io.ReadCloser
	buf      []byte
	overflow bool
}

func (r *teeReader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if n > 0 && !r.overflow {
		if int64(len(r.buf)+n) > r.tier.maxItem {
			r.overflow = true
			r.buf = nil
		} else {
			r.buf = append(r.buf, p[:n]...)
		}
	}
	if err == io.EOF && !r.overflow {
		r.tier.admit(r.location, r.buf)
		r.overflow = true
	}
	return n, err
}

func (r *teeReader) Close() error {
	return r.src.Close()
}

type teeWriter struct {
	tier     *Tiered
	location string
	dst      types.PayloadWriter
	buf      []byte
	overflow bool
}

func (w *teeWriter) Write(p []byte) (int, error) {
	n, err := w.dst.Write(p)
	if n > 0 && !w.overflow {
		if int64(len(w.buf)+n) > w.tier.maxItem {
			w.overflow = true
			w.buf = nil
		} else {
			w.buf = append(w.buf, p[:n]...)
		}
	}
	return n, err
}

func (w *teeWriter) Commit() error {
	if err := w.dst.Commit(); err != nil {
		return err
	}
	if !w.overflow {
		w.tier.admit(w.location, w.buf)
	}
	return nil
}

func (w *teeWriter) Abort() error {
	w.buf = nil
	return w.dst.Abort()
}

package payload

import (
	"context"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/respcache/respcache/pkg/errors"
	"github.com/respcache/respcache/pkg/types"
)

// Compressed zstd-compresses payloads on their way into the wrapped store
// and decompresses them on the way out.
type Compressed struct {
	inner types.PayloadStore
	level zstd.EncoderLevel
}

// NewCompressed wraps inner with the default zstd level.
func NewCompressed(inner types.PayloadStore) *Compressed {
	return &Compressed{inner: inner, level: zstd.SpeedDefault}
}

// OpenRead returns a decompressing reader.
func (c *Compressed) OpenRead(ctx context.Context, location string) (io.ReadCloser, error) {
	rc, err := c.inner.OpenRead(ctx, location)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(rc, zstd.WithDecoderConcurrency(1))
	if err != nil {
		_ = rc.Close()
		return nil, storageError(errors.ErrCodeCacheCorrupt, "decompress", location, err)
	}
	return &zstdReadCloser{dec: dec, src: rc}, nil
}

// OpenWrite returns a compressing writer. Commit flushes the zstd frame
// before committing the inner write.
func (c *Compressed) OpenWrite(ctx context.Context, location string) (types.PayloadWriter, error) {
	w, err := c.inner.OpenWrite(ctx, location)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(c.level), zstd.WithEncoderConcurrency(1))
	if err != nil {
		_ = w.Abort()
		return nil, storageError(errors.ErrCodeStorageWrite, "compress", location, err)
	}
	return &zstdWriter{enc: enc, dst: w}, nil
}

// Delete passes through.
func (c *Compressed) Delete(ctx context.Context, location string) error {
	return c.inner.Delete(ctx, location)
}

// Exists passes through.
func (c *Compressed) Exists(ctx context.Context, location string) (bool, error) {
	return c.inner.Exists(ctx, location)
}

// List passes through when the wrapped store can list.
func (c *Compressed) List(ctx context.Context) ([]string, error) {
	return list(ctx, c.inner)
}

type zstdReadCloser struct {
	dec *zstd.Decoder
	src io.ReadCloser
}

func (r *zstdReadCloser) Read(p []byte) (int, error) {
	return r.dec.Read(p)
}

func (r *zstdReadCloser) Close() error {
	r.dec.Close()
	return r.src.Close()
}

type zstdWriter struct {
	enc *zstd.Encoder
	dst types.PayloadWriter
}

func (w *zstdWriter) Write(p []byte) (int, error) {
	return w.enc.Write(p)
}

func (w *zstdWriter) Commit() error {
	if err := w.enc.Close(); err != nil {
		_ = w.dst.Abort()
		return err
	}
	return w.dst.Commit()
}

func (w *zstdWriter) Abort() error {
	_ = w.enc.Close()
	return w.dst.Abort()
}

// list calls List on store if it implements types.Lister.
func list(ctx context.Context, store types.PayloadStore) ([]string, error) {
	l, ok := store.(types.Lister)
	if !ok {
		return nil, errors.NewError(errors.ErrCodeInternalError, "payload store cannot list").
			WithComponent(component)
	}
	return l.List(ctx)
}

package cache

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/respcache/respcache/internal/buffer"
	"github.com/respcache/respcache/internal/lock"
	"github.com/respcache/respcache/pkg/clock"
	"github.com/respcache/respcache/pkg/errors"
	"github.com/respcache/respcache/pkg/types"
	"github.com/respcache/respcache/pkg/utils"
)

const component = "cache"

// DefaultIndexLocation is where the index is persisted in the payload store.
const DefaultIndexLocation = "index.json"

// clearParallelism bounds concurrent payload deletions during Clear.
const clearParallelism = 8

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source for created and last-accessed stamps.
func WithClock(c types.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the logging sink.
func WithLogger(l types.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m types.MetricsRecorder) Option {
	return func(s *Store) { s.metrics = m }
}

// WithBufferPool sets the pool used for payload copies.
func WithBufferPool(p *buffer.Pool) Option {
	return func(s *Store) { s.pool = p }
}

// WithIndexLocation overrides where the index is saved.
func WithIndexLocation(location string) Option {
	return func(s *Store) { s.indexLocation = location }
}

// Store maps cache keys to response records and their payloads.
//
// The index is guarded by one RWMutex that is never held across payload
// I/O. Payloads of replaced or removed records are deleted once the last
// Handle referencing them is closed.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*record
	saveMu  sync.Mutex

	totalSize atomic.Int64
	count     atomic.Int64
	seq       atomic.Uint64

	payloads      types.PayloadStore
	pool          *buffer.Pool
	clock         types.Clock
	logger        types.Logger
	metrics       types.MetricsRecorder
	indexLocation string

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	pending   atomic.Int64
}

// New creates an empty store over payloads. Call Load to restore a
// persisted index.
func New(payloads types.PayloadStore, opts ...Option) *Store {
	s := &Store{
		entries:       make(map[string]*record),
		payloads:      payloads,
		clock:         clock.Real{},
		logger:        utils.NopLogger(),
		indexLocation: DefaultIndexLocation,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.pool == nil {
		s.pool = buffer.NewPool(buffer.DefaultConfig(), buffer.WithClock(s.clock))
	}
	return s
}

// Open creates a store and loads its persisted index.
func Open(ctx context.Context, payloads types.PayloadStore, opts ...Option) (*Store, error) {
	s := New(payloads, opts...)
	if err := s.Load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) nextLocation() (string, uint64) {
	seq := s.seq.Inc()
	return fmt.Sprintf("%016X", seq), seq
}

// TryGet looks up key. On a hit the entry's last-accessed time is bumped
// and the returned Handle pins the payload until it is closed. A record
// whose payload has gone missing is dropped and reported as a miss.
func (s *Store) TryGet(ctx context.Context, key Key) (*Handle, bool) {
	fp := key.Fingerprint()

	g := lock.Read(&s.mu)
	rec, ok := s.entries[fp]
	if ok {
		rec.refs.Inc()
		rec.touch(s.clock.Now())
	}
	g.Unlock()

	if !ok {
		s.recordMiss()
		return nil, false
	}

	h := &Handle{store: s, rec: rec}
	exists, err := s.payloads.Exists(ctx, rec.location)
	if err != nil {
		s.logger.Log(types.SeverityWarn, component, "payload lookup failed", err)
		s.recordPayloadError("exists", err)
		_ = h.Close()
		s.recordMiss()
		return nil, false
	}
	if !exists {
		_ = h.Close()
		s.logger.Log(types.SeverityDebug, component, "dropping entry with missing payload: "+key.String(), nil)
		_, _, _ = s.Evict(ctx, key, rec.seq)
		s.recordMiss()
		return nil, false
	}

	s.hits.Inc()
	if s.metrics != nil {
		s.metrics.RecordCacheHit()
	}
	return h, true
}

// Put stores body under key. The payload is written to a fresh location
// and committed before the index is touched, so a failed Put registers
// nothing. sizeBytes < 0 means the length is unknown; otherwise a body of
// a different length aborts the Put. Any previous entry for key is
// released and its payload deleted once no handle references it.
func (s *Store) Put(ctx context.Context, key Key, meta Metadata, body io.Reader, sizeBytes int64) (CacheEntry, error) {
	location, seq := s.nextLocation()

	w, err := s.payloads.OpenWrite(ctx, location)
	if err != nil {
		s.recordPayloadError("open_write", err)
		return CacheEntry{}, errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to open payload").
			WithComponent(component).
			WithOperation("put")
	}

	digest := xxhash.New()
	n, err := s.pool.CopyBuffer(io.MultiWriter(w, digest), body)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = w.Abort()
		s.recordPayloadError("write", err)
		return CacheEntry{}, errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to write payload").
			WithComponent(component).
			WithOperation("put")
	}
	if sizeBytes >= 0 && n != sizeBytes {
		_ = w.Abort()
		return CacheEntry{}, errors.NewError(errors.ErrCodeSizeMismatch, "body length does not match declared size").
			WithComponent(component).
			WithOperation("put").
			WithDetail("declared", sizeBytes).
			WithDetail("written", n)
	}
	if err := w.Commit(); err != nil {
		s.recordPayloadError("commit", err)
		return CacheEntry{}, errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to commit payload").
			WithComponent(component).
			WithOperation("put")
	}

	now := s.clock.Now()
	rec := newRecord(CacheEntry{
		Key:          key,
		Created:      now,
		LastAccessed: now,
		SizeBytes:    n,
		Location:     location,
		Seq:          seq,
		Checksum:     digest.Sum64(),
		Metadata:     meta,
	})

	fp := key.Fingerprint()
	g := lock.Write(&s.mu)
	old := s.entries[fp]
	s.entries[fp] = rec
	s.totalSize.Add(n)
	if old != nil {
		s.totalSize.Sub(old.size)
	} else {
		s.count.Inc()
	}
	g.Unlock()

	if old != nil {
		_ = s.retire(ctx, old)
	}
	s.reportSize()
	return rec.snapshot(), nil
}

// Refresh replaces the metadata of the entry for key if it is still the
// record identified by seq, as after a successful revalidation.
func (s *Store) Refresh(key Key, seq uint64, meta Metadata) (CacheEntry, bool) {
	defer lock.Read(&s.mu).Unlock()
	rec, ok := s.entries[key.Fingerprint()]
	if !ok || rec.seq != seq {
		return CacheEntry{}, false
	}
	rec.meta.Store(&meta)
	rec.touch(s.clock.Now())
	return rec.snapshot(), true
}

// Delete removes key. Deleting an absent key is a no-op. The returned
// error only reports a failed payload deletion; the index entry is gone
// regardless.
func (s *Store) Delete(ctx context.Context, key Key) error {
	g := lock.Write(&s.mu)
	rec := s.unlink(key.Fingerprint(), 0)
	g.Unlock()

	if rec == nil {
		return nil
	}
	err := s.retire(ctx, rec)
	s.reportSize()
	return err
}

// Evict removes key only if its current record is the one identified by
// seq, so an entry replaced since a snapshot was taken survives.
func (s *Store) Evict(ctx context.Context, key Key, seq uint64) (CacheEntry, bool, error) {
	g := lock.Write(&s.mu)
	rec := s.unlink(key.Fingerprint(), seq)
	g.Unlock()

	if rec == nil {
		return CacheEntry{}, false, nil
	}
	s.evictions.Inc()
	err := s.retire(ctx, rec)
	s.reportSize()
	return rec.snapshot(), true, err
}

// unlink removes a record from the index; seq 0 matches any record.
// Caller holds the write lock.
func (s *Store) unlink(fp string, seq uint64) *record {
	rec, ok := s.entries[fp]
	if !ok || (seq != 0 && rec.seq != seq) {
		return nil
	}
	delete(s.entries, fp)
	s.totalSize.Sub(rec.size)
	s.count.Dec()
	return rec
}

// retire marks an unlinked record for deletion and deletes its payload
// now if nothing references it.
func (s *Store) retire(ctx context.Context, rec *record) error {
	s.pending.Inc()
	rec.doomed.Store(true)
	if rec.refs.Load() == 0 {
		return s.deletePayload(ctx, rec)
	}
	return nil
}

// deletePayload deletes the payload of a retired record exactly once.
func (s *Store) deletePayload(ctx context.Context, rec *record) error {
	if !rec.deleted.CompareAndSwap(false, true) {
		return nil
	}
	s.pending.Dec()

	if err := s.payloads.Delete(ctx, rec.location); err != nil {
		s.recordPayloadError("delete", err)
		s.logger.Log(types.SeverityWarn, component, "failed to delete payload "+rec.location, err)
		return errors.Wrap(err, errors.ErrCodeStorageDelete, "failed to delete payload").
			WithComponent(component).
			WithOperation("delete").
			WithDetail("location", rec.location)
	}
	return nil
}

// Entries returns a snapshot of every live entry ordered by sequence.
func (s *Store) Entries() []CacheEntry {
	g := lock.Read(&s.mu)
	out := make([]CacheEntry, 0, len(s.entries))
	for _, rec := range s.entries {
		out = append(out, rec.snapshot())
	}
	g.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// TotalSize returns the summed size of all live entries.
func (s *Store) TotalSize() int64 {
	return s.totalSize.Load()
}

// Count returns the number of live entries.
func (s *Store) Count() int {
	return int(s.count.Load())
}

// Clear unlinks every entry and deletes the payloads nobody is reading.
// Payload deletion failures are logged and counted; the index is emptied
// regardless.
func (s *Store) Clear(ctx context.Context) types.SweepResult {
	start := s.clock.Now()

	g := lock.Write(&s.mu)
	old := s.entries
	s.entries = make(map[string]*record)
	s.totalSize.Store(0)
	s.count.Store(0)
	g.Unlock()

	var (
		failed atomic.Int64
		freed  atomic.Int64
	)
	eg := &errgroup.Group{}
	eg.SetLimit(clearParallelism)
	for _, rec := range old {
		rec := rec
		eg.Go(func() error {
			if err := s.retire(ctx, rec); err != nil {
				failed.Inc()
				return nil
			}
			freed.Add(rec.size)
			return nil
		})
	}
	_ = eg.Wait()

	s.reportSize()
	return types.SweepResult{
		Evicted:    len(old),
		FreedBytes: freed.Load(),
		Failed:     int(failed.Load()),
		Duration:   s.clock.Now().Sub(start),
	}
}

// Stats returns cache statistics.
func (s *Store) Stats() types.CacheStats {
	hits, misses := s.hits.Load(), s.misses.Load()
	stats := types.CacheStats{
		Hits:             hits,
		Misses:           misses,
		Evictions:        s.evictions.Load(),
		PendingDeletions: s.pending.Load(),
		Entries:          s.Count(),
		Size:             s.TotalSize(),
	}
	if hits+misses > 0 {
		stats.HitRate = float64(hits) / float64(hits+misses)
	}
	return stats
}

// Pool returns the buffer pool used for payload copies.
func (s *Store) Pool() *buffer.Pool {
	return s.pool
}

func (s *Store) recordMiss() {
	s.misses.Inc()
	if s.metrics != nil {
		s.metrics.RecordCacheMiss()
	}
}

func (s *Store) recordPayloadError(op string, err error) {
	if s.metrics != nil {
		s.metrics.RecordPayloadError(op, err)
	}
}

func (s *Store) reportSize() {
	if s.metrics != nil {
		s.metrics.UpdateCacheSize(s.TotalSize(), s.Count())
	}
}

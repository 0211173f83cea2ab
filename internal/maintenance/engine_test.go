package maintenance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/respcache/respcache/internal/cache"
	"github.com/respcache/respcache/internal/payload"
	"github.com/respcache/respcache/pkg/clock"
	"github.com/respcache/respcache/pkg/types"
	"github.com/respcache/respcache/pkg/utils"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	store *cache.Store
	mem   *payload.MemoryStore
	clock *clock.Manual
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := payload.NewMemoryStore()
	clk := clock.NewManual(t0)
	return &fixture{store: cache.New(mem, cache.WithClock(clk)), mem: mem, clock: clk}
}

func (f *fixture) put(t *testing.T, uri string, size int) cache.CacheEntry {
	t.Helper()
	e, err := f.store.Put(context.Background(), cache.NewKey("GET", uri), cache.Metadata{},
		strings.NewReader(strings.Repeat("x", size)), int64(size))
	require.NoError(t, err)
	return e
}

func (f *fixture) uris() []string {
	var out []string
	for _, e := range f.store.Entries() {
		out = append(out, e.Key.URI)
	}
	return out
}

type recorder struct {
	mu        sync.Mutex
	evictions map[string]int
	sweeps    int
}

func (r *recorder) RecordCacheHit()                       {}
func (r *recorder) RecordCacheMiss()                      {}
func (r *recorder) RecordPayloadError(string, error)      {}
func (r *recorder) UpdateCacheSize(int64, int)            {}
func (r *recorder) RecordPoolAcquire(bool)                {}
func (r *recorder) RecordPoolDrop(string)                 {}
func (r *recorder) RecordSweep(time.Duration, int, int64) { r.mu.Lock(); r.sweeps++; r.mu.Unlock() }
func (r *recorder) RecordEviction(reason string, _ int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.evictions == nil {
		r.evictions = make(map[string]int)
	}
	r.evictions[reason]++
}

func TestMaintenanceEvictsLeastRecentlyAccessed(t *testing.T) {
	f := newFixture(t)
	f.put(t, "/a", 100)
	f.clock.Advance(time.Second)
	f.put(t, "/b", 50)
	f.clock.Advance(time.Second)

	e := New(f.store, WithClock(f.clock))
	res := <-e.BeginMaintenance(Params{MaxAge: 1000 * time.Second, MaxTotalSize: 120})

	assert.Equal(t, []string{"/b"}, f.uris())
	assert.Equal(t, int64(50), f.store.TotalSize())
	assert.Equal(t, 0, res.Expired)
	assert.Equal(t, 1, res.Evicted)
	assert.Equal(t, int64(100), res.FreedBytes)
	assert.Equal(t, 1, f.mem.Len())
}

func TestMaintenanceRespectsRecentAccess(t *testing.T) {
	f := newFixture(t)
	f.put(t, "/a", 100)
	f.clock.Advance(time.Second)
	f.put(t, "/b", 50)
	f.clock.Advance(time.Second)

	h, ok := f.store.TryGet(context.Background(), cache.NewKey("GET", "/a"))
	require.True(t, ok)
	require.NoError(t, h.Close())

	e := New(f.store, WithClock(f.clock))
	<-e.BeginMaintenance(Params{MaxTotalSize: 120})

	assert.Equal(t, []string{"/a"}, f.uris())
}

func TestMaintenanceLimits(t *testing.T) {
	tests := []struct {
		name        string
		params      Params
		wantURIs    []string
		wantExpired int
		wantEvicted int
	}{
		{
			name:        "age only",
			params:      Params{MaxAge: 150 * time.Second},
			wantURIs:    []string{"/c", "/d"},
			wantExpired: 2,
		},
		{
			name:        "size only",
			params:      Params{MaxTotalSize: 25},
			wantURIs:    []string{"/c", "/d"},
			wantEvicted: 2,
		},
		{
			name:        "entries only",
			params:      Params{MaxEntries: 1},
			wantURIs:    []string{"/d"},
			wantEvicted: 3,
		},
		{
			name:        "age then size",
			params:      Params{MaxAge: 200 * time.Second, MaxTotalSize: 10},
			wantURIs:    []string{"/d"},
			wantExpired: 1,
			wantEvicted: 2,
		},
		{
			name:     "no limits",
			params:   Params{},
			wantURIs: []string{"/a", "/b", "/c", "/d"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			for _, uri := range []string{"/a", "/b", "/c", "/d"} {
				f.put(t, uri, 10)
				f.clock.Advance(time.Minute)
			}
			// now = t0+4m; ages are 240s, 180s, 120s, 60s

			e := New(f.store, WithClock(f.clock))
			res := <-e.BeginMaintenance(tt.params)

			assert.Equal(t, tt.wantURIs, f.uris())
			assert.Equal(t, tt.wantExpired, res.Expired)
			assert.Equal(t, tt.wantEvicted, res.Evicted)
			assert.Equal(t, int64(10*len(tt.wantURIs)), f.store.TotalSize())
		})
	}
}

func TestMaintenanceTieBreakBySequence(t *testing.T) {
	f := newFixture(t)
	f.put(t, "/first", 10)
	f.put(t, "/second", 10)
	f.put(t, "/third", 10)

	e := New(f.store, WithClock(f.clock))
	<-e.BeginMaintenance(Params{MaxTotalSize: 20})

	assert.Equal(t, []string{"/second", "/third"}, f.uris())
}

func TestMaintenanceDefersPinnedPayload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pinned := f.put(t, "/pinned", 100)
	f.clock.Advance(time.Second)
	f.put(t, "/other", 10)

	h, ok := f.store.TryGet(ctx, cache.NewKey("GET", "/pinned"))
	require.True(t, ok)
	f.clock.Advance(time.Hour)

	e := New(f.store, WithClock(f.clock))
	res := <-e.BeginMaintenance(Params{MaxAge: time.Minute})
	assert.Equal(t, 2, res.Expired)
	assert.Equal(t, 0, f.store.Count())

	data, err := h.ReadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, data, 100)

	exists, err := f.mem.Exists(ctx, pinned.Location)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, h.Close())
	exists, err = f.mem.Exists(ctx, pinned.Location)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMaintenanceSkipsReplacedEntries(t *testing.T) {
	f := newFixture(t)
	old := f.put(t, "/a", 10)
	f.put(t, "/a", 10)

	e := New(f.store, WithClock(f.clock))
	var res types.SweepResult
	ok := e.evict(context.Background(), old, ReasonSize, &res)
	assert.False(t, ok)
	assert.Equal(t, 1, f.store.Count())
}

type failingDeletes struct {
	*payload.MemoryStore
}

func (failingDeletes) Delete(context.Context, string) error {
	return errors.New("volume is read-only")
}

func TestMaintenanceLogsDeletionFailures(t *testing.T) {
	mem := payload.NewMemoryStore()
	clk := clock.NewManual(t0)
	store := cache.New(failingDeletes{mem}, cache.WithClock(clk))
	for i := 0; i < 3; i++ {
		_, err := store.Put(context.Background(), cache.NewKey("GET", fmt.Sprintf("/%d", i)),
			cache.Metadata{}, strings.NewReader("body"), 4)
		require.NoError(t, err)
	}
	clk.Advance(time.Hour)

	core, logs := observer.New(zapcore.WarnLevel)
	e := New(store, WithClock(clk), WithLogger(utils.NewZapSink(zap.New(core))))
	res := <-e.BeginMaintenance(Params{MaxAge: time.Minute})

	assert.Equal(t, 3, res.Expired)
	assert.Equal(t, 3, res.Failed)
	assert.Equal(t, 0, store.Count(), "index entries are removed regardless")
	assert.Equal(t, int64(0), store.TotalSize())

	warnings := logs.FilterField(zap.String("component", component)).All()
	require.Len(t, warnings, 3)
	for _, w := range warnings {
		assert.Equal(t, zapcore.WarnLevel, w.Level)
		assert.Equal(t, "volume is read-only", w.ContextMap()["error"])
	}
}

// gatedDeletes holds the first payload deletion until release is closed.
type gatedDeletes struct {
	*payload.MemoryStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedDeletes) Delete(ctx context.Context, location string) error {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.MemoryStore.Delete(ctx, location)
}

func TestJoinedSweepEnforcesCallerParams(t *testing.T) {
	gated := &gatedDeletes{
		MemoryStore: payload.NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	clk := clock.NewManual(t0)
	store := cache.New(gated, cache.WithClock(clk))
	put := func(uri string, size int) {
		_, err := store.Put(context.Background(), cache.NewKey("GET", uri), cache.Metadata{},
			strings.NewReader(strings.Repeat("x", size)), int64(size))
		require.NoError(t, err)
	}

	put("/old", 10)
	clk.Advance(2 * time.Minute)
	put("/a", 100)
	put("/b", 100)

	e := New(store, WithClock(clk))
	first := e.BeginMaintenance(Params{MaxAge: time.Minute})
	<-gated.entered

	second := e.BeginMaintenance(Params{MaxTotalSize: 120})
	close(gated.release)

	var r1, r2 types.SweepResult
	select {
	case r1 = <-first:
	case <-time.After(5 * time.Second):
		t.Fatal("first sweep did not complete")
	}
	select {
	case r2 = <-second:
	case <-time.After(5 * time.Second):
		t.Fatal("second sweep did not complete")
	}

	assert.Equal(t, 1, r1.Expired)
	assert.Equal(t, 0, r1.Evicted)
	assert.Equal(t, 1, r2.Evicted, "the caller's size limit is enforced after joining")
	assert.LessOrEqual(t, store.TotalSize(), int64(120))
	assert.Equal(t, []string{"/b"}, uris(store))
}

func TestJoinedSweepSkipsSatisfiedCaller(t *testing.T) {
	gated := &gatedDeletes{
		MemoryStore: payload.NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	clk := clock.NewManual(t0)
	store := cache.New(gated, cache.WithClock(clk))
	for _, uri := range []string{"/a", "/b"} {
		_, err := store.Put(context.Background(), cache.NewKey("GET", uri), cache.Metadata{},
			strings.NewReader("body"), 4)
		require.NoError(t, err)
	}
	clk.Advance(time.Hour)

	rec := &recorder{}
	e := New(store, WithClock(clk), WithMetrics(rec))
	first := e.BeginMaintenance(Params{MaxAge: time.Minute})
	<-gated.entered
	second := e.BeginMaintenance(Params{MaxAge: time.Minute, MaxEntries: 5})
	close(gated.release)

	<-first
	r2 := <-second
	assert.Equal(t, 2, r2.Expired, "joined result is reported")
	rec.mu.Lock()
	assert.Equal(t, 1, rec.sweeps, "no follow-up sweep when the limits already hold")
	rec.mu.Unlock()
}

func uris(store *cache.Store) []string {
	var out []string
	for _, e := range store.Entries() {
		out = append(out, e.Key.URI)
	}
	return out
}

func TestBeginClearIsIdempotent(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.put(t, fmt.Sprintf("/%d", i), 10)
	}

	e := New(f.store, WithClock(f.clock))
	first := <-e.BeginClear()
	assert.Equal(t, 5, first.Evicted)
	assert.Equal(t, 0, f.store.Count())
	assert.Equal(t, int64(0), f.store.TotalSize())

	second := <-e.BeginClear()
	assert.Equal(t, 0, second.Evicted)
	assert.Equal(t, 0, f.store.Count())
	assert.Equal(t, 0, f.mem.Len())
}

func TestConcurrentRequestsAllComplete(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 50; i++ {
		f.put(t, fmt.Sprintf("/%d", i), 10)
	}

	rec := &recorder{}
	e := New(f.store, WithClock(f.clock), WithMetrics(rec))

	var chans []<-chan types.SweepResult
	for i := 0; i < 10; i++ {
		chans = append(chans, e.BeginMaintenance(Params{MaxEntries: 10}))
		chans = append(chans, e.BeginClear())
	}
	for _, ch := range chans {
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Fatal("maintenance did not complete")
		}
	}

	assert.Eventually(t, func() bool { return !e.IsRunning() }, time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, f.store.Count(), 10)
	rec.mu.Lock()
	assert.Positive(t, rec.sweeps)
	rec.mu.Unlock()
}

func TestMetricsRecorded(t *testing.T) {
	f := newFixture(t)
	f.put(t, "/old", 10)
	f.clock.Advance(time.Hour)
	f.put(t, "/a", 10)
	f.put(t, "/b", 10)

	rec := &recorder{}
	e := New(f.store, WithClock(f.clock), WithMetrics(rec))
	<-e.BeginMaintenance(Params{MaxAge: time.Minute, MaxEntries: 1})
	<-e.BeginClear()

	assert.Equal(t, map[string]int{ReasonExpired: 1, ReasonSize: 1, ReasonClear: 1}, rec.evictions)
	assert.Equal(t, 2, rec.sweeps)
}

func TestRunOnceSavesIndexAndTrimsPool(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.put(t, "/a", 10)

	pool := f.store.Pool()
	pool.Release(pool.Acquire(64))
	require.Equal(t, 1, pool.IdleCount())
	f.clock.Advance(time.Minute)

	e := New(f.store, WithClock(f.clock))
	_, err := e.RunOnce(ctx, Params{})
	require.NoError(t, err)
	assert.Equal(t, 0, pool.IdleCount())

	exists, err := f.mem.Exists(ctx, cache.DefaultIndexLocation)
	require.NoError(t, err)
	assert.True(t, exists)

	restored, err := cache.Open(ctx, f.mem)
	require.NoError(t, err)
	assert.Equal(t, 1, restored.Count())
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	e := New(f.store)

	require.Error(t, e.Start(context.Background(), 0, Params{}))
	require.NoError(t, e.Start(context.Background(), 10*time.Millisecond, Params{}))
	require.Error(t, e.Start(context.Background(), 10*time.Millisecond, Params{}))

	assert.Eventually(t, func() bool {
		ok, _ := f.mem.Exists(context.Background(), cache.DefaultIndexLocation)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	e.Stop()
	e.Stop()
	require.NoError(t, e.Start(context.Background(), time.Hour, Params{}))
	e.Stop()
}

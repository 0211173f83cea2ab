// Package maintenance enforces the age, size and entry-count limits of a
// cache store with coalescing background sweeps.
package maintenance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"

	"github.com/respcache/respcache/internal/buffer"
	"github.com/respcache/respcache/internal/cache"
	"github.com/respcache/respcache/pkg/clock"
	"github.com/respcache/respcache/pkg/types"
	"github.com/respcache/respcache/pkg/utils"
)

const component = "maintenance"

// Eviction reasons reported to the metrics recorder.
const (
	ReasonExpired = "expired"
	ReasonSize    = "size"
	ReasonClear   = "clear"
)

const (
	sweepKey = "sweep"
	clearKey = "clear"
)

// Params are the limits a sweep enforces. A zero value disables the limit.
type Params struct {
	MaxAge       time.Duration
	MaxTotalSize int64
	MaxEntries   int
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the time source used for age decisions.
func WithClock(c types.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logging sink.
func WithLogger(l types.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m types.MetricsRecorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithPool sets the buffer pool trimmed by the periodic loop. It defaults
// to the store's pool.
func WithPool(p *buffer.Pool) Option {
	return func(e *Engine) { e.pool = p }
}

// Engine runs maintenance sweeps and clears over a store. Concurrent
// requests for the same kind of pass share the one in flight.
type Engine struct {
	store   *cache.Store
	pool    *buffer.Pool
	clock   types.Clock
	logger  types.Logger
	metrics types.MetricsRecorder

	group   singleflight.Group
	running atomic.Int32

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine for store.
func New(store *cache.Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		pool:   store.Pool(),
		clock:  clock.Real{},
		logger: utils.NopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BeginMaintenance starts a sweep in the background and returns a channel
// that receives its result. A call made while another sweep is running
// joins it; if the caller's own limits still do not hold once that sweep
// ends, a sweep with the caller's params follows. The result sums every
// pass the caller waited on.
func (e *Engine) BeginMaintenance(p Params) <-chan types.SweepResult {
	ran := atomic.NewBool(false)
	run := func() types.SweepResult {
		ran.Store(true)
		return e.sweep(p)
	}

	ch := e.group.DoChan(sweepKey, e.tracked(run))
	out := make(chan types.SweepResult, 1)
	go func() {
		var total types.SweepResult
		for {
			r := <-ch
			res, _ := r.Val.(types.SweepResult)
			total.Add(res)
			if ran.Load() || !e.unsatisfied(p) {
				break
			}
			ch = e.group.DoChan(sweepKey, e.tracked(run))
		}
		out <- total
		close(out)
	}()
	return out
}

// BeginClear empties the store in the background. Concurrent clears are
// coalesced; clearing an empty store is a no-op.
func (e *Engine) BeginClear() <-chan types.SweepResult {
	ch := e.group.DoChan(clearKey, e.tracked(e.clear))
	out := make(chan types.SweepResult, 1)
	go func() {
		r := <-ch
		res, _ := r.Val.(types.SweepResult)
		out <- res
		close(out)
	}()
	return out
}

// IsRunning reports whether a sweep or clear is in progress.
func (e *Engine) IsRunning() bool {
	return e.running.Load() > 0
}

func (e *Engine) tracked(fn func() types.SweepResult) func() (interface{}, error) {
	return func() (interface{}, error) {
		e.running.Inc()
		defer e.running.Dec()
		return fn(), nil
	}
}

// unsatisfied reports whether p still finds expired entries or a store
// above its limits.
func (e *Engine) unsatisfied(p Params) bool {
	if e.overLimit(p) {
		return true
	}
	if p.MaxAge <= 0 {
		return false
	}
	now := e.clock.Now()
	for _, entry := range e.store.Entries() {
		if now.Sub(entry.Created) > p.MaxAge {
			return true
		}
	}
	return false
}

// sweep evicts expired entries, then the least recently accessed live
// entries until the store is within its size and count limits. Sweeps
// run to completion; payload I/O uses a background context.
func (e *Engine) sweep(p Params) types.SweepResult {
	ctx := context.Background()
	start := e.clock.Now()
	var res types.SweepResult

	live := make([]cache.CacheEntry, 0, e.store.Count())
	for _, entry := range e.store.Entries() {
		if p.MaxAge > 0 && start.Sub(entry.Created) > p.MaxAge {
			if e.evict(ctx, entry, ReasonExpired, &res) {
				res.Expired++
			}
			continue
		}
		live = append(live, entry)
	}

	if e.overLimit(p) {
		sort.Slice(live, func(i, j int) bool {
			if !live[i].LastAccessed.Equal(live[j].LastAccessed) {
				return live[i].LastAccessed.Before(live[j].LastAccessed)
			}
			return live[i].Seq < live[j].Seq
		})
		for _, entry := range live {
			if !e.overLimit(p) {
				break
			}
			if e.evict(ctx, entry, ReasonSize, &res) {
				res.Evicted++
			}
		}
	}

	res.Duration = e.clock.Now().Sub(start)
	e.finish("sweep", res)
	return res
}

func (e *Engine) overLimit(p Params) bool {
	if p.MaxTotalSize > 0 && e.store.TotalSize() > p.MaxTotalSize {
		return true
	}
	return p.MaxEntries > 0 && e.store.Count() > p.MaxEntries
}

// evict removes one entry if it has not been replaced since the snapshot.
// A failed payload deletion is logged; the entry is gone either way.
func (e *Engine) evict(ctx context.Context, entry cache.CacheEntry, reason string, res *types.SweepResult) bool {
	_, ok, err := e.store.Evict(ctx, entry.Key, entry.Seq)
	if !ok {
		return false
	}
	res.FreedBytes += entry.SizeBytes
	if err != nil {
		res.Failed++
		e.logger.Log(types.SeverityWarn, component,
			fmt.Sprintf("failed to delete payload for %s", entry.Key), err)
	}
	if e.metrics != nil {
		e.metrics.RecordEviction(reason, entry.SizeBytes)
	}
	return true
}

func (e *Engine) clear() types.SweepResult {
	res := e.store.Clear(context.Background())
	if res.Failed > 0 {
		e.logger.Log(types.SeverityWarn, component,
			fmt.Sprintf("clear could not delete %d payloads", res.Failed), nil)
	}
	if e.metrics != nil && res.Evicted > 0 {
		e.metrics.RecordEviction(ReasonClear, res.FreedBytes)
	}
	e.finish("clear", res)
	return res
}

func (e *Engine) finish(kind string, res types.SweepResult) {
	removed := res.Expired + res.Evicted
	if removed > 0 {
		e.logger.Log(types.SeverityInfo, component, fmt.Sprintf(
			"%s removed %d entries (%d expired), freed %s in %s",
			kind, removed, res.Expired, utils.FormatBytes(res.FreedBytes), res.Duration), nil)
	}
	if e.metrics != nil {
		e.metrics.RecordSweep(res.Duration, removed, res.FreedBytes)
	}
}

// RunOnce performs one periodic pass: a sweep, a pool trim and an index
// save. It blocks until the sweep is done.
func (e *Engine) RunOnce(ctx context.Context, p Params) (types.SweepResult, error) {
	var res types.SweepResult
	select {
	case res = <-e.BeginMaintenance(p):
	case <-ctx.Done():
		return res, ctx.Err()
	}
	if e.pool != nil {
		e.pool.Maintain()
	}
	if err := e.store.Save(ctx); err != nil {
		e.logger.Log(types.SeverityWarn, component, "failed to save index", err)
		return res, err
	}
	return res, nil
}

// Run calls RunOnce every interval until ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration, p Params) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = e.RunOnce(ctx, p)
		}
	}
}

// Start runs the periodic loop in the background until Stop is called or
// ctx is done.
func (e *Engine) Start(ctx context.Context, interval time.Duration, p Params) error {
	if interval <= 0 {
		return fmt.Errorf("maintenance interval must be positive, got %s", interval)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return fmt.Errorf("maintenance already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.Run(loopCtx, interval, p)
	}()

	e.logger.Log(types.SeverityInfo, component, fmt.Sprintf("maintenance every %s", interval), nil)
	return nil
}

// Stop ends the periodic loop and waits for it to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	e.wg.Wait()
}

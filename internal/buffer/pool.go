// Package buffer provides a pool of reusable growable byte buffers.
package buffer

import (
	"io"
	"sync"
	"time"

	"github.com/valyala/bytebufferpool"
	"go.uber.org/atomic"

	"github.com/respcache/respcache/internal/lock"
	"github.com/respcache/respcache/pkg/clock"
	"github.com/respcache/respcache/pkg/types"
)

const component = "buffer_pool"

// Drop reasons reported to the metrics recorder.
const (
	DropDisabled = "disabled"
	DropOversize = "oversize"
	DropPoolFull = "pool_full"
	DropIdle     = "idle"
)

// copyBufferSize is the scratch size used by CopyBuffer.
const copyBufferSize = 32 * 1024

// Config represents buffer pool configuration
type Config struct {
	Enabled             bool
	MaxIdle             time.Duration // idle buffers older than this are dropped by Maintain
	MaintenanceInterval time.Duration // minimum time between two Maintain scans
	MaxPoolBytes        int64         // ceiling on total idle capacity, 0 for unlimited
	MaxBufferSize       int           // buffers above this capacity are never pooled, 0 for unlimited
	DoubleReleaseCheck  bool          // log releases of buffers that are already idle
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		MaxIdle:             10 * time.Second,
		MaintenanceInterval: 5 * time.Second,
		MaxPoolBytes:        10 * 1024 * 1024,
	}
}

// Buffer is a growable byte buffer handed out by a Pool. The caller owns it
// exclusively from Acquire until Release.
type Buffer struct {
	bytebufferpool.ByteBuffer

	releasedAt time.Time
	idle       bool // guarded by the owning pool's lock
}

func newBuffer(capacity int) *Buffer {
	return &Buffer{ByteBuffer: bytebufferpool.ByteBuffer{B: make([]byte, 0, capacity)}}
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int {
	return cap(b.B)
}

// ReleasedAt returns when the buffer was last released.
func (b *Buffer) ReleasedAt() time.Time {
	return b.releasedAt
}

// grow ensures capacity of at least n without keeping contents.
func (b *Buffer) grow(n int) {
	if cap(b.B) < n {
		b.B = make([]byte, 0, n)
	}
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock sets the time source used for release stamps and maintenance.
func WithClock(c types.Clock) Option {
	return func(p *Pool) { p.clock = c }
}

// WithLogger sets the logging sink.
func WithLogger(l types.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m types.MetricsRecorder) Option {
	return func(p *Pool) { p.metrics = m }
}

// Pool keeps released buffers for reuse, keyed by capacity.
type Pool struct {
	mu           sync.RWMutex
	config       Config
	idle         []*Buffer // ordered by release time, most recent last
	idleBytes    int64
	lastMaintain time.Time

	clock   types.Clock
	logger  types.Logger
	metrics types.MetricsRecorder

	reused    atomic.Uint64
	allocated atomic.Uint64
	released  atomic.Uint64
	dropped   atomic.Uint64
	evicted   atomic.Uint64
}

// NewPool creates a buffer pool.
func NewPool(config Config, opts ...Option) *Pool {
	p := &Pool{
		config: config,
		clock:  clock.Real{},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.lastMaintain = p.clock.Now()
	return p
}

// Acquire returns a buffer with capacity of at least sizeHint. It prefers
// the smallest idle buffer that fits, then the most recently released one
// (grown to sizeHint), and allocates only when the idle set is empty.
func (p *Pool) Acquire(sizeHint int) *Buffer {
	if sizeHint < 0 {
		sizeHint = 0
	}

	g := lock.Write(&p.mu)
	if !p.config.Enabled || len(p.idle) == 0 {
		g.Unlock()
		return p.allocate(sizeHint)
	}

	pick := -1
	for i := len(p.idle) - 1; i >= 0; i-- {
		c := p.idle[i].Cap()
		if c >= sizeHint && (pick < 0 || c < p.idle[pick].Cap()) {
			pick = i
		}
	}
	if pick < 0 {
		pick = len(p.idle) - 1
	}

	b := p.idle[pick]
	copy(p.idle[pick:], p.idle[pick+1:])
	p.idle[len(p.idle)-1] = nil
	p.idle = p.idle[:len(p.idle)-1]
	p.idleBytes -= int64(b.Cap())
	b.idle = false
	g.Unlock()

	b.grow(sizeHint)
	p.reused.Inc()
	if p.metrics != nil {
		p.metrics.RecordPoolAcquire(true)
	}
	return b
}

func (p *Pool) allocate(sizeHint int) *Buffer {
	p.allocated.Inc()
	if p.metrics != nil {
		p.metrics.RecordPoolAcquire(false)
	}
	return newBuffer(sizeHint)
}

// Release clears b and returns it to the idle set. Releasing nil is a no-op.
func (p *Pool) Release(b *Buffer) {
	if b == nil {
		return
	}
	b.Reset()

	defer lock.Write(&p.mu).Unlock()

	if b.idle {
		if p.config.DoubleReleaseCheck && p.logger != nil {
			p.logger.Log(types.SeverityError, component, "buffer released twice", nil)
		}
		return
	}

	switch {
	case !p.config.Enabled:
		p.drop(DropDisabled)
		return
	case p.config.MaxBufferSize > 0 && b.Cap() > p.config.MaxBufferSize:
		p.drop(DropOversize)
		return
	case p.config.MaxPoolBytes > 0 && p.idleBytes+int64(b.Cap()) > p.config.MaxPoolBytes:
		p.drop(DropPoolFull)
		return
	}

	b.releasedAt = p.clock.Now()
	b.idle = true
	p.idle = append(p.idle, b)
	p.idleBytes += int64(b.Cap())
	p.released.Inc()
}

func (p *Pool) drop(reason string) {
	p.dropped.Inc()
	if p.metrics != nil {
		p.metrics.RecordPoolDrop(reason)
	}
}

// ReleaseAndExtract returns a copy of the buffer contents as a string and
// releases the buffer.
func (p *Pool) ReleaseAndExtract(b *Buffer) string {
	if b == nil {
		return ""
	}
	s := b.String()
	p.Release(b)
	return s
}

// ReleaseAndExtractBytes returns a copy of the buffer contents and releases
// the buffer.
func (p *Pool) ReleaseAndExtractBytes(b *Buffer) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, b.Len())
	copy(out, b.B)
	p.Release(b)
	return out
}

// Maintain drops buffers that have been idle longer than MaxIdle. It does
// nothing if the pool is disabled or MaintenanceInterval has not elapsed
// since the previous scan.
func (p *Pool) Maintain() {
	defer lock.Write(&p.mu).Unlock()

	if !p.config.Enabled {
		return
	}
	now := p.clock.Now()
	if now.Sub(p.lastMaintain) < p.config.MaintenanceInterval {
		return
	}
	p.lastMaintain = now

	kept := p.idle[:0]
	for _, b := range p.idle {
		if now.Sub(b.releasedAt) > p.config.MaxIdle {
			b.idle = false
			p.idleBytes -= int64(b.Cap())
			p.evicted.Inc()
			if p.metrics != nil {
				p.metrics.RecordPoolDrop(DropIdle)
			}
			continue
		}
		kept = append(kept, b)
	}
	for i := len(kept); i < len(p.idle); i++ {
		p.idle[i] = nil
	}
	p.idle = kept
}

// SetEnabled turns pooling on or off. Disabling drops every idle buffer.
func (p *Pool) SetEnabled(enabled bool) {
	defer lock.Write(&p.mu).Unlock()

	p.config.Enabled = enabled
	if enabled {
		return
	}
	for _, b := range p.idle {
		b.idle = false
	}
	p.idle = nil
	p.idleBytes = 0
}

// Enabled reports whether pooling is on.
func (p *Pool) Enabled() bool {
	defer lock.Read(&p.mu).Unlock()
	return p.config.Enabled
}

// IdleCount returns the number of idle buffers.
func (p *Pool) IdleCount() int {
	defer lock.Read(&p.mu).Unlock()
	return len(p.idle)
}

// Stats returns current pool statistics
func (p *Pool) Stats() types.PoolStats {
	g := lock.Read(&p.mu)
	stats := types.PoolStats{
		Enabled:   p.config.Enabled,
		Idle:      len(p.idle),
		IdleBytes: p.idleBytes,
	}
	g.Unlock()

	stats.Reused = p.reused.Load()
	stats.Allocated = p.allocated.Load()
	stats.Released = p.released.Load()
	stats.Dropped = p.dropped.Load()
	stats.Evicted = p.evicted.Load()
	return stats
}

// CopyBuffer copies src to dst using a pooled scratch buffer.
func (p *Pool) CopyBuffer(dst io.Writer, src io.Reader) (int64, error) {
	b := p.Acquire(copyBufferSize)
	defer p.Release(b)
	return io.CopyBuffer(dst, src, b.B[:cap(b.B)])
}

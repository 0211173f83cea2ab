// Package transport provides an http.RoundTripper that serves and stores
// responses through a cache store.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/respcache/respcache/internal/buffer"
	"github.com/respcache/respcache/internal/cache"
	"github.com/respcache/respcache/internal/timing"
	"github.com/respcache/respcache/pkg/clock"
	"github.com/respcache/respcache/pkg/errors"
	"github.com/respcache/respcache/pkg/types"
	"github.com/respcache/respcache/pkg/utils"
)

const component = "transport"

// CacheStatusHeader is set on every response returned by the transport.
const CacheStatusHeader = "X-Respcache"

// Request outcomes, reported in CacheStatusHeader and to the recorder.
const (
	OutcomeHit         = "hit"
	OutcomeMiss        = "miss"
	OutcomeRevalidated = "revalidated"
	OutcomeStale       = "stale"
	OutcomeBypass      = "bypass"
)

// DefaultMaxStoreSize bounds the body the transport buffers for storage.
const DefaultMaxStoreSize = 32 << 20

// RequestRecorder receives one observation per request.
type RequestRecorder interface {
	RecordRequest(outcome string, duration time.Duration)
}

// Option configures a Transport.
type Option func(*Transport)

// WithBase sets the round tripper used for network requests. Defaults to
// http.DefaultTransport.
func WithBase(rt http.RoundTripper) Option {
	return func(t *Transport) { t.base = rt }
}

// WithVaryHeaders sets the request headers that take part in cache keys.
func WithVaryHeaders(names ...string) Option {
	return func(t *Transport) { t.varyHeaders = append([]string(nil), names...) }
}

// WithClock sets the time source for freshness decisions and timings.
func WithClock(c types.Clock) Option {
	return func(t *Transport) { t.clock = c }
}

// WithLogger sets the logging sink.
func WithLogger(l types.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// WithRecorder sets the per-request metrics recorder.
func WithRecorder(r RequestRecorder) Option {
	return func(t *Transport) { t.recorder = r }
}

// WithTracerProvider sets the provider of the tracer that receives one
// span per request. Defaults to the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(t *Transport) { t.tracer = tp.Tracer("github.com/respcache/respcache/internal/transport") }
}

// WithTimingSink registers a callback that receives the timing collector
// of each request once its body is closed.
func WithTimingSink(fn func(*http.Request, *timing.Collector)) Option {
	return func(t *Transport) { t.timingSink = fn }
}

// WithMaxStoreSize sets the largest body that will be stored.
func WithMaxStoreSize(n int64) Option {
	return func(t *Transport) { t.maxStoreSize = n }
}

// Transport is a caching http.RoundTripper. Fresh entries are served from
// the store, stale ones are revalidated, and cacheable responses are
// stored once their body has been read to the end. Cache failures never
// fail a request.
type Transport struct {
	base         http.RoundTripper
	store        *cache.Store
	pool         *buffer.Pool
	varyHeaders  []string
	clock        types.Clock
	logger       types.Logger
	recorder     RequestRecorder
	tracer       trace.Tracer
	timingSink   func(*http.Request, *timing.Collector)
	maxStoreSize int64
}

// New creates a transport over store.
func New(store *cache.Store, opts ...Option) *Transport {
	t := &Transport{
		base:         http.DefaultTransport,
		store:        store,
		pool:         store.Pool(),
		clock:        clock.Real{},
		logger:       utils.NopLogger(),
		tracer:       otel.Tracer("github.com/respcache/respcache/internal/transport"),
		maxStoreSize: DefaultMaxStoreSize,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Client returns an http.Client using t.
func (t *Transport) Client() *http.Client {
	return &http.Client{Transport: t}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, span := t.tracer.Start(req.Context(), "respcache.RoundTrip",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("http.url", req.URL.String()),
		))
	rt := &roundTrip{
		t:      t,
		req:    req.WithContext(ctx),
		span:   span,
		timing: timing.NewCollector(t.clock),
	}
	rt.timing.Add(timing.Queued)

	if req.Method != http.MethodGet || req.Header.Get("Range") != "" {
		resp, err := rt.network(rt.req)
		return rt.finish(resp, err, OutcomeBypass)
	}
	return rt.get()
}

// roundTrip carries the state of one request.
type roundTrip struct {
	t      *Transport
	req    *http.Request
	span   trace.Span
	timing *timing.Collector
	once   sync.Once
}

func (rt *roundTrip) get() (*http.Response, error) {
	t := rt.t
	ctx := rt.req.Context()
	key := cache.KeyFromRequest(rt.req, t.varyHeaders)

	h, ok := t.store.TryGet(ctx, key)
	if !ok {
		resp, err := rt.network(rt.req)
		if err != nil {
			return rt.finish(nil, err, OutcomeMiss)
		}
		return rt.finish(rt.maybeStore(key, resp, nil), nil, OutcomeMiss)
	}

	entry := h.Entry()
	if Fresh(entry.Metadata, t.clock.Now(), false) {
		if resp, err := rt.fromCache(h, entry.Metadata, OutcomeHit); err == nil {
			return rt.finish(resp, nil, OutcomeHit)
		}
		// The payload vanished or could not be opened; go to the network.
		_ = h.Close()
		resp, err := rt.network(rt.req)
		if err != nil {
			return rt.finish(nil, err, OutcomeMiss)
		}
		return rt.finish(rt.maybeStore(key, resp, nil), nil, OutcomeMiss)
	}

	cond := rt.req.Clone(ctx)
	SetRevalidationHeaders(cond, entry)
	resp, err := rt.network(cond)
	now := t.clock.Now()

	switch {
	case err != nil:
		if Fresh(entry.Metadata, now, true) {
			t.logger.Log(types.SeverityInfo, component, "serving stale response after error: "+key.String(), err)
			if cached, cerr := rt.fromCache(h, entry.Metadata, OutcomeStale); cerr == nil {
				return rt.finish(cached, nil, OutcomeStale)
			}
		}
		_ = h.Close()
		return rt.finish(nil, err, OutcomeMiss)

	case resp.StatusCode == http.StatusNotModified:
		drain(resp.Body)
		meta := mergeNotModified(entry.Metadata, resp, now)
		if updated, ok := t.store.Refresh(key, entry.Seq, meta); ok {
			meta = updated.Metadata
		}
		if cached, cerr := rt.fromCache(h, meta, OutcomeRevalidated); cerr == nil {
			return rt.finish(cached, nil, OutcomeRevalidated)
		}
		// The body is gone; fetch it unconditionally.
		_ = h.Close()
		resp, err = rt.network(rt.req)
		if err != nil {
			return rt.finish(nil, err, OutcomeMiss)
		}
		return rt.finish(rt.maybeStore(key, resp, nil), nil, OutcomeMiss)

	case resp.StatusCode >= 500 && Fresh(entry.Metadata, now, true):
		if cached, cerr := rt.fromCache(h, entry.Metadata, OutcomeStale); cerr == nil {
			drain(resp.Body)
			return rt.finish(cached, nil, OutcomeStale)
		}
		_ = h.Close()
		return rt.finish(resp, nil, OutcomeMiss)

	default:
		_ = h.Close()
		return rt.finish(rt.maybeStore(key, resp, &entry), nil, OutcomeMiss)
	}
}

// network sends req through the base transport with a client trace that
// feeds the timing collector.
func (rt *roundTrip) network(req *http.Request) (*http.Response, error) {
	tc := rt.timing
	now := rt.t.clock.Now
	var dnsStart, connStart, tlsStart, wrote time.Time

	ct := &httptrace.ClientTrace{
		DNSStart: func(httptrace.DNSStartInfo) { dnsStart = now() },
		DNSDone: func(httptrace.DNSDoneInfo) {
			tc.AddDuration(timing.DNSLookup, nonZero(now().Sub(dnsStart)))
		},
		ConnectStart: func(string, string) { connStart = now() },
		ConnectDone: func(_, _ string, err error) {
			if err == nil {
				tc.AddDuration(timing.TCPConnection, nonZero(now().Sub(connStart)))
			}
		},
		TLSHandshakeStart: func() { tlsStart = now() },
		TLSHandshakeDone: func(_ tls.ConnectionState, err error) {
			if err == nil {
				tc.AddDuration(timing.TLSNegotiation, nonZero(now().Sub(tlsStart)))
			}
		},
		WroteRequest: func(httptrace.WroteRequestInfo) {
			wrote = now()
			tc.Add(timing.RequestSent)
		},
		GotFirstResponseByte: func() {
			if !wrote.IsZero() {
				tc.AddDuration(timing.WaitingTTFB, nonZero(now().Sub(wrote)))
			}
		},
	}

	resp, err := rt.t.base.RoundTrip(req.WithContext(httptrace.WithClientTrace(req.Context(), ct)))
	if err == nil {
		tc.Add(timing.Headers)
	}
	return resp, err
}

// fromCache builds a response whose body streams the pinned payload. The
// handle is closed with the body.
func (rt *roundTrip) fromCache(h *cache.Handle, meta cache.Metadata, outcome string) (*http.Response, error) {
	ctx := rt.req.Context()
	rc, err := h.Open(ctx)
	if err != nil {
		rt.t.logger.Log(types.SeverityWarn, component, "cached payload unavailable", err)
		return nil, err
	}
	rt.timing.Add(timing.LoadingFromCache)

	entry := h.Entry()
	header := meta.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Length", strconv.FormatInt(entry.SizeBytes, 10))
	status := meta.Status
	if status == 0 {
		status = http.StatusOK
	}

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		ContentLength: entry.SizeBytes,
		Request:       rt.req,
		Body: &cachedBody{
			rc:     rc,
			handle: h,
			store:  rt.t.store,
			entry:  entry,
			digest: xxhash.New(),
		},
	}, nil
}

// maybeStore arranges for a cacheable resp to be stored once its body is
// fully read. A stale entry that can no longer be cached is deleted.
func (rt *roundTrip) maybeStore(key cache.Key, resp *http.Response, stale *cache.CacheEntry) *http.Response {
	t := rt.t
	now := t.clock.Now()
	if resp.StatusCode == http.StatusNotModified {
		return resp
	}
	if !IsCacheable(rt.req.Method, resp, now) {
		if stale != nil && resp.StatusCode < 500 {
			if err := t.store.Delete(rt.req.Context(), key); err != nil {
				t.logger.Log(types.SeverityWarn, component, "failed to drop uncacheable entry", err)
			}
		}
		return resp
	}
	if resp.ContentLength > t.maxStoreSize {
		return resp
	}

	declared := resp.ContentLength
	if resp.Uncompressed {
		declared = -1
	}
	hint := int(declared)
	if hint < 0 {
		hint = 0
	}

	resp.Body = &storingBody{
		rc:       resp.Body,
		rt:       rt,
		key:      key,
		meta:     FromResponse(resp, now),
		declared: declared,
		buf:      t.pool.Acquire(hint),
	}
	return resp
}

// finish tags the response and ties the span and timing export to the end
// of its body.
func (rt *roundTrip) finish(resp *http.Response, err error, outcome string) (*http.Response, error) {
	rt.span.SetAttributes(attribute.String("respcache.outcome", outcome))
	if err != nil {
		rt.span.RecordError(err)
		rt.span.SetStatus(codes.Error, err.Error())
		rt.done(outcome)
		return nil, err
	}

	rt.span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	resp.Header.Set(CacheStatusHeader, outcome)
	if resp.Body == nil || resp.Body == http.NoBody {
		rt.done(outcome)
		return resp, nil
	}
	resp.Body = &finishingBody{ReadCloser: resp.Body, onClose: func() { rt.done(outcome) }}
	return resp, nil
}

func (rt *roundTrip) done(outcome string) {
	rt.once.Do(func() {
		rt.timing.Add(timing.Finished)
		rt.timing.Export(rt.span)
		rt.span.End()
		if rt.t.recorder != nil {
			rt.t.recorder.RecordRequest(outcome, rt.timing.Total())
		}
		if rt.t.timingSink != nil {
			rt.t.timingSink(rt.req, rt.timing)
		}
	})
}

// cachedBody streams a cached payload and verifies it at EOF.
type cachedBody struct {
	rc     io.ReadCloser
	handle *cache.Handle
	store  *cache.Store
	entry  cache.CacheEntry
	digest *xxhash.Digest
	read   int64
	closed bool
}

func (b *cachedBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if n > 0 {
		b.read += int64(n)
		_, _ = b.digest.Write(p[:n])
	}
	if err == io.EOF && (b.read != b.entry.SizeBytes || b.digest.Sum64() != b.entry.Checksum) {
		_, _, _ = b.store.Evict(context.Background(), b.entry.Key, b.entry.Seq)
		return n, errors.NewError(errors.ErrCodeCacheCorrupt, "cached payload failed verification").
			WithComponent(component).
			WithDetail("location", b.entry.Location)
	}
	return n, err
}

func (b *cachedBody) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	err := b.rc.Close()
	if herr := b.handle.Close(); err == nil {
		err = herr
	}
	return err
}

// storingBody copies the network body into a pooled buffer as it is read
// and stores it when the body reaches EOF.
type storingBody struct {
	rc       io.ReadCloser
	rt       *roundTrip
	key      cache.Key
	meta     cache.Metadata
	declared int64
	buf      *buffer.Buffer
	failed   bool
}

func (b *storingBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if n > 0 && b.buf != nil && !b.failed {
		if int64(b.buf.Len()+n) > b.rt.t.maxStoreSize {
			b.failed = true
		} else {
			_, _ = b.buf.Write(p[:n])
		}
	}
	if err == io.EOF {
		b.store()
	} else if err != nil {
		b.failed = true
	}
	return n, err
}

func (b *storingBody) store() {
	if b.buf == nil {
		return
	}
	buf := b.buf
	b.buf = nil
	defer b.rt.t.pool.Release(buf)
	if b.failed {
		return
	}

	t := b.rt.t
	if _, err := t.store.Put(b.rt.req.Context(), b.key, b.meta, bytes.NewReader(buf.B), b.declared); err != nil {
		t.logger.Log(types.SeverityWarn, component, "failed to store response "+b.key.String(), err)
		return
	}
	b.rt.timing.Add(timing.WritingToCache)
}

func (b *storingBody) Close() error {
	if b.buf != nil {
		t := b.rt.t
		t.pool.Release(b.buf)
		b.buf = nil
	}
	return b.rc.Close()
}

type finishingBody struct {
	io.ReadCloser
	onClose func()
}

func (b *finishingBody) Close() error {
	err := b.ReadCloser.Close()
	b.onClose()
	return err
}

func drain(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}

// nonZero keeps a measured phase from being recomputed as "since the
// previous event" when the clock did not move.
func nonZero(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Nanosecond
	}
	return d
}

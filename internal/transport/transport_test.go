package transport

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/respcache/respcache/internal/cache"
	"github.com/respcache/respcache/internal/payload"
	"github.com/respcache/respcache/internal/timing"
	"github.com/respcache/respcache/pkg/clock"
	"github.com/respcache/respcache/pkg/errors"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// origin is a test server whose behavior can be switched between requests.
type origin struct {
	srv   *httptest.Server
	clock *clock.Manual
	hits  atomic.Int32
	conds atomic.Int32

	mu           sync.Mutex
	body         string
	etag         string
	cacheControl string
	status       int
}

func newOrigin(t *testing.T, clk *clock.Manual) *origin {
	t.Helper()
	o := &origin{
		clock:        clk,
		body:         "hello",
		etag:         `"v1"`,
		cacheControl: "max-age=60",
		status:       http.StatusOK,
	}
	o.srv = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.srv.Close)
	return o
}

func (o *origin) set(fn func(o *origin)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(o)
}

func (o *origin) serve(w http.ResponseWriter, r *http.Request) {
	o.hits.Inc()
	o.mu.Lock()
	body, etag, cc, status := o.body, o.etag, o.cacheControl, o.status
	o.mu.Unlock()

	w.Header().Set("Date", o.clock.Now().UTC().Format(http.TimeFormat))
	if cc != "" {
		w.Header().Set("Cache-Control", cc)
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, "origin failure")
		return
	}
	if etag != "" {
		w.Header().Set("ETag", etag)
		if r.Header.Get("If-None-Match") != "" {
			o.conds.Inc()
			if r.Header.Get("If-None-Match") == etag {
				w.WriteHeader(http.StatusNotModified)
				return
			}
		}
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, body)
}

type outcomes struct {
	mu   sync.Mutex
	seen []string
}

func (o *outcomes) RecordRequest(outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, outcome)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type fixture struct {
	clock    *clock.Manual
	origin   *origin
	payloads *payload.MemoryStore
	store    *cache.Store
	client   *http.Client
	offline  atomic.Bool
	recorder *outcomes
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		clock:    clock.NewManual(epoch),
		payloads: payload.NewMemoryStore(),
		recorder: &outcomes{},
	}
	f.origin = newOrigin(t, f.clock)
	f.store = cache.New(f.payloads, cache.WithClock(f.clock))

	base := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if f.offline.Load() {
			return nil, stderrors.New("connection refused")
		}
		return http.DefaultTransport.RoundTrip(r)
	})
	opts = append([]Option{
		WithBase(base),
		WithClock(f.clock),
		WithVaryHeaders("Accept-Language"),
		WithRecorder(f.recorder),
	}, opts...)
	f.client = New(f.store, opts...).Client()
	return f
}

// get performs a GET, reads the body fully and returns it with the outcome.
func (f *fixture) get(t *testing.T, header ...string) (string, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.origin.srv.URL+"/doc", nil)
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := f.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body), resp.Header.Get(CacheStatusHeader)
}

func TestTransport_MissThenHit(t *testing.T) {
	f := newFixture(t)

	body, outcome := f.get(t)
	assert.Equal(t, "hello", body)
	assert.Equal(t, OutcomeMiss, outcome)
	assert.Equal(t, 1, f.store.Count())

	f.clock.Advance(30 * time.Second)
	body, outcome = f.get(t)
	assert.Equal(t, "hello", body)
	assert.Equal(t, OutcomeHit, outcome)
	assert.EqualValues(t, 1, f.origin.hits.Load())
}

func TestTransport_CachedResponseKeepsHeaders(t *testing.T) {
	f := newFixture(t)
	f.get(t)

	resp, err := f.client.Get(f.origin.srv.URL + "/doc")
	require.NoError(t, err)
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Equal(t, `"v1"`, resp.Header.Get("ETag"))
	assert.EqualValues(t, 5, resp.ContentLength)
}

func TestTransport_RevalidatesStaleEntry(t *testing.T) {
	f := newFixture(t)
	f.get(t)
	seq := f.store.Entries()[0].Seq

	f.clock.Advance(2 * time.Minute)
	body, outcome := f.get(t)
	assert.Equal(t, "hello", body)
	assert.Equal(t, OutcomeRevalidated, outcome)
	assert.EqualValues(t, 1, f.origin.conds.Load())

	entries := f.store.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, seq, entries[0].Seq, "payload is kept on 304")
	assert.True(t, entries[0].Metadata.Date.Equal(f.clock.Now()))

	_, outcome = f.get(t)
	assert.Equal(t, OutcomeHit, outcome, "refreshed entry is fresh again")
	assert.EqualValues(t, 2, f.origin.hits.Load())
}

func TestTransport_ReplacesChangedEntry(t *testing.T) {
	f := newFixture(t)
	f.get(t)

	f.clock.Advance(2 * time.Minute)
	f.origin.set(func(o *origin) {
		o.body = "hello, world"
		o.etag = `"v2"`
	})

	body, outcome := f.get(t)
	assert.Equal(t, "hello, world", body)
	assert.Equal(t, OutcomeMiss, outcome)

	body, outcome = f.get(t)
	assert.Equal(t, "hello, world", body)
	assert.Equal(t, OutcomeHit, outcome)
	assert.Equal(t, 1, f.store.Count())
	assert.EqualValues(t, 12, f.store.TotalSize())
	assert.Equal(t, 1, f.payloads.Len(), "replaced payload is deleted")
}

func TestTransport_StaleIfError(t *testing.T) {
	tests := []struct {
		name string
		fail func(f *fixture)
	}{
		{
			name: "server error",
			fail: func(f *fixture) {
				f.origin.set(func(o *origin) { o.status = http.StatusBadGateway })
			},
		},
		{
			name: "network error",
			fail: func(f *fixture) { f.offline.Store(true) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.origin.set(func(o *origin) { o.cacheControl = "max-age=60, stale-if-error=600" })
			f.get(t)

			f.clock.Advance(2 * time.Minute)
			tt.fail(f)

			body, outcome := f.get(t)
			assert.Equal(t, "hello", body)
			assert.Equal(t, OutcomeStale, outcome)
			assert.Equal(t, 1, f.store.Count())
		})
	}
}

func TestTransport_ErrorBeyondStaleWindow(t *testing.T) {
	t.Run("server error is passed through", func(t *testing.T) {
		f := newFixture(t)
		f.get(t)
		f.clock.Advance(2 * time.Minute)
		f.origin.set(func(o *origin) { o.status = http.StatusInternalServerError })

		body, outcome := f.get(t)
		assert.Equal(t, "origin failure", body)
		assert.Equal(t, OutcomeMiss, outcome)
		assert.Equal(t, 1, f.store.Count(), "5xx does not drop the entry")
	})

	t.Run("network error is returned", func(t *testing.T) {
		f := newFixture(t)
		f.get(t)
		f.clock.Advance(2 * time.Minute)
		f.offline.Store(true)

		_, err := f.client.Get(f.origin.srv.URL + "/doc")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection refused")
	})
}

func TestTransport_UncacheableResponses(t *testing.T) {
	tests := []struct {
		name         string
		cacheControl string
		etag         string
	}{
		{name: "no-store", cacheControl: "no-store", etag: `"v1"`},
		{name: "zero max-age", cacheControl: "max-age=0", etag: `"v1"`},
		{name: "no validators", cacheControl: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.origin.set(func(o *origin) {
				o.cacheControl = tt.cacheControl
				o.etag = tt.etag
			})

			for i := 0; i < 2; i++ {
				body, outcome := f.get(t)
				assert.Equal(t, "hello", body)
				assert.Equal(t, OutcomeMiss, outcome)
			}
			assert.Zero(t, f.store.Count())
			assert.EqualValues(t, 2, f.origin.hits.Load())
		})
	}
}

func TestTransport_DropsEntryThatBecameUncacheable(t *testing.T) {
	f := newFixture(t)
	f.get(t)
	require.Equal(t, 1, f.store.Count())

	f.clock.Advance(2 * time.Minute)
	f.origin.set(func(o *origin) {
		o.cacheControl = "no-store"
		o.etag = `"v2"`
	})

	_, outcome := f.get(t)
	assert.Equal(t, OutcomeMiss, outcome)
	assert.Zero(t, f.store.Count())
	assert.Zero(t, f.payloads.Len())
}

func TestTransport_PartialReadIsNotStored(t *testing.T) {
	f := newFixture(t)

	resp, err := f.client.Get(f.origin.srv.URL + "/doc")
	require.NoError(t, err)
	buf := make([]byte, 2)
	_, err = io.ReadFull(resp.Body, buf)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, "he", string(buf))
	assert.Zero(t, f.store.Count())
}

func TestTransport_OversizeBodyIsNotStored(t *testing.T) {
	f := newFixture(t, WithMaxStoreSize(3))

	body, outcome := f.get(t)
	assert.Equal(t, "hello", body)
	assert.Equal(t, OutcomeMiss, outcome)
	assert.Zero(t, f.store.Count())
}

func TestTransport_Bypass(t *testing.T) {
	f := newFixture(t)

	for _, method := range []string{http.MethodPost, http.MethodGet} {
		req, err := http.NewRequest(method, f.origin.srv.URL+"/doc", strings.NewReader(""))
		require.NoError(t, err)
		if method == http.MethodGet {
			req.Header.Set("Range", "bytes=0-1")
		}
		resp, err := f.client.Do(req)
		require.NoError(t, err)
		_, _ = io.Copy(io.Discard, resp.Body)
		require.NoError(t, resp.Body.Close())
		assert.Equal(t, OutcomeBypass, resp.Header.Get(CacheStatusHeader))
	}
	assert.Zero(t, f.store.Count())
}

func TestTransport_VaryHeadersSplitEntries(t *testing.T) {
	f := newFixture(t)

	_, outcome := f.get(t, "Accept-Language", "en")
	assert.Equal(t, OutcomeMiss, outcome)
	_, outcome = f.get(t, "Accept-Language", "de")
	assert.Equal(t, OutcomeMiss, outcome)
	_, outcome = f.get(t, "Accept-Language", "en")
	assert.Equal(t, OutcomeHit, outcome)

	assert.Equal(t, 2, f.store.Count())
}

func TestTransport_CorruptPayload(t *testing.T) {
	f := newFixture(t)
	f.get(t)
	entry := f.store.Entries()[0]

	w, err := f.payloads.OpenWrite(context.Background(), entry.Location)
	require.NoError(t, err)
	_, err = w.Write([]byte("HELLO"))
	require.NoError(t, err)
	require.NoError(t, w.Commit())

	resp, err := f.client.Get(f.origin.srv.URL + "/doc")
	require.NoError(t, err)
	assert.Equal(t, OutcomeHit, resp.Header.Get(CacheStatusHeader))
	_, err = io.ReadAll(resp.Body)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeCacheCorrupt, errors.Code(err))
	require.NoError(t, resp.Body.Close())

	assert.Zero(t, f.store.Count())
	assert.Zero(t, f.payloads.Len())

	body, outcome := f.get(t)
	assert.Equal(t, "hello", body)
	assert.Equal(t, OutcomeMiss, outcome)
}

func TestTransport_MissingPayloadFallsBackToNetwork(t *testing.T) {
	f := newFixture(t)
	f.get(t)
	entry := f.store.Entries()[0]
	require.NoError(t, f.payloads.Delete(context.Background(), entry.Location))

	body, outcome := f.get(t)
	assert.Equal(t, "hello", body)
	assert.Equal(t, OutcomeMiss, outcome)
	assert.Equal(t, 1, f.store.Count(), "response is stored again")
}

func TestTransport_TimingSink(t *testing.T) {
	var mu sync.Mutex
	var collected []*timing.Collector
	f := newFixture(t, WithTimingSink(func(_ *http.Request, c *timing.Collector) {
		mu.Lock()
		defer mu.Unlock()
		collected = append(collected, c)
	}))

	f.get(t)
	f.get(t)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, collected, 2)

	miss, hit := collected[0], collected[1]
	for _, name := range []string{timing.Queued, timing.RequestSent, timing.Headers, timing.WritingToCache, timing.Finished} {
		assert.False(t, miss.FindFirst(name).IsEmpty(), "miss should record %s", name)
	}
	assert.True(t, miss.FindFirst(timing.LoadingFromCache).IsEmpty())

	assert.False(t, hit.FindFirst(timing.LoadingFromCache).IsEmpty())
	assert.False(t, hit.FindFirst(timing.Finished).IsEmpty())
	assert.True(t, hit.FindFirst(timing.RequestSent).IsEmpty())
}

func TestTransport_RecordsOutcomes(t *testing.T) {
	f := newFixture(t)
	f.get(t)
	f.get(t)
	f.clock.Advance(2 * time.Minute)
	f.get(t)

	f.recorder.mu.Lock()
	defer f.recorder.mu.Unlock()
	assert.Equal(t, []string{OutcomeMiss, OutcomeHit, OutcomeRevalidated}, f.recorder.seen)
}

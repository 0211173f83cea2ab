package transport

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/respcache/respcache/internal/cache"
)

// maxDeltaSeconds caps delta-seconds values so larger lifetimes cannot
// overflow a time.Duration.
const maxDeltaSeconds = 2147483648

// IsCacheable reports whether resp, received for a request with method at
// now, may be stored. Only complete GET responses with a 2xx or 3xx status
// and at least one usable validator or freshness lifetime qualify.
func IsCacheable(method string, resp *http.Response, now time.Time) bool {
	if resp == nil || method != http.MethodGet {
		return false
	}
	if resp.StatusCode == http.StatusPartialContent ||
		resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return false
	}

	hasValidMaxAge := false
	for _, d := range parseCacheControl(resp.Header.Values("Cache-Control")) {
		switch d.name {
		case "no-store":
			return false
		case "max-age":
			if !d.hasValue {
				continue
			}
			maxAge, err := strconv.ParseFloat(d.value, 64)
			if err != nil {
				continue
			}
			if maxAge <= 0 {
				return false
			}
			hasValidMaxAge = true
		}
	}

	for _, p := range resp.Header.Values("Pragma") {
		p = strings.ToLower(p)
		if strings.Contains(p, "no-store") || strings.Contains(p, "no-cache") {
			return false
		}
	}

	if len(resp.Header.Values("Content-Range")) > 0 {
		return false
	}

	if resp.Header.Get("ETag") != "" {
		return true
	}
	if expires, ok := parseTime(resp.Header.Get("Expires")); ok && !expires.Before(now) {
		return true
	}
	if resp.Header.Get("Last-Modified") != "" {
		return true
	}
	return hasValidMaxAge
}

// FromResponse extracts the caching metadata of resp received at now.
func FromResponse(resp *http.Response, now time.Time) cache.Metadata {
	h := resp.Header
	meta := cache.Metadata{
		Status:   resp.StatusCode,
		Header:   h.Clone(),
		ETag:     h.Get("ETag"),
		Received: now,
		Date:     now,
	}
	meta.Header.Del("Content-Length")

	if t, ok := parseTime(h.Get("Last-Modified")); ok {
		meta.LastModified = t
	}
	if t, ok := parseTime(h.Get("Expires")); ok {
		meta.Expires = t
	}
	if t, ok := parseTime(h.Get("Date")); ok {
		meta.Date = t
	}
	if age, err := strconv.ParseInt(strings.TrimSpace(h.Get("Age")), 10, 64); err == nil && age > 0 {
		meta.Age = deltaSeconds(float64(age))
	}

	for _, d := range parseCacheControl(h.Values("Cache-Control")) {
		switch d.name {
		case "max-age":
			meta.MaxAge = 0
			if d.hasValue {
				// Some proxies send fractional values.
				if v, err := strconv.ParseFloat(d.value, 64); err == nil && v > 0 {
					meta.MaxAge = deltaSeconds(v)
				}
			}
		case "stale-while-revalidate":
			meta.StaleWhileRevalidate = seconds(d)
		case "stale-if-error":
			meta.StaleIfError = seconds(d)
		case "must-revalidate":
			meta.MustRevalidate = true
		case "no-cache":
			meta.NoCache = true
		}
	}
	return meta
}

// Fresh reports whether a cached response may be served at now without
// revalidation. inError widens the window by stale-if-error, for use when
// the origin failed.
func Fresh(meta cache.Metadata, now time.Time, inError bool) bool {
	if meta.NoCache {
		return false
	}

	if meta.MaxAge > 0 {
		apparentAge := meta.Received.Sub(meta.Date)
		if apparentAge < 0 {
			apparentAge = 0
		}
		correctedAge := apparentAge
		if meta.Age > correctedAge {
			correctedAge = meta.Age
		}
		currentAge := correctedAge + now.Sub(meta.Date)

		limit := meta.MaxAge + meta.StaleWhileRevalidate
		if inError {
			limit += meta.StaleIfError
		}
		return currentAge < limit || meta.Expires.After(now)
	}

	return meta.Expires.After(now)
}

// SetRevalidationHeaders adds the conditional headers for entry to req.
func SetRevalidationHeaders(req *http.Request, entry cache.CacheEntry) {
	if entry.Validator != "" {
		req.Header.Set("If-None-Match", entry.Validator)
	}
	if lm := entry.Metadata.Header.Get("Last-Modified"); lm != "" {
		req.Header.Set("If-Modified-Since", lm)
	} else if !entry.LastModified.IsZero() {
		req.Header.Set("If-Modified-Since", entry.LastModified.UTC().Format(http.TimeFormat))
	}
}

// mergeNotModified returns the metadata of a cached response after a 304:
// headers from the 304 replace the stored ones.
func mergeNotModified(old cache.Metadata, resp *http.Response, now time.Time) cache.Metadata {
	merged := old.Header.Clone()
	if merged == nil {
		merged = make(http.Header)
	}
	for name, values := range resp.Header {
		if name == "Content-Length" {
			continue
		}
		merged[name] = append([]string(nil), values...)
	}
	return FromResponse(&http.Response{StatusCode: old.Status, Header: merged}, now)
}

type directive struct {
	name     string
	value    string
	hasValue bool
}

func parseCacheControl(values []string) []directive {
	var out []directive
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			d := directive{name: part}
			if i := strings.IndexByte(part, '='); i >= 0 {
				d.name = strings.TrimSpace(part[:i])
				d.value = strings.Trim(strings.TrimSpace(part[i+1:]), `"`)
				d.hasValue = true
			}
			d.name = strings.ToLower(d.name)
			out = append(out, d)
		}
	}
	return out
}

func seconds(d directive) time.Duration {
	if !d.hasValue {
		return 0
	}
	n, err := strconv.ParseInt(d.value, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return deltaSeconds(float64(n))
}

// deltaSeconds converts a non-negative delta-seconds value, capped at
// maxDeltaSeconds, to a whole-second duration.
func deltaSeconds(v float64) time.Duration {
	if v > maxDeltaSeconds {
		v = maxDeltaSeconds
	}
	return time.Duration(v) * time.Second
}

func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := http.ParseTime(s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

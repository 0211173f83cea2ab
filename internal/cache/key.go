package cache

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Header is one request header value that takes part in the cache key.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Key identifies a cacheable request. Build keys with NewKey so method and
// header names are normalized; the zero Key matches nothing useful.
type Key struct {
	Method string   `json:"method"`
	URI    string   `json:"uri"`
	Vary   []Header `json:"vary,omitempty"`
}

// NewKey returns a normalized key. The method is upper-cased and vary
// header names are canonicalized; header order is kept.
func NewKey(method, uri string, vary ...Header) Key {
	k := Key{
		Method: strings.ToUpper(strings.TrimSpace(method)),
		URI:    uri,
	}
	if len(vary) > 0 {
		k.Vary = make([]Header, len(vary))
		for i, h := range vary {
			k.Vary[i] = Header{Name: http.CanonicalHeaderKey(h.Name), Value: h.Value}
		}
	}
	return k
}

// KeyFromRequest builds the key for req using the given vary header names.
func KeyFromRequest(req *http.Request, varyHeaders []string) Key {
	vary := make([]Header, 0, len(varyHeaders))
	for _, name := range varyHeaders {
		vary = append(vary, Header{Name: name, Value: strings.Join(req.Header.Values(name), ",")})
	}
	return NewKey(req.Method, req.URL.String(), vary...)
}

// Fingerprint is the canonical string form of the key. Two keys are equal
// iff their fingerprints are equal. Every component is length-prefixed so
// no URI or header value can imitate a component boundary.
func (k Key) Fingerprint() string {
	buf := make([]byte, 0, len(k.Method)+len(k.URI)+8+40*len(k.Vary))
	buf = appendField(buf, k.Method)
	buf = appendField(buf, k.URI)
	for _, h := range k.Vary {
		buf = appendField(buf, h.Name)
		buf = appendField(buf, h.Value)
	}
	return string(buf)
}

func appendField(buf []byte, s string) []byte {
	buf = strconv.AppendInt(buf, int64(len(s)), 10)
	buf = append(buf, ':')
	return append(buf, s...)
}

// Hash returns the xxhash64 of the fingerprint.
func (k Key) Hash() uint64 {
	return xxhash.Sum64String(k.Fingerprint())
}

// Equal reports whether k and other identify the same request.
func (k Key) Equal(other Key) bool {
	return k.Fingerprint() == other.Fingerprint()
}

// String returns "METHOD URI".
func (k Key) String() string {
	return k.Method + " " + k.URI
}

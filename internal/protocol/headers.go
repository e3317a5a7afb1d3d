package protocol

import (
	"net/http"
	"strings"
)

// Header is a single name/value pair as it appeared on the wire.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Headers is an ordered list of header pairs. Unlike a map, it preserves
// duplicate names (e.g. repeated Set-Cookie or Vary values) and their
// relative order, while still supporting case-insensitive lookup.
type Headers []Header

// Get returns the first value for name (case-insensitive), if any.
func (h Headers) Get(name string) (string, bool) {
	for _, kv := range h {
		if strings.EqualFold(kv.Name, name) {
			return kv.Value, true
		}
	}
	return "", false
}

// Values returns all values for name (case-insensitive), in order.
func (h Headers) Values(name string) []string {
	var out []string
	for _, kv := range h {
		if strings.EqualFold(kv.Name, name) {
			out = append(out, kv.Value)
		}
	}
	return out
}

// Add appends a name/value pair, preserving any existing entries for name.
func (h Headers) Add(name, value string) Headers {
	return append(h, Header{Name: name, Value: value})
}

// hopByHop lists header names that must not be forwarded across the tunnel
// boundary, per RFC 7230 §6.1 and the Upgrade/Proxy extensions.
var hopByHop = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"transfer-encoding": true,
	"upgrade":           true,
	"te":                true,
	"trailer":           true,
}

// IsHopByHop reports whether name is a hop-by-hop header that must be
// stripped when relaying a request or response across the tunnel. This
// includes the entire Proxy-* family (spec §4.4 step 2), not just the
// well-known Proxy-Authenticate/-Authorization/-Connection headers.
func IsHopByHop(name string) bool {
	lower := strings.ToLower(name)
	return hopByHop[lower] || strings.HasPrefix(lower, "proxy-")
}

// HeadersFromHTTP converts an http.Header into an ordered Headers list,
// dropping hop-by-hop headers. net/http's map representation does not
// preserve the original order between distinct field names, only the
// order of repeated values for the same name; that is the order this
// function preserves.
func HeadersFromHTTP(src http.Header) Headers {
	out := make(Headers, 0, len(src))
	for name, values := range src {
		if IsHopByHop(name) {
			continue
		}
		for _, v := range values {
			out = append(out, Header{Name: name, Value: v})
		}
	}
	return out
}

// ToHTTP converts Headers back into an http.Header, dropping hop-by-hop
// headers.
func (h Headers) ToHTTP() http.Header {
	out := make(http.Header, len(h))
	for _, kv := range h {
		if IsHopByHop(kv.Name) {
			continue
		}
		out.Add(kv.Name, kv.Value)
	}
	return out
}

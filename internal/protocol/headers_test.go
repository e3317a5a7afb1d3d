package protocol

import (
	"net/http"
	"testing"
)

func TestHeadersFromHTTPDropsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Add("Connection", "keep-alive")
	src.Add("Content-Type", "text/plain")
	src.Add("X-Multi", "a")
	src.Add("X-Multi", "b")

	h := HeadersFromHTTP(src)

	if _, ok := h.Get("connection"); ok {
		t.Error("Connection header should have been stripped")
	}
	ct, ok := h.Get("content-type")
	if !ok || ct != "text/plain" {
		t.Errorf("Content-Type = %q, %v, want text/plain, true", ct, ok)
	}
	if vals := h.Values("x-multi"); len(vals) != 2 {
		t.Errorf("Values(x-multi) = %v, want 2 entries", vals)
	}
}

func TestHeadersToHTTPRoundTrip(t *testing.T) {
	h := Headers{
		{Name: "Accept", Value: "text/html"},
		{Name: "Accept", Value: "application/json"},
	}
	out := h.ToHTTP()
	if got := out.Values("Accept"); len(got) != 2 {
		t.Errorf("Values(Accept) = %v, want 2 entries", got)
	}
}

func TestIsHopByHop(t *testing.T) {
	cases := map[string]bool{
		"Connection":          true,
		"Keep-Alive":          true,
		"Transfer-Encoding":   true,
		"Upgrade":             true,
		"Proxy-Connection":    true,
		"Proxy-Authenticate":  true,
		"Proxy-Authorization": true,
		"Proxy-Foo":           true,
		"Content-Type":        false,
		"Host":                false,
	}
	for name, want := range cases {
		if got := IsHopByHop(name); got != want {
			t.Errorf("IsHopByHop(%q) = %v, want %v", name, got, want)
		}
	}
}

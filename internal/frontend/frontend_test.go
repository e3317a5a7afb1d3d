package frontend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bc183/otun/internal/protocol"
	"github.com/bc183/otun/internal/registry"
)

type stubSession struct {
	resp *protocol.ResponsePayload
	err  error
	got  *protocol.RequestPayload
}

func (s *stubSession) ClientID() string   { return "client-1" }
func (s *stubSession) RemoteAddr() string { return "203.0.113.5:4444" }
func (s *stubSession) Counters() registry.Counters {
	return registry.Counters{}
}
func (s *stubSession) Dispatch(ctx context.Context, req *protocol.RequestPayload) (*protocol.ResponsePayload, error) {
	s.got = req
	return s.resp, s.err
}

func TestRoutingLabel(t *testing.T) {
	cases := []struct {
		host, zone, label string
		apex              bool
	}{
		{"p.localhost:8080", "", "p", false},
		{"p.localhost", "", "p", false},
		{"localhost:8080", "", "", true},
		{"myapp.tunnel.example.com", "tunnel.example.com", "myapp", false},
		{"tunnel.example.com", "tunnel.example.com", "", true},
		{"unrelated.com", "tunnel.example.com", "", true},
		{"MyApp.Tunnel.Example.Com", "tunnel.example.com", "myapp", false},
	}
	for _, tc := range cases {
		label, apex := routingLabel(tc.host, tc.zone)
		if label != tc.label || apex != tc.apex {
			t.Errorf("routingLabel(%q, %q) = %q, %v; want %q, %v", tc.host, tc.zone, label, apex, tc.label, tc.apex)
		}
	}
}

func TestServeHTTPHappyPath(t *testing.T) {
	reg := registry.New()
	stub := &stubSession{resp: &protocol.ResponsePayload{StatusCode: 200, Body: []byte("ok")}}
	if err := reg.Register("p", stub); err != nil {
		t.Fatalf("Register: %v", err)
	}

	fe := New(reg, Config{})
	req := httptest.NewRequest(http.MethodGet, "http://p.localhost/hello", nil)
	w := httptest.NewRecorder()

	fe.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != "ok" {
		t.Fatalf("body = %q, want ok", w.Body.String())
	}
	if stub.got.Method != "GET" || stub.got.Path != "/hello" {
		t.Errorf("dispatched request = %+v", stub.got)
	}
	if v, _ := stub.got.Headers.Get("X-Tunnel-Client"); v != "client-1" {
		t.Errorf("X-Tunnel-Client = %q, want client-1", v)
	}
}

func TestServeHTTPUnknownSubdomain(t *testing.T) {
	fe := New(registry.New(), Config{})
	req := httptest.NewRequest(http.MethodGet, "http://q.localhost/", nil)
	w := httptest.NewRecorder()

	fe.ServeHTTP(w, req)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadGateway)
	}
}

func TestServeHTTPStatusPage(t *testing.T) {
	reg := registry.New()
	if err := reg.Register("p", &stubSession{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	fe := New(reg, Config{})

	req := httptest.NewRequest(http.MethodGet, "http://localhost/", nil)
	w := httptest.NewRecorder()
	fe.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "otun tunnel server") {
		t.Error("expected status page body")
	}
}

func TestServeHTTPBodyTooLarge(t *testing.T) {
	reg := registry.New()
	stub := &stubSession{resp: &protocol.ResponsePayload{StatusCode: 200}}
	if err := reg.Register("p", stub); err != nil {
		t.Fatalf("Register: %v", err)
	}
	fe := New(reg, Config{MaxBodyBytes: 4})

	req := httptest.NewRequest(http.MethodPost, "http://p.localhost/", strings.NewReader("way too big"))
	w := httptest.NewRecorder()
	fe.ServeHTTP(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusRequestEntityTooLarge)
	}
}

func TestAppendForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://p.localhost/", nil)
	req.RemoteAddr = "198.51.100.7:1234"

	headers := appendForwardedFor(protocol.Headers{}, req)
	v, ok := headers.Get("X-Forwarded-For")
	if !ok || v != "198.51.100.7" {
		t.Errorf("X-Forwarded-For = %q, %v, want 198.51.100.7, true", v, ok)
	}

	chained := appendForwardedFor(protocol.Headers{{Name: "X-Forwarded-For", Value: "1.2.3.4"}}, req)
	all := chained.Values("X-Forwarded-For")
	if len(all) != 1 || all[0] != "1.2.3.4, 198.51.100.7" {
		t.Errorf("Values(X-Forwarded-For) = %v", all)
	}
}

func TestRedactToSlash24(t *testing.T) {
	cases := map[string]string{
		"198.51.100.7:1234": "198.51.100.0:1234",
		"198.51.100.7":      "198.51.100.0",
		"not-an-ip":         "not-an-ip",
	}
	for in, want := range cases {
		if got := redactToSlash24(in); got != want {
			t.Errorf("redactToSlash24(%q) = %q, want %q", in, got, want)
		}
	}
}

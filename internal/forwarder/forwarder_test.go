package forwarder

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bc183/otun/internal/protocol"
)

func TestForwardSuccess(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Host == "" {
			t.Error("expected Host header to be set")
		}
		w.Header().Set("X-Origin", "yes")
		w.WriteHeader(201)
		w.Write([]byte("created"))
	}))
	defer origin.Close()

	addr := strings.TrimPrefix(origin.URL, "http://")
	fwd := New(addr, 0)

	req := &protocol.RequestPayload{
		RequestID: 1,
		Method:    "POST",
		Path:      "/things",
		Headers:   protocol.Headers{{Name: "Content-Type", Value: "text/plain"}},
		Body:      []byte("payload"),
	}

	resp := fwd.Forward(context.Background(), req)
	if resp.StatusCode != 201 {
		t.Fatalf("StatusCode = %d, want 201", resp.StatusCode)
	}
	if string(resp.Body) != "created" {
		t.Fatalf("Body = %q, want created", resp.Body)
	}
	if v, ok := resp.Headers.Get("X-Origin"); !ok || v != "yes" {
		t.Errorf("X-Origin header = %q, %v", v, ok)
	}
}

func TestForwardOriginUnreachable(t *testing.T) {
	fwd := New("127.0.0.1:1", 0) // nothing listening

	req := &protocol.RequestPayload{RequestID: 2, Method: "GET", Path: "/"}
	resp := fwd.Forward(context.Background(), req)

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("StatusCode = %d, want %d", resp.StatusCode, http.StatusBadGateway)
	}
	if _, ok := resp.Headers.Get("X-Tunnel-Error"); !ok {
		t.Error("expected X-Tunnel-Error header on failure")
	}
	if resp.RequestID != 2 {
		t.Errorf("RequestID = %d, want 2", resp.RequestID)
	}
}

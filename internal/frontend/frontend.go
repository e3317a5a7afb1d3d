// Package frontend implements the server's public HTTP listener: it
// accepts inbound HTTP/1.1 requests, resolves the target tunnel from the
// Host header, relays the request across the control session, and writes
// back whatever the origin returned (spec §4.4). It also serves the
// status page for the apex host and for hosts outside the zone (spec
// §4.8); a subdomain with no registered tunnel gets 502 Bad Gateway.
package frontend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bc183/otun/internal/protocol"
	"github.com/bc183/otun/internal/registry"
)

// DefaultMaxBodyBytes is the default cap on buffered request bodies
// (spec §4.4 step 2).
const DefaultMaxBodyBytes = 10 * 1024 * 1024

// DefaultRequestTimeout is the default per-request deadline (spec §4.3).
const DefaultRequestTimeout = 30 * time.Second

// Config configures a Frontend.
type Config struct {
	// Zone is the apex domain tunnels are served under, e.g.
	// "tunnel.example.com". Empty means local/dev mode, where the
	// routing label is simply the first DNS label of Host (so
	// "p.localhost" routes to tunnel "p").
	Zone string

	MaxBodyBytes   int64
	RequestTimeout time.Duration

	// RedactAddresses, when true, truncates remote addresses shown on
	// the status page to their /24 (spec §4.8).
	RedactAddresses bool
}

func (c Config) withDefaults() Config {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	return c
}

// Frontend is an http.Handler that fronts every registered tunnel plus
// the status page.
type Frontend struct {
	reg *registry.Registry
	cfg Config
}

// New constructs a Frontend backed by reg.
func New(reg *registry.Registry, cfg Config) *Frontend {
	return &Frontend{reg: reg, cfg: cfg.withDefaults()}
}

// ServeHTTP implements http.Handler.
func (f *Frontend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	label, apex := routingLabel(r.Host, f.cfg.Zone)
	if apex {
		f.serveStatus(w, r)
		return
	}

	session, ok := f.reg.Lookup(label)
	if !ok {
		slog.Warn("no tunnel for subdomain", "subdomain", label, "host", r.Host)
		http.Error(w, fmt.Sprintf("no tunnel registered for %q", label), http.StatusBadGateway)
		return
	}

	req, err := f.buildRequest(w, r, session.ClientID())
	if err != nil {
		if errors.As(err, new(*bodyTooLargeError)) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), f.cfg.RequestTimeout)
	defer cancel()

	resp, err := session.Dispatch(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			slog.Warn("request timed out", "subdomain", label)
			http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
			return
		}
		slog.Warn("request failed", "subdomain", label, "error", err)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	writeResponse(w, resp)
}

// buildRequest translates an inbound *http.Request into a REQUEST
// envelope, per spec §4.4 step 2 and the injected headers of spec §6.
func (f *Frontend) buildRequest(w http.ResponseWriter, r *http.Request, clientID string) (*protocol.RequestPayload, error) {
	body, err := readLimited(w, r.Body, f.cfg.MaxBodyBytes)
	if err != nil {
		return nil, err
	}

	headers := protocol.HeadersFromHTTP(r.Header)
	headers = appendForwardedFor(headers, r)
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	headers = headers.Add("X-Forwarded-Proto", proto)
	headers = headers.Add("X-Tunnel-Client", clientID)

	return &protocol.RequestPayload{
		Method:  r.Method,
		Path:    r.URL.RequestURI(),
		Headers: headers,
		Body:    body,
	}, nil
}

func writeResponse(w http.ResponseWriter, resp *protocol.ResponsePayload) {
	dst := w.Header()
	for name, values := range resp.Headers.ToHTTP() {
		for _, v := range values {
			dst.Add(name, v)
		}
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(resp.Body) > 0 {
		w.Write(resp.Body)
	}
}

// appendForwardedFor appends the peer's IP to any existing
// X-Forwarded-For chain.
func appendForwardedFor(headers protocol.Headers, r *http.Request) protocol.Headers {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		peer = host
	}
	existing := headers.Values("X-Forwarded-For")
	if len(existing) == 0 {
		return headers.Add("X-Forwarded-For", peer)
	}
	out := make(protocol.Headers, 0, len(headers))
	for _, h := range headers {
		if !strings.EqualFold(h.Name, "X-Forwarded-For") {
			out = append(out, h)
		}
	}
	return out.Add("X-Forwarded-For", strings.Join(append(existing, peer), ", "))
}

// routingLabel extracts the tunnel routing key from an inbound Host
// header, per spec §4.4: strip port, lowercase, strip the apex zone.
// The boolean result is true when the request targets the apex host or
// an unrecognized host and should fall through to the status page.
func routingLabel(host, zone string) (label string, apex bool) {
	host = strings.ToLower(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	if zone == "" {
		parts := strings.SplitN(host, ".", 2)
		if len(parts) == 2 && parts[0] != "" {
			return parts[0], false
		}
		return "", true
	}

	zone = strings.ToLower(zone)
	if host == zone {
		return "", true
	}
	if suffix := "." + zone; strings.HasSuffix(host, suffix) {
		label = strings.TrimSuffix(host, suffix)
		if label == "" {
			return "", true
		}
		return label, false
	}
	return "", true
}

type bodyTooLargeError struct{}

func (*bodyTooLargeError) Error() string { return "request body exceeds configured maximum" }

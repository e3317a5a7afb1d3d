// Package forwarder implements the client-side short-lived HTTP round
// trip to the origin service (spec §4.6): given a REQUEST envelope, issue
// an HTTP/1.1 request to local_host:local_port and turn the origin's
// response into a RESPONSE envelope.
package forwarder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bc183/otun/internal/protocol"
)

// DefaultTimeout is the default per-request deadline for the origin
// round trip (spec §4.6).
const DefaultTimeout = 30 * time.Second

// Forwarder issues requests against a single local origin.
type Forwarder struct {
	// LocalAddr is "host:port" of the origin service.
	LocalAddr string
	Timeout   time.Duration

	client *http.Client
}

// New constructs a Forwarder targeting localAddr.
func New(localAddr string, timeout time.Duration) *Forwarder {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Forwarder{
		LocalAddr: localAddr,
		Timeout:   timeout,
		client:    &http.Client{Timeout: timeout},
	}
}

// Forward performs the origin round trip described by req and always
// returns a RESPONSE envelope: origin failures are mapped to a 502 with
// the failure reason in an X-Tunnel-Error header rather than returned as
// a Go error, since the origin is never retried (spec §4.6, §7).
func (f *Forwarder) Forward(ctx context.Context, req *protocol.RequestPayload) *protocol.ResponsePayload {
	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	url := "http://" + f.LocalAddr + req.Path
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, bytes.NewReader(req.Body))
	if err != nil {
		return errorResponse(req.RequestID, fmt.Sprintf("build request: %v", err))
	}

	httpReq.Header = req.Headers.ToHTTP()
	httpReq.Host = f.LocalAddr

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return errorResponse(req.RequestID, fmt.Sprintf("origin unreachable: %v", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errorResponse(req.RequestID, fmt.Sprintf("reading origin response: %v", err))
	}

	return &protocol.ResponsePayload{
		RequestID:  req.RequestID,
		StatusCode: resp.StatusCode,
		Headers:    protocol.HeadersFromHTTP(resp.Header),
		Body:       body,
	}
}

// errorResponse builds the 502 RESPONSE envelope spec §4.6 and §7
// prescribe for any origin-side failure.
func errorResponse(requestID uint64, reason string) *protocol.ResponsePayload {
	return &protocol.ResponsePayload{
		RequestID:  requestID,
		StatusCode: http.StatusBadGateway,
		Reason:     reason,
		Headers: protocol.Headers{
			{Name: "X-Tunnel-Error", Value: reason},
		},
	}
}

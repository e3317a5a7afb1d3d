// Package tunnelclient implements the client-side durable connection
// manager from spec §4.5: dial, register, heartbeat, dispatch inbound
// requests to the local origin, and reconnect with adaptive backoff.
package tunnelclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/bc183/otun/internal/backoff"
	"github.com/bc183/otun/internal/forwarder"
	"github.com/charmbracelet/log"
)

const (
	// DefaultHeartbeatInterval is how often the client sends HEARTBEAT.
	DefaultHeartbeatInterval = 20 * time.Second

	// DefaultHeartbeatTimeout is how long to wait for a HEARTBEAT_ACK
	// before forcing a disconnect (spec §4.5).
	DefaultHeartbeatTimeout = 60 * time.Second

	// DefaultRegisterTimeout bounds how long to wait for REGISTER_ACK.
	DefaultRegisterTimeout = 10 * time.Second

	// DefaultRequestTimeout bounds the local origin round trip.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultInFlightLimit bounds concurrent in-progress requests
	// (spec §4.5).
	DefaultInFlightLimit = 128

	// shutdownFlushTimeout bounds how long graceful shutdown waits for
	// in-flight responses to flush (spec §4.5).
	shutdownFlushTimeout = 2 * time.Second
)

// Client is the durable tunnel client connection manager.
type Client struct {
	serverAddr string
	localAddr  string
	subdomain  string

	useTLS             bool
	insecureSkipVerify bool

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	registerTimeout   time.Duration
	inFlightLimit     int

	fwd *forwarder.Forwarder

	backoffTracker *backoff.Tracker
	reconnect      bool
	maxRetries     int

	// assignedSubdomain is whatever the server actually granted; used to
	// re-request the same subdomain across reconnects.
	assignedSubdomain string
	tunnelURL         string

	// lastServeDuration is how long the most recent Run spent in the
	// Serving state (registration complete to disconnect), used by
	// RunWithReconnect to decide whether to reset the failure streak
	// (spec §4.7).
	lastServeDuration time.Duration
}

// New creates a tunnel client forwarding to localAddr.
func New(serverAddr, localAddr string) *Client {
	return &Client{
		serverAddr:        serverAddr,
		localAddr:         localAddr,
		useTLS:            true,
		heartbeatInterval: DefaultHeartbeatInterval,
		heartbeatTimeout:  DefaultHeartbeatTimeout,
		registerTimeout:   DefaultRegisterTimeout,
		inFlightLimit:     DefaultInFlightLimit,
		fwd:               forwarder.New(localAddr, DefaultRequestTimeout),
		backoffTracker:    backoff.NewTracker(),
		reconnect:         true,
	}
}

// WithSubdomain requests a specific subdomain.
func (c *Client) WithSubdomain(subdomain string) *Client {
	c.subdomain = subdomain
	return c
}

// WithTLS toggles whether the control connection is wrapped in TLS.
func (c *Client) WithTLS(enabled bool) *Client {
	c.useTLS = enabled
	return c
}

// WithInsecureSkipVerify disables certificate validation (spec §9 open
// question: "this spec defaults to verification-on, with an explicit
// --insecure escape hatch").
func (c *Client) WithInsecureSkipVerify(insecure bool) *Client {
	c.insecureSkipVerify = insecure
	return c
}

// WithReconnect enables or disables automatic reconnection.
func (c *Client) WithReconnect(enabled bool) *Client {
	c.reconnect = enabled
	return c
}

// WithMaxRetries sets the maximum number of reconnection attempts (0 =
// unlimited).
func (c *Client) WithMaxRetries(maxRetries int) *Client {
	c.maxRetries = maxRetries
	return c
}

// WithRequestTimeout sets the per-request origin round trip timeout.
func (c *Client) WithRequestTimeout(d time.Duration) *Client {
	c.fwd = forwarder.New(c.localAddr, d)
	return c
}

// WithInFlightLimit bounds concurrent in-progress requests.
func (c *Client) WithInFlightLimit(n int) *Client {
	if n > 0 {
		c.inFlightLimit = n
	}
	return c
}

// WithHeartbeat overrides the heartbeat interval and timeout.
func (c *Client) WithHeartbeat(interval, timeout time.Duration) *Client {
	if interval > 0 {
		c.heartbeatInterval = interval
	}
	if timeout > 0 {
		c.heartbeatTimeout = timeout
	}
	return c
}

// TunnelURL returns the public URL for the tunnel, once registered.
func (c *Client) TunnelURL() string { return c.tunnelURL }

// Subdomain returns the server-assigned subdomain, once registered.
func (c *Client) Subdomain() string { return c.assignedSubdomain }

// Run connects once, registers, and serves until the connection fails or
// ctx is cancelled. It does not reconnect; see RunWithReconnect.
func (c *Client) Run(ctx context.Context) error {
	c.lastServeDuration = 0

	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("tunnelclient: dial %s: %w", c.serverAddr, err)
	}

	sess := newSession(conn, c)
	defer sess.close()

	if err := sess.register(ctx); err != nil {
		return err
	}
	c.tunnelURL = sess.tunnelURL
	c.assignedSubdomain = sess.subdomain
	log.Info("tunnel ready", "url", sess.tunnelURL)

	servingSince := time.Now()
	err = sess.serve(ctx)
	c.lastServeDuration = time.Since(servingSince)
	return err
}

// recordOutcome feeds the backoff tracker with the result of the Run
// iteration that just ended, clearing the consecutive-failure streak only
// if the session actually spent at least the sustained-serving threshold
// in the Serving state (spec §4.7).
func (c *Client) recordOutcome() {
	if c.tunnelURL != "" {
		c.backoffTracker.RecordSuccess()
		c.backoffTracker.MaybeReset(c.lastServeDuration)
	} else {
		c.backoffTracker.RecordFailure()
	}
}

// RunWithReconnect runs the client with adaptive backoff reconnection
// (spec §4.5, §4.7). On a clean shutdown signaled by ctx cancellation it
// returns ErrShutdown.
func (c *Client) RunWithReconnect(ctx context.Context) error {
	if !c.reconnect {
		return c.Run(ctx)
	}

	for {
		c.tunnelURL = ""
		err := c.Run(ctx)
		c.recordOutcome()

		if err == nil {
			return nil
		}
		if isPermanentError(err) {
			return err
		}

		if c.maxRetries > 0 && c.backoffTracker.Failures() > c.maxRetries {
			log.Error("max reconnection attempts reached")
			return ErrMaxRetriesExceeded
		}

		delay := c.backoffTracker.NextDelay()
		log.Warn("connection lost, reconnecting",
			"error", err,
			"attempt", c.backoffTracker.Failures(),
			"delay", delay,
		)

		select {
		case <-ctx.Done():
			return ErrShutdown
		case <-time.After(delay):
		}
	}
}

// dial establishes the TCP (optionally TLS) transport to the server.
func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", c.serverAddr)
	if err != nil {
		return nil, err
	}

	if !c.useTLS {
		return conn, nil
	}

	host, _, splitErr := net.SplitHostPort(c.serverAddr)
	if splitErr != nil {
		host = c.serverAddr
	}

	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: c.insecureSkipVerify,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return tlsConn, nil
}

// Package server wires together the Tunnel Registry, Control Session
// acceptor, and Public HTTP Front-End into the running otun server (spec
// §2, §4.3, §4.4).
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bc183/otun/internal/controlsession"
	"github.com/bc183/otun/internal/frontend"
	"github.com/bc183/otun/internal/registry"
)

// DefaultHeartbeatTimeout is how long a registered control session may go
// without receiving any frame before the server gives up on it (spec §4.3).
const DefaultHeartbeatTimeout = 60 * time.Second

// Config configures a Server. Zero values fall back to spec §6 defaults.
type Config struct {
	Host        string // default "0.0.0.0"
	ControlPort string // default "8000"
	HTTPPort    string // default "80"
	Domain      string // apex zone; empty runs HTTP-only/local mode

	UseSSL   bool
	CertFile string
	KeyFile  string

	HeartbeatTimeout time.Duration
	RequestTimeout   time.Duration
	MaxBodyBytes     int64
	RedactAddresses  bool
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.ControlPort == "" {
		c.ControlPort = "8000"
	}
	if c.HTTPPort == "" {
		c.HTTPPort = "80"
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = frontend.DefaultRequestTimeout
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = frontend.DefaultMaxBodyBytes
	}
	return c
}

// Server is the otun tunnel server: a control listener accepting tunnel
// clients, a public HTTP listener fronting tunneled traffic, and a
// shared Registry connecting the two.
type Server struct {
	cfg Config
	reg *registry.Registry

	controlListener net.Listener
	httpServer      *http.Server
}

// New constructs a Server. It does not bind any sockets until Run.
func New(cfg Config) *Server {
	return &Server{
		cfg: cfg.withDefaults(),
		reg: registry.New(),
	}
}

// Registry exposes the server's tunnel registry, mainly for tests.
func (s *Server) Registry() *registry.Registry { return s.reg }

// Run binds the control and public HTTP listeners and blocks until one
// fails or is shut down. Bind and TLS-material load failures are the
// only errors treated as fatal at startup (spec §7).
func (s *Server) Run() error {
	controlAddr := net.JoinHostPort(s.cfg.Host, s.cfg.ControlPort)

	listener, err := net.Listen("tcp", controlAddr)
	if err != nil {
		return fmt.Errorf("server: listen control port %s: %w", controlAddr, err)
	}

	if s.cfg.UseSSL {
		cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
		if err != nil {
			listener.Close()
			return fmt.Errorf("server: load TLS material: %w", err)
		}
		listener = tls.NewListener(listener, &tls.Config{Certificates: []tls.Certificate{cert}})
	}
	s.controlListener = listener

	slog.Info("control listener started", "addr", controlAddr, "tls", s.cfg.UseSSL)
	go s.acceptControlConns()

	httpAddr := net.JoinHostPort(s.cfg.Host, s.cfg.HTTPPort)
	s.httpServer = &http.Server{
		Addr: httpAddr,
		Handler: frontend.New(s.reg, frontend.Config{
			Zone:            s.cfg.Domain,
			MaxBodyBytes:    s.cfg.MaxBodyBytes,
			RequestTimeout:  s.cfg.RequestTimeout,
			RedactAddresses: s.cfg.RedactAddresses,
		}),
	}

	slog.Info("public http listener started", "addr", httpAddr, "domain", s.cfg.Domain)
	err = s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops both listeners and waits for in-flight HTTP requests to
// drain.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.controlListener != nil {
		s.controlListener.Close()
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// acceptControlConns accepts tunnel client connections and spawns one
// Control Session per connection (spec §4.3).
func (s *Server) acceptControlConns() {
	for {
		conn, err := s.controlListener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Error("accept control connection", "error", err)
			continue
		}

		slog.Info("tunnel client connected", "remote_addr", conn.RemoteAddr())
		go s.handleControlConn(conn)
	}
}

func (s *Server) handleControlConn(conn net.Conn) {
	sess := controlsession.New(conn, s.reg, s.cfg.HeartbeatTimeout, s.tunnelURL)
	if err := sess.Serve(context.Background()); err != nil {
		slog.Info("control session ended", "error", err)
	}
}

// tunnelURL builds the public URL announced to a client in REGISTER_ACK
// (spec §4.3 step 4).
func (s *Server) tunnelURL(subdomain string) string {
	if s.cfg.Domain != "" {
		scheme := "http"
		if s.cfg.UseSSL {
			scheme = "https"
		}
		return fmt.Sprintf("%s://%s.%s", scheme, subdomain, s.cfg.Domain)
	}
	return fmt.Sprintf("http://%s.localhost%s", subdomain, httpPortSuffix(s.cfg.HTTPPort))
}

func httpPortSuffix(port string) string {
	if port == "" || port == "80" {
		return ""
	}
	return ":" + port
}

package tunnelclient

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bc183/otun/internal/protocol"
	"github.com/charmbracelet/log"
)

// session is one connection attempt's worth of state: the registered
// subdomain, the heartbeat clock, and the bounded worker pool dispatching
// inbound REQUEST frames to the local origin (spec §4.5, §9).
type session struct {
	conn  net.Conn
	codec *protocol.Codec
	c     *Client

	subdomain string
	tunnelURL string

	nonce     atomic.Uint64
	lastAckAt atomic.Int64 // unix nanos

	sem chan struct{}
	wg  sync.WaitGroup

	closeOnce sync.Once
}

func newSession(conn net.Conn, c *Client) *session {
	return &session{
		conn:  conn,
		codec: protocol.NewCodec(conn),
		c:     c,
		sem:   make(chan struct{}, c.inFlightLimit),
	}
}

// register sends REGISTER and waits for REGISTER_ACK, per spec §4.5's
// Registering state.
func (s *session) register(ctx context.Context) error {
	subdomain := s.c.subdomain
	if s.c.assignedSubdomain != "" {
		subdomain = s.c.assignedSubdomain
	}
	if err := s.codec.SendRegister(subdomain); err != nil {
		return fmt.Errorf("tunnelclient: send register: %w", err)
	}

	type result struct {
		msg any
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := s.codec.ReadMessage()
		ch <- result{msg, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("tunnelclient: read register response: %w", r.err)
		}
		switch m := r.msg.(type) {
		case *protocol.RegisterAckPayload:
			s.subdomain = m.Subdomain
			s.tunnelURL = m.URL
			return nil
		case *protocol.RegisterNackPayload:
			switch m.Reason {
			case "version":
				return ErrVersionMismatch
			case "conflict":
				log.Warn("subdomain already in use, will retry", "subdomain", subdomain)
				return ErrSubdomainConflict
			default:
				return fmt.Errorf("tunnelclient: registration rejected: %s", m.Reason)
			}
		default:
			return fmt.Errorf("tunnelclient: unexpected frame during registration: %T", r.msg)
		}
	case <-time.After(s.c.registerTimeout):
		return fmt.Errorf("tunnelclient: timed out waiting for REGISTER_ACK")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// serve runs the reader and heartbeat-emitter tasks until one fails or
// ctx is cancelled for a graceful shutdown (spec §4.5, §9).
func (s *session) serve(ctx context.Context) error {
	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()

	s.lastAckAt.Store(time.Now().UnixNano())

	hbErr := make(chan error, 1)
	go func() { hbErr <- s.runHeartbeat(heartbeatCtx) }()

	readErr := make(chan error, 1)
	go func() { readErr <- s.readLoop(ctx) }()

	select {
	case err := <-hbErr:
		s.codec.Close() // unblock the reader
		<-readErr
		return err
	case err := <-readErr:
		cancelHeartbeat()
		<-hbErr
		return err
	case <-ctx.Done():
		s.gracefulShutdown()
		<-readErr
		<-hbErr
		return ErrShutdown
	}
}

// runHeartbeat sends HEARTBEAT at heartbeatInterval and forces a
// disconnect if no HEARTBEAT_ACK has been observed within
// heartbeatTimeout (spec §4.5).
func (s *session) runHeartbeat(ctx context.Context) error {
	ticker := time.NewTicker(s.c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			nonce := s.nonce.Add(1)
			if err := s.codec.SendHeartbeat(nonce, time.Now()); err != nil {
				return fmt.Errorf("tunnelclient: send heartbeat: %w", err)
			}
			last := time.Unix(0, s.lastAckAt.Load())
			if time.Since(last) > s.c.heartbeatTimeout {
				return fmt.Errorf("tunnelclient: no heartbeat ack for %s", s.c.heartbeatTimeout)
			}
		}
	}
}

// readLoop services inbound frames: HEARTBEAT_ACK refreshes the liveness
// clock, REQUEST is dispatched to the local origin (spec §4.6).
func (s *session) readLoop(ctx context.Context) error {
	for {
		msg, err := s.codec.ReadMessage()
		if err != nil {
			return fmt.Errorf("tunnelclient: session closed: %w", err)
		}

		switch m := msg.(type) {
		case *protocol.HeartbeatAckPayload:
			s.lastAckAt.Store(time.Now().UnixNano())

		case *protocol.RequestPayload:
			s.handleRequest(ctx, m)

		case *protocol.ClosePayload:
			log.Info("server requested close", "reason", m.Reason)
			return ErrShutdown

		case *protocol.ErrorPayload:
			log.Warn("server reported error", "message", m.Message)

		default:
			log.Debug("unexpected frame", "type", fmt.Sprintf("%T", msg))
		}
	}
}

// handleRequest dispatches req to the local origin, bounded by the
// client's in-flight limit; requests beyond the limit get an immediate
// overloaded response (spec §4.5).
func (s *session) handleRequest(ctx context.Context, req *protocol.RequestPayload) {
	select {
	case s.sem <- struct{}{}:
	default:
		log.Warn("in-flight limit reached, rejecting request", "request_id", req.RequestID)
		s.sendResponse(overloadedResponse(req.RequestID))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.sem }()

		log.Info("request", "method", req.Method, "path", req.Path)
		resp := s.c.fwd.Forward(ctx, req)
		s.sendResponse(resp)
	}()
}

func (s *session) sendResponse(resp *protocol.ResponsePayload) {
	if err := s.codec.SendResponse(resp); err != nil {
		log.Debug("failed to send response", "request_id", resp.RequestID, "error", err)
	}
}

func overloadedResponse(requestID uint64) *protocol.ResponsePayload {
	return &protocol.ResponsePayload{
		RequestID:  requestID,
		StatusCode: 502,
		Reason:     "client-overloaded",
		Headers:    protocol.Headers{{Name: "X-Tunnel-Error", Value: "client-overloaded"}},
	}
}

// gracefulShutdown announces CLOSE and waits up to shutdownFlushTimeout
// for in-flight responses to finish before the caller tears the
// connection down (spec §4.5).
func (s *session) gracefulShutdown() {
	s.codec.SendClose("client shutting down")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownFlushTimeout):
	}
	s.codec.Close()
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.codec.Close()
	})
}

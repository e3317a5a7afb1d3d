// Package controlsession implements the server-side per-client state
// machine described in spec §4.3: handshake, registration, request
// dispatch, response demultiplexing, heartbeat-timeout enforcement, and
// orderly draining.
package controlsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bc183/otun/internal/protocol"
	"github.com/bc183/otun/internal/registry"
	"github.com/google/uuid"
)

// State is the control session's lifecycle stage (spec §3).
type State int32

const (
	StateAwaitingRegistration State = iota
	StateRegistered
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingRegistration:
		return "awaiting-registration"
	case StateRegistered:
		return "registered"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Errors returned by Dispatch and Serve.
var (
	ErrSessionClosed     = errors.New("controlsession: session closed")
	ErrInvalidSubdomain  = errors.New("controlsession: invalid subdomain")
	ErrVersionMismatch   = errors.New("controlsession: protocol version mismatch")
	ErrNotFirstFrame     = errors.New("controlsession: first frame was not REGISTER")
	ErrHeartbeatTimeout  = errors.New("controlsession: heartbeat timeout")
)

var subdomainPattern = regexp.MustCompile(`^[a-z0-9](-?[a-z0-9])*$`)

// ValidSubdomain reports whether subdomain satisfies spec §4.3's shape
// rule: non-empty, lowercase, DNS-label-like, at most 63 characters.
func ValidSubdomain(subdomain string) bool {
	if subdomain == "" || len(subdomain) > 63 {
		return false
	}
	return subdomainPattern.MatchString(subdomain)
}

// pendingSlot is the one-shot synchronization primitive described in
// spec §9: a signal plus a single-writer buffer, resolved exactly once by
// whichever of response/timeout/session-close happens first.
type pendingSlot struct {
	done chan struct{}
	once sync.Once
	resp *protocol.ResponsePayload
	err  error
}

func newPendingSlot() *pendingSlot {
	return &pendingSlot{done: make(chan struct{})}
}

func (p *pendingSlot) resolve(resp *protocol.ResponsePayload, err error) {
	p.once.Do(func() {
		p.resp, p.err = resp, err
		close(p.done)
	})
}

// Session is one server-side control session for a connected client.
type Session struct {
	conn  net.Conn
	codec *protocol.Codec
	reg   *registry.Registry
	urlFor func(subdomain string) string

	heartbeatTimeout time.Duration

	clientID  string
	subdomain string

	state atomic.Int32

	nextRequestID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]*pendingSlot

	lastHeartbeat atomic.Int64 // unix nanos

	bytesIn      atomic.Uint64
	bytesOut     atomic.Uint64
	requestCount atomic.Uint64
	errorCount   atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
}

// New constructs a Session awaiting its REGISTER frame. urlFor builds the
// public URL announced in REGISTER_ACK for a given subdomain.
func New(conn net.Conn, reg *registry.Registry, heartbeatTimeout time.Duration, urlFor func(string) string) *Session {
	return &Session{
		conn:             conn,
		codec:            protocol.NewCodec(conn),
		reg:              reg,
		urlFor:           urlFor,
		heartbeatTimeout: heartbeatTimeout,
		pending:          make(map[uint64]*pendingSlot),
		closed:           make(chan struct{}),
	}
}

// ClientID returns the server-assigned opaque client identifier. Empty
// until registration completes.
func (s *Session) ClientID() string { return s.clientID }

// RemoteAddr returns the peer address of the underlying control
// connection.
func (s *Session) RemoteAddr() string { return s.conn.RemoteAddr().String() }

// Subdomain returns the registered subdomain. Empty until registration
// completes.
func (s *Session) Subdomain() string { return s.subdomain }

// State returns the session's current lifecycle stage.
func (s *Session) State() State { return State(s.state.Load()) }

// Counters returns a snapshot of this session's traffic counters.
func (s *Session) Counters() registry.Counters {
	return registry.Counters{
		BytesIn:      s.bytesIn.Load(),
		BytesOut:     s.bytesOut.Load(),
		RequestCount: s.requestCount.Load(),
		ErrorCount:   s.errorCount.Load(),
	}
}

// Serve runs the handshake and then the session's read loop until the
// connection fails, the client sends CLOSE, or the heartbeat watchdog
// fires. If the handshake fails it closes the connection and returns
// without registering; otherwise it returns only after the session has
// transitioned to Closed and been removed from the registry.
func (s *Session) Serve(ctx context.Context) error {
	if err := s.handshake(); err != nil {
		s.codec.Close()
		return err
	}
	defer s.Close("session-ended")

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go s.watchHeartbeat(watchCtx)

	for {
		msg, err := s.codec.ReadMessage()
		if err != nil {
			return fmt.Errorf("controlsession: read loop: %w", err)
		}

		// Spec §4.3: the heartbeat timeout is keyed on "no frame is
		// received", not specifically on HEARTBEAT frames, so any
		// successfully read frame resets the watchdog clock.
		s.lastHeartbeat.Store(time.Now().UnixNano())

		switch m := msg.(type) {
		case *protocol.HeartbeatPayload:
			s.reg.TouchHeartbeat(s.subdomain, s)
			if err := s.codec.SendHeartbeatAck(m.Nonce, time.Now()); err != nil {
				return fmt.Errorf("controlsession: send heartbeat ack: %w", err)
			}

		case *protocol.ResponsePayload:
			s.deliverResponse(m)

		case *protocol.ClosePayload:
			s.state.Store(int32(StateDraining))
			slog.Info("client requested close", "subdomain", s.subdomain, "reason", m.Reason)
			return nil

		case *protocol.ErrorPayload:
			s.errorCount.Add(1)
			if m.Fatal {
				return fmt.Errorf("controlsession: fatal client error: %s", m.Message)
			}
			slog.Warn("client reported error", "subdomain", s.subdomain, "message", m.Message)

		default:
			slog.Warn("unexpected frame in registered state", "subdomain", s.subdomain, "type", fmt.Sprintf("%T", msg))
		}
	}
}

// handshake consumes the first frame, which must be REGISTER, and
// attempts to claim the requested (or generated) subdomain.
func (s *Session) handshake() error {
	msg, err := s.codec.ReadMessage()
	if err != nil {
		return fmt.Errorf("controlsession: read register frame: %w", err)
	}

	reg, ok := msg.(*protocol.RegisterPayload)
	if !ok {
		s.codec.SendError("expected REGISTER as first frame", true)
		return ErrNotFirstFrame
	}

	if reg.ProtocolVersion != protocol.ProtocolVersion {
		s.codec.SendRegisterNack("version")
		return ErrVersionMismatch
	}

	subdomain := strings.ToLower(strings.TrimSpace(reg.Subdomain))
	if subdomain == "" {
		subdomain = generateSubdomain()
	}
	if !ValidSubdomain(subdomain) {
		s.codec.SendRegisterNack("invalid-subdomain")
		return ErrInvalidSubdomain
	}

	s.clientID = uuid.NewString()

	if err := s.reg.Register(subdomain, s); err != nil {
		s.codec.SendRegisterNack("conflict")
		return fmt.Errorf("controlsession: register %q: %w", subdomain, err)
	}

	s.subdomain = subdomain
	s.lastHeartbeat.Store(time.Now().UnixNano())
	s.state.Store(int32(StateRegistered))

	if err := s.codec.SendRegisterAck(s.clientID, subdomain, s.urlFor(subdomain), time.Now()); err != nil {
		s.reg.Unregister(subdomain, s)
		return fmt.Errorf("controlsession: send register ack: %w", err)
	}

	slog.Info("tunnel registered", "subdomain", subdomain, "client_id", s.clientID, "remote_addr", s.conn.RemoteAddr())
	return nil
}

// watchHeartbeat closes the session if no frame has refreshed
// lastHeartbeat within heartbeatTimeout (spec §4.3).
func (s *Session) watchHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeatTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case <-ticker.C:
			last := time.Unix(0, s.lastHeartbeat.Load())
			if time.Since(last) > s.heartbeatTimeout {
				slog.Warn("heartbeat timeout", "subdomain", s.subdomain)
				s.Close("heartbeat-timeout")
				return
			}
		}
	}
}

// Dispatch submits a REQUEST to the client and blocks until a matching
// RESPONSE arrives, ctx is cancelled (front-end per-request timeout), or
// the session closes. The returned error, when non-nil, is
// ErrSessionClosed, ctx.Err(), or a wrapped write error if the REQUEST
// frame could not be sent.
func (s *Session) Dispatch(ctx context.Context, req *protocol.RequestPayload) (*protocol.ResponsePayload, error) {
	if s.State() != StateRegistered {
		return nil, ErrSessionClosed
	}

	id := s.nextRequestID.Add(1)
	req.RequestID = id

	slot := newPendingSlot()
	s.mu.Lock()
	s.pending[id] = slot
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	s.requestCount.Add(1)
	s.bytesOut.Add(uint64(len(req.Body)))

	if err := s.codec.SendRequest(req); err != nil {
		s.errorCount.Add(1)
		return nil, fmt.Errorf("controlsession: send request: %w", err)
	}

	select {
	case <-slot.done:
		if slot.err != nil {
			return nil, slot.err
		}
		s.bytesIn.Add(uint64(len(slot.resp.Body)))
		return slot.resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, ErrSessionClosed
	}
}

// deliverResponse routes an incoming RESPONSE frame to its pending slot,
// silently dropping it if the slot has already been resolved or removed
// (a late response after timeout or close; spec §5).
func (s *Session) deliverResponse(resp *protocol.ResponsePayload) {
	s.mu.Lock()
	slot, ok := s.pending[resp.RequestID]
	if ok {
		delete(s.pending, resp.RequestID)
	}
	s.mu.Unlock()

	if !ok {
		slog.Debug("dropping response for unknown or already-resolved request", "request_id", resp.RequestID, "subdomain", s.subdomain)
		return
	}
	slot.resolve(resp, nil)
}

// Close transitions the session to Closed, removes it from the registry,
// resolves every outstanding pending request with ErrSessionClosed, and
// closes the underlying connection. Safe to call multiple times and from
// multiple goroutines.
func (s *Session) Close(reason string) error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		if s.subdomain != "" {
			s.reg.Unregister(s.subdomain, s)
		}
		close(s.closed)

		s.mu.Lock()
		pending := s.pending
		s.pending = make(map[uint64]*pendingSlot)
		s.mu.Unlock()

		for _, slot := range pending {
			slot.resolve(nil, ErrSessionClosed)
		}

		slog.Info("control session closed", "subdomain", s.subdomain, "reason", reason)
		closeErr = s.codec.Close()
	})
	return closeErr
}

func generateSubdomain() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Package registry implements the process-wide table mapping subdomain to
// live control session (spec §4.2). A Registry is an explicitly
// constructed value owned by the server bootstrap and shared between the
// control listener and the public HTTP front-end, rather than a package
// level singleton (spec §9 Design Notes).
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bc183/otun/internal/protocol"
)

// Session is the subset of a control session the registry and front-end
// need: enough to dispatch a request and report status. internal/
// controlsession.Session implements it.
type Session interface {
	ClientID() string
	RemoteAddr() string
	Counters() Counters
	Dispatch(ctx context.Context, req *protocol.RequestPayload) (*protocol.ResponsePayload, error)
}

// Counters are the coarse, non-sensitive traffic counters exposed by the
// status page (spec §4.8).
type Counters struct {
	BytesIn      uint64
	BytesOut     uint64
	RequestCount uint64
	ErrorCount   uint64
}

// entry is the registry's internal bookkeeping for one subdomain.
type entry struct {
	subdomain       string
	session         Session
	registeredAt    time.Time
	lastHeartbeatAt time.Time
}

// Snapshot is a point-in-time, read-only view of one registered tunnel,
// safe to hand to the status page without exposing the live session.
type Snapshot struct {
	Subdomain       string
	ClientID        string
	RemoteAddr      string
	RegisteredAt    time.Time
	LastHeartbeatAt time.Time
	Counters        Counters
}

// ConflictError is returned by Register when the subdomain is already
// claimed by a different, still-live session.
type ConflictError struct {
	Subdomain string
	Age       time.Duration
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("subdomain %q already registered (age %s)", e.Subdomain, e.Age.Round(time.Second))
}

// Registry maps subdomain to the owning control session. All operations
// are serialized by a single mutex and complete without I/O, per spec
// §4.2 and §5.
type Registry struct {
	mu      sync.RWMutex
	tunnels map[string]*entry
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{tunnels: make(map[string]*entry)}
}

// Register atomically inserts session under subdomain iff no live session
// currently holds it. On conflict it returns the existing registration's
// age without exposing the occupying session.
func (r *Registry) Register(subdomain string, session Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tunnels[subdomain]; ok {
		return &ConflictError{Subdomain: subdomain, Age: time.Since(existing.registeredAt)}
	}

	now := time.Now()
	r.tunnels[subdomain] = &entry{
		subdomain:       subdomain,
		session:         session,
		registeredAt:    now,
		lastHeartbeatAt: now,
	}
	return nil
}

// Lookup returns the live session registered for subdomain, if any.
func (r *Registry) Lookup(subdomain string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.tunnels[subdomain]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// TouchHeartbeat records that subdomain's session is alive as of now.
// No-op if the current occupant isn't session.
func (r *Registry) TouchHeartbeat(subdomain string, session Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.tunnels[subdomain]; ok && e.session == session {
		e.lastHeartbeatAt = time.Now()
	}
}

// Unregister removes subdomain's entry, but only if session is still the
// current occupant. This prevents a stale, already-replaced session from
// evicting its successor (spec §4.2).
func (r *Registry) Unregister(subdomain string, session Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.tunnels[subdomain]; ok && e.session == session {
		delete(r.tunnels, subdomain)
	}
}

// Snapshot returns a point-in-time view of every registered tunnel, for
// the status page (spec §4.8).
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.tunnels))
	for _, e := range r.tunnels {
		out = append(out, Snapshot{
			Subdomain:       e.subdomain,
			ClientID:        e.session.ClientID(),
			RemoteAddr:      e.session.RemoteAddr(),
			RegisteredAt:    e.registeredAt,
			LastHeartbeatAt: e.lastHeartbeatAt,
			Counters:        e.session.Counters(),
		})
	}
	return out
}

// Len reports the number of currently registered tunnels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tunnels)
}

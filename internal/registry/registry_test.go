package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/bc183/otun/internal/protocol"
)

type fakeSession struct {
	id string
}

func (f *fakeSession) ClientID() string   { return f.id }
func (f *fakeSession) RemoteAddr() string { return "127.0.0.1:0" }
func (f *fakeSession) Counters() Counters { return Counters{} }
func (f *fakeSession) Dispatch(ctx context.Context, req *protocol.RequestPayload) (*protocol.ResponsePayload, error) {
	return &protocol.ResponsePayload{RequestID: req.RequestID, StatusCode: 200}, nil
}

func TestRegisterLookupUnregister(t *testing.T) {
	r := New()
	s := &fakeSession{id: "c1"}

	if err := r.Register("alice", s); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, ok := r.Lookup("alice")
	if !ok || got != s {
		t.Fatalf("Lookup = %v, %v, want %v, true", got, ok, s)
	}

	r.Unregister("alice", s)
	if _, ok := r.Lookup("alice"); ok {
		t.Fatal("expected alice to be unregistered")
	}
}

func TestRegisterConflict(t *testing.T) {
	r := New()
	first := &fakeSession{id: "c1"}
	second := &fakeSession{id: "c2"}

	if err := r.Register("bob", first); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	err := r.Register("bob", second)
	if err == nil {
		t.Fatal("expected conflict error")
	}
	var conflict *ConflictError
	if !asConflict(err, &conflict) {
		t.Fatalf("expected *ConflictError, got %T", err)
	}

	// The original occupant must remain looked-up, not the rejected one.
	got, ok := r.Lookup("bob")
	if !ok || got != first {
		t.Fatalf("Lookup after conflict = %v, %v, want %v, true", got, ok, first)
	}
}

func asConflict(err error, target **ConflictError) bool {
	c, ok := err.(*ConflictError)
	if ok {
		*target = c
	}
	return ok
}

// UnregisterNoOpOnStaleOccupant verifies that unregistering with a session
// that is no longer the current occupant (e.g. a slow goroutine racing a
// reconnect) does not evict the successor.
func TestUnregisterNoOpOnStaleOccupant(t *testing.T) {
	r := New()
	original := &fakeSession{id: "c1"}
	successor := &fakeSession{id: "c2"}

	if err := r.Register("carol", original); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r.Unregister("carol", original)
	if err := r.Register("carol", successor); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	// A stale Unregister for the original session must not evict successor.
	r.Unregister("carol", original)

	got, ok := r.Lookup("carol")
	if !ok || got != successor {
		t.Fatalf("Lookup = %v, %v, want %v, true", got, ok, successor)
	}
}

func TestConcurrentRegisterUnregister(t *testing.T) {
	r := New()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := &fakeSession{id: "c"}
			if err := r.Register("shared", s); err == nil {
				r.Unregister("shared", s)
			}
		}(i)
	}
	wg.Wait()

	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after all goroutines unregistered", r.Len())
	}
}

func TestSnapshot(t *testing.T) {
	r := New()
	if err := r.Register("dave", &fakeSession{id: "c9"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	snaps := r.Snapshot()
	if len(snaps) != 1 {
		t.Fatalf("Snapshot() len = %d, want 1", len(snaps))
	}
	if snaps[0].Subdomain != "dave" || snaps[0].ClientID != "c9" {
		t.Errorf("Snapshot()[0] = %+v", snaps[0])
	}
}

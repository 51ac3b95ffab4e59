package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/voxmatch/internal/proto"
)

type fakeHandle struct {
	id string

	mu        sync.Mutex
	closed    bool
	closeCode int
	sent      []any
}

func newFake(id string) *fakeHandle { return &fakeHandle{id: id} }

func (f *fakeHandle) ID() string { return f.id }

func (f *fakeHandle) Send(v any) error {
	f.mu.Lock()
	f.sent = append(f.sent, v)
	f.mu.Unlock()
	return nil
}

func (f *fakeHandle) Close(code int, reason string) error {
	f.mu.Lock()
	f.closed = true
	f.closeCode = code
	f.mu.Unlock()
	return nil
}

func (f *fakeHandle) isClosed() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode
}

func TestRegisterTwiceEvictsFirstHandle(t *testing.T) {
	r := New(clock.NewMock())
	first, second := newFake("h1"), newFake("h2")

	r.Register(7, KindSignaling, first)
	r.Register(7, KindSignaling, second)

	closed, code := first.isClosed()
	if !closed {
		t.Fatal("first handle should be closed")
	}
	if code != proto.CloseReplaced {
		t.Fatalf("close code = %d, want %d", code, proto.CloseReplaced)
	}
	if c, _ := second.isClosed(); c {
		t.Fatal("second handle must stay open")
	}
	if n := r.Len(); n != 1 {
		t.Fatalf("Len = %d, want 1", n)
	}
	h, ok := r.Resolve(7, KindSignaling)
	if !ok || h.ID() != "h2" {
		t.Fatalf("Resolve = %v %v, want h2", h, ok)
	}
}

func TestRegisterSameHandleIsNoop(t *testing.T) {
	r := New(clock.NewMock())
	h := newFake("h1")
	r.Register(1, KindStatus, h)
	r.Register(1, KindStatus, h)
	if c, _ := h.isClosed(); c {
		t.Fatal("re-registering the same handle must not close it")
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
}

func TestChannelKindsAreIndependent(t *testing.T) {
	r := New(clock.NewMock())
	r.Register(1, KindStatus, newFake("s"))
	r.Register(1, KindSignaling, newFake("g"))
	r.Register(1, KindDiagnostic, newFake("d"))

	if r.Len() != 3 {
		t.Fatalf("Len = %d, want 3", r.Len())
	}
	if r.Count(KindSignaling) != 1 {
		t.Fatalf("Count(signaling) = %d", r.Count(KindSignaling))
	}
	r.Unregister(1, KindStatus)
	if _, ok := r.Resolve(1, KindSignaling); !ok {
		t.Fatal("unregistering status must not touch signaling")
	}
}

func TestUnregisterIdempotent(t *testing.T) {
	r := New(clock.NewMock())
	var events []EventType
	r.Subscribe(func(e Event) { events = append(events, e.Type) })

	r.Register(3, KindSignaling, newFake("h"))
	r.Unregister(3, KindSignaling)
	r.Unregister(3, KindSignaling)

	if r.Len() != 0 {
		t.Fatalf("Len = %d, want 0", r.Len())
	}
	want := []EventType{Connected, Disconnected}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}

func TestReleaseIgnoresStaleHandle(t *testing.T) {
	r := New(clock.NewMock())
	old, fresh := newFake("old"), newFake("fresh")

	r.Register(7, KindSignaling, old)
	r.Register(7, KindSignaling, fresh)

	// The old socket's close event arrives after the replacement.
	if r.Release(7, KindSignaling, old) {
		t.Fatal("stale handle must not release the fresh entry")
	}
	h, ok := r.Resolve(7, KindSignaling)
	if !ok || h.ID() != "fresh" {
		t.Fatalf("fresh registration lost: %v %v", h, ok)
	}

	if !r.Release(7, KindSignaling, fresh) {
		t.Fatal("current handle should release")
	}
	if r.Release(7, KindSignaling, fresh) {
		t.Fatal("second release should be a no-op")
	}
}

func TestSweepEvictsStaleEntries(t *testing.T) {
	mock := clock.NewMock()
	r := New(mock)
	idle, live := newFake("idle"), newFake("live")

	r.Register(1, KindSignaling, idle)
	r.Register(2, KindSignaling, live)

	mock.Add(40 * time.Second)
	r.Touch(2, KindSignaling)
	mock.Add(30 * time.Second)

	evicted := r.Sweep(60 * time.Second)
	if len(evicted) != 1 || evicted[0].UserID != 1 {
		t.Fatalf("evicted = %+v, want user 1 only", evicted)
	}
	if closed, code := idle.isClosed(); !closed || code != proto.CloseStale {
		t.Fatalf("idle handle closed=%v code=%d", closed, code)
	}
	if _, ok := r.Resolve(2, KindSignaling); !ok {
		t.Fatal("touched entry should survive the sweep")
	}
}

func TestSnapshotOrdering(t *testing.T) {
	r := New(clock.NewMock())
	r.Register(9, KindStatus, newFake("a"))
	r.Register(2, KindSignaling, newFake("b"))
	r.Register(2, KindDiagnostic, newFake("c"))

	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("len = %d", len(snap))
	}
	if snap[0].UserID != 2 || snap[0].Kind != KindDiagnostic || snap[2].UserID != 9 {
		t.Fatalf("unexpected order: %+v", snap)
	}
}

func TestCloseAll(t *testing.T) {
	r := New(clock.NewMock())
	a, b := newFake("a"), newFake("b")
	r.Register(1, KindSignaling, a)
	r.Register(2, KindStatus, b)

	r.CloseAll(proto.CloseGoingAway, "shutdown")
	if r.Len() != 0 {
		t.Fatalf("Len = %d after CloseAll", r.Len())
	}
	for _, h := range []*fakeHandle{a, b} {
		if closed, code := h.isClosed(); !closed || code != proto.CloseGoingAway {
			t.Fatalf("%s closed=%v code=%d", h.id, closed, code)
		}
	}
}

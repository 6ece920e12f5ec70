package circuit

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeConn struct {
	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newFakeConn() *fakeConn { return &fakeConn{done: make(chan struct{})} }

func (c *fakeConn) Send(data []byte) error { return nil }
func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}
func (c *fakeConn) Done() <-chan struct{} { return c.done }
func (c *fakeConn) RemoteAddr() string    { return "fake" }

func key(b byte) []byte {
	k := make([]byte, 32)
	for i := range k {
		k[i] = b
	}
	return k
}

func TestRegisterCapacity(t *testing.T) {
	r := NewRegistry(2, time.Minute)
	in := newFakeConn()
	if !r.Register(1, key(1), key(2), in) || !r.Register(2, key(1), key(2), in) {
		t.Fatalf("expected register under capacity")
	}
	if r.Register(3, key(1), key(2), in) {
		t.Fatalf("expected register rejected at capacity")
	}
	if r.Has(3) || r.Len() != 2 {
		t.Fatalf("expected no mutation on rejected register")
	}
	if r.Register(1, key(1), key(2), in) {
		t.Fatalf("expected duplicate id rejected")
	}
}

func TestDestroyZeroesAndCascades(t *testing.T) {
	r := NewRegistry(0, 0)
	in := newFakeConn()
	out := newFakeConn()
	rx1, tx1 := key(7), key(8)
	r.Register(1, rx1, tx1, in)
	r.Register(2, key(3), key(4), in)
	r.SetOutbound(1, "ws://next", out)
	if !r.Pair(1, 2) {
		t.Fatalf("pair failed")
	}
	done2, _ := r.DoneChan(2)
	var gone []uint32
	r.OnDestroy(func(id uint32) { gone = append(gone, id) })

	if !r.Destroy(1) {
		t.Fatalf("destroy failed")
	}
	if r.Has(1) || r.Has(2) {
		t.Fatalf("expected partner destroyed too")
	}
	for _, b := range append(rx1, tx1...) {
		if b != 0 {
			t.Fatalf("expected keys zeroed")
		}
	}
	if !out.closed {
		t.Fatalf("expected outbound closed")
	}
	select {
	case <-done2:
	default:
		t.Fatalf("expected partner done closed")
	}
	if len(gone) != 2 {
		t.Fatalf("expected 2 destroy hooks, got %d", len(gone))
	}
	if r.Destroy(1) {
		t.Fatalf("expected second destroy to be a no-op")
	}
}

func TestSharedOutboundStaysOpen(t *testing.T) {
	r := NewRegistry(0, 0)
	in := newFakeConn()
	out := newFakeConn()
	r.Register(1, key(1), key(1), in)
	r.Register(2, key(1), key(1), in)
	r.SetOutbound(1, "ws://next", out)
	r.SetOutbound(2, "ws://next", out)
	r.Destroy(1)
	if out.closed {
		t.Fatalf("expected pooled link kept for remaining circuit")
	}
	r.Destroy(2)
	if !out.closed {
		t.Fatalf("expected link closed with last circuit")
	}
}

func TestSweepExpiresIdle(t *testing.T) {
	r := NewRegistry(0, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	r.now = func() time.Time { return now }
	in := newFakeConn()
	r.Register(1, key(1), key(1), in)
	r.Register(2, key(1), key(1), in)
	now = now.Add(45 * time.Second)
	r.Get(2)
	now = now.Add(30 * time.Second)
	if n := r.Sweep(); n != 1 {
		t.Fatalf("expected 1 swept, got %d", n)
	}
	if r.Has(1) || !r.Has(2) {
		t.Fatalf("expected only idle circuit removed")
	}
}

func TestDestroyByInbound(t *testing.T) {
	r := NewRegistry(0, 0)
	a, b := newFakeConn(), newFakeConn()
	r.Register(1, key(1), key(1), a)
	r.Register(2, key(1), key(1), a)
	r.Register(3, key(1), key(1), b)
	if n := r.DestroyByInbound(a); n != 2 {
		t.Fatalf("expected 2 destroyed, got %d", n)
	}
	if !r.Has(3) {
		t.Fatalf("expected unrelated circuit kept")
	}
}

func TestMarkExtendedOnce(t *testing.T) {
	r := NewRegistry(0, 0)
	r.Register(1, key(1), key(1), newFakeConn())
	r.SetOutbound(1, "ws://x", newFakeConn())
	first, ok := r.MarkExtended(1)
	if !ok || !first {
		t.Fatalf("expected first mark")
	}
	first, _ = r.MarkExtended(1)
	if first {
		t.Fatalf("expected later marks to report false")
	}
}

func TestRendezvousPairsOnce(t *testing.T) {
	reg := NewRegistry(0, 0)
	in := newFakeConn()
	reg.Register(1, key(1), key(1), in)
	reg.Register(2, key(2), key(2), in)
	rv := NewRendezvous(reg, 0, 0)
	var c Cookie
	copy(c[:], "cookie-cookie-cookie")

	if err := rv.Establish(1, c); err != nil {
		t.Fatalf("establish: %v", err)
	}
	if err := rv.Establish(5, c); !errors.Is(err, ErrCookiePending) {
		t.Fatalf("expected pending cookie rejected, got %v", err)
	}
	waiting, err := rv.Join(2, c)
	if err != nil || waiting != 1 {
		t.Fatalf("join: id=%d err=%v", waiting, err)
	}
	s1, _ := reg.Peek(1)
	s2, _ := reg.Peek(2)
	if !s1.Paired || s1.PairID != 2 || !s2.Paired || s2.PairID != 1 {
		t.Fatalf("expected symmetric pairing")
	}
	if _, err := rv.Join(2, c); !errors.Is(err, ErrCookieUnknown) {
		t.Fatalf("expected consumed cookie rejected, got %v", err)
	}
}

func TestRendezvousCapacityAndSweep(t *testing.T) {
	reg := NewRegistry(0, 0)
	rv := NewRendezvous(reg, 1, 30*time.Second)
	now := time.Unix(1_700_000_000, 0)
	rv.now = func() time.Time { return now }
	var a, b Cookie
	a[0], b[0] = 1, 2
	if err := rv.Establish(1, a); err != nil {
		t.Fatalf("establish: %v", err)
	}
	if err := rv.Establish(2, b); !errors.Is(err, ErrRendezvousFull) {
		t.Fatalf("expected full, got %v", err)
	}
	now = now.Add(31 * time.Second)
	if n := rv.Sweep(); n != 1 {
		t.Fatalf("expected 1 swept, got %d", n)
	}
	if _, err := rv.Join(3, a); !errors.Is(err, ErrCookieUnknown) {
		t.Fatalf("expected expired cookie unknown")
	}
}

func TestRendezvousJoinWithGoneCircuit(t *testing.T) {
	reg := NewRegistry(0, 0)
	reg.Register(2, key(1), key(1), newFakeConn())
	rv := NewRendezvous(reg, 0, 0)
	var c Cookie
	c[0] = 9
	rv.Establish(1, c)
	if _, err := rv.Join(2, c); !errors.Is(err, ErrPeerGone) {
		t.Fatalf("expected peer gone, got %v", err)
	}
}

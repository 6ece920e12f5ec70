package circuit

import (
	"errors"
	"sync"
	"time"

	"veilmesh/internal/proto"
)

const (
	DefaultRendezvousCapacity = 10000
	DefaultRendezvousTTL      = 30 * time.Second
)

var (
	ErrCookiePending  = errors.New("rendezvous cookie already pending")
	ErrCookieUnknown  = errors.New("rendezvous cookie unknown or consumed")
	ErrRendezvousFull = errors.New("rendezvous table full")
	ErrPeerGone       = errors.New("rendezvous circuit gone")
)

type Cookie [proto.CookieSize]byte

type pending struct {
	circuitID uint32
	created   time.Time
}

// Rendezvous matches two circuits that present the same cookie.
type Rendezvous struct {
	mu       sync.Mutex
	pending  map[Cookie]pending
	capacity int
	ttl      time.Duration
	circuits *Registry
	now      func() time.Time
}

func NewRendezvous(circuits *Registry, capacity int, ttl time.Duration) *Rendezvous {
	if capacity <= 0 {
		capacity = DefaultRendezvousCapacity
	}
	if ttl <= 0 {
		ttl = DefaultRendezvousTTL
	}
	return &Rendezvous{
		pending:  make(map[Cookie]pending),
		capacity: capacity,
		ttl:      ttl,
		circuits: circuits,
		now:      time.Now,
	}
}

// Establish records circuitID as waiting on cookie.
func (r *Rendezvous) Establish(circuitID uint32, cookie Cookie) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pending[cookie]; ok && r.now().Sub(p.created) < r.ttl {
		return ErrCookiePending
	}
	if len(r.pending) >= r.capacity {
		return ErrRendezvousFull
	}
	r.pending[cookie] = pending{circuitID: circuitID, created: r.now()}
	return nil
}

// Join consumes cookie and pairs the waiting circuit with hostID. It returns the
// waiting circuit's id.
func (r *Rendezvous) Join(hostID uint32, cookie Cookie) (uint32, error) {
	r.mu.Lock()
	p, ok := r.pending[cookie]
	if ok {
		delete(r.pending, cookie)
	}
	r.mu.Unlock()
	if !ok || r.now().Sub(p.created) >= r.ttl {
		return 0, ErrCookieUnknown
	}
	if !r.circuits.Pair(p.circuitID, hostID) {
		return 0, ErrPeerGone
	}
	return p.circuitID, nil
}

// Sweep drops cookies older than the TTL.
func (r *Rendezvous) Sweep() int {
	cutoff := r.now().Add(-r.ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for c, p := range r.pending {
		if p.created.Before(cutoff) {
			delete(r.pending, c)
			n++
		}
	}
	return n
}

func (r *Rendezvous) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

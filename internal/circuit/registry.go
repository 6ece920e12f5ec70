// Package circuit holds per-circuit session state and rendezvous pairing.
package circuit

import (
	"errors"
	"sync"
	"time"

	"veilmesh/internal/crypto"
	"veilmesh/internal/network"
)

const (
	DefaultCapacity = 10000
	DefaultTTL      = 5 * time.Minute
)

var ErrCapacity = errors.New("circuit table full")

// Circuit is one established hop. Fields are guarded by the owning Registry.
type Circuit struct {
	ID uint32

	rx       []byte
	tx       []byte
	inbound  network.Conn
	outbound network.Conn
	nextHop  string
	lastSeen time.Time
	pairID   uint32
	paired   bool
	// extended flips once the first downstream reply has been wrapped.
	extended bool
	done     chan struct{}
}

// Snapshot is a copy of a circuit's routing state safe to use without locks.
// Keys are copies; destroying the circuit does not zero them.
type Snapshot struct {
	ID       uint32
	Rx       []byte
	Tx       []byte
	Inbound  network.Conn
	Outbound network.Conn
	NextHop  string
	PairID   uint32
	Paired   bool
	LastSeen time.Time
}

// Done is closed when the circuit is destroyed.
func (c *Circuit) Done() <-chan struct{} { return c.done }

// Registry owns all circuits of one relay.
type Registry struct {
	mu       sync.Mutex
	circuits map[uint32]*Circuit
	capacity int
	ttl      time.Duration
	now      func() time.Time
	onGone   func(id uint32)
}

func NewRegistry(capacity int, ttl time.Duration) *Registry {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		circuits: make(map[uint32]*Circuit),
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
	}
}

// OnDestroy registers a hook called (outside the lock) for each destroyed id.
func (r *Registry) OnDestroy(fn func(id uint32)) {
	r.mu.Lock()
	r.onGone = fn
	r.mu.Unlock()
}

// Register stores a new circuit. It fails without mutation when the table is
// full or the id is taken.
func (r *Registry) Register(id uint32, rx, tx []byte, inbound network.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.circuits[id]; exists {
		return false
	}
	if len(r.circuits) >= r.capacity {
		return false
	}
	r.circuits[id] = &Circuit{
		ID:       id,
		rx:       rx,
		tx:       tx,
		inbound:  inbound,
		lastSeen: r.now(),
		done:     make(chan struct{}),
	}
	return true
}

// Get touches the circuit and returns a snapshot of it.
func (r *Registry) Get(id uint32) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.circuits[id]
	if !ok {
		return Snapshot{}, false
	}
	c.lastSeen = r.now()
	return snapshotLocked(c), true
}

// Peek returns a snapshot without refreshing activity.
func (r *Registry) Peek(id uint32) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.circuits[id]
	if !ok {
		return Snapshot{}, false
	}
	return snapshotLocked(c), true
}

// Has reports whether id is registered.
func (r *Registry) Has(id uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.circuits[id]
	return ok
}

// DoneChan returns the destruction signal of id.
func (r *Registry) DoneChan(id uint32) (<-chan struct{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.circuits[id]
	if !ok {
		return nil, false
	}
	return c.done, true
}

// SetOutbound records the next-hop link of id. It fails if the circuit is gone.
func (r *Registry) SetOutbound(id uint32, hop string, conn network.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.circuits[id]
	if !ok {
		return false
	}
	c.nextHop = hop
	c.outbound = conn
	c.extended = false
	return true
}

// MarkExtended flips the extended flag and reports whether this call did so.
func (r *Registry) MarkExtended(id uint32) (first bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, found := r.circuits[id]
	if !found {
		return false, false
	}
	if c.extended {
		return false, true
	}
	c.extended = true
	return true, true
}

// Pair links two live circuits bidirectionally.
func (r *Registry) Pair(a, b uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ca, okA := r.circuits[a]
	cb, okB := r.circuits[b]
	if !okA || !okB || a == b {
		return false
	}
	ca.pairID, ca.paired = b, true
	cb.pairID, cb.paired = a, true
	return true
}

// Destroy removes id, closes its outbound link, zeroes both keys and cascades
// to a rendezvous partner.
func (r *Registry) Destroy(id uint32) bool {
	r.mu.Lock()
	gone := r.destroyLocked(id, nil)
	hook := r.onGone
	r.mu.Unlock()
	for _, g := range gone {
		if g.outbound != nil && !r.outboundShared(g.outbound) {
			_ = g.outbound.Close()
		}
		if hook != nil {
			hook(g.ID)
		}
	}
	return len(gone) > 0
}

func (r *Registry) destroyLocked(id uint32, acc []*Circuit) []*Circuit {
	c, ok := r.circuits[id]
	if !ok {
		return acc
	}
	delete(r.circuits, id)
	crypto.Zero(c.rx)
	crypto.Zero(c.tx)
	close(c.done)
	acc = append(acc, c)
	if c.paired {
		acc = r.destroyLocked(c.pairID, acc)
	}
	return acc
}

// outboundShared reports whether another live circuit still uses conn.
func (r *Registry) outboundShared(conn network.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.circuits {
		if c.outbound == conn {
			return true
		}
	}
	return false
}

// DestroyByInbound destroys every circuit whose inbound link is conn.
func (r *Registry) DestroyByInbound(conn network.Conn) int {
	r.mu.Lock()
	var ids []uint32
	for id, c := range r.circuits {
		if c.inbound == conn {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()
	n := 0
	for _, id := range ids {
		if r.Destroy(id) {
			n++
		}
	}
	return n
}

// FindByOutbound returns the circuit carried on outbound link conn with id.
func (r *Registry) FindByOutbound(conn network.Conn, id uint32) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.circuits[id]
	if !ok || c.outbound != conn {
		return Snapshot{}, false
	}
	return snapshotLocked(c), true
}

// Sweep destroys circuits idle for longer than the TTL.
func (r *Registry) Sweep() int {
	cutoff := r.now().Add(-r.ttl)
	r.mu.Lock()
	var stale []uint32
	for id, c := range r.circuits {
		if c.lastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()
	n := 0
	for _, id := range stale {
		if r.Destroy(id) {
			n++
		}
	}
	return n
}

// DestroyAll tears down every circuit.
func (r *Registry) DestroyAll() int {
	r.mu.Lock()
	ids := make([]uint32, 0, len(r.circuits))
	for id := range r.circuits {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	n := 0
	for _, id := range ids {
		if r.Destroy(id) {
			n++
		}
	}
	return n
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.circuits)
}

func snapshotLocked(c *Circuit) Snapshot {
	return Snapshot{
		ID:       c.ID,
		Rx:       append([]byte(nil), c.rx...),
		Tx:       append([]byte(nil), c.tx...),
		Inbound:  c.inbound,
		Outbound: c.outbound,
		NextHop:  c.nextHop,
		PairID:   c.pairID,
		Paired:   c.paired,
		LastSeen: c.lastSeen,
	}
}

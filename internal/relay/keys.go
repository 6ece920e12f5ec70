package relay

import (
	"sync"
	"time"

	"veilmesh/internal/crypto"
)

const (
	DefaultRotateEvery = time.Hour
	DefaultRotateGrace = 2 * time.Minute
)

// keyRing holds the current handshake keypair and, for a grace window after
// rotation, the previous one.
type keyRing struct {
	mu         sync.RWMutex
	current    crypto.KeyPair
	previous   *crypto.KeyPair
	generation uint64
	grace      time.Duration
}

func newKeyRing(kp crypto.KeyPair, grace time.Duration) *keyRing {
	if grace <= 0 {
		grace = DefaultRotateGrace
	}
	return &keyRing{current: kp, grace: grace}
}

// candidates returns copies of the keypairs to try, current first. The copies
// do not alias ring memory, so a concurrent rotate or expire cannot zero a key
// mid-handshake. Callers destroy them when done.
func (k *keyRing) candidates() []crypto.KeyPair {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := []crypto.KeyPair{cloneKeyPair(k.current)}
	if k.previous != nil {
		out = append(out, cloneKeyPair(*k.previous))
	}
	return out
}

func cloneKeyPair(kp crypto.KeyPair) crypto.KeyPair {
	return crypto.KeyPair{
		Public:  append([]byte(nil), kp.Public...),
		Private: append([]byte(nil), kp.Private...),
	}
}

func (k *keyRing) public() []byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return append([]byte(nil), k.current.Public...)
}

// rotate installs next and schedules the old current for destruction.
func (k *keyRing) rotate(next crypto.KeyPair) {
	k.mu.Lock()
	if k.previous != nil {
		k.previous.Destroy()
	}
	old := k.current
	k.previous = &old
	k.current = next
	k.generation++
	gen := k.generation
	k.mu.Unlock()
	time.AfterFunc(k.grace, func() { k.expire(gen) })
}

// expire zeroes the previous keypair if no newer rotation replaced it.
func (k *keyRing) expire(gen uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.generation != gen || k.previous == nil {
		return
	}
	k.previous.Destroy()
	k.previous = nil
}

func (k *keyRing) hasPrevious() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.previous != nil
}

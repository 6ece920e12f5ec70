package peer

import (
	"errors"
	"sort"
	"sync"
	"time"

	"veilmesh/internal/store"
)

const (
	DefaultCap   = 500
	MaxFailures  = 3
	ActiveWindow = 24 * time.Hour
)

var ErrFull = errors.New("peer table full")

// Peer is a relay known through gossip.
type Peer struct {
	URL           string    `json:"url"`
	KxPublicKey   string    `json:"pk,omitempty"`
	SignPublicKey string    `json:"spk,omitempty"`
	Tracker       bool      `json:"tracker,omitempty"`
	Timestamp     int64     `json:"ts,omitempty"`
	LastSeen      time.Time `json:"lastSeen"`
	Failures      int       `json:"failures,omitempty"`
	Seed          bool      `json:"seed,omitempty"`
}

type Options struct {
	Cap  int
	Path string
}

// Table is the bounded gossip peer set keyed by URL.
type Table struct {
	mu    sync.Mutex
	peers map[string]*Peer
	cap   int
	path  string
	now   func() time.Time
}

type diskTable struct {
	Peers []Peer `json:"peers"`
}

func NewTable(opts Options) *Table {
	capacity := opts.Cap
	if capacity <= 0 {
		capacity = DefaultCap
	}
	return &Table{
		peers: make(map[string]*Peer),
		cap:   capacity,
		path:  opts.Path,
		now:   time.Now,
	}
}

// AddSeed inserts a bootstrap peer. Seeds never count failures and do not
// take capacity from gossip-learned peers.
func (t *Table) AddSeed(url string) {
	if url == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[url]; ok {
		p.Seed = true
		p.Failures = 0
		return
	}
	t.peers[url] = &Peer{URL: url, Seed: true}
}

// Merge folds p into the table. For a known URL the record with the newer
// timestamp wins field by field and lastSeen only moves forward.
func (t *Table) Merge(p Peer) (added bool, err error) {
	if p.URL == "" {
		return false, errors.New("missing url")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.peers[p.URL]; ok {
		if p.Timestamp > cur.Timestamp {
			if p.KxPublicKey != "" {
				cur.KxPublicKey = p.KxPublicKey
			}
			if p.SignPublicKey != "" {
				cur.SignPublicKey = p.SignPublicKey
			}
			cur.Tracker = p.Tracker
			cur.Timestamp = p.Timestamp
		}
		if p.LastSeen.After(cur.LastSeen) {
			cur.LastSeen = p.LastSeen
		}
		return false, nil
	}
	if t.nonSeedLenLocked() >= t.cap && !t.evictLocked() {
		return false, ErrFull
	}
	cp := p
	cp.Seed = false
	cp.Failures = 0
	t.peers[p.URL] = &cp
	return true, nil
}

func (t *Table) nonSeedLenLocked() int {
	n := 0
	for _, p := range t.peers {
		if !p.Seed {
			n++
		}
	}
	return n
}

// evictLocked drops the worst inactive non-seed peer: most failures first,
// then the longest unseen.
func (t *Table) evictLocked() bool {
	now := t.now()
	var victims []*Peer
	for _, p := range t.peers {
		if !p.Seed && !t.activeLocked(p, now) {
			victims = append(victims, p)
		}
	}
	if len(victims) == 0 {
		return false
	}
	sort.Slice(victims, func(i, j int) bool {
		if victims[i].Failures != victims[j].Failures {
			return victims[i].Failures > victims[j].Failures
		}
		return victims[i].LastSeen.Before(victims[j].LastSeen)
	})
	delete(t.peers, victims[0].URL)
	return true
}

// RecordFailure counts a transport or parse error against a non-seed peer.
func (t *Table) RecordFailure(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[url]; ok && !p.Seed {
		p.Failures++
	}
}

// RecordSuccess marks url reachable. Seeds recover instantly; other peers
// step their failure count down by one.
func (t *Table) RecordSuccess(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[url]
	if !ok {
		return
	}
	p.LastSeen = t.now()
	switch {
	case p.Seed:
		p.Failures = 0
	case p.Failures > 0:
		p.Failures--
	}
}

func (t *Table) activeLocked(p *Peer, now time.Time) bool {
	return p.Failures < MaxFailures && now.Sub(p.LastSeen) <= ActiveWindow
}

func (t *Table) IsActive(url string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[url]
	return ok && t.activeLocked(p, t.now())
}

func (t *Table) Get(url string) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[url]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// List returns every peer ordered by URL.
func (t *Table) List() []Peer {
	return t.filter(func(*Peer, time.Time) bool { return true })
}

func (t *Table) Active() []Peer {
	return t.filter(t.activeLocked)
}

// Candidates are peers worth contacting: active ones plus seeds.
func (t *Table) Candidates() []Peer {
	return t.filter(func(p *Peer, now time.Time) bool {
		return p.Seed || t.activeLocked(p, now)
	})
}

// TrackerPeers are active peers that advertise a tracker.
func (t *Table) TrackerPeers() []Peer {
	return t.filter(func(p *Peer, now time.Time) bool {
		return p.Tracker && t.activeLocked(p, now)
	})
}

func (t *Table) filter(keep func(*Peer, time.Time) bool) []Peer {
	now := t.now()
	t.mu.Lock()
	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		if keep(p, now) {
			out = append(out, *p)
		}
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

// Save writes the table to its path atomically. A table without a path is
// memory-only.
func (t *Table) Save() error {
	if t.path == "" {
		return nil
	}
	return store.WriteJSONAtomic(t.path, diskTable{Peers: t.List()})
}

// Load merges peers from disk. Seeds already configured stay seeds.
func (t *Table) Load() (int, error) {
	if t.path == "" {
		return 0, nil
	}
	var dt diskTable
	found, err := store.ReadJSON(t.path, &dt)
	if err != nil || !found {
		return 0, err
	}
	n := 0
	for _, p := range dt.Peers {
		if p.Seed {
			continue
		}
		added, err := t.Merge(p)
		if err != nil {
			break
		}
		if added {
			t.mu.Lock()
			t.peers[p.URL].Failures = p.Failures
			t.mu.Unlock()
			n++
		}
	}
	return n, nil
}

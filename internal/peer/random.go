package peer

import "math/rand/v2"

// Pick returns up to n peers chosen uniformly from in, skipping exclude.
func Pick(in []Peer, n int, exclude string) []Peer {
	pool := make([]Peer, 0, len(in))
	for _, p := range in {
		if p.URL != exclude {
			pool = append(pool, p)
		}
	}
	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if n < len(pool) {
		pool = pool[:n]
	}
	return pool
}

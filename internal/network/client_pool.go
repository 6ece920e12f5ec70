package network

import (
	"context"
	"errors"
	"sync"
	"time"

	"veilmesh/internal/debuglog"
)

const (
	clientBackoffBase = 500 * time.Millisecond
	clientBackoffMax  = 30 * time.Second
	clientTimeout     = 10 * time.Second
)

var ErrBackoff = errors.New("addr in backoff")

type addrFailure struct {
	count int
	last  time.Time
}

// Pool keeps one outbound link per next-hop address and reuses it across
// circuits. Replies from every pooled link go to the pool's handler.
type Pool struct {
	mu       sync.Mutex
	conns    map[string]Conn
	dialing  map[string]chan struct{}
	failures map[string]*addrFailure
	handle   Handler
	dial     func(ctx context.Context, addr string, handle Handler) (Conn, error)
}

func NewPool(handle Handler) *Pool {
	return &Pool{
		conns:    make(map[string]Conn),
		dialing:  make(map[string]chan struct{}),
		failures: make(map[string]*addrFailure),
		handle:   handle,
		dial:     Dial,
	}
}

// Get returns the open link to addr, dialing if needed. Concurrent callers for
// the same addr share one dial.
func (p *Pool) Get(ctx context.Context, addr string) (Conn, error) {
	if addr == "" {
		return nil, errors.New("missing addr")
	}
	for {
		p.mu.Lock()
		if c, ok := p.conns[addr]; ok {
			if IsOpen(c) {
				p.mu.Unlock()
				return c, nil
			}
			delete(p.conns, addr)
		}
		if wait, ok := p.dialing[addr]; ok {
			p.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if f := p.failures[addr]; f != nil && time.Since(f.last) < backoffFor(f.count) {
			p.mu.Unlock()
			return nil, ErrBackoff
		}
		wait := make(chan struct{})
		p.dialing[addr] = wait
		p.mu.Unlock()

		dctx, cancel := withDefaultTimeout(ctx)
		c, err := p.dial(dctx, addr, p.handle)
		cancel()

		p.mu.Lock()
		delete(p.dialing, addr)
		close(wait)
		if err != nil {
			f := p.failures[addr]
			if f == nil {
				f = &addrFailure{}
				p.failures[addr] = f
			}
			f.count++
			f.last = time.Now()
			p.mu.Unlock()
			debuglog.Debugf("pool dial failed addr=%s err=%v", addr, err)
			return nil, err
		}
		delete(p.failures, addr)
		p.conns[addr] = c
		p.mu.Unlock()
		go p.forgetOnClose(addr, c)
		return c, nil
	}
}

func (p *Pool) forgetOnClose(addr string, c Conn) {
	<-c.Done()
	p.mu.Lock()
	if cur, ok := p.conns[addr]; ok && cur == c {
		delete(p.conns, addr)
	}
	p.mu.Unlock()
}

// CloseAll closes every pooled link.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	conns := make([]Conn, 0, len(p.conns))
	for addr, c := range p.conns {
		conns = append(conns, c)
		delete(p.conns, addr)
	}
	p.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func backoffFor(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	d := clientBackoffBase
	for i := 1; i < failures && d < clientBackoffMax; i++ {
		d *= 2
	}
	if d > clientBackoffMax {
		d = clientBackoffMax
	}
	return d
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), clientTimeout)
	}
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, clientTimeout)
}

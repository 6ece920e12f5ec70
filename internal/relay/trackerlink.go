package relay

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"veilmesh/internal/debuglog"
	"veilmesh/internal/network"
	"veilmesh/internal/proto"
	"veilmesh/internal/tracker"
)

const (
	DefaultTrackerTimeout = 10 * time.Second
	TrackerPath           = "/tracker"
)

// TrackerLink proxies tracker messages to a tracker hosted on another node.
// Requests are correlated per circuit in order; replies past their deadline
// are dropped.
type TrackerLink struct {
	url     string
	timeout time.Duration
	log     zerolog.Logger
	now     func() time.Time
	dial    func(ctx context.Context, url string) (linkConn, error)

	dialMu sync.Mutex

	mu       sync.Mutex
	conn     network.Conn
	pending  map[uint32][]time.Time
	sessions map[uint32]tracker.Session
}

type linkConn interface {
	network.Conn
	ReadLoop(network.Handler)
}

func NewTrackerLink(trackerURL string, timeout time.Duration) *TrackerLink {
	if timeout <= 0 {
		timeout = DefaultTrackerTimeout
	}
	return &TrackerLink{
		url:      linkURL(trackerURL),
		timeout:  timeout,
		log:      debuglog.Component("trackerlink"),
		now:      time.Now,
		dial:     dialLink,
		pending:  make(map[uint32][]time.Time),
		sessions: make(map[uint32]tracker.Session),
	}
}

func dialLink(ctx context.Context, url string) (linkConn, error) {
	return network.DialWS(ctx, url)
}

func linkURL(base string) string {
	base = strings.TrimRight(base, "/")
	if strings.HasSuffix(base, TrackerPath) {
		return base
	}
	return base + TrackerPath
}

// Handle forwards one request. If the link cannot be used the session gets an
// immediate failure response.
func (l *TrackerLink) Handle(sess tracker.Session, t proto.MsgType, payload []byte) {
	conn, err := l.connect()
	if err == nil {
		l.mu.Lock()
		l.pending[sess.ID()] = append(l.pending[sess.ID()], l.now().Add(l.timeout))
		l.sessions[sess.ID()] = sess
		l.mu.Unlock()
		err = conn.Send(proto.EncodeLinkFrame(proto.LinkFrame{CircuitID: sess.ID(), Type: t, Payload: payload}))
		if err != nil {
			l.mu.Lock()
			if q := l.pending[sess.ID()]; len(q) > 0 {
				l.pending[sess.ID()] = q[:len(q)-1]
			}
			l.mu.Unlock()
		}
	}
	if err != nil {
		debuglog.RateLimitedf("trackerlink-down", 30*time.Second, "tracker link unavailable: %v", err)
		resp := proto.EncodeResponse(proto.ResponseMsg{ReqType: t, Status: proto.StatusFail})
		_ = sess.Send(proto.MsgTrackerResponse, resp)
	}
}

// CircuitClosed tells the tracker a proxied circuit is gone.
func (l *TrackerLink) CircuitClosed(id uint32) {
	l.mu.Lock()
	_, known := l.sessions[id]
	delete(l.sessions, id)
	delete(l.pending, id)
	conn := l.conn
	l.mu.Unlock()
	if known && network.IsOpen(conn) {
		_ = conn.Send(proto.EncodeLinkFrame(proto.LinkFrame{CircuitID: id, Type: proto.MsgCircuitDestroy}))
	}
}

func (l *TrackerLink) connect() (network.Conn, error) {
	l.mu.Lock()
	if network.IsOpen(l.conn) {
		c := l.conn
		l.mu.Unlock()
		return c, nil
	}
	l.mu.Unlock()

	l.dialMu.Lock()
	defer l.dialMu.Unlock()
	l.mu.Lock()
	if network.IsOpen(l.conn) {
		c := l.conn
		l.mu.Unlock()
		return c, nil
	}
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	c, err := l.dial(ctx, l.url)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.conn = c
	l.mu.Unlock()
	go l.readLoop(c)
	l.log.Info().Str("url", l.url).Msg("tracker link up")
	return c, nil
}

func (l *TrackerLink) readLoop(c linkConn) {
	c.ReadLoop(l.handleFrame)
	l.mu.Lock()
	if l.conn == c {
		l.conn = nil
		l.pending = make(map[uint32][]time.Time)
		l.sessions = make(map[uint32]tracker.Session)
	}
	l.mu.Unlock()
	l.log.Info().Str("url", l.url).Msg("tracker link down")
}

func (l *TrackerLink) handleFrame(c network.Conn, data []byte) {
	f, err := proto.DecodeLinkFrame(data)
	if err != nil {
		return
	}
	switch f.Type {
	case proto.MsgTrackerResponse:
		deadline, ok := l.popPending(f.CircuitID)
		if !ok || l.now().After(deadline) {
			return
		}
		l.deliver(f)
	case proto.MsgTrackerIntroduceDat:
		if !l.deliver(f) {
			_ = c.Send(proto.EncodeLinkFrame(proto.LinkFrame{CircuitID: f.CircuitID, Type: proto.MsgCircuitDestroy}))
		}
	}
}

func (l *TrackerLink) deliver(f proto.LinkFrame) bool {
	l.mu.Lock()
	sess, ok := l.sessions[f.CircuitID]
	l.mu.Unlock()
	if !ok || !sess.Alive() {
		return false
	}
	return sess.Send(f.Type, f.Payload) == nil
}

func (l *TrackerLink) popPending(id uint32) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	q := l.pending[id]
	if len(q) == 0 {
		return time.Time{}, false
	}
	d := q[0]
	if len(q) == 1 {
		delete(l.pending, id)
	} else {
		l.pending[id] = q[1:]
	}
	return d, true
}

// Close drops the link.
func (l *TrackerLink) Close() {
	l.mu.Lock()
	c := l.conn
	l.mu.Unlock()
	if c != nil {
		_ = c.Close()
	}
}

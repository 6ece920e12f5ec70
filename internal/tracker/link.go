package tracker

import (
	"net/http"
	"sync"

	"veilmesh/internal/network"
	"veilmesh/internal/proto"
)

// linkSession is a circuit on a remote relay, reached through that relay's
// tracker link.
type linkSession struct {
	id   uint32
	conn network.Conn

	mu   sync.Mutex
	dead bool
}

func (s *linkSession) ID() uint32 { return s.id }

func (s *linkSession) Send(t proto.MsgType, payload []byte) error {
	return s.conn.Send(proto.EncodeLinkFrame(proto.LinkFrame{CircuitID: s.id, Type: t, Payload: payload}))
}

func (s *linkSession) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.dead && network.IsOpen(s.conn)
}

func (s *linkSession) kill() {
	s.mu.Lock()
	s.dead = true
	s.mu.Unlock()
}

// ServeLink accepts a relay's tracker link on /tracker. The relay sends
// CIRCUIT_DESTROY frames when a circuit it proxied goes away.
func (t *Tracker) ServeLink(w http.ResponseWriter, r *http.Request) {
	conn, err := network.UpgradeWS(w, r)
	if err != nil {
		t.log.Debug().Err(err).Msg("tracker link upgrade failed")
		return
	}
	t.log.Info().Str("remote", conn.RemoteAddr()).Msg("tracker link up")
	sessions := make(map[uint32]*linkSession)
	var mu sync.Mutex
	conn.ReadLoop(func(c network.Conn, data []byte) {
		f, err := proto.DecodeLinkFrame(data)
		if err != nil {
			return
		}
		mu.Lock()
		sess, ok := sessions[f.CircuitID]
		if f.Type == proto.MsgCircuitDestroy {
			if ok {
				sess.kill()
				delete(sessions, f.CircuitID)
			}
			mu.Unlock()
			return
		}
		if !ok {
			sess = &linkSession{id: f.CircuitID, conn: c}
			sessions[f.CircuitID] = sess
		}
		mu.Unlock()
		if !f.Type.IsTracker() {
			return
		}
		t.Handle(sess, f.Type, f.Payload)
	})
	mu.Lock()
	for _, s := range sessions {
		s.kill()
	}
	mu.Unlock()
	t.log.Info().Str("remote", conn.RemoteAddr()).Msg("tracker link down")
}

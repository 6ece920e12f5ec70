package relay

import (
	"context"

	"veilmesh/internal/circuit"
	"veilmesh/internal/network"
	"veilmesh/internal/proto"
)

// handleRelay forwards an opaque body one hop further, dialing the next hop
// on first use. Next hops on loopback or private networks are refused unless
// AllowPrivate is set. Failures leave the circuit established.
func (r *Relay) handleRelay(id uint32, f proto.Frame) {
	snap, ok := r.circuits.Peek(id)
	if !ok {
		return
	}
	conn := snap.Outbound
	if f.NextHop != "" && (f.NextHop != snap.NextHop || !network.IsOpen(conn)) {
		ctx, cancel := context.WithTimeout(context.Background(), extendTimeout)
		if !r.cfg.AllowPrivate {
			if err := network.GuardAddr(ctx, r.resolver, f.NextHop); err != nil {
				cancel()
				r.metrics.IncDropByReason("blocked_hop")
				r.log.Debug().Err(err).Uint32("circuit", id).Msg("next hop refused")
				return
			}
		}
		c, err := r.pool.Get(ctx, f.NextHop)
		cancel()
		if err != nil {
			r.metrics.IncDropByReason("extend")
			r.log.Debug().Err(err).Uint32("circuit", id).Msg("extend failed")
			return
		}
		// the circuit may have died while dialing
		if !r.circuits.SetOutbound(id, f.NextHop, c) {
			return
		}
		conn = c
		r.metrics.IncExtended()
	}
	if !network.IsOpen(conn) {
		r.metrics.IncDropByReason("no_next_hop")
		return
	}
	if err := r.sendRaw(conn, id, f.Payload); err != nil {
		r.log.Debug().Err(err).Uint32("circuit", id).Msg("forward failed")
		return
	}
	r.metrics.IncForwarded()
}

// handleDownstream wraps a reply from a next hop for the circuit's client:
// the first reply as EXTENDED, later ones as RELAY.
func (r *Relay) handleDownstream(c network.Conn, data []byte) {
	pkt, err := proto.DecodePacket(data)
	if err != nil {
		return
	}
	if _, ok := r.circuits.FindByOutbound(c, pkt.CircuitID); !ok {
		r.metrics.IncDropByReason("orphan_reply")
		return
	}
	first, ok := r.circuits.MarkExtended(pkt.CircuitID)
	if !ok {
		return
	}
	typ := proto.MsgRelay
	if first {
		typ = proto.MsgExtended
	}
	if err := r.SendFrame(pkt.CircuitID, proto.Frame{Type: typ, Payload: pkt.Body}); err != nil {
		r.log.Debug().Err(err).Uint32("circuit", pkt.CircuitID).Msg("reply not delivered")
		return
	}
	r.metrics.IncForwarded()
}

// handleData moves a payload across a rendezvous pair, re-sealed for the
// partner circuit.
func (r *Relay) handleData(id uint32, payload []byte) {
	snap, ok := r.circuits.Get(id)
	if !ok || !snap.Paired {
		r.metrics.IncDropByReason("unpaired")
		return
	}
	if err := r.SendFrame(snap.PairID, proto.Frame{Type: proto.MsgData, Payload: payload}); err != nil {
		r.log.Debug().Err(err).Uint32("circuit", id).Msg("data not delivered")
		return
	}
	r.metrics.IncForwarded()
}

func (r *Relay) handleEstablish(id uint32, payload []byte) {
	if len(payload) != proto.CookieSize {
		r.ack(id, proto.StatusFail)
		return
	}
	var cookie circuit.Cookie
	copy(cookie[:], payload)
	if err := r.rdv.Establish(id, cookie); err != nil {
		r.log.Debug().Err(err).Uint32("circuit", id).Msg("establish rejected")
		r.ack(id, proto.StatusFail)
		return
	}
	r.ack(id, proto.StatusOK)
}

// handleJoin pairs the joining circuit with the waiting one and hands the
// joiner's handshake payload to the waiting side as DATA.
func (r *Relay) handleJoin(id uint32, payload []byte) {
	if len(payload) < proto.CookieSize {
		r.ack(id, proto.StatusFail)
		return
	}
	var cookie circuit.Cookie
	copy(cookie[:], payload[:proto.CookieSize])
	waiting, err := r.rdv.Join(id, cookie)
	if err != nil {
		r.log.Debug().Err(err).Uint32("circuit", id).Msg("join rejected")
		r.ack(id, proto.StatusFail)
		return
	}
	r.ack(id, proto.StatusOK)
	if rest := payload[proto.CookieSize:]; len(rest) > 0 {
		if err := r.SendFrame(waiting, proto.Frame{Type: proto.MsgData, Payload: rest}); err != nil {
			r.log.Debug().Err(err).Uint32("circuit", waiting).Msg("join payload not delivered")
		}
	}
}

func (r *Relay) ack(id uint32, status byte) {
	_ = r.SendFrame(id, proto.Frame{Type: proto.MsgRendezvousAck, Payload: []byte{status}})
}

func (r *Relay) handleTracker(id uint32, f proto.Frame) {
	sess := &circuitSession{relay: r, id: id}
	b := r.trackerBackend()
	if b == nil {
		resp := proto.EncodeResponse(proto.ResponseMsg{ReqType: f.Type, Status: proto.StatusFail})
		_ = sess.Send(proto.MsgTrackerResponse, resp)
		return
	}
	b.Handle(sess, f.Type, f.Payload)
}

// circuitSession exposes a local circuit to the tracker.
type circuitSession struct {
	relay *Relay
	id    uint32
}

func (s *circuitSession) ID() uint32 { return s.id }

func (s *circuitSession) Send(t proto.MsgType, payload []byte) error {
	return s.relay.SendFrame(s.id, proto.Frame{Type: t, Payload: payload})
}

func (s *circuitSession) Alive() bool { return s.relay.circuits.Has(s.id) }

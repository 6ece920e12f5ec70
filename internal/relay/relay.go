// Package relay is the circuit protocol engine: handshakes, layered
// forwarding, rendezvous and tracker hand-off.
package relay

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"veilmesh/internal/circuit"
	"veilmesh/internal/crypto"
	"veilmesh/internal/debuglog"
	"veilmesh/internal/metrics"
	"veilmesh/internal/network"
	"veilmesh/internal/proto"
	"veilmesh/internal/tracker"
)

const (
	DefaultMaxJitter  = 20 * time.Millisecond
	DefaultQueueDepth = 64
	extendTimeout     = 10 * time.Second
	sweepEvery        = 30 * time.Second
	rendezvousSweep   = 10 * time.Second
)

type Config struct {
	PacketSize    int
	MaxJitter     time.Duration
	RotateEvery   time.Duration
	RotateGrace   time.Duration
	CircuitCap    int
	CircuitTTL    time.Duration
	RendezvousCap int
	RendezvousTTL time.Duration
	QueueDepth    int
	// AllowPrivate lets circuits extend to loopback and private next hops.
	AllowPrivate  bool
}

func (c *Config) applyDefaults() {
	if c.PacketSize <= 0 {
		c.PacketSize = proto.DefaultPacketSize
	}
	if c.MaxJitter < 0 {
		c.MaxJitter = 0
	}
	if c.RotateEvery <= 0 {
		c.RotateEvery = DefaultRotateEvery
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
}

// TrackerBackend answers tracker messages for a circuit, either in-process or
// through a link to a remote tracker.
type TrackerBackend interface {
	Handle(sess tracker.Session, t proto.MsgType, payload []byte)
}

// circuitObserver is implemented by backends that keep per-circuit state.
type circuitObserver interface {
	CircuitClosed(id uint32)
}

type Relay struct {
	cfg      Config
	log      zerolog.Logger
	keys     *keyRing
	circuits *circuit.Registry
	rdv      *circuit.Rendezvous
	pool     *network.Pool
	resolver network.Resolver
	metrics  *metrics.Metrics

	trackerMu sync.RWMutex
	tracker   TrackerBackend

	qmu     sync.Mutex
	queues  map[uint32]chan proto.Frame
	watched sync.Map
}

func New(cfg Config, kp crypto.KeyPair, m *metrics.Metrics) *Relay {
	cfg.applyDefaults()
	if m == nil {
		m = metrics.New()
	}
	circuits := circuit.NewRegistry(cfg.CircuitCap, cfg.CircuitTTL)
	r := &Relay{
		cfg:      cfg,
		log:      debuglog.Component("relay"),
		keys:     newKeyRing(kp, cfg.RotateGrace),
		circuits: circuits,
		rdv:      circuit.NewRendezvous(circuits, cfg.RendezvousCap, cfg.RendezvousTTL),
		resolver: net.DefaultResolver,
		metrics:  m,
		queues:   make(map[uint32]chan proto.Frame),
	}
	r.pool = network.NewPool(r.handleDownstream)
	circuits.OnDestroy(r.circuitGone)
	return r
}

// SetTracker installs the tracker backend. A nil backend answers every
// tracker message with failure.
func (r *Relay) SetTracker(b TrackerBackend) {
	r.trackerMu.Lock()
	r.tracker = b
	r.trackerMu.Unlock()
}

func (r *Relay) trackerBackend() TrackerBackend {
	r.trackerMu.RLock()
	defer r.trackerMu.RUnlock()
	return r.tracker
}

// SetResolver replaces the resolver used to vet next-hop hosts.
func (r *Relay) SetResolver(res network.Resolver) { r.resolver = res }

// PublicKey is the current handshake public key.
func (r *Relay) PublicKey() []byte { return r.keys.public() }

func (r *Relay) Circuits() *circuit.Registry { return r.circuits }

// Rotate installs a fresh handshake keypair. The old one keeps answering
// handshakes for the grace window.
func (r *Relay) Rotate() error {
	kp, err := crypto.GenerateKxKeyPair(nil)
	if err != nil {
		return err
	}
	r.keys.rotate(kp)
	r.log.Info().Msg("handshake key rotated")
	return nil
}

// -----------------------------------------------------------------------------
// Inbound
// -----------------------------------------------------------------------------

// ServeWS upgrades a /circuit request and reads packets until it closes.
func (r *Relay) ServeWS(w http.ResponseWriter, req *http.Request) {
	conn, err := network.UpgradeWS(w, req)
	if err != nil {
		r.log.Debug().Err(err).Msg("circuit upgrade failed")
		return
	}
	conn.ReadLoop(r.HandlePacket)
}

// ServeQUIC accepts relay links on addr until ctx ends.
func (r *Relay) ServeQUIC(ctx context.Context, addr string, ready chan<- struct{}, accept func(string) bool) error {
	return network.ListenQUIC(ctx, addr, ready, accept, r.HandlePacket)
}

// HandlePacket processes one packet from an inbound link.
func (r *Relay) HandlePacket(c network.Conn, data []byte) {
	r.watch(c)
	pkt, err := proto.DecodePacket(data)
	if err != nil {
		if errors.Is(err, proto.ErrChaff) {
			r.metrics.IncDropByReason("chaff")
		} else {
			r.metrics.IncDropByReason("malformed")
		}
		return
	}
	snap, ok := r.circuits.Get(pkt.CircuitID)
	if !ok {
		r.handshake(c, pkt)
		return
	}
	if snap.Inbound != c {
		r.metrics.IncDropByReason("wrong_link")
		return
	}
	pt, err := crypto.Open(snap.Rx, pkt.Body, crypto.CircuitAAD(pkt.CircuitID))
	if err != nil {
		r.metrics.IncDropByReason("decrypt")
		debuglog.RateLimitedf("relay-decrypt", 10*time.Second, "relay drop: decrypt failed circuit=%d", pkt.CircuitID)
		return
	}
	f, err := proto.DecodeFrameBody(pt)
	crypto.Zero(pt)
	if err != nil {
		r.metrics.IncDropByReason("frame")
		return
	}
	r.enqueue(pkt.CircuitID, f)
}

// watch destroys every circuit riding on c once c closes.
func (r *Relay) watch(c network.Conn) {
	if _, loaded := r.watched.LoadOrStore(c, struct{}{}); loaded {
		return
	}
	go func() {
		<-c.Done()
		r.watched.Delete(c)
		if n := r.circuits.DestroyByInbound(c); n > 0 {
			r.log.Debug().Int("circuits", n).Str("remote", c.RemoteAddr()).Msg("link closed")
		}
	}()
}

func (r *Relay) handshake(c network.Conn, pkt proto.Packet) {
	init, err := proto.DecodeHandshakeInit(pkt.Body)
	if err != nil || init.CircuitID != pkt.CircuitID {
		r.metrics.IncDropByReason("handshake")
		return
	}
	var (
		keys     crypto.SessionKeys
		kp       crypto.KeyPair
		previous bool
	)
	err = errors.New("no handshake key")
	cands := r.keys.candidates()
	defer func() {
		for i := range cands {
			cands[i].Destroy()
		}
	}()
	for i, cand := range cands {
		keys, err = crypto.ServerSessionKeys(cand, init.ClientPub)
		if err == nil {
			kp, previous = cand, i > 0
			break
		}
	}
	if err != nil {
		r.metrics.IncDropByReason("handshake")
		return
	}
	aad := crypto.CircuitAAD(init.CircuitID)
	sealed, err := crypto.Seal(keys.Tx, proto.HandshakeConfirm(init.Nonce, init.CircuitID), aad)
	if err != nil {
		keys.Destroy()
		return
	}
	if !r.circuits.Register(init.CircuitID, keys.Rx, keys.Tx, c) {
		keys.Destroy()
		r.metrics.IncDropByReason("capacity")
		debuglog.RateLimitedf("relay-capacity", time.Minute, "relay: %v", circuit.ErrCapacity)
		return
	}
	r.startWorker(init.CircuitID)
	reply := proto.EncodeHandshakeReply(proto.HandshakeReply{RelayPub: kp.Public, Sealed: sealed})
	if err := r.sendRaw(c, init.CircuitID, reply); err != nil {
		r.circuits.Destroy(init.CircuitID)
		return
	}
	r.metrics.IncHandshake(previous)
	r.metrics.SetActiveCircuits(r.circuits.Len())
}

// -----------------------------------------------------------------------------
// Per-circuit dispatch
// -----------------------------------------------------------------------------

func (r *Relay) startWorker(id uint32) {
	done, ok := r.circuits.DoneChan(id)
	if !ok {
		return
	}
	q := make(chan proto.Frame, r.cfg.QueueDepth)
	r.qmu.Lock()
	r.queues[id] = q
	r.qmu.Unlock()
	go r.worker(id, q, done)
}

// worker dispatches one circuit's frames in arrival order, each after a
// random delay.
func (r *Relay) worker(id uint32, q chan proto.Frame, done <-chan struct{}) {
	defer func() {
		r.qmu.Lock()
		if r.queues[id] == q {
			delete(r.queues, id)
		}
		r.qmu.Unlock()
	}()
	for {
		select {
		case <-done:
			return
		case f := <-q:
			if d := r.jitter(); d > 0 {
				t := time.NewTimer(d)
				select {
				case <-done:
					t.Stop()
					return
				case <-t.C:
				}
			}
			r.dispatch(id, f)
		}
	}
}

func (r *Relay) enqueue(id uint32, f proto.Frame) {
	r.qmu.Lock()
	q, ok := r.queues[id]
	r.qmu.Unlock()
	if !ok {
		r.metrics.IncDropByReason("no_worker")
		return
	}
	select {
	case q <- f:
	default:
		r.metrics.IncDropByReason("backpressure")
	}
}

func (r *Relay) jitter() time.Duration {
	if r.cfg.MaxJitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(r.cfg.MaxJitter) + 1))
}

func (r *Relay) dispatch(id uint32, f proto.Frame) {
	switch f.Type {
	case proto.MsgRelay:
		r.handleRelay(id, f)
	case proto.MsgData:
		r.handleData(id, f.Payload)
	case proto.MsgEstablishRendezvous:
		r.handleEstablish(id, f.Payload)
	case proto.MsgRendezvousJoin:
		r.handleJoin(id, f.Payload)
	case proto.MsgTrackerRegister, proto.MsgTrackerQuery, proto.MsgTrackerHeartbeat, proto.MsgTrackerIntroduce:
		r.handleTracker(id, f)
	case proto.MsgCircuitDestroy:
		r.circuits.Destroy(id)
	case proto.MsgChaff:
	case proto.MsgExtended, proto.MsgRendezvousAck, proto.MsgTrackerResponse, proto.MsgTrackerIntroduceDat:
		r.metrics.IncDropByReason("wrong_direction")
	default:
		r.metrics.IncDropByReason("unknown_type")
		r.log.Debug().Uint32("circuit", id).Stringer("type", f.Type).Msg("unknown message type")
	}
}

// -----------------------------------------------------------------------------
// Outbound
// -----------------------------------------------------------------------------

// SendFrame seals f for circuit id and writes it to the circuit's inbound link.
func (r *Relay) SendFrame(id uint32, f proto.Frame) error {
	snap, ok := r.circuits.Get(id)
	if !ok {
		return errCircuitGone
	}
	body, err := proto.EncodeFrameBody(f)
	if err != nil {
		return err
	}
	sealed, err := crypto.Seal(snap.Tx, body, crypto.CircuitAAD(id))
	crypto.Zero(snap.Tx)
	crypto.Zero(snap.Rx)
	if err != nil {
		return err
	}
	return r.sendRaw(snap.Inbound, id, sealed)
}

var errCircuitGone = errors.New("circuit gone")

func (r *Relay) sendRaw(c network.Conn, id uint32, body []byte) error {
	pkt, err := proto.EncodePacket(id, body, r.cfg.PacketSize)
	if err != nil {
		return err
	}
	return c.Send(pkt)
}

func (r *Relay) circuitGone(id uint32) {
	r.metrics.IncDestroyed()
	if obs, ok := r.trackerBackend().(circuitObserver); ok {
		obs.CircuitClosed(id)
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run drives sweeps and key rotation until ctx ends, then tears down all
// circuits and pooled links.
func (r *Relay) Run(ctx context.Context) {
	sweep := time.NewTicker(sweepEvery)
	rdv := time.NewTicker(rendezvousSweep)
	rotate := time.NewTicker(r.cfg.RotateEvery)
	defer sweep.Stop()
	defer rdv.Stop()
	defer rotate.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Close()
			return
		case <-sweep.C:
			if n := r.circuits.Sweep(); n > 0 {
				r.log.Debug().Int("expired", n).Msg("circuit sweep")
			}
			r.metrics.SetActiveCircuits(r.circuits.Len())
		case <-rdv.C:
			r.rdv.Sweep()
		case <-rotate.C:
			if err := r.Rotate(); err != nil {
				r.log.Error().Err(err).Msg("key rotation failed")
			}
		}
	}
}

func (r *Relay) Close() {
	r.circuits.DestroyAll()
	r.pool.CloseAll()
	r.metrics.SetActiveCircuits(0)
}

package metrics

import (
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Snapshot struct {
	GeneratedAt  time.Time         `json:"generated_at"`
	Circuit      CircuitMetrics    `json:"circuit"`
	Tracker      TrackerMetrics    `json:"tracker"`
	Gossip       GossipMetrics     `json:"gossip"`
	Tunnel       TunnelMetrics     `json:"tunnel"`
	DropByReason map[string]uint64 `json:"drop_by_reason"`
}

type CircuitMetrics struct {
	Handshakes     uint64 `json:"handshakes"`
	HandshakesPrev uint64 `json:"handshakes_prev_key"`
	Forwarded      uint64 `json:"forwarded"`
	Extended       uint64 `json:"extended"`
	Destroyed      uint64 `json:"destroyed"`
	Active         int64  `json:"active"`
	ChaffSent      uint64 `json:"chaff_sent"`
}

type TrackerMetrics struct {
	Registered   uint64 `json:"registered"`
	Queries      uint64 `json:"queries"`
	Introduced   uint64 `json:"introduced"`
	PersistDrops uint64 `json:"persist_drops"`
	Rooms        int64  `json:"rooms"`
}

type GossipMetrics struct {
	Announced uint64 `json:"announced"`
	Rejected  uint64 `json:"rejected"`
	Peers     int64  `json:"peers"`
}

type TunnelMetrics struct {
	Requests   uint64 `json:"requests"`
	WSChannels uint64 `json:"ws_channels"`
	Hosts      int64  `json:"hosts"`
}

type Metrics struct {
	handshakes     atomic.Uint64
	handshakesPrev atomic.Uint64
	forwarded      atomic.Uint64
	extended       atomic.Uint64
	destroyed      atomic.Uint64
	activeCircuits atomic.Int64
	chaffSent      atomic.Uint64
	registered     atomic.Uint64
	queries        atomic.Uint64
	introduced     atomic.Uint64
	persistDrops   atomic.Uint64
	rooms          atomic.Int64
	announced      atomic.Uint64
	rejected       atomic.Uint64
	peers          atomic.Int64
	tunnelRequests atomic.Uint64
	wsChannels     atomic.Uint64
	tunnelHosts    atomic.Int64

	dropMu       sync.Mutex
	dropByReason map[string]uint64
	drops        *prometheus.CounterVec

	registry *prometheus.Registry
}

func New() *Metrics {
	m := &Metrics{
		dropByReason: make(map[string]uint64),
		registry:     prometheus.NewRegistry(),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "veilmesh",
			Name:      "dropped_total",
			Help:      "Packets or requests dropped, by reason.",
		}, []string{"reason"}),
	}
	m.registry.MustRegister(m.drops)
	counter := func(name, help string, v *atomic.Uint64) {
		m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "veilmesh", Name: name, Help: help,
		}, func() float64 { return float64(v.Load()) }))
	}
	gauge := func(name, help string, v *atomic.Int64) {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "veilmesh", Name: name, Help: help,
		}, func() float64 { return float64(v.Load()) }))
	}
	counter("handshakes_total", "Completed circuit handshakes.", &m.handshakes)
	counter("handshakes_previous_key_total", "Handshakes completed with the previous keypair.", &m.handshakesPrev)
	counter("forwarded_total", "Frames forwarded to a paired circuit or next hop.", &m.forwarded)
	counter("extended_total", "Circuits extended to a next hop.", &m.extended)
	counter("circuits_destroyed_total", "Destroyed circuits.", &m.destroyed)
	counter("chaff_sent_total", "Chaff packets sent.", &m.chaffSent)
	counter("rooms_registered_total", "Room registrations.", &m.registered)
	counter("room_queries_total", "Room queries.", &m.queries)
	counter("introductions_total", "Introductions delivered to hosts.", &m.introduced)
	counter("room_persist_drops_total", "Room writes dropped because the persistence queue was full.", &m.persistDrops)
	counter("announcements_total", "Accepted peer announcements.", &m.announced)
	counter("announcements_rejected_total", "Rejected peer announcements.", &m.rejected)
	counter("tunnel_requests_total", "Guest HTTP requests proxied to hosts.", &m.tunnelRequests)
	counter("tunnel_ws_channels_total", "Guest WebSocket channels opened.", &m.wsChannels)
	gauge("circuits_active", "Registered circuits.", &m.activeCircuits)
	gauge("rooms", "Rooms registered on this relay.", &m.rooms)
	gauge("peers", "Known gossip peers.", &m.peers)
	gauge("tunnel_hosts", "Registered host tunnels.", &m.tunnelHosts)
	return m
}

// Handler serves the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncHandshake(previousKey bool) {
	m.handshakes.Add(1)
	if previousKey {
		m.handshakesPrev.Add(1)
	}
}

func (m *Metrics) IncForwarded()           { m.forwarded.Add(1) }
func (m *Metrics) IncExtended()            { m.extended.Add(1) }
func (m *Metrics) IncDestroyed()           { m.destroyed.Add(1) }
func (m *Metrics) SetActiveCircuits(n int) { m.activeCircuits.Store(int64(n)) }
func (m *Metrics) IncChaffSent()           { m.chaffSent.Add(1) }
func (m *Metrics) IncRegistered()          { m.registered.Add(1) }
func (m *Metrics) IncQueries()             { m.queries.Add(1) }
func (m *Metrics) IncIntroduced()          { m.introduced.Add(1) }
func (m *Metrics) IncPersistDrop()         { m.persistDrops.Add(1) }
func (m *Metrics) SetRooms(n int)          { m.rooms.Store(int64(n)) }
func (m *Metrics) IncAnnounced()           { m.announced.Add(1) }
func (m *Metrics) IncRejected()            { m.rejected.Add(1) }
func (m *Metrics) SetPeers(n int)          { m.peers.Store(int64(n)) }
func (m *Metrics) IncTunnelRequest()       { m.tunnelRequests.Add(1) }
func (m *Metrics) IncWSChannel()           { m.wsChannels.Add(1) }
func (m *Metrics) SetTunnelHosts(n int)    { m.tunnelHosts.Store(int64(n)) }

func (m *Metrics) IncDropByReason(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	m.dropMu.Lock()
	m.dropByReason[reason]++
	m.dropMu.Unlock()
	m.drops.WithLabelValues(reason).Inc()
}

func (m *Metrics) Snapshot() Snapshot {
	m.dropMu.Lock()
	drops := make(map[string]uint64, len(m.dropByReason))
	for k, v := range m.dropByReason {
		drops[k] = v
	}
	m.dropMu.Unlock()
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Circuit: CircuitMetrics{
			Handshakes:     m.handshakes.Load(),
			HandshakesPrev: m.handshakesPrev.Load(),
			Forwarded:      m.forwarded.Load(),
			Extended:       m.extended.Load(),
			Destroyed:      m.destroyed.Load(),
			Active:         m.activeCircuits.Load(),
			ChaffSent:      m.chaffSent.Load(),
		},
		Tracker: TrackerMetrics{
			Registered:   m.registered.Load(),
			Queries:      m.queries.Load(),
			Introduced:   m.introduced.Load(),
			PersistDrops: m.persistDrops.Load(),
			Rooms:        m.rooms.Load(),
		},
		Gossip: GossipMetrics{
			Announced: m.announced.Load(),
			Rejected:  m.rejected.Load(),
			Peers:     m.peers.Load(),
		},
		Tunnel: TunnelMetrics{
			Requests:   m.tunnelRequests.Load(),
			WSChannels: m.wsChannels.Load(),
			Hosts:      m.tunnelHosts.Load(),
		},
		DropByReason: drops,
	}
}

// WriteSnapshot dumps Snapshot as JSON to path. An empty path is a no-op.
func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

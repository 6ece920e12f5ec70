package chaff

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"veilmesh/internal/debuglog"
	"veilmesh/internal/metrics"
	"veilmesh/internal/network"
	"veilmesh/internal/proto"
)

const (
	DefaultInterval  = 100 * time.Millisecond
	DefaultReconnect = 5 * time.Second
	dialTimeout      = 10 * time.Second
)

type Config struct {
	Peers      []string
	Interval   time.Duration
	PacketSize int
	Reconnect  time.Duration
}

// Generator keeps one link per peer open and sends a chaff packet on each
// link every Interval.
type Generator struct {
	cfg     Config
	log     zerolog.Logger
	metrics *metrics.Metrics
	dial    func(ctx context.Context, addr string) (network.Conn, error)
}

func New(cfg Config, m *metrics.Metrics) *Generator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.PacketSize <= 0 {
		cfg.PacketSize = proto.DefaultPacketSize
	}
	if cfg.Reconnect <= 0 {
		cfg.Reconnect = DefaultReconnect
	}
	if m == nil {
		m = metrics.New()
	}
	return &Generator{
		cfg:     cfg,
		log:     debuglog.Component("chaff"),
		metrics: m,
		dial: func(ctx context.Context, addr string) (network.Conn, error) {
			return network.Dial(ctx, addr, func(network.Conn, []byte) {})
		},
	}
}

// Run blocks until ctx is done.
func (g *Generator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, addr := range g.cfg.Peers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.peerLoop(ctx, addr)
		}()
	}
	wg.Wait()
}

func (g *Generator) peerLoop(ctx context.Context, addr string) {
	for {
		dctx, cancel := context.WithTimeout(ctx, dialTimeout)
		conn, err := g.dial(dctx, addr)
		cancel()
		if err != nil {
			debuglog.RateLimitedf("chaff-dial-"+addr, time.Minute, "chaff dial %s: %v", addr, err)
		} else {
			g.log.Debug().Str("peer", addr).Msg("chaff link up")
			g.send(ctx, conn)
			_ = conn.Close()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(g.cfg.Reconnect):
		}
	}
}

// send emits chaff on conn until the link fails or ctx is done.
func (g *Generator) send(ctx context.Context, conn network.Conn) {
	t := time.NewTicker(g.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			return
		case <-t.C:
			if err := conn.Send(proto.ChaffPacket(g.cfg.PacketSize)); err != nil {
				return
			}
			g.metrics.IncChaffSent()
		}
	}
}

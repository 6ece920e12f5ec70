// Package node assembles a relay process from its parts and serves them.
package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"veilmesh/internal/chaff"
	"veilmesh/internal/config"
	"veilmesh/internal/crypto"
	"veilmesh/internal/debuglog"
	"veilmesh/internal/gossip"
	"veilmesh/internal/metrics"
	"veilmesh/internal/network"
	"veilmesh/internal/peer"
	"veilmesh/internal/relay"
	"veilmesh/internal/store"
	"veilmesh/internal/tracker"
	"veilmesh/internal/tunnel"
)

const (
	maxOrigins      = 50000
	shutdownTimeout = 5 * time.Second
	limiterCleanup  = time.Minute
	trackerSweep    = 15 * time.Second
)

type Node struct {
	cfg      config.Config
	log      zerolog.Logger
	Identity crypto.Identity
	Metrics  *metrics.Metrics
	Relay    *relay.Relay
	Tracker  *tracker.Tracker
	Link     *relay.TrackerLink
	Peers    *peer.Table
	Gossip   *gossip.Service
	Tunnel   *tunnel.Proxy
	Chaff    *chaff.Generator
	Limiter  *network.Limiter
	rooms    *store.RedisRooms
}

// New builds a node from cfg. It loads or creates the identity and connects
// to redis when a URL is configured.
func New(ctx context.Context, cfg config.Config) (*Node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, err
	}
	id, err := crypto.LoadOrCreateIdentity(cfg.Identity)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	m := metrics.New()
	n := &Node{
		cfg:      cfg,
		log:      debuglog.Component("node"),
		Identity: id,
		Metrics:  m,
		Limiter:  network.NewLimiter(cfg.RateMax, cfg.RateWindow, maxOrigins),
	}

	n.Relay = relay.New(relay.Config{
		PacketSize:    cfg.PacketSize,
		MaxJitter:     cfg.MaxJitter,
		RotateEvery:   cfg.RotateEvery,
		CircuitCap:    cfg.CircuitCap,
		CircuitTTL:    cfg.CircuitTTL,
		RendezvousCap: cfg.RendezvousCap,
		RendezvousTTL: cfg.RendezvousTTL,
		AllowPrivate:  cfg.AllowPrivate,
	}, id.Kx, m)

	var fed gossip.Federator
	switch {
	case cfg.Tracker:
		var rs store.RoomStore
		if cfg.RedisURL != "" {
			n.rooms, err = store.OpenRedis(ctx, cfg.RedisURL, cfg.RedisPrefix)
			if err != nil {
				return nil, err
			}
			rs = n.rooms
		}
		n.Tracker = tracker.New(tracker.Config{RoomTTL: cfg.RoomTTL, MaxRooms: cfg.MaxRooms}, rs, m)
		n.Relay.SetTracker(n.Tracker)
		fed = n.Tracker
	case cfg.TrackerURL != "":
		n.Link = relay.NewTrackerLink(cfg.TrackerURL, 0)
		n.Relay.SetTracker(n.Link)
	}

	n.Peers = peer.NewTable(peer.Options{Path: cfg.PeerFile})
	for _, s := range cfg.Seeds {
		n.Peers.AddSeed(s)
	}
	n.Gossip = gossip.New(gossip.Config{
		SelfURL:      cfg.PublicURL,
		Tracker:      cfg.Tracker,
		AllowPrivate: cfg.AllowPrivate,
	}, id.Sign, n.Relay.PublicKey, n.Peers, fed, m)

	if cfg.TunnelListen != "" {
		n.Tunnel = tunnel.New(tunnel.Config{}, m)
	}
	if len(cfg.ChaffPeers) > 0 {
		n.Chaff = chaff.New(chaff.Config{
			Peers:      cfg.ChaffPeers,
			Interval:   cfg.ChaffInterval,
			PacketSize: cfg.PacketSize,
		}, m)
	}
	return n, nil
}

// Handler is the main listener's mux. Control-plane endpoints sit behind the
// per-origin limiter; circuit links do not.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	limited := func(h http.HandlerFunc) http.Handler { return n.Limiter.Middleware(h) }

	mux.HandleFunc(network.CircuitPath, n.Relay.ServeWS)
	mux.Handle("/peers", limited(n.Gossip.HandlePeers))
	mux.Handle("/peers/announce", limited(n.Gossip.HandleAnnounce))
	mux.Handle("/pk", limited(n.Gossip.HandlePK))
	mux.Handle("/metrics", n.Metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	if n.Tracker != nil {
		mux.HandleFunc(relay.TrackerPath, n.Tracker.ServeLink)
		mux.Handle("/api/register", limited(n.Tracker.HandleRegister))
		mux.Handle("/api/rooms", limited(n.Tracker.HandleRooms))
		mux.Handle("/rooms", limited(n.Tracker.HandleRooms))
		mux.Handle("/{$}", limited(n.Tracker.HandleRooms))
	}
	return mux
}

// TunnelHandler serves host control connections and guest traffic.
func (n *Node) TunnelHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(tunnel.HostPath, n.Limiter.Middleware(http.HandlerFunc(n.Tunnel.HandleHost)))
	mux.Handle("/", n.Tunnel)
	return mux
}

// Run serves until ctx is done, then shuts every listener and loop down.
func (n *Node) Run(ctx context.Context) error {
	if n.Tracker != nil && n.rooms != nil {
		loaded, err := n.Tracker.Load(ctx)
		if err != nil {
			n.log.Warn().Err(err).Msg("room load failed")
		} else {
			n.log.Info().Int("rooms", loaded).Msg("rooms restored")
		}
	}
	if loaded, err := n.Peers.Load(); err != nil {
		n.log.Warn().Err(err).Msg("peer table load failed")
	} else if loaded > 0 {
		n.log.Info().Int("peers", loaded).Msg("peers restored")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	goLoop := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
		}()
	}
	goLoop(n.Relay.Run)
	goLoop(n.Gossip.Run)
	goLoop(n.cleanupLimiter)
	if n.Tracker != nil {
		goLoop(func(ctx context.Context) { n.Tracker.Run(ctx, trackerSweep) })
	}
	if n.Chaff != nil {
		goLoop(n.Chaff.Run)
	}

	errCh := make(chan error, 3)
	servers := []*http.Server{{Addr: n.cfg.Listen, Handler: n.Handler(), ReadHeaderTimeout: 10 * time.Second}}
	if n.Tunnel != nil {
		servers = append(servers, &http.Server{Addr: n.cfg.TunnelListen, Handler: n.TunnelHandler(), ReadHeaderTimeout: 10 * time.Second})
	}
	for _, srv := range servers {
		go func() {
			n.log.Info().Str("addr", srv.Addr).Msg("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
		}()
	}
	if n.cfg.QUICListen != "" {
		go func() {
			accept := func(remote string) bool { return n.Limiter.Check(remote) }
			if err := n.Relay.ServeQUIC(ctx, n.cfg.QUICListen, nil, accept); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("quic %s: %w", n.cfg.QUICListen, err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	cancel()

	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	for _, srv := range servers {
		_ = srv.Shutdown(sctx)
	}
	wg.Wait()
	if n.Link != nil {
		n.Link.Close()
	}
	if n.rooms != nil {
		_ = n.rooms.Close()
	}
	if err := n.Metrics.WriteSnapshot(n.cfg.MetricsSnapshot); err != nil {
		n.log.Warn().Err(err).Str("path", n.cfg.MetricsSnapshot).Msg("metrics snapshot failed")
	}
	n.log.Info().Msg("stopped")
	return runErr
}

func (n *Node) cleanupLimiter(ctx context.Context) {
	t := time.NewTicker(limiterCleanup)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if dropped := n.Limiter.Cleanup(); dropped > 0 {
				n.log.Debug().Int("origins", dropped).Msg("limiter cleanup")
			}
		}
	}
}

package gossip

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"veilmesh/internal/crypto"
	"veilmesh/internal/debuglog"
	"veilmesh/internal/metrics"
	"veilmesh/internal/peer"
	"veilmesh/internal/proto"
)

const (
	DefaultFetchEvery    = 60 * time.Second
	DefaultAnnounceEvery = 5 * time.Minute
	DefaultSaveEvery     = 5 * time.Minute
	DefaultFederateEvery = 60 * time.Second
	DefaultFanout        = 3
	DefaultHTTPTimeout   = 5 * time.Second

	maxBody = 1 << 20
)

type Config struct {
	SelfURL       string
	Tracker       bool
	AllowPrivate  bool
	FetchEvery    time.Duration
	AnnounceEvery time.Duration
	SaveEvery     time.Duration
	FederateEvery time.Duration
	Fanout        int
	HTTPTimeout   time.Duration
}

func (c *Config) defaults() {
	if c.FetchEvery <= 0 {
		c.FetchEvery = DefaultFetchEvery
	}
	if c.AnnounceEvery <= 0 {
		c.AnnounceEvery = DefaultAnnounceEvery
	}
	if c.SaveEvery <= 0 {
		c.SaveEvery = DefaultSaveEvery
	}
	if c.FederateEvery <= 0 {
		c.FederateEvery = DefaultFederateEvery
	}
	if c.Fanout <= 0 {
		c.Fanout = DefaultFanout
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
}

// Federator receives rooms pulled from tracker-capable peers.
type Federator interface {
	SetFederatedRooms(source string, rooms []proto.RoomInfo) int
}

// Service runs peer discovery: it serves and pulls peer lists, pushes signed
// self-announcements and pulls rooms from peers that host a tracker.
type Service struct {
	cfg      Config
	sign     crypto.SignKeyPair
	kxPublic func() []byte
	peers    *peer.Table
	fed      Federator
	client   *http.Client
	resolver Resolver
	metrics  *metrics.Metrics
	log      zerolog.Logger
	now      func() time.Time
}

// New builds a Service. kxPublic reports the relay's current handshake key;
// fed may be nil when the node runs no tracker.
func New(cfg Config, sign crypto.SignKeyPair, kxPublic func() []byte, peers *peer.Table, fed Federator, m *metrics.Metrics) *Service {
	cfg.defaults()
	if m == nil {
		m = metrics.New()
	}
	return &Service{
		cfg:      cfg,
		sign:     sign,
		kxPublic: kxPublic,
		peers:    peers,
		fed:      fed,
		client:   &http.Client{Timeout: cfg.HTTPTimeout},
		resolver: net.DefaultResolver,
		metrics:  m,
		log:      debuglog.Component("gossip"),
		now:      time.Now,
	}
}

// SetResolver replaces the resolver used by the address guard.
func (s *Service) SetResolver(r Resolver) { s.resolver = r }

func (s *Service) Peers() *peer.Table { return s.peers }

// Announcement returns a freshly signed self-description.
func (s *Service) Announcement() (proto.Announcement, error) {
	pk := hex.EncodeToString(s.kxPublic())
	ts := s.now().UnixMilli()
	sig, err := crypto.SignDetached(s.sign.Private, proto.AnnouncementSigInput(s.cfg.SelfURL, pk, ts))
	if err != nil {
		return proto.Announcement{}, err
	}
	return proto.Announcement{
		URL:           s.cfg.SelfURL,
		KxPublicKey:   pk,
		SignPublicKey: hex.EncodeToString(s.sign.Public),
		Tracker:       s.cfg.Tracker,
		Timestamp:     ts,
		Signature:     hex.EncodeToString(sig),
	}, nil
}

// Accept verifies a and merges it into the peer table.
func (s *Service) Accept(ctx context.Context, a proto.Announcement) error {
	if a.URL == s.cfg.SelfURL {
		return nil
	}
	if err := s.Verify(ctx, a); err != nil {
		s.metrics.IncRejected()
		return err
	}
	_, err := s.peers.Merge(peer.Peer{
		URL:           a.URL,
		KxPublicKey:   a.KxPublicKey,
		SignPublicKey: a.SignPublicKey,
		Tracker:       a.Tracker,
		Timestamp:     a.Timestamp,
		LastSeen:      s.now(),
	})
	if err != nil {
		return err
	}
	s.metrics.IncAnnounced()
	s.metrics.SetPeers(s.peers.Len())
	return nil
}

// httpBase maps a relay's ws(s) URL to the http(s) origin serving its
// control endpoints.
func httpBase(peerURL string) (string, error) {
	u, err := url.Parse(peerURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", ErrBadURL
	}
	u.Path = strings.TrimSuffix(strings.TrimRight(u.Path, "/"), "/circuit")
	u.RawQuery = ""
	u.Fragment = ""
	return strings.TrimRight(u.String(), "/"), nil
}

func (s *Service) getJSON(ctx context.Context, peerURL, path string, v any) error {
	base, err := httpBase(peerURL)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(v)
}

// fetchOnce pulls the peer list of one random candidate.
func (s *Service) fetchOnce(ctx context.Context) {
	targets := peer.Pick(s.peers.Candidates(), 1, s.cfg.SelfURL)
	if len(targets) == 0 {
		return
	}
	target := targets[0].URL
	var list proto.PeerList
	if err := s.getJSON(ctx, target, "/peers", &list); err != nil {
		s.peers.RecordFailure(target)
		s.log.Debug().Err(err).Str("peer", target).Msg("peer fetch failed")
		return
	}
	s.peers.RecordSuccess(target)
	added := 0
	for _, p := range list.Peers {
		if p.URL == s.cfg.SelfURL {
			continue
		}
		u, err := checkURL(p.URL)
		if err != nil {
			continue
		}
		if _, err := checkHexKey(p.KxPublicKey); err != nil {
			continue
		}
		if p.SignPublicKey != "" {
			if _, err := checkHexKey(p.SignPublicKey); err != nil {
				continue
			}
		}
		if err := s.guardHost(ctx, u.Hostname()); err != nil {
			continue
		}
		ok, err := s.peers.Merge(peer.Peer{
			URL:           p.URL,
			KxPublicKey:   p.KxPublicKey,
			SignPublicKey: p.SignPublicKey,
			Tracker:       p.Tracker,
			Timestamp:     p.Timestamp,
			LastSeen:      time.UnixMilli(p.Timestamp),
		})
		if err != nil {
			break
		}
		if ok {
			added++
		}
	}
	s.metrics.SetPeers(s.peers.Len())
	if added > 0 {
		s.log.Info().Str("peer", target).Int("added", added).Msg("learned peers")
	}
}

// announceOnce pushes a signed self-announcement to a few random peers.
func (s *Service) announceOnce(ctx context.Context) {
	if s.cfg.SelfURL == "" {
		return
	}
	a, err := s.Announcement()
	if err != nil {
		s.log.Warn().Err(err).Msg("sign announcement")
		return
	}
	body, err := json.Marshal(a)
	if err != nil {
		return
	}
	for _, p := range peer.Pick(s.peers.Candidates(), s.cfg.Fanout, s.cfg.SelfURL) {
		if err := s.post(ctx, p.URL, "/peers/announce", body); err != nil {
			s.peers.RecordFailure(p.URL)
			s.log.Debug().Err(err).Str("peer", p.URL).Msg("announce failed")
			continue
		}
		s.peers.RecordSuccess(p.URL)
	}
}

func (s *Service) post(ctx context.Context, peerURL, path string, body []byte) error {
	base, err := httpBase(peerURL)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("POST %s: status %d", path, resp.StatusCode)
	}
	return nil
}

// federateOnce pulls the public room list of every tracker-capable peer.
func (s *Service) federateOnce(ctx context.Context) {
	if s.fed == nil {
		return
	}
	for _, p := range s.peers.TrackerPeers() {
		if p.URL == s.cfg.SelfURL {
			continue
		}
		var list proto.RoomList
		if err := s.getJSON(ctx, p.URL, "/api/rooms", &list); err != nil {
			s.peers.RecordFailure(p.URL)
			s.log.Debug().Err(err).Str("peer", p.URL).Msg("room pull failed")
			continue
		}
		s.peers.RecordSuccess(p.URL)
		n := s.fed.SetFederatedRooms(p.URL, list.Rooms)
		s.log.Debug().Str("peer", p.URL).Int("rooms", n).Msg("federated rooms")
	}
}

func (s *Service) save() {
	if err := s.peers.Save(); err != nil {
		s.log.Warn().Err(err).Msg("save peer table")
	}
}

// Run drives the four gossip loops until ctx is done, then saves the table.
func (s *Service) Run(ctx context.Context) {
	fetch := time.NewTicker(s.cfg.FetchEvery)
	announce := time.NewTicker(s.cfg.AnnounceEvery)
	save := time.NewTicker(s.cfg.SaveEvery)
	federate := time.NewTicker(s.cfg.FederateEvery)
	defer fetch.Stop()
	defer announce.Stop()
	defer save.Stop()
	defer federate.Stop()

	s.announceOnce(ctx)
	s.fetchOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.save()
			return
		case <-fetch.C:
			s.fetchOnce(ctx)
		case <-announce.C:
			s.announceOnce(ctx)
		case <-save.C:
			s.save()
		case <-federate.C:
			s.federateOnce(ctx)
		}
	}
}

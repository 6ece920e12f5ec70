package tunnel

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"veilmesh/internal/debuglog"
	"veilmesh/internal/metrics"
	"veilmesh/internal/proto"
)

const (
	HostPath      = "/_tunnel"
	SessionCookie = "veil_session"

	DefaultFirstByteTimeout = 30 * time.Second
	DefaultChunkTimeout     = 120 * time.Second
	DefaultSessionTTL       = 24 * time.Hour
	registerTimeout         = 10 * time.Second
	writeTimeout            = 10 * time.Second
	maxRequestBody          = 10 << 20
	maxResponseBody         = 32 << 20
	maxIDs                  = 1<<31 - 1
)

var (
	ErrNoHost       = errors.New("no tunnel for room")
	ErrHostGone     = errors.New("tunnel host disconnected")
	ErrTimeout      = errors.New("tunnel response timeout")
	ErrBadRoomKey   = errors.New("bad room key")
	ErrTooLarge     = errors.New("tunnel response too large")
	roomKeyPattern  = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
	hostUpgrader    = websocket.Upgrader{ReadBufferSize: 16384, WriteBufferSize: 16384, HandshakeTimeout: registerTimeout}
	forwardedWSHdrs = []string{"Cookie", "Origin", "User-Agent", "Accept-Language", "Sec-Websocket-Protocol"}
)

type Config struct {
	FirstByteTimeout time.Duration
	ChunkTimeout     time.Duration
	SessionTTL       time.Duration
}

// Proxy exposes hosts behind NAT: each host keeps one control connection
// and guests' HTTP requests and WebSocket channels are multiplexed over it.
type Proxy struct {
	cfg      Config
	log      zerolog.Logger
	metrics  *metrics.Metrics
	sessions *cache.Cache
	nextID   atomic.Uint32

	mu    sync.Mutex
	hosts map[string]*host
}

func New(cfg Config, m *metrics.Metrics) *Proxy {
	if cfg.FirstByteTimeout <= 0 {
		cfg.FirstByteTimeout = DefaultFirstByteTimeout
	}
	if cfg.ChunkTimeout <= 0 {
		cfg.ChunkTimeout = DefaultChunkTimeout
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if m == nil {
		m = metrics.New()
	}
	return &Proxy{
		cfg:      cfg,
		log:      debuglog.Component("tunnel"),
		metrics:  m,
		sessions: cache.New(cfg.SessionTTL, 10*time.Minute),
		hosts:    make(map[string]*host),
	}
}

// newID returns the next request/channel id, wrapping below 2^31 and never 0.
func (p *Proxy) newID() uint32 {
	for {
		old := p.nextID.Load()
		next := old%maxIDs + 1
		if p.nextID.CompareAndSwap(old, next) {
			return next
		}
	}
}

// Hosts reports the registered room keys.
func (p *Proxy) Hosts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.hosts))
	for k := range p.hosts {
		out = append(out, k)
	}
	return out
}

func (p *Proxy) lookup(key string) *host {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hosts[key]
}

// soleHost returns the only registered host, if exactly one is registered.
func (p *Proxy) soleHost() *host {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.hosts) != 1 {
		return nil
	}
	for _, h := range p.hosts {
		return h
	}
	return nil
}

func (p *Proxy) register(h *host) {
	p.mu.Lock()
	old := p.hosts[h.key]
	p.hosts[h.key] = h
	n := len(p.hosts)
	p.mu.Unlock()
	p.metrics.SetTunnelHosts(n)
	if old != nil {
		p.log.Info().Str("room", h.key).Msg("tunnel replaced")
		old.close()
	}
}

func (p *Proxy) unregister(h *host) {
	p.mu.Lock()
	if p.hosts[h.key] == h {
		delete(p.hosts, h.key)
	}
	n := len(p.hosts)
	p.mu.Unlock()
	p.metrics.SetTunnelHosts(n)
}

// HandleHost serves the host control endpoint. The first message must be a
// register naming the room key.
func (p *Proxy) HandleHost(w http.ResponseWriter, r *http.Request) {
	conn, err := hostUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(maxResponseBody)
	_ = conn.SetReadDeadline(time.Now().Add(registerTimeout))
	typ, data, err := conn.ReadMessage()
	if err != nil || typ != websocket.TextMessage {
		_ = conn.Close()
		return
	}
	msg, err := proto.DecodeTunnelMsg(data)
	if err != nil || msg.Type != proto.TunnelRegister || !roomKeyPattern.MatchString(msg.RoomKey) {
		p.log.Debug().Str("remote", r.RemoteAddr).Msg("bad tunnel registration")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ErrBadRoomKey.Error()),
			time.Now().Add(writeTimeout))
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	h := newHost(p, msg.RoomKey, conn)
	p.register(h)
	if err := h.sendJSON(proto.TunnelMsg{Type: proto.TunnelRegistered, RoomKey: h.key}); err != nil {
		h.close()
	}
	p.log.Info().Str("room", h.key).Str("remote", r.RemoteAddr).Msg("tunnel registered")
	h.readLoop()
	p.unregister(h)
	p.log.Info().Str("room", h.key).Msg("tunnel closed")
}

// ServeHTTP serves guests: join links, cookie-bound requests and WebSocket
// upgrades.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h, err := p.resolve(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if websocket.IsWebSocketUpgrade(r) {
		p.serveChannel(h, w, r)
		return
	}
	p.serveRequest(h, w, r)
}

// resolve finds the host for r. A join link binds a new session cookie.
func (p *Proxy) resolve(w http.ResponseWriter, r *http.Request) (*host, error) {
	if rest, ok := strings.CutPrefix(r.URL.Path, "/join/"); ok {
		key, _, _ := strings.Cut(rest, ".")
		if !roomKeyPattern.MatchString(key) {
			return nil, ErrBadRoomKey
		}
		h := p.lookup(key)
		if h == nil {
			return nil, ErrNoHost
		}
		sid, err := newSessionID()
		if err != nil {
			return nil, err
		}
		p.sessions.Set(sid, key, cache.DefaultExpiration)
		http.SetCookie(w, &http.Cookie{
			Name:     SessionCookie,
			Value:    sid,
			Path:     "/",
			MaxAge:   int(p.cfg.SessionTTL / time.Second),
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
			Secure:   r.TLS != nil,
		})
		return h, nil
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		if v, ok := p.sessions.Get(c.Value); ok {
			if h := p.lookup(v.(string)); h != nil {
				return h, nil
			}
		}
	}
	if h := p.soleHost(); h != nil {
		return h, nil
	}
	return nil, ErrNoHost
}

func newSessionID() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// SessionRoom reports the room a session id is bound to.
func (p *Proxy) SessionRoom(sid string) (string, bool) {
	v, ok := p.sessions.Get(sid)
	if !ok {
		return "", false
	}
	return v.(string), true
}

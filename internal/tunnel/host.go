package tunnel

import (
	"bytes"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"veilmesh/internal/proto"
)

// host is one registered control connection.
type host struct {
	proxy *Proxy
	key   string
	conn  *websocket.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	requests map[uint32]*pending
	channels map[uint32]*channel
	done     chan struct{}
	once     sync.Once
}

func newHost(p *Proxy, key string, conn *websocket.Conn) *host {
	return &host{
		proxy:    p,
		key:      key,
		conn:     conn,
		requests: make(map[uint32]*pending),
		channels: make(map[uint32]*channel),
		done:     make(chan struct{}),
	}
}

func (h *host) sendJSON(m proto.TunnelMsg) error {
	data, err := proto.EncodeTunnelMsg(m)
	if err != nil {
		return err
	}
	return h.write(websocket.TextMessage, data)
}

func (h *host) sendBinary(id uint32, payload []byte) error {
	return h.write(websocket.BinaryMessage, proto.EncodeChannelFrame(id, payload))
}

func (h *host) write(typ int, data []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	select {
	case <-h.done:
		return ErrHostGone
	default:
	}
	_ = h.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return h.conn.WriteMessage(typ, data)
}

// close fails every pending request and channel.
func (h *host) close() {
	h.once.Do(func() {
		close(h.done)
		_ = h.conn.Close()
		h.mu.Lock()
		reqs := h.requests
		chans := h.channels
		h.requests = make(map[uint32]*pending)
		h.channels = make(map[uint32]*channel)
		h.mu.Unlock()
		for _, p := range reqs {
			p.fail(ErrHostGone)
		}
		for _, c := range chans {
			c.closeGuest(websocket.CloseGoingAway, "tunnel closed")
		}
	})
}

func (h *host) addRequest(id uint32, p *pending) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return false
	default:
	}
	h.requests[id] = p
	return true
}

func (h *host) dropRequest(id uint32) {
	h.mu.Lock()
	delete(h.requests, id)
	h.mu.Unlock()
}

func (h *host) request(id uint32) *pending {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requests[id]
}

func (h *host) addChannel(c *channel) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return false
	default:
	}
	h.channels[c.id] = c
	return true
}

// releaseChannel removes id and reports whether it was still present.
func (h *host) releaseChannel(id uint32) (*channel, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.channels[id]
	delete(h.channels, id)
	return c, ok
}

func (h *host) channel(id uint32) *channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.channels[id]
}

func (h *host) readLoop() {
	defer h.close()
	for {
		typ, data, err := h.conn.ReadMessage()
		if err != nil {
			return
		}
		switch typ {
		case websocket.BinaryMessage:
			h.handleBinary(data)
		case websocket.TextMessage:
			msg, err := proto.DecodeTunnelMsg(data)
			if err != nil {
				h.proxy.log.Debug().Err(err).Str("room", h.key).Msg("bad tunnel message")
				continue
			}
			h.handleMsg(msg)
		}
	}
}

func (h *host) handleBinary(data []byte) {
	id, payload, err := proto.DecodeChannelFrame(data)
	if err != nil {
		return
	}
	if p := h.request(id); p != nil {
		p.chunk(payload)
		return
	}
	if c := h.channel(id); c != nil {
		if err := c.writeGuest(websocket.BinaryMessage, payload); err != nil {
			h.closeChannel(id, websocket.CloseInternalServerErr, "guest write failed", true)
		}
	}
}

func (h *host) handleMsg(m proto.TunnelMsg) {
	switch m.Type {
	case proto.TunnelHTTPResponseHead:
		if p := h.request(m.ID); p != nil {
			p.head(m.Status, m.Headers)
		}
	case proto.TunnelHTTPResponseEnd:
		if p := h.request(m.ID); p != nil {
			p.end(m.Error)
		}
	case proto.TunnelWSMessage:
		c := h.channel(m.ID)
		if c == nil {
			return
		}
		typ, payload, err := decodeWSData(m)
		if err == nil {
			err = c.writeGuest(typ, payload)
		}
		if err != nil {
			h.closeChannel(m.ID, websocket.CloseInternalServerErr, "guest write failed", true)
		}
	case proto.TunnelWSClose:
		h.closeChannel(m.ID, m.Code, m.Reason, false)
	default:
		h.proxy.log.Debug().Str("room", h.key).Str("type", m.Type).Msg("unexpected tunnel message")
	}
}

// closeChannel releases id and closes the guest side. notifyHost sends a
// ws-close to the host as well.
func (h *host) closeChannel(id uint32, code int, reason string, notifyHost bool) {
	c, ok := h.releaseChannel(id)
	if !ok {
		return
	}
	c.closeGuest(code, reason)
	if notifyHost {
		_ = h.sendJSON(proto.TunnelMsg{Type: proto.TunnelWSClose, ID: id, Code: code, Reason: reason})
	}
}

// pending buffers one HTTP response as the host streams it.
type pending struct {
	mu     sync.Mutex
	status int
	header map[string][]string
	body   bytes.Buffer
	gotHdr bool
	ended  bool
	err    error
	notify chan struct{}
}

func newPending() *pending {
	return &pending{notify: make(chan struct{}, 1)}
}

func (p *pending) signal() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *pending) head(status int, hdr map[string][]string) {
	p.mu.Lock()
	if !p.gotHdr && !p.ended {
		p.gotHdr = true
		p.status = status
		p.header = hdr
	}
	p.mu.Unlock()
	p.signal()
}

func (p *pending) chunk(b []byte) {
	p.mu.Lock()
	if !p.ended {
		if p.body.Len()+len(b) > maxResponseBody {
			p.ended = true
			p.err = ErrTooLarge
		} else {
			p.body.Write(b)
		}
	}
	p.mu.Unlock()
	p.signal()
}

func (p *pending) end(errText string) {
	p.mu.Lock()
	if !p.ended {
		p.ended = true
		if errText != "" {
			p.err = errorString(errText)
		}
	}
	p.mu.Unlock()
	p.signal()
}

func (p *pending) fail(err error) {
	p.mu.Lock()
	if !p.ended {
		p.ended = true
		p.err = err
	}
	p.mu.Unlock()
	p.signal()
}

func (p *pending) finished() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ended, p.err
}

type errorString string

func (e errorString) Error() string { return string(e) }

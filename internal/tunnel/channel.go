package tunnel

import (
	"encoding/base64"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"veilmesh/internal/proto"
)

// channel is one guest WebSocket relayed over a host connection.
type channel struct {
	id      uint32
	conn    *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
}

func (c *channel) writeGuest(typ int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(typ, data)
}

func (c *channel) closeGuest(code int, reason string) {
	c.once.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(sendableCode(code), reason),
			time.Now().Add(writeTimeout))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
}

// sendableCode maps codes that may not appear on the wire to a normal close.
func sendableCode(code int) int {
	switch code {
	case 0, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		return websocket.CloseNormalClosure
	}
	return code
}

func wsOpenHeaders(r *http.Request) map[string][]string {
	out := make(map[string][]string)
	for _, k := range forwardedWSHdrs {
		if vs := r.Header.Values(k); len(vs) > 0 {
			out[k] = append([]string(nil), vs...)
		}
	}
	return out
}

func decodeWSData(m proto.TunnelMsg) (int, []byte, error) {
	if !m.Binary {
		return websocket.TextMessage, []byte(m.Data), nil
	}
	b, err := base64.StdEncoding.DecodeString(m.Data)
	return websocket.BinaryMessage, b, err
}

// serveChannel upgrades the guest and relays frames until either side closes.
func (p *Proxy) serveChannel(h *host, w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{
		ReadBufferSize:   16384,
		WriteBufferSize:  16384,
		HandshakeTimeout: registerTimeout,
		Subprotocols:     websocket.Subprotocols(r),
	}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(maxRequestBody)
	c := &channel{id: p.newID(), conn: conn}
	if !h.addChannel(c) {
		c.closeGuest(websocket.CloseGoingAway, ErrHostGone.Error())
		return
	}
	p.metrics.IncWSChannel()
	err = h.sendJSON(proto.TunnelMsg{
		Type:    proto.TunnelWSOpen,
		ID:      c.id,
		Path:    r.URL.RequestURI(),
		Headers: wsOpenHeaders(r),
	})
	if err != nil {
		h.closeChannel(c.id, websocket.CloseGoingAway, ErrHostGone.Error(), false)
		return
	}
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			code, reason := websocket.CloseNormalClosure, ""
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code, reason = ce.Code, ce.Text
			}
			h.closeChannel(c.id, code, reason, true)
			return
		}
		switch typ {
		case websocket.BinaryMessage:
			err = h.sendBinary(c.id, data)
		case websocket.TextMessage:
			err = h.sendJSON(proto.TunnelMsg{Type: proto.TunnelWSMessage, ID: c.id, Data: string(data)})
		}
		if err != nil {
			h.closeChannel(c.id, websocket.CloseGoingAway, ErrHostGone.Error(), false)
			return
		}
	}
}

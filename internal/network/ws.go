package network

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"veilmesh/internal/debuglog"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsWriteTimeout     = 10 * time.Second
	wsReadLimit        = 1 << 20
)

var Upgrader = websocket.Upgrader{
	ReadBufferSize:   16384,
	WriteBufferSize:  16384,
	HandshakeTimeout: wsHandshakeTimeout,
	CheckOrigin: func(r *http.Request) bool {
		return true // relay links are server-to-server
	},
}

// WSConn adapts a gorilla connection to Conn. Writes are serialized.
type WSConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	remote    string
}

func NewWSConn(conn *websocket.Conn) *WSConn {
	conn.SetReadLimit(wsReadLimit)
	return &WSConn{conn: conn, done: make(chan struct{}), remote: conn.RemoteAddr().String()}
}

func DialWS(ctx context.Context, url string) (*WSConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ws dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("ws dial %s: %w", url, err)
	}
	c := NewWSConn(conn)
	c.remote = url
	return c, nil
}

// UpgradeWS upgrades an inbound HTTP request to a WSConn.
func UpgradeWS(w http.ResponseWriter, r *http.Request) (*WSConn, error) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWSConn(conn), nil
}

func (c *WSConn) Send(data []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("ws closed")
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		_ = c.Close()
		return err
	}
	return nil
}

func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *WSConn) Done() <-chan struct{} { return c.done }

func (c *WSConn) RemoteAddr() string { return c.remote }

// ReadLoop delivers binary messages to handle until the connection fails,
// then closes it.
func (c *WSConn) ReadLoop(handle Handler) {
	defer c.Close()
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				debuglog.Debugf("ws read error remote=%s err=%v", c.remote, err)
			}
			return
		}
		if mt != websocket.BinaryMessage || handle == nil {
			continue
		}
		handle(c, data)
	}
}

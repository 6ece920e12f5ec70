package network

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Conn is a message-oriented link carrying whole packets.
type Conn interface {
	Send(data []byte) error
	Close() error
	// Done is closed once the link is gone.
	Done() <-chan struct{}
	RemoteAddr() string
}

// Handler receives one message read from c.
type Handler func(c Conn, data []byte)

func IsOpen(c Conn) bool {
	if c == nil {
		return false
	}
	select {
	case <-c.Done():
		return false
	default:
		return true
	}
}

// Dial opens a link to addr. ws:// and wss:// use WebSocket, quic:// uses a
// QUIC stream. Received messages go to handle until the link closes.
func Dial(ctx context.Context, addr string, handle Handler) (Conn, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
		c, err := DialWS(ctx, circuitURL(u))
		if err != nil {
			return nil, err
		}
		go c.ReadLoop(handle)
		return c, nil
	case "quic":
		c, err := DialQUIC(ctx, u.Host, true)
		if err != nil {
			return nil, err
		}
		go c.ReadLoop(handle)
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}

// circuitURL points a bare relay URL at its /circuit endpoint.
func circuitURL(u *url.URL) string {
	out := *u
	if out.Path == "" || out.Path == "/" {
		out.Path = CircuitPath
	}
	return out.String()
}

const CircuitPath = "/circuit"

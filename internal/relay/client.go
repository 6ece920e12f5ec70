package relay

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"veilmesh/internal/crypto"
	"veilmesh/internal/network"
	"veilmesh/internal/proto"
)

var ErrHandshake = errors.New("handshake failed")

// Client is the originating end of a circuit. Each hop adds one layer of
// sealing; hop 0 is the relay the client is connected to.
type Client struct {
	conn network.Conn
	id   uint32
	size int
	hops []crypto.SessionKeys
	pubs [][]byte
	in   chan []byte
}

// DialClient connects to a relay without performing the handshake.
func DialClient(ctx context.Context, addr string, packetSize int) (*Client, error) {
	if packetSize <= 0 {
		packetSize = proto.DefaultPacketSize
	}
	in := make(chan []byte, 256)
	conn, err := network.Dial(ctx, addr, func(_ network.Conn, data []byte) {
		select {
		case in <- data:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	var idb [4]byte
	if _, err := rand.Read(idb[:]); err != nil {
		_ = conn.Close()
		return nil, err
	}
	id := binary.BigEndian.Uint32(idb[:])
	if id == 0 {
		id = 1
	}
	return &Client{conn: conn, id: id, size: packetSize, in: in}, nil
}

func (c *Client) CircuitID() uint32 { return c.id }

// Hops is the number of established layers.
func (c *Client) Hops() int { return len(c.hops) }

// Keys returns the session keys of hop i.
func (c *Client) Keys(i int) crypto.SessionKeys { return c.hops[i] }

// RelayKey returns the handshake public key hop i answered with.
func (c *Client) RelayKey(i int) []byte { return c.pubs[i] }

// Fingerprint is a short identifier of hop i's session, safe to print.
func (c *Client) Fingerprint(i int) string {
	sum := crypto.SHA3_256(append(append([]byte(nil), c.hops[i].Tx...), c.hops[i].Rx...))
	return hex.EncodeToString(sum[:8])
}

type pendingHandshake struct {
	kp   crypto.KeyPair
	init proto.HandshakeInit
}

func (c *Client) newHandshake() (pendingHandshake, error) {
	kp, err := crypto.GenerateKxKeyPair(nil)
	if err != nil {
		return pendingHandshake{}, err
	}
	init := proto.HandshakeInit{CircuitID: c.id, ClientPub: kp.Public}
	if _, err := rand.Read(init.Nonce[:]); err != nil {
		return pendingHandshake{}, err
	}
	return pendingHandshake{kp: kp, init: init}, nil
}

func (c *Client) finish(p pendingHandshake, replyBody []byte) error {
	defer p.kp.Destroy()
	reply, err := proto.DecodeHandshakeReply(replyBody)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	keys, err := crypto.ClientSessionKeys(p.kp, reply.RelayPub)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	pt, err := crypto.Open(keys.Rx, reply.Sealed, crypto.CircuitAAD(c.id))
	if err != nil || !bytes.Equal(pt, proto.HandshakeConfirm(p.init.Nonce, c.id)) {
		keys.Destroy()
		return ErrHandshake
	}
	c.hops = append(c.hops, keys)
	c.pubs = append(c.pubs, reply.RelayPub)
	return nil
}

// Handshake establishes the first hop.
func (c *Client) Handshake(ctx context.Context) error {
	if len(c.hops) > 0 {
		return errors.New("already established")
	}
	p, err := c.newHandshake()
	if err != nil {
		return err
	}
	if err := c.sendBody(proto.EncodeHandshakeInit(p.init)); err != nil {
		return err
	}
	body, err := c.recvBody(ctx)
	if err != nil {
		return err
	}
	return c.finish(p, body)
}

// Extend asks the last established hop to extend the circuit to addr.
func (c *Client) Extend(ctx context.Context, addr string) error {
	if len(c.hops) == 0 {
		return errors.New("not established")
	}
	p, err := c.newHandshake()
	if err != nil {
		return err
	}
	f := proto.Frame{Type: proto.MsgRelay, NextHop: addr, Payload: proto.EncodeHandshakeInit(p.init)}
	if err := c.Send(f); err != nil {
		return err
	}
	reply, err := c.Recv(ctx)
	if err != nil {
		return err
	}
	if reply.Type != proto.MsgExtended {
		return fmt.Errorf("%w: got %v", ErrHandshake, reply.Type)
	}
	return c.finish(p, reply.Payload)
}

// Send seals f for the last hop and wraps it in RELAY layers for every hop
// before it.
func (c *Client) Send(f proto.Frame) error {
	n := len(c.hops)
	if n == 0 {
		return errors.New("not established")
	}
	body, err := c.seal(n-1, f)
	if err != nil {
		return err
	}
	for i := n - 2; i >= 0; i-- {
		body, err = c.seal(i, proto.Frame{Type: proto.MsgRelay, Payload: body})
		if err != nil {
			return err
		}
	}
	return c.sendBody(body)
}

// SendTo seals f for hop i only, skipping deeper layers.
func (c *Client) SendTo(i int, f proto.Frame) error {
	if i < 0 || i >= len(c.hops) {
		return errors.New("no such hop")
	}
	body, err := c.seal(i, f)
	if err != nil {
		return err
	}
	for j := i - 1; j >= 0; j-- {
		body, err = c.seal(j, proto.Frame{Type: proto.MsgRelay, Payload: body})
		if err != nil {
			return err
		}
	}
	return c.sendBody(body)
}

func (c *Client) seal(i int, f proto.Frame) ([]byte, error) {
	body, err := proto.EncodeFrameBody(f)
	if err != nil {
		return nil, err
	}
	return crypto.Seal(c.hops[i].Tx, body, crypto.CircuitAAD(c.id))
}

// Recv returns the next frame, peeled down to the innermost hop it came from.
func (c *Client) Recv(ctx context.Context) (proto.Frame, error) {
	for {
		body, err := c.recvBody(ctx)
		if err != nil {
			return proto.Frame{}, err
		}
		f, err := c.peel(body)
		if err != nil {
			continue
		}
		return f, nil
	}
}

func (c *Client) peel(body []byte) (proto.Frame, error) {
	var f proto.Frame
	for i := 0; i < len(c.hops); i++ {
		pt, err := crypto.Open(c.hops[i].Rx, body, crypto.CircuitAAD(c.id))
		if err != nil {
			return proto.Frame{}, err
		}
		f, err = proto.DecodeFrameBody(pt)
		if err != nil {
			return proto.Frame{}, err
		}
		if f.Type != proto.MsgRelay || i == len(c.hops)-1 {
			return f, nil
		}
		body = f.Payload
	}
	return f, nil
}

func (c *Client) sendBody(body []byte) error {
	pkt, err := proto.EncodePacket(c.id, body, c.size)
	if err != nil {
		return err
	}
	return c.conn.Send(pkt)
}

func (c *Client) recvBody(ctx context.Context) ([]byte, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.conn.Done():
			return nil, errors.New("link closed")
		case data := <-c.in:
			pkt, err := proto.DecodePacket(data)
			if err != nil || pkt.CircuitID != c.id {
				continue
			}
			return pkt.Body, nil
		}
	}
}

// Destroy tears the circuit down at the first hop and closes the link.
func (c *Client) Destroy() error {
	var err error
	if len(c.hops) > 0 {
		err = c.SendTo(0, proto.Frame{Type: proto.MsgCircuitDestroy})
	}
	c.Close()
	return err
}

func (c *Client) Close() {
	for i := range c.hops {
		c.hops[i].Destroy()
	}
	_ = c.conn.Close()
}

// internal/proto/cell.go
package proto

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

// Outer packet tags.
const (
	TagCell  byte = 0x01
	TagChaff byte = 0xFF
)

const (
	DefaultPacketSize = 512
	PacketHeaderSize  = 1 + 4 + 2
	MinPacketSize     = PacketHeaderSize

	HandshakeNonceSize = 16
	HandshakeBodySize  = HandshakeNonceSize + 4 + 32
	HandshakeMagic     = "VMH1"
	CookieSize         = 20
	RoomIDSize         = 32
	MaxHopLen          = 256
)

// MsgType is the first byte of an inner frame.
type MsgType byte

const (
	MsgRelay               MsgType = 0x01
	MsgData                MsgType = 0x02
	MsgExtended            MsgType = 0x03
	MsgEstablishRendezvous MsgType = 0x10
	MsgRendezvousJoin      MsgType = 0x11
	MsgRendezvousAck       MsgType = 0x12
	MsgTrackerRegister     MsgType = 0x40
	MsgTrackerQuery        MsgType = 0x41
	MsgTrackerResponse     MsgType = 0x42
	MsgTrackerHeartbeat    MsgType = 0x43
	MsgTrackerIntroduce    MsgType = 0x44
	MsgTrackerIntroduceDat MsgType = 0x45
	MsgCircuitDestroy      MsgType = 0xF0
	MsgChaff               MsgType = 0xFF
)

func (t MsgType) String() string {
	switch t {
	case MsgRelay:
		return "relay"
	case MsgData:
		return "data"
	case MsgExtended:
		return "extended"
	case MsgEstablishRendezvous:
		return "establish_rendezvous"
	case MsgRendezvousJoin:
		return "rendezvous_join"
	case MsgRendezvousAck:
		return "rendezvous_ack"
	case MsgTrackerRegister:
		return "tracker_register"
	case MsgTrackerQuery:
		return "tracker_query"
	case MsgTrackerResponse:
		return "tracker_response"
	case MsgTrackerHeartbeat:
		return "tracker_heartbeat"
	case MsgTrackerIntroduce:
		return "tracker_introduce"
	case MsgTrackerIntroduceDat:
		return "tracker_introduce_data"
	case MsgCircuitDestroy:
		return "circuit_destroy"
	case MsgChaff:
		return "chaff"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(t))
	}
}

// IsTracker reports whether t belongs to the tracker sub-protocol.
func (t MsgType) IsTracker() bool {
	return t >= MsgTrackerRegister && t <= MsgTrackerIntroduceDat
}

var (
	ErrShortPacket  = errors.New("short packet")
	ErrChaff        = errors.New("chaff packet")
	ErrUnknownTag   = errors.New("unknown packet tag")
	ErrBadHandshake = errors.New("bad handshake body")
	ErrShortFrame   = errors.New("short frame")
)

// Packet is a decoded outer packet.
type Packet struct {
	CircuitID uint32
	Body      []byte
}

// EncodePacket frames body for circuitID and pads to size with random bytes.
func EncodePacket(circuitID uint32, body []byte, size int) ([]byte, error) {
	if len(body) > 0xFFFF {
		return nil, fmt.Errorf("body too large: %d", len(body))
	}
	buf := make([]byte, PacketHeaderSize+len(body), max(size, PacketHeaderSize+len(body)))
	buf[0] = TagCell
	binary.BigEndian.PutUint32(buf[1:5], circuitID)
	binary.BigEndian.PutUint16(buf[5:7], uint16(len(body)))
	copy(buf[PacketHeaderSize:], body)
	return padRandom(buf, size), nil
}

// DecodePacket parses an outer packet. Chaff and short packets yield errors the
// caller treats as "ignore".
func DecodePacket(data []byte) (Packet, error) {
	if len(data) < MinPacketSize {
		return Packet{}, ErrShortPacket
	}
	switch data[0] {
	case TagChaff:
		return Packet{}, ErrChaff
	case TagCell:
	default:
		return Packet{}, ErrUnknownTag
	}
	id := binary.BigEndian.Uint32(data[1:5])
	n := int(binary.BigEndian.Uint16(data[5:7]))
	if PacketHeaderSize+n > len(data) {
		return Packet{}, ErrShortPacket
	}
	body := make([]byte, n)
	copy(body, data[PacketHeaderSize:PacketHeaderSize+n])
	return Packet{CircuitID: id, Body: body}, nil
}

// ChaffPacket returns a size-byte packet tagged as chaff, random otherwise.
func ChaffPacket(size int) []byte {
	if size < MinPacketSize {
		size = MinPacketSize
	}
	buf := make([]byte, size)
	_, _ = rand.Read(buf)
	buf[0] = TagChaff
	return buf
}

func padRandom(buf []byte, size int) []byte {
	if len(buf) >= size {
		return buf
	}
	n := len(buf)
	buf = buf[:size]
	_, _ = rand.Read(buf[n:])
	return buf
}

// -----------------------------------------------------------------------------
// Handshake
// -----------------------------------------------------------------------------

type HandshakeInit struct {
	Nonce     [HandshakeNonceSize]byte
	CircuitID uint32
	ClientPub []byte
}

func EncodeHandshakeInit(h HandshakeInit) []byte {
	out := make([]byte, HandshakeBodySize)
	copy(out, h.Nonce[:])
	binary.BigEndian.PutUint32(out[HandshakeNonceSize:], h.CircuitID)
	copy(out[HandshakeNonceSize+4:], h.ClientPub)
	return out
}

// DecodeHandshakeInit requires exactly HandshakeBodySize bytes.
func DecodeHandshakeInit(body []byte) (HandshakeInit, error) {
	if len(body) != HandshakeBodySize {
		return HandshakeInit{}, ErrBadHandshake
	}
	var h HandshakeInit
	copy(h.Nonce[:], body[:HandshakeNonceSize])
	h.CircuitID = binary.BigEndian.Uint32(body[HandshakeNonceSize:])
	h.ClientPub = append([]byte(nil), body[HandshakeNonceSize+4:]...)
	return h, nil
}

// HandshakeReply is magic ‖ relay public key ‖ sealed confirmation.
type HandshakeReply struct {
	RelayPub []byte
	Sealed   []byte
}

func EncodeHandshakeReply(r HandshakeReply) []byte {
	out := make([]byte, 0, len(HandshakeMagic)+len(r.RelayPub)+len(r.Sealed))
	out = append(out, HandshakeMagic...)
	out = append(out, r.RelayPub...)
	return append(out, r.Sealed...)
}

func DecodeHandshakeReply(body []byte) (HandshakeReply, error) {
	if len(body) < len(HandshakeMagic)+32 || !bytes.Equal(body[:4], []byte(HandshakeMagic)) {
		return HandshakeReply{}, ErrBadHandshake
	}
	return HandshakeReply{
		RelayPub: append([]byte(nil), body[4:36]...),
		Sealed:   append([]byte(nil), body[36:]...),
	}, nil
}

// HandshakeConfirm is the plaintext sealed inside a reply.
func HandshakeConfirm(nonce [HandshakeNonceSize]byte, circuitID uint32) []byte {
	out := make([]byte, HandshakeNonceSize+4)
	copy(out, nonce[:])
	binary.BigEndian.PutUint32(out[HandshakeNonceSize:], circuitID)
	return out
}

// -----------------------------------------------------------------------------
// Inner frames
// -----------------------------------------------------------------------------

type Frame struct {
	Type    MsgType
	NextHop string
	Payload []byte
}

func EncodeFrameBody(f Frame) ([]byte, error) {
	if len(f.NextHop) > MaxHopLen {
		return nil, fmt.Errorf("next hop too long")
	}
	out := make([]byte, 3+len(f.NextHop)+len(f.Payload))
	out[0] = byte(f.Type)
	binary.BigEndian.PutUint16(out[1:3], uint16(len(f.NextHop)))
	copy(out[3:], f.NextHop)
	copy(out[3+len(f.NextHop):], f.Payload)
	return out, nil
}

func DecodeFrameBody(data []byte) (Frame, error) {
	if len(data) < 3 {
		return Frame{}, ErrShortFrame
	}
	hopLen := int(binary.BigEndian.Uint16(data[1:3]))
	if hopLen > MaxHopLen || 3+hopLen > len(data) {
		return Frame{}, ErrShortFrame
	}
	return Frame{
		Type:    MsgType(data[0]),
		NextHop: string(data[3 : 3+hopLen]),
		Payload: append([]byte(nil), data[3+hopLen:]...),
	}, nil
}

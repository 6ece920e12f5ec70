package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	StatusOK   byte = 0x00
	StatusFail byte = 0x01

	FlagPrivate byte = 0x01

	MaxQueryCount = 100
	MaxURLLen     = 256
	MaxMetaLen    = 16 << 10
)

var ErrMalformed = errors.New("malformed tracker message")

type RegisterMsg struct {
	Private  bool
	RoomID   [RoomIDSize]byte
	RelayURL string
	Metadata []byte
}

type QueryMsg struct {
	Cursor uint32
	Count  uint16
}

type HeartbeatMsg struct {
	RoomID [RoomIDSize]byte
}

type IntroduceMsg struct {
	RoomID   [RoomIDSize]byte
	Cookie   [CookieSize]byte
	RelayURL string
}

type IntroduceDataMsg struct {
	Cookie   [CookieSize]byte
	RelayURL string
}

type RoomEntry struct {
	RoomID   [RoomIDSize]byte
	RelayURL string
	Metadata []byte
}

type ResponseMsg struct {
	ReqType MsgType
	Status  byte
	Body    []byte
}

type QueryResult struct {
	NextCursor uint32
	Rooms      []RoomEntry
}

// reader walks a byte slice and latches the first error.
type reader struct {
	b   []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.b) {
		r.err = ErrMalformed
		return nil
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *reader) u8() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) varBytes(limit int) []byte {
	n := int(r.u16())
	if r.err == nil && n > limit {
		r.err = ErrMalformed
		return nil
	}
	return append([]byte(nil), r.take(n)...)
}

func appendVar(out []byte, v []byte) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(v)))
	out = append(out, tmp[:]...)
	return append(out, v...)
}

func EncodeRegister(m RegisterMsg) ([]byte, error) {
	if len(m.RelayURL) > MaxURLLen || len(m.Metadata) > MaxMetaLen {
		return nil, fmt.Errorf("register: %w", ErrMalformed)
	}
	out := make([]byte, 0, 1+RoomIDSize+4+len(m.RelayURL)+len(m.Metadata))
	var flags byte
	if m.Private {
		flags |= FlagPrivate
	}
	out = append(out, flags)
	out = append(out, m.RoomID[:]...)
	out = appendVar(out, []byte(m.RelayURL))
	return appendVar(out, m.Metadata), nil
}

func DecodeRegister(data []byte) (RegisterMsg, error) {
	r := &reader{b: data}
	var m RegisterMsg
	m.Private = r.u8()&FlagPrivate != 0
	copy(m.RoomID[:], r.take(RoomIDSize))
	m.RelayURL = string(r.varBytes(MaxURLLen))
	m.Metadata = r.varBytes(MaxMetaLen)
	if r.err != nil {
		return RegisterMsg{}, r.err
	}
	return m, nil
}

func EncodeQuery(m QueryMsg) []byte {
	out := make([]byte, 6)
	binary.BigEndian.PutUint32(out[:4], m.Cursor)
	binary.BigEndian.PutUint16(out[4:], m.Count)
	return out
}

func DecodeQuery(data []byte) (QueryMsg, error) {
	r := &reader{b: data}
	m := QueryMsg{Cursor: r.u32(), Count: r.u16()}
	if r.err != nil {
		return QueryMsg{}, r.err
	}
	if m.Count == 0 || m.Count > MaxQueryCount {
		m.Count = MaxQueryCount
	}
	return m, nil
}

func EncodeHeartbeat(m HeartbeatMsg) []byte {
	return append([]byte(nil), m.RoomID[:]...)
}

func DecodeHeartbeat(data []byte) (HeartbeatMsg, error) {
	r := &reader{b: data}
	var m HeartbeatMsg
	copy(m.RoomID[:], r.take(RoomIDSize))
	if r.err != nil {
		return HeartbeatMsg{}, r.err
	}
	return m, nil
}

func EncodeIntroduce(m IntroduceMsg) ([]byte, error) {
	if len(m.RelayURL) > MaxURLLen {
		return nil, fmt.Errorf("introduce: %w", ErrMalformed)
	}
	out := make([]byte, 0, RoomIDSize+CookieSize+2+len(m.RelayURL))
	out = append(out, m.RoomID[:]...)
	out = append(out, m.Cookie[:]...)
	return appendVar(out, []byte(m.RelayURL)), nil
}

func DecodeIntroduce(data []byte) (IntroduceMsg, error) {
	r := &reader{b: data}
	var m IntroduceMsg
	copy(m.RoomID[:], r.take(RoomIDSize))
	copy(m.Cookie[:], r.take(CookieSize))
	m.RelayURL = string(r.varBytes(MaxURLLen))
	if r.err != nil {
		return IntroduceMsg{}, r.err
	}
	return m, nil
}

func EncodeIntroduceData(m IntroduceDataMsg) []byte {
	out := make([]byte, 0, CookieSize+2+len(m.RelayURL))
	out = append(out, m.Cookie[:]...)
	return appendVar(out, []byte(m.RelayURL))
}

func DecodeIntroduceData(data []byte) (IntroduceDataMsg, error) {
	r := &reader{b: data}
	var m IntroduceDataMsg
	copy(m.Cookie[:], r.take(CookieSize))
	m.RelayURL = string(r.varBytes(MaxURLLen))
	if r.err != nil {
		return IntroduceDataMsg{}, r.err
	}
	return m, nil
}

func EncodeResponse(m ResponseMsg) []byte {
	out := make([]byte, 0, 2+len(m.Body))
	out = append(out, byte(m.ReqType), m.Status)
	return append(out, m.Body...)
}

func DecodeResponse(data []byte) (ResponseMsg, error) {
	if len(data) < 2 {
		return ResponseMsg{}, ErrMalformed
	}
	return ResponseMsg{
		ReqType: MsgType(data[0]),
		Status:  data[1],
		Body:    append([]byte(nil), data[2:]...),
	}, nil
}

func EncodeQueryResult(q QueryResult) []byte {
	out := make([]byte, 6, 64)
	binary.BigEndian.PutUint32(out[:4], q.NextCursor)
	binary.BigEndian.PutUint16(out[4:6], uint16(len(q.Rooms)))
	for _, e := range q.Rooms {
		out = append(out, e.RoomID[:]...)
		out = appendVar(out, []byte(e.RelayURL))
		out = appendVar(out, e.Metadata)
	}
	return out
}

func DecodeQueryResult(data []byte) (QueryResult, error) {
	r := &reader{b: data}
	q := QueryResult{NextCursor: r.u32()}
	n := int(r.u16())
	for i := 0; i < n && r.err == nil; i++ {
		var e RoomEntry
		copy(e.RoomID[:], r.take(RoomIDSize))
		e.RelayURL = string(r.varBytes(MaxURLLen))
		e.Metadata = r.varBytes(MaxMetaLen)
		q.Rooms = append(q.Rooms, e)
	}
	if r.err != nil {
		return QueryResult{}, r.err
	}
	return q, nil
}

// LinkFrame is one message on a relay to tracker link:
// [circuitID:4][msgType:1][payload].
type LinkFrame struct {
	CircuitID uint32
	Type      MsgType
	Payload   []byte
}

func EncodeLinkFrame(f LinkFrame) []byte {
	out := make([]byte, 5+len(f.Payload))
	binary.BigEndian.PutUint32(out[:4], f.CircuitID)
	out[4] = byte(f.Type)
	copy(out[5:], f.Payload)
	return out
}

func DecodeLinkFrame(data []byte) (LinkFrame, error) {
	if len(data) < 5 {
		return LinkFrame{}, ErrMalformed
	}
	return LinkFrame{
		CircuitID: binary.BigEndian.Uint32(data[:4]),
		Type:      MsgType(data[4]),
		Payload:   append([]byte(nil), data[5:]...),
	}, nil
}

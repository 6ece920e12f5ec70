package proto

import (
	"bytes"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	payload := []byte{TagCell, 0, 0, 0, 1, 0, 0}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(payload, got) {
		t.Fatalf("payload mismatch")
	}
}

func TestPacketPaddedToSize(t *testing.T) {
	pkt, err := EncodePacket(42, []byte("body"), DefaultPacketSize)
	if err != nil {
		t.Fatalf("EncodePacket: %v", err)
	}
	if len(pkt) != DefaultPacketSize {
		t.Fatalf("expected %d bytes, got %d", DefaultPacketSize, len(pkt))
	}
	p, err := DecodePacket(pkt)
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}
	if p.CircuitID != 42 || string(p.Body) != "body" {
		t.Fatalf("unexpected packet %+v", p)
	}
}

func TestPacketOversizeNotTruncated(t *testing.T) {
	body := bytes.Repeat([]byte{7}, 600)
	pkt, err := EncodePacket(1, body, DefaultPacketSize)
	if err != nil {
		t.Fatalf("EncodePacket: %v", err)
	}
	p, err := DecodePacket(pkt)
	if err != nil || !bytes.Equal(p.Body, body) {
		t.Fatalf("oversize body lost: %v", err)
	}
}

func TestChaffAndShortPacketsIgnored(t *testing.T) {
	if _, err := DecodePacket(ChaffPacket(DefaultPacketSize)); err != ErrChaff {
		t.Fatalf("expected ErrChaff, got %v", err)
	}
	if _, err := DecodePacket([]byte{TagCell, 1}); err != ErrShortPacket {
		t.Fatalf("expected ErrShortPacket, got %v", err)
	}
	if len(ChaffPacket(DefaultPacketSize)) != DefaultPacketSize {
		t.Fatalf("chaff size mismatch")
	}
}

func TestFrameBody(t *testing.T) {
	data, err := EncodeFrameBody(Frame{Type: MsgRelay, NextHop: "ws://hop", Payload: []byte("x")})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f, err := DecodeFrameBody(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Type != MsgRelay || f.NextHop != "ws://hop" || string(f.Payload) != "x" {
		t.Fatalf("unexpected frame %+v", f)
	}
	if _, err := DecodeFrameBody([]byte{1, 0, 9, 'a'}); err == nil {
		t.Fatalf("expected hop length error")
	}
}

func TestQueryResultEncoding(t *testing.T) {
	var id [RoomIDSize]byte
	id[0] = 0xde
	q := QueryResult{NextCursor: 7, Rooms: []RoomEntry{{RoomID: id, RelayURL: "wss://r1", Metadata: []byte{1, 2}}}}
	got, err := DecodeQueryResult(EncodeQueryResult(q))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.NextCursor != 7 || len(got.Rooms) != 1 || got.Rooms[0].RelayURL != "wss://r1" {
		t.Fatalf("unexpected result %+v", got)
	}
	if _, err := DecodeRegister([]byte{0, 1, 2}); err == nil {
		t.Fatalf("expected malformed register")
	}
}

package proto

import (
	"testing"

	"veilmesh/internal/testutil"
)

func FuzzDecodePacket(f *testing.F) {
	f.Add([]byte{TagCell, 0, 0, 0, 1, 0, 2, 'h', 'i'})
	f.Add([]byte{TagChaff, 1, 2, 3})
	f.Add([]byte{TagCell, 0, 0, 0, 1, 0xff, 0xff})
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			pkt, err := DecodePacket(data)
			if err != nil {
				return
			}
			if len(pkt.Body) > len(data) {
				t.Fatalf("body longer than packet")
			}
		})
	})
}

func FuzzDecodeFrameBody(f *testing.F) {
	f.Add([]byte{byte(MsgRelay), 0, 5, 'w', 's', ':', '/', '/', 'x'})
	f.Add([]byte{byte(MsgData)})
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			fr, err := DecodeFrameBody(data)
			if err != nil {
				return
			}
			if _, err := EncodeFrameBody(fr); err != nil {
				t.Fatalf("decoded frame does not re-encode: %v", err)
			}
		})
	})
}

func FuzzDecodeTrackerMessages(f *testing.F) {
	f.Add([]byte{0, 1})
	f.Add(EncodeQuery(QueryMsg{Cursor: 3, Count: 10}))
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			_, _ = DecodeRegister(data)
			_, _ = DecodeQuery(data)
			_, _ = DecodeHeartbeat(data)
			_, _ = DecodeIntroduce(data)
			_, _ = DecodeIntroduceData(data)
			_, _ = DecodeResponse(data)
			_, _ = DecodeQueryResult(data)
			_, _ = DecodeLinkFrame(data)
		})
	})
}

func FuzzDecodeJSON(f *testing.F) {
	f.Add([]byte(`{"type":"register","roomKey":"abc123"}`))
	f.Add([]byte(`{"url":"wss://r","pk":"00","sig":"00","ts":1}`))
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			_, _ = DecodeTunnelMsg(data)
			_, _ = DecodeAnnouncement(data)
			_, _, _ = DecodeChannelFrame(data)
		})
	})
}

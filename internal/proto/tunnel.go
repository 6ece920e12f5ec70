package proto

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Tunnel control message types (JSON text frames on the host connection).
const (
	TunnelRegister         = "register"
	TunnelRegistered       = "registered"
	TunnelHTTPRequest      = "http-request"
	TunnelHTTPResponseHead = "http-response-head"
	TunnelHTTPResponseEnd  = "http-response-end"
	TunnelWSOpen           = "ws-open"
	TunnelWSMessage        = "ws-message"
	TunnelWSClose          = "ws-close"
)

// TunnelMsg is the union of all tunnel control messages. Fields unused by a
// given type are omitted on the wire.
type TunnelMsg struct {
	Type    string              `json:"type"`
	RoomKey string              `json:"roomKey,omitempty"`
	ID      uint32              `json:"id,omitempty"`
	Method  string              `json:"method,omitempty"`
	Path    string              `json:"path,omitempty"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    []byte              `json:"body,omitempty"`
	Status  int                 `json:"status,omitempty"`
	Data    string              `json:"data,omitempty"`
	Binary  bool                `json:"binary,omitempty"`
	Code    int                 `json:"code,omitempty"`
	Reason  string              `json:"reason,omitempty"`
	Error   string              `json:"error,omitempty"`
}

func EncodeTunnelMsg(m TunnelMsg) ([]byte, error) {
	if m.Type == "" {
		return nil, errors.New("missing tunnel msg type")
	}
	return json.Marshal(m)
}

func DecodeTunnelMsg(data []byte) (TunnelMsg, error) {
	var m TunnelMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return TunnelMsg{}, err
	}
	if m.Type == "" {
		return TunnelMsg{}, fmt.Errorf("missing tunnel msg type")
	}
	return m, nil
}

// EncodeChannelFrame prefixes payload with a 4-byte channel/request id.
func EncodeChannelFrame(id uint32, payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], id)
	copy(out[4:], payload)
	return out
}

func DecodeChannelFrame(data []byte) (uint32, []byte, error) {
	if len(data) < 4 {
		return 0, nil, ErrShortFrame
	}
	return binary.BigEndian.Uint32(data[:4]), data[4:], nil
}

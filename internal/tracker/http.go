package tracker

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"veilmesh/internal/proto"
)

const maxRegisterBody = 64 << 10

// HandleRooms serves GET /api/rooms (also mounted at /rooms and /).
func (t *Tracker) HandleRooms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, t.List())
}

// HandleRegister serves POST /api/register for publishers without a circuit.
func (t *Tracker) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRegisterBody+1))
	if err != nil || len(data) > maxRegisterBody {
		writeJSON(w, http.StatusBadRequest, proto.OKResponse{Error: "body too large"})
		return
	}
	var req proto.RegisterRequest
	if err := json.Unmarshal(data, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, proto.OKResponse{Error: "bad json"})
		return
	}
	msg, err := registerFromRequest(req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, proto.OKResponse{Error: err.Error()})
		return
	}
	if err := t.Register(msg, nil); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrCapacity) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, proto.OKResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, proto.OKResponse{OK: true})
}

func registerFromRequest(req proto.RegisterRequest) (proto.RegisterMsg, error) {
	id, ok := parseRoomID(req.RoomID)
	if !ok {
		return proto.RegisterMsg{}, errors.New("roomId must be 64 hex chars")
	}
	if len(req.RelayURL) == 0 || len(req.RelayURL) > proto.MaxURLLen {
		return proto.RegisterMsg{}, errors.New("bad relayUrl")
	}
	u, err := url.Parse(req.RelayURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return proto.RegisterMsg{}, errors.New("relayUrl must be ws:// or wss://")
	}
	meta, err := base64.StdEncoding.DecodeString(req.Metadata)
	if err != nil || len(meta) > proto.MaxMetaLen {
		return proto.RegisterMsg{}, errors.New("bad metadata")
	}
	return proto.RegisterMsg{Private: req.Private, RoomID: id, RelayURL: req.RelayURL, Metadata: meta}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

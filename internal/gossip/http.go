package gossip

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"veilmesh/internal/proto"
)

const maxAnnounceBody = 4 << 10

// HandlePeers serves GET /peers: active peers, self excluded.
func (s *Service) HandlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	active := s.peers.Active()
	out := proto.PeerList{Peers: make([]proto.PeerInfo, 0, len(active))}
	for _, p := range active {
		if p.KxPublicKey == "" {
			continue
		}
		out.Peers = append(out.Peers, proto.PeerInfo{
			URL:           p.URL,
			KxPublicKey:   p.KxPublicKey,
			SignPublicKey: p.SignPublicKey,
			Tracker:       p.Tracker,
			Timestamp:     p.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleAnnounce serves POST /peers/announce.
func (s *Service) HandleAnnounce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxAnnounceBody+1))
	if err != nil || len(data) > maxAnnounceBody {
		writeJSON(w, http.StatusBadRequest, proto.OKResponse{Error: "body too large"})
		return
	}
	a, err := proto.DecodeAnnouncement(data)
	if err != nil {
		s.metrics.IncRejected()
		writeJSON(w, http.StatusBadRequest, proto.OKResponse{Error: err.Error()})
		return
	}
	if err := s.Accept(r.Context(), a); err != nil {
		writeJSON(w, http.StatusBadRequest, proto.OKResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, proto.OKResponse{OK: true})
}

// HandlePK serves GET /pk.
func (s *Service) HandlePK(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, proto.NodeKeys{
		URL:           s.cfg.SelfURL,
		KxPublicKey:   hex.EncodeToString(s.kxPublic()),
		SignPublicKey: hex.EncodeToString(s.sign.Public),
		Tracker:       s.cfg.Tracker,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

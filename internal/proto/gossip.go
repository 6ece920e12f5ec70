package proto

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Announcement is a signed self-description pushed between relays.
type Announcement struct {
	URL           string `json:"url"`
	KxPublicKey   string `json:"pk"`
	SignPublicKey string `json:"spk"`
	Tracker       bool   `json:"tracker,omitempty"`
	Timestamp     int64  `json:"ts"`
	Signature     string `json:"sig"`
}

// AnnouncementSigInput is the signed byte string url|pk|timestamp.
func AnnouncementSigInput(url, pk string, ts int64) []byte {
	return []byte(url + "|" + pk + "|" + strconv.FormatInt(ts, 10))
}

// PeerInfo is one entry of the GET /peers list.
type PeerInfo struct {
	URL           string `json:"url"`
	KxPublicKey   string `json:"pk"`
	SignPublicKey string `json:"spk,omitempty"`
	Tracker       bool   `json:"tracker,omitempty"`
	Timestamp     int64  `json:"ts"`
}

type PeerList struct {
	Peers []PeerInfo `json:"peers"`
}

// NodeKeys is served on GET /pk.
type NodeKeys struct {
	URL           string `json:"url"`
	KxPublicKey   string `json:"pk"`
	SignPublicKey string `json:"spk"`
	Tracker       bool   `json:"tracker"`
}

// RoomInfo is the JSON form of a room in GET /api/rooms.
type RoomInfo struct {
	ID          string `json:"id"`
	Metadata    string `json:"metadata"`
	EntryRelay  string `json:"entryRelay"`
	Federated   bool   `json:"federated,omitempty"`
	SourceRelay string `json:"sourceRelay,omitempty"`
	ExpiresAt   int64  `json:"expiresAt,omitempty"`
}

type RoomList struct {
	Rooms []RoomInfo `json:"rooms"`
}

// RegisterRequest is the body of POST /api/register.
type RegisterRequest struct {
	RoomID   string `json:"roomId"`
	RelayURL string `json:"relayUrl"`
	Metadata string `json:"metadata"`
	Private  bool   `json:"private,omitempty"`
}

type OKResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func DecodeAnnouncement(data []byte) (Announcement, error) {
	var a Announcement
	if err := json.Unmarshal(data, &a); err != nil {
		return Announcement{}, err
	}
	if a.URL == "" || a.KxPublicKey == "" || a.Signature == "" {
		return Announcement{}, fmt.Errorf("incomplete announcement")
	}
	return a, nil
}

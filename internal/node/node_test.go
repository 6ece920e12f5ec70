package node

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"veilmesh/internal/config"
	"veilmesh/internal/proto"
	"veilmesh/internal/relay"
)

func testNode(t *testing.T, mutate func(*config.Config)) (*Node, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Identity = filepath.Join(cfg.DataDir, "identity.json")
	cfg.PeerFile = filepath.Join(cfg.DataDir, "peers.json")
	cfg.MaxJitter = 0
	if mutate != nil {
		mutate(&cfg)
	}
	n, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	srv := httptest.NewServer(n.Handler())
	t.Cleanup(func() {
		srv.Close()
		n.Relay.Close()
	})
	return n, srv
}

func TestPublicKeysEndpoint(t *testing.T) {
	n, srv := testNode(t, func(c *config.Config) { c.PublicURL = "wss://relay.example" })
	resp, err := http.Get(srv.URL + "/pk")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var keys proto.NodeKeys
	if err := json.NewDecoder(resp.Body).Decode(&keys); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if keys.URL != "wss://relay.example" || !keys.Tracker {
		t.Fatalf("keys = %+v", keys)
	}
	if keys.KxPublicKey != hex.EncodeToString(n.Relay.PublicKey()) || keys.SignPublicKey != hex.EncodeToString(n.Identity.Sign.Public) {
		t.Fatalf("keys do not match identity")
	}
}

func TestControlPlaneRateLimited(t *testing.T) {
	_, srv := testNode(t, func(c *config.Config) { c.RateMax = 3 })
	for i := 0; i < 3; i++ {
		resp, err := http.Get(srv.URL + "/peers")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d status = %d", i, resp.StatusCode)
		}
	}
	resp, err := http.Get(srv.URL + "/peers")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz limited: %d", resp.StatusCode)
	}
}

func TestRegisterAndListRooms(t *testing.T) {
	_, srv := testNode(t, nil)
	body, _ := json.Marshal(proto.RegisterRequest{
		RoomID:   strings.Repeat("cd", 32),
		RelayURL: "wss://relay.example",
		Metadata: "aGVsbG8=",
	})
	resp, err := http.Post(srv.URL+"/api/register", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	for _, path := range []string{"/api/rooms", "/rooms", "/"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		var list proto.RoomList
		_ = json.NewDecoder(resp.Body).Decode(&list)
		resp.Body.Close()
		if len(list.Rooms) != 1 || list.Rooms[0].ID != strings.Repeat("cd", 32) {
			t.Fatalf("%s rooms = %+v", path, list.Rooms)
		}
	}
}

func TestCircuitHandshakeOverNode(t *testing.T) {
	n, srv := testNode(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := relay.DialClient(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), 0)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if err := c.Handshake(ctx); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if !bytes.Equal(c.RelayKey(0), n.Relay.PublicKey()) {
		t.Fatalf("relay key mismatch")
	}
	if err := c.Send(proto.Frame{Type: proto.MsgTrackerQuery, Payload: proto.EncodeQuery(proto.QueryMsg{Count: 10})}); err != nil {
		t.Fatalf("send: %v", err)
	}
	f, err := c.Recv(ctx)
	if err != nil || f.Type != proto.MsgTrackerResponse {
		t.Fatalf("recv = %v %v", f.Type, err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Identity = filepath.Join(cfg.DataDir, "identity.json")
	cfg.PeerFile = filepath.Join(cfg.DataDir, "peers.json")
	cfg.Listen = "127.0.0.1:0"
	n, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop")
	}
}

func TestRunWritesMetricsSnapshot(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Identity = filepath.Join(cfg.DataDir, "identity.json")
	cfg.PeerFile = filepath.Join(cfg.DataDir, "peers.json")
	cfg.MetricsSnapshot = filepath.Join(cfg.DataDir, "metrics.json")
	cfg.Listen = "127.0.0.1:0"
	n, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop")
	}
	data, err := os.ReadFile(cfg.MetricsSnapshot)
	if err != nil {
		t.Fatalf("snapshot not written: %v", err)
	}
	if !json.Valid(data) {
		t.Fatalf("snapshot is not json: %q", data)
	}
}

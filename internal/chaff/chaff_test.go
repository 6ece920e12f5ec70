package chaff

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"veilmesh/internal/network"
	"veilmesh/internal/proto"
)

func TestChaffReconnectsAndPads(t *testing.T) {
	var conns, packets, bad atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := network.UpgradeWS(w, r)
		if err != nil {
			return
		}
		first := conns.Add(1) == 1
		var seen atomic.Int32
		c.ReadLoop(func(c network.Conn, data []byte) {
			if len(data) != 256 || data[0] != proto.TagChaff {
				bad.Add(1)
			}
			packets.Add(1)
			if first && seen.Add(1) == 3 {
				_ = c.Close()
			}
		})
	}))
	defer srv.Close()

	g := New(Config{
		Peers:      []string{"ws" + strings.TrimPrefix(srv.URL, "http")},
		Interval:   10 * time.Millisecond,
		PacketSize: 256,
		Reconnect:  20 * time.Millisecond,
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for conns.Load() < 2 || packets.Load() < 6 {
		if time.Now().After(deadline) {
			t.Fatalf("conns=%d packets=%d", conns.Load(), packets.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("generator did not stop")
	}
	if bad.Load() != 0 {
		t.Fatalf("%d packets were not chaff of the configured size", bad.Load())
	}
	if g.metrics.Snapshot().Circuit.ChaffSent == 0 {
		t.Fatalf("chaff not counted")
	}
}

package store

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRooms(t *testing.T) (*RedisRooms, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisRooms(client, "test"), mr
}

func TestRedisRoomsRoundTrip(t *testing.T) {
	s, _ := newTestRooms(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)
	room := Room{
		Metadata:    []byte{0, 1, 2, 0xff},
		RelayURL:    "wss://r1.example",
		Private:     true,
		CreatedAt:   now,
		ExpiresAt:   now.Add(2 * time.Minute),
		Federated:   true,
		SourceRelay: "wss://r2.example",
	}
	room.ID[0] = 0xde
	if err := s.SaveRoom(ctx, room); err != nil {
		t.Fatalf("save: %v", err)
	}
	rooms, err := s.LoadRooms(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(rooms) != 1 {
		t.Fatalf("expected 1 room, got %d", len(rooms))
	}
	got := rooms[0]
	if got.ID != room.ID || !bytes.Equal(got.Metadata, room.Metadata) || got.RelayURL != room.RelayURL {
		t.Fatalf("room mismatch: %+v", got)
	}
	if !got.Private || !got.Federated || got.SourceRelay != room.SourceRelay {
		t.Fatalf("flags mismatch: %+v", got)
	}
	if !got.CreatedAt.Equal(room.CreatedAt) || !got.ExpiresAt.Equal(room.ExpiresAt) {
		t.Fatalf("time mismatch: %+v", got)
	}

	if err := s.DeleteRoom(ctx, room.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	rooms, _ = s.LoadRooms(ctx)
	if len(rooms) != 0 {
		t.Fatalf("expected empty after delete")
	}
}

func TestRedisRoomsExpire(t *testing.T) {
	s, mr := newTestRooms(t)
	ctx := context.Background()
	room := Room{CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute), RelayURL: "wss://r1"}
	room.ID[1] = 1
	if err := s.SaveRoom(ctx, room); err != nil {
		t.Fatalf("save: %v", err)
	}
	mr.FastForward(2 * time.Minute)
	rooms, err := s.LoadRooms(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(rooms) != 0 {
		t.Fatalf("expected expired room gone")
	}
	if mr.Exists("test:rooms") {
		members, _ := mr.Members("test:rooms")
		if len(members) != 0 {
			t.Fatalf("expected index pruned, got %v", members)
		}
	}
}

func TestWriteJSONAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "peers.json")
	type rec struct {
		Name string `json:"name"`
	}
	var out rec
	found, err := ReadJSON(path, &out)
	if err != nil || found {
		t.Fatalf("expected missing file, found=%v err=%v", found, err)
	}
	if err := WriteJSONAtomic(path, rec{Name: "a"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := WriteJSONAtomic(path, rec{Name: "b"}); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	found, err = ReadJSON(path, &out)
	if err != nil || !found || out.Name != "b" {
		t.Fatalf("unexpected read: %+v found=%v err=%v", out, found, err)
	}
}

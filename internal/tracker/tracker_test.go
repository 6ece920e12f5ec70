package tracker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"veilmesh/internal/metrics"
	"veilmesh/internal/proto"
	"veilmesh/internal/store"
)

type sent struct {
	typ     proto.MsgType
	payload []byte
}

type fakeSession struct {
	id    uint32
	mu    sync.Mutex
	out   []sent
	alive bool
}

func newFakeSession(id uint32) *fakeSession { return &fakeSession{id: id, alive: true} }

func (s *fakeSession) ID() uint32 { return s.id }
func (s *fakeSession) Send(t proto.MsgType, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = append(s.out, sent{typ: t, payload: p})
	return nil
}
func (s *fakeSession) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}
func (s *fakeSession) last(t *testing.T) sent {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.out) == 0 {
		t.Fatalf("expected a message on session %d", s.id)
	}
	return s.out[len(s.out)-1]
}

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

func newTestTracker(cfg Config, rs store.RoomStore) (*Tracker, *testClock) {
	clock := &testClock{t: time.Unix(1_700_000_000, 0)}
	tr := New(cfg, rs, nil)
	tr.now = clock.now
	return tr, clock
}

func roomID(b byte) [32]byte {
	var id [32]byte
	for i := range id {
		id[i] = b
	}
	return id
}

func register(t *testing.T, tr *Tracker, id [32]byte, meta string, host Session) {
	t.Helper()
	msg := proto.RegisterMsg{RoomID: id, RelayURL: "wss://r1.example", Metadata: []byte(meta)}
	if err := tr.Register(msg, host); err != nil {
		t.Fatalf("register: %v", err)
	}
}

func TestQueryPaginationVisitsEachRoomOnce(t *testing.T) {
	tr, clock := newTestTracker(Config{}, nil)
	const n = 23
	for i := 0; i < n; i++ {
		clock.t = clock.t.Add(time.Millisecond)
		register(t, tr, roomID(byte(i+1)), "m", nil)
	}
	private := proto.RegisterMsg{Private: true, RoomID: roomID(0xEE), RelayURL: "wss://r1", Metadata: nil}
	if err := tr.Register(private, nil); err != nil {
		t.Fatalf("register private: %v", err)
	}
	seen := make(map[[32]byte]int)
	cursor := uint32(0)
	const count = 5
	for pages := 0; pages < 100; pages++ {
		res := tr.Query(cursor, count)
		for _, r := range res.Rooms {
			seen[r.RoomID]++
		}
		cursor = res.NextCursor
		if len(res.Rooms) < count {
			break
		}
	}
	if len(seen) != n {
		t.Fatalf("expected %d rooms, got %d", n, len(seen))
	}
	for id, c := range seen {
		if c != 1 {
			t.Fatalf("room %x seen %d times", id[:2], c)
		}
	}
	if _, ok := seen[roomID(0xEE)]; ok {
		t.Fatalf("private room leaked into query")
	}
}

func TestReRegisterKeepsCreatedAt(t *testing.T) {
	tr, clock := newTestTracker(Config{RoomTTL: time.Minute}, nil)
	id := roomID(1)
	register(t, tr, id, "meta", nil)
	first := tr.rooms[id].Room
	clock.t = clock.t.Add(30 * time.Second)
	register(t, tr, id, "meta", nil)
	second := tr.rooms[id].Room
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("createdAt changed")
	}
	if !second.ExpiresAt.After(first.ExpiresAt) {
		t.Fatalf("expected expiresAt extended")
	}
}

func TestRegisterCapacity(t *testing.T) {
	tr, _ := newTestTracker(Config{MaxRooms: 1}, nil)
	register(t, tr, roomID(1), "a", nil)
	err := tr.Register(proto.RegisterMsg{RoomID: roomID(2), RelayURL: "wss://x"}, nil)
	if !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	register(t, tr, roomID(1), "b", nil)
}

func TestHeartbeatUnknownRoom(t *testing.T) {
	tr, _ := newTestTracker(Config{}, nil)
	sess := newFakeSession(9)
	tr.Handle(sess, proto.MsgTrackerHeartbeat, proto.EncodeHeartbeat(proto.HeartbeatMsg{RoomID: roomID(4)}))
	resp, err := proto.DecodeResponse(sess.last(t).payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != proto.StatusFail || resp.ReqType != proto.MsgTrackerHeartbeat {
		t.Fatalf("expected heartbeat failure, got %+v", resp)
	}
	if local, _ := tr.Len(); local != 0 {
		t.Fatalf("heartbeat created a room")
	}
}

func TestHeartbeatExtends(t *testing.T) {
	tr, clock := newTestTracker(Config{RoomTTL: time.Minute}, nil)
	id := roomID(3)
	register(t, tr, id, "x", nil)
	clock.t = clock.t.Add(50 * time.Second)
	if err := tr.Heartbeat(id); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	clock.t = clock.t.Add(50 * time.Second)
	tr.Sweep()
	if local, _ := tr.Len(); local != 1 {
		t.Fatalf("expected room alive after heartbeat")
	}
	clock.t = clock.t.Add(time.Minute)
	tr.Sweep()
	if local, _ := tr.Len(); local != 0 {
		t.Fatalf("expected room expired")
	}
}

func TestIntroduceRoutesToHost(t *testing.T) {
	tr, _ := newTestTracker(Config{}, nil)
	host := newFakeSession(1)
	guest := newFakeSession(2)
	id := roomID(7)
	tr.Handle(host, proto.MsgTrackerRegister, mustRegister(t, id))

	var cookie [proto.CookieSize]byte
	copy(cookie[:], "0123456789abcdefghij")
	payload, _ := proto.EncodeIntroduce(proto.IntroduceMsg{RoomID: id, Cookie: cookie, RelayURL: "wss://guest-relay"})
	tr.Handle(guest, proto.MsgTrackerIntroduce, payload)

	push := host.last(t)
	if push.typ != proto.MsgTrackerIntroduceDat {
		t.Fatalf("expected introduce data on host, got %v", push.typ)
	}
	data, err := proto.DecodeIntroduceData(push.payload)
	if err != nil || data.Cookie != cookie || data.RelayURL != "wss://guest-relay" {
		t.Fatalf("bad introduce data: %+v %v", data, err)
	}
	resp, _ := proto.DecodeResponse(guest.last(t).payload)
	if resp.Status != proto.StatusOK {
		t.Fatalf("expected introduce ok")
	}

	host.mu.Lock()
	host.alive = false
	host.mu.Unlock()
	tr.Handle(guest, proto.MsgTrackerIntroduce, payload)
	resp, _ = proto.DecodeResponse(guest.last(t).payload)
	if resp.Status != proto.StatusFail {
		t.Fatalf("expected failure with dead host")
	}
	if tr.rooms[id].host != nil {
		t.Fatalf("expected stale host binding dropped")
	}
}

func mustRegister(t *testing.T, id [32]byte) []byte {
	t.Helper()
	p, err := proto.EncodeRegister(proto.RegisterMsg{RoomID: id, RelayURL: "wss://r1", Metadata: []byte("m")})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return p
}

func TestFederationMergeAndRemove(t *testing.T) {
	tr, _ := newTestTracker(Config{}, nil)
	meta := base64.StdEncoding.EncodeToString([]byte("sealed"))
	id := strings.Repeat("deadbeef", 8)
	tr.SetFederatedRooms("wss://r2", []proto.RoomInfo{{ID: id, Metadata: meta, EntryRelay: "wss://r2"}})

	list := tr.List()
	if len(list.Rooms) != 1 {
		t.Fatalf("expected 1 room, got %d", len(list.Rooms))
	}
	got := list.Rooms[0]
	if got.ID != id || !got.Federated || got.SourceRelay != "wss://r2" || got.Metadata != meta {
		t.Fatalf("unexpected federated room: %+v", got)
	}

	tr.SetFederatedRooms("wss://r2", nil)
	if len(tr.List().Rooms) != 0 {
		t.Fatalf("expected federated room removed")
	}
}

func TestFederationSkipsLocalAndReshared(t *testing.T) {
	tr, clock := newTestTracker(Config{RoomTTL: time.Minute}, nil)
	local := roomID(0xAA)
	register(t, tr, local, "mine", nil)
	localHex := strings.Repeat("aa", 32)
	otherHex := strings.Repeat("bb", 32)
	n := tr.SetFederatedRooms("wss://r2", []proto.RoomInfo{
		{ID: localHex, Metadata: "", EntryRelay: "wss://r2"},
		{ID: otherHex, Metadata: "", EntryRelay: "wss://r3", Federated: true, SourceRelay: "wss://r3"},
	})
	if n != 0 {
		t.Fatalf("expected nothing merged, got %d", n)
	}

	tr.SetFederatedRooms("wss://r2", []proto.RoomInfo{{ID: otherHex, EntryRelay: "wss://r2"}})
	clock.t = clock.t.Add(80 * time.Second)
	tr.Sweep()
	if _, fed := tr.Len(); fed != 1 {
		t.Fatalf("expected federated room to outlive local ttl")
	}
	clock.t = clock.t.Add(20 * time.Second)
	tr.Sweep()
	if _, fed := tr.Len(); fed != 0 {
		t.Fatalf("expected federated room expired after 1.5x ttl")
	}
}

func TestPersistAndLoad(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	rs := store.NewRedisRooms(client, "t")

	tr := New(Config{}, rs, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx, time.Hour)
		close(done)
	}()
	register(t, tr, roomID(5), "persisted", nil)
	deadline := time.Now().Add(2 * time.Second)
	for {
		rooms, _ := rs.LoadRooms(context.Background())
		if len(rooms) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("room never persisted")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	fresh := New(Config{}, rs, nil)
	n, err := fresh.Load(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("load: n=%d err=%v", n, err)
	}
	if !bytes.Equal(fresh.rooms[roomID(5)].Metadata, []byte("persisted")) {
		t.Fatalf("metadata not restored")
	}
}

func TestHTTPRegisterAndList(t *testing.T) {
	tr, _ := newTestTracker(Config{}, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/register", tr.HandleRegister)
	mux.HandleFunc("/api/rooms", tr.HandleRooms)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	body, _ := json.Marshal(proto.RegisterRequest{
		RoomID:   strings.Repeat("01", 32),
		RelayURL: "wss://r1.example",
		Metadata: base64.StdEncoding.EncodeToString([]byte("hello")),
	})
	resp, err := http.Post(srv.URL+"/api/register", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	bad, _ := json.Marshal(proto.RegisterRequest{RoomID: "zz", RelayURL: "wss://r1"})
	resp, _ = http.Post(srv.URL+"/api/register", "application/json", bytes.NewReader(bad))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/api/rooms")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var list proto.RoomList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Rooms) != 1 || list.Rooms[0].EntryRelay != "wss://r1.example" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func TestLinkServesRemoteCircuits(t *testing.T) {
	tr, _ := newTestTracker(Config{}, nil)
	srv := httptest.NewServer(http.HandlerFunc(tr.ServeLink))
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	frame := proto.EncodeLinkFrame(proto.LinkFrame{CircuitID: 77, Type: proto.MsgTrackerRegister, Payload: mustRegister(t, roomID(9))})
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	f, err := proto.DecodeLinkFrame(data)
	if err != nil || f.CircuitID != 77 || f.Type != proto.MsgTrackerResponse {
		t.Fatalf("unexpected frame %+v err=%v", f, err)
	}
	resp, _ := proto.DecodeResponse(f.Payload)
	if resp.Status != proto.StatusOK {
		t.Fatalf("expected register ok")
	}

	destroy := proto.EncodeLinkFrame(proto.LinkFrame{CircuitID: 77, Type: proto.MsgCircuitDestroy})
	_ = conn.WriteMessage(websocket.BinaryMessage, destroy)
	deadline := time.Now().Add(2 * time.Second)
	for {
		tr.mu.Lock()
		host := tr.rooms[roomID(9)].host
		tr.mu.Unlock()
		if host != nil && !host.Alive() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected host session dead after destroy")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func hexID(b byte) string {
	id := roomID(b)
	return hex.EncodeToString(id[:])
}

func TestQueryPaginationAcrossFederationRefresh(t *testing.T) {
	tr, clock := newTestTracker(Config{RoomTTL: time.Minute}, nil)
	var fed []proto.RoomInfo
	for i := 0; i < 5; i++ {
		fed = append(fed, proto.RoomInfo{ID: hexID(byte(0x80 + i)), EntryRelay: "wss://r2"})
	}
	tr.SetFederatedRooms("wss://r2", fed)
	for i := 0; i < 10; i++ {
		clock.t = clock.t.Add(time.Millisecond)
		register(t, tr, roomID(byte(i+1)), "m", nil)
	}

	seen := make(map[[32]byte]int)
	cursor := uint32(0)
	for pages := 0; pages < 10; pages++ {
		res := tr.Query(cursor, 5)
		for _, r := range res.Rooms {
			seen[r.RoomID]++
		}
		cursor = res.NextCursor
		if len(res.Rooms) < 5 {
			break
		}
		clock.t = clock.t.Add(time.Second)
		tr.SetFederatedRooms("wss://r2", fed)
	}
	if len(seen) != 15 {
		t.Fatalf("expected 15 rooms, got %d", len(seen))
	}
	for id, c := range seen {
		if c != 1 {
			t.Fatalf("room %x seen %d times", id[:2], c)
		}
	}
}

func drainPersist(tr *Tracker) {
	for {
		select {
		case op := <-tr.persist:
			tr.write(context.Background(), op)
		default:
			return
		}
	}
}

func TestLocalRoomSurvivesFederatedRemoval(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	rs := store.NewRedisRooms(client, "t")
	tr := New(Config{}, rs, nil)

	id := roomID(0x42)
	if n := tr.SetFederatedRooms("wss://r2", []proto.RoomInfo{{ID: hexID(0x42), EntryRelay: "wss://r2"}}); n != 1 {
		t.Fatalf("expected federated room merged, got %d", n)
	}
	drainPersist(tr)
	register(t, tr, id, "mine", nil)
	drainPersist(tr)
	if local, fed := tr.Len(); local != 1 || fed != 0 {
		t.Fatalf("expected local room to replace shadow, got local=%d federated=%d", local, fed)
	}

	tr.SetFederatedRooms("wss://r2", nil)
	tr.Sweep()
	drainPersist(tr)

	rooms, err := rs.LoadRooms(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(rooms) != 1 || rooms[0].ID != id || rooms[0].Federated {
		t.Fatalf("expected persisted local room, got %+v", rooms)
	}
	if !bytes.Equal(rooms[0].Metadata, []byte("mine")) {
		t.Fatalf("metadata not persisted: %q", rooms[0].Metadata)
	}
}

func TestFederatedRemovalSkipsLocalID(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	rs := store.NewRedisRooms(client, "t")
	tr := New(Config{}, rs, nil)

	id := roomID(0x43)
	register(t, tr, id, "mine", nil)
	drainPersist(tr)
	// a shadow restored from an older snapshot of the store
	tr.mu.Lock()
	tr.federated[id] = &room{Room: store.Room{ID: id, Federated: true, SourceRelay: "wss://r2", ExpiresAt: time.Now().Add(time.Minute)}}
	tr.mu.Unlock()

	tr.SetFederatedRooms("wss://r2", nil)
	drainPersist(tr)
	rooms, err := rs.LoadRooms(context.Background())
	if err != nil || len(rooms) != 1 {
		t.Fatalf("expected local room kept, got %d rooms err=%v", len(rooms), err)
	}
}

func TestRoomsGaugeCountsLocalRooms(t *testing.T) {
	m := metrics.New()
	tr := New(Config{}, nil, m)
	register(t, tr, roomID(1), "a", nil)
	register(t, tr, roomID(2), "b", nil)
	tr.SetFederatedRooms("wss://r2", []proto.RoomInfo{
		{ID: hexID(0x90), EntryRelay: "wss://r2"},
		{ID: hexID(0x91), EntryRelay: "wss://r2"},
	})
	tr.Sweep()
	if got := m.Snapshot().Tracker.Rooms; got != 2 {
		t.Fatalf("rooms gauge = %d, want 2", got)
	}
}

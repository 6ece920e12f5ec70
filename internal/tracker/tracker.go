// Package tracker is the room directory: register, query, heartbeat and
// introduce over circuits, plus federation with peer trackers.
package tracker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"veilmesh/internal/debuglog"
	"veilmesh/internal/metrics"
	"veilmesh/internal/proto"
	"veilmesh/internal/store"
)

const (
	DefaultRoomTTL      = 120 * time.Second
	DefaultMaxRooms     = 50000
	DefaultPersistQueue = 1024
	federatedTTLFactor  = 1.5
	persistTimeout      = 5 * time.Second
)

var (
	ErrCapacity    = errors.New("room table full")
	ErrUnknownRoom = errors.New("unknown room")
	ErrNoHost      = errors.New("room host unavailable")
)

// Session is the circuit a tracker message arrived on. Hosts that register a
// room keep their session so INTRODUCE can reach them later.
type Session interface {
	ID() uint32
	Send(t proto.MsgType, payload []byte) error
	Alive() bool
}

type Config struct {
	RoomTTL      time.Duration
	MaxRooms     int
	PersistQueue int
}

func (c *Config) applyDefaults() {
	if c.RoomTTL <= 0 {
		c.RoomTTL = DefaultRoomTTL
	}
	if c.MaxRooms <= 0 {
		c.MaxRooms = DefaultMaxRooms
	}
	if c.PersistQueue <= 0 {
		c.PersistQueue = DefaultPersistQueue
	}
}

type room struct {
	store.Room
	host Session
}

type persistOp struct {
	del  bool
	id   [32]byte
	room store.Room
}

type Tracker struct {
	mu        sync.Mutex
	rooms     map[[32]byte]*room
	federated map[[32]byte]*room

	cfg     Config
	store   store.RoomStore
	persist chan persistOp
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

// New builds a tracker. rs may be nil, in which case rooms live in memory only.
func New(cfg Config, rs store.RoomStore, m *metrics.Metrics) *Tracker {
	cfg.applyDefaults()
	if m == nil {
		m = metrics.New()
	}
	return &Tracker{
		rooms:     make(map[[32]byte]*room),
		federated: make(map[[32]byte]*room),
		cfg:       cfg,
		store:     rs,
		persist:   make(chan persistOp, cfg.PersistQueue),
		metrics:   m,
		log:       debuglog.Component("tracker"),
		now:       time.Now,
	}
}

// -----------------------------------------------------------------------------
// Circuit sub-protocol
// -----------------------------------------------------------------------------

// Handle serves one tracker message from sess and answers on the same session.
func (t *Tracker) Handle(sess Session, typ proto.MsgType, payload []byte) {
	status := proto.StatusOK
	var body []byte
	switch typ {
	case proto.MsgTrackerRegister:
		msg, err := proto.DecodeRegister(payload)
		if err == nil {
			err = t.Register(msg, sess)
		}
		if err != nil {
			t.log.Debug().Err(err).Uint32("circuit", sess.ID()).Msg("register rejected")
			status = proto.StatusFail
		}
	case proto.MsgTrackerQuery:
		msg, err := proto.DecodeQuery(payload)
		if err != nil {
			status = proto.StatusFail
			break
		}
		body = proto.EncodeQueryResult(t.Query(msg.Cursor, int(msg.Count)))
	case proto.MsgTrackerHeartbeat:
		msg, err := proto.DecodeHeartbeat(payload)
		if err == nil {
			err = t.Heartbeat(msg.RoomID)
		}
		if err != nil {
			status = proto.StatusFail
		}
	case proto.MsgTrackerIntroduce:
		msg, err := proto.DecodeIntroduce(payload)
		if err == nil {
			err = t.Introduce(msg)
		}
		if err != nil {
			t.log.Debug().Err(err).Msg("introduce failed")
			status = proto.StatusFail
		}
	default:
		status = proto.StatusFail
	}
	resp := proto.EncodeResponse(proto.ResponseMsg{ReqType: typ, Status: status, Body: body})
	if err := sess.Send(proto.MsgTrackerResponse, resp); err != nil {
		t.log.Debug().Err(err).Uint32("circuit", sess.ID()).Msg("tracker response not delivered")
	}
}

// Register inserts or refreshes a local room. host may be nil for rooms
// published over HTTP.
func (t *Tracker) Register(msg proto.RegisterMsg, host Session) error {
	if msg.RelayURL == "" || len(msg.RelayURL) > proto.MaxURLLen {
		return proto.ErrMalformed
	}
	now := t.now()
	t.mu.Lock()
	r, ok := t.rooms[msg.RoomID]
	if !ok {
		if len(t.rooms) >= t.cfg.MaxRooms {
			t.mu.Unlock()
			return ErrCapacity
		}
		r = &room{Room: store.Room{ID: msg.RoomID, CreatedAt: now}}
		t.rooms[msg.RoomID] = r
		// the local record replaces the shadow under the same store key
		delete(t.federated, msg.RoomID)
	}
	r.Metadata = append([]byte(nil), msg.Metadata...)
	r.RelayURL = msg.RelayURL
	r.Private = msg.Private
	r.ExpiresAt = now.Add(t.cfg.RoomTTL)
	if host != nil {
		r.host = host
	}
	snap := r.Room
	n := len(t.rooms)
	t.mu.Unlock()

	t.metrics.IncRegistered()
	t.metrics.SetRooms(n)
	t.enqueue(persistOp{room: snap})
	return nil
}

// Query returns up to count public rooms starting at cursor. Local rooms win
// over federated ones with the same id.
func (t *Tracker) Query(cursor uint32, count int) proto.QueryResult {
	if count <= 0 || count > proto.MaxQueryCount {
		count = proto.MaxQueryCount
	}
	t.metrics.IncQueries()
	all := t.publicRooms()
	start := int(cursor)
	if start > len(all) {
		start = len(all)
	}
	end := start + count
	if end > len(all) {
		end = len(all)
	}
	out := proto.QueryResult{NextCursor: uint32(end)}
	for _, r := range all[start:end] {
		out.Rooms = append(out.Rooms, proto.RoomEntry{RoomID: r.ID, RelayURL: r.RelayURL, Metadata: r.Metadata})
	}
	return out
}

// publicRooms is the ordered union used for pagination.
func (t *Tracker) publicRooms() []store.Room {
	now := t.now()
	t.mu.Lock()
	out := make([]store.Room, 0, len(t.rooms)+len(t.federated))
	for _, r := range t.rooms {
		if r.Private || !now.Before(r.ExpiresAt) {
			continue
		}
		out = append(out, r.Room)
	}
	for id, r := range t.federated {
		if r.Private || !now.Before(r.ExpiresAt) {
			continue
		}
		if _, local := t.rooms[id]; local {
			continue
		}
		out = append(out, r.Room)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out
}

// Heartbeat extends a live local room. Unknown rooms are not created.
func (t *Tracker) Heartbeat(id [32]byte) error {
	now := t.now()
	t.mu.Lock()
	r, ok := t.rooms[id]
	if !ok || !now.Before(r.ExpiresAt) {
		t.mu.Unlock()
		return ErrUnknownRoom
	}
	r.ExpiresAt = now.Add(t.cfg.RoomTTL)
	snap := r.Room
	t.mu.Unlock()
	t.enqueue(persistOp{room: snap})
	return nil
}

// Introduce pushes the guest's cookie and relay to the room's host circuit.
func (t *Tracker) Introduce(msg proto.IntroduceMsg) error {
	t.mu.Lock()
	r, ok := t.rooms[msg.RoomID]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownRoom
	}
	host := r.host
	if host == nil {
		t.mu.Unlock()
		return ErrNoHost
	}
	if !host.Alive() {
		r.host = nil
		t.mu.Unlock()
		return ErrNoHost
	}
	t.mu.Unlock()

	data := proto.EncodeIntroduceData(proto.IntroduceDataMsg{Cookie: msg.Cookie, RelayURL: msg.RelayURL})
	if err := host.Send(proto.MsgTrackerIntroduceDat, data); err != nil {
		t.mu.Lock()
		if cur, ok := t.rooms[msg.RoomID]; ok && cur.host == host {
			cur.host = nil
		}
		t.mu.Unlock()
		return ErrNoHost
	}
	t.metrics.IncIntroduced()
	return nil
}

// -----------------------------------------------------------------------------
// Federation
// -----------------------------------------------------------------------------

// SetFederatedRooms replaces every federated room previously sourced from
// source. Entries that are themselves federated, private, malformed or held
// locally are skipped.
func (t *Tracker) SetFederatedRooms(source string, list []proto.RoomInfo) int {
	now := t.now()
	ttl := time.Duration(float64(t.cfg.RoomTTL) * federatedTTLFactor)
	var ops []persistOp
	t.mu.Lock()
	created := make(map[[32]byte]time.Time)
	for id, r := range t.federated {
		if r.SourceRelay == source {
			created[id] = r.CreatedAt
			delete(t.federated, id)
		}
	}
	added := 0
	for _, info := range list {
		if info.Federated {
			continue
		}
		id, ok := parseRoomID(info.ID)
		if !ok {
			continue
		}
		if _, local := t.rooms[id]; local {
			continue
		}
		if prev, ok := t.federated[id]; ok && prev.SourceRelay != source {
			continue
		}
		meta, err := base64.StdEncoding.DecodeString(info.Metadata)
		if err != nil || len(meta) > proto.MaxMetaLen {
			continue
		}
		if info.EntryRelay == "" || len(info.EntryRelay) > proto.MaxURLLen {
			continue
		}
		createdAt, seen := created[id]
		if !seen {
			createdAt = now
		}
		r := &room{Room: store.Room{
			ID:          id,
			Metadata:    meta,
			RelayURL:    info.EntryRelay,
			CreatedAt:   createdAt,
			ExpiresAt:   now.Add(ttl),
			Federated:   true,
			SourceRelay: source,
		}}
		t.federated[id] = r
		ops = append(ops, persistOp{room: r.Room})
		added++
	}
	for id := range created {
		_, back := t.federated[id]
		if _, local := t.rooms[id]; !local && !back {
			ops = append(ops, persistOp{del: true, id: id})
		}
	}
	t.mu.Unlock()
	for _, op := range ops {
		t.enqueue(op)
	}
	return added
}

func parseRoomID(s string) ([32]byte, bool) {
	var id [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(id) {
		return id, false
	}
	copy(id[:], raw)
	return id, true
}

// List returns the public room list served over HTTP: local rooms plus
// federated shadows, the latter tagged with their source.
func (t *Tracker) List() proto.RoomList {
	rooms := t.publicRooms()
	out := proto.RoomList{Rooms: make([]proto.RoomInfo, 0, len(rooms))}
	for _, r := range rooms {
		out.Rooms = append(out.Rooms, proto.RoomInfo{
			ID:          hex.EncodeToString(r.ID[:]),
			Metadata:    base64.StdEncoding.EncodeToString(r.Metadata),
			EntryRelay:  r.RelayURL,
			Federated:   r.Federated,
			SourceRelay: r.SourceRelay,
			ExpiresAt:   r.ExpiresAt.UnixMilli(),
		})
	}
	return out
}

// -----------------------------------------------------------------------------
// Maintenance
// -----------------------------------------------------------------------------

// Sweep drops expired rooms and host bindings whose circuit is gone.
func (t *Tracker) Sweep() int {
	now := t.now()
	var ops []persistOp
	t.mu.Lock()
	for id, r := range t.rooms {
		if !now.Before(r.ExpiresAt) {
			delete(t.rooms, id)
			ops = append(ops, persistOp{del: true, id: id})
			continue
		}
		if r.host != nil && !r.host.Alive() {
			r.host = nil
		}
	}
	for id, r := range t.federated {
		if !now.Before(r.ExpiresAt) {
			delete(t.federated, id)
			if _, local := t.rooms[id]; !local {
				ops = append(ops, persistOp{del: true, id: id})
			}
		}
	}
	n := len(t.rooms)
	t.mu.Unlock()
	t.metrics.SetRooms(n)
	for _, op := range ops {
		t.enqueue(op)
	}
	return len(ops)
}

// Load merges persisted rooms, keeping fresher in-memory entries.
func (t *Tracker) Load(ctx context.Context) (int, error) {
	if t.store == nil {
		return 0, nil
	}
	rooms, err := t.store.LoadRooms(ctx)
	if err != nil {
		return 0, err
	}
	now := t.now()
	loaded := 0
	t.mu.Lock()
	for _, r := range rooms {
		if !now.Before(r.ExpiresAt) {
			continue
		}
		target := t.rooms
		if r.Federated {
			if _, local := t.rooms[r.ID]; local {
				continue
			}
			target = t.federated
		}
		if cur, ok := target[r.ID]; ok && !cur.ExpiresAt.Before(r.ExpiresAt) {
			continue
		}
		if !r.Federated && len(t.rooms) >= t.cfg.MaxRooms {
			continue
		}
		target[r.ID] = &room{Room: r}
		loaded++
	}
	n := len(t.rooms)
	t.mu.Unlock()
	t.metrics.SetRooms(n)
	return loaded, nil
}

func (t *Tracker) enqueue(op persistOp) {
	if t.store == nil {
		return
	}
	select {
	case t.persist <- op:
	default:
		t.metrics.IncPersistDrop()
		debuglog.RateLimitedf("tracker-persist-drop", time.Minute, "tracker persist queue full")
	}
}

// Run drains the persistence queue and sweeps on interval until ctx ends.
func (t *Tracker) Run(ctx context.Context, sweepEvery time.Duration) {
	if sweepEvery <= 0 {
		sweepEvery = 15 * time.Second
	}
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-t.persist:
			t.write(ctx, op)
		case <-ticker.C:
			t.Sweep()
		}
	}
}

func (t *Tracker) write(ctx context.Context, op persistOp) {
	wctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	var err error
	if op.del {
		err = t.store.DeleteRoom(wctx, op.id)
	} else {
		err = t.store.SaveRoom(wctx, op.room)
	}
	if err != nil {
		debuglog.RateLimitedf("tracker-persist-err", time.Minute, "tracker persist failed: %v", err)
	}
}

// Len reports local and federated room counts.
func (t *Tracker) Len() (local, federated int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rooms), len(t.federated)
}

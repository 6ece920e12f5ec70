package store

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisPrefix = "veilmesh"

// Room is the durable form of a tracker room record.
type Room struct {
	ID          [32]byte
	Metadata    []byte
	RelayURL    string
	Private     bool
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Federated   bool
	SourceRelay string
}

// RoomStore is an optional durability cache for tracker rooms.
type RoomStore interface {
	SaveRoom(ctx context.Context, r Room) error
	DeleteRoom(ctx context.Context, id [32]byte) error
	LoadRooms(ctx context.Context) ([]Room, error)
}

// RedisRooms keeps one hash per room, expiring with the room, plus an index set.
type RedisRooms struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRooms(client redis.UniversalClient, prefix string) *RedisRooms {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisRooms{client: client, prefix: prefix}
}

// OpenRedis connects to url (redis://...) and checks the server responds.
func OpenRedis(ctx context.Context, url, prefix string) (*RedisRooms, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisRooms(client, prefix), nil
}

func (s *RedisRooms) Close() error { return s.client.Close() }

func (s *RedisRooms) indexKey() string { return s.prefix + ":rooms" }

func (s *RedisRooms) roomKey(idHex string) string { return s.prefix + ":room:" + idHex }

func (s *RedisRooms) SaveRoom(ctx context.Context, r Room) error {
	idHex := hex.EncodeToString(r.ID[:])
	key := s.roomKey(idHex)
	fields := map[string]any{
		"meta":      string(r.Metadata),
		"url":       r.RelayURL,
		"private":   boolField(r.Private),
		"created":   strconv.FormatInt(r.CreatedAt.UnixMilli(), 10),
		"expires":   strconv.FormatInt(r.ExpiresAt.UnixMilli(), 10),
		"federated": boolField(r.Federated),
		"source":    r.SourceRelay,
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.ExpireAt(ctx, key, r.ExpiresAt)
		pipe.SAdd(ctx, s.indexKey(), idHex)
		return nil
	})
	return err
}

func (s *RedisRooms) DeleteRoom(ctx context.Context, id [32]byte) error {
	idHex := hex.EncodeToString(id[:])
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.roomKey(idHex))
		pipe.SRem(ctx, s.indexKey(), idHex)
		return nil
	})
	return err
}

// LoadRooms returns every stored room. Index entries whose hash has expired
// are pruned.
func (s *RedisRooms) LoadRooms(ctx context.Context) ([]Room, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Room, 0, len(ids))
	var stale []any
	for _, idHex := range ids {
		fields, err := s.client.HGetAll(ctx, s.roomKey(idHex)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		if len(fields) == 0 {
			stale = append(stale, idHex)
			continue
		}
		r, err := parseRoom(idHex, fields)
		if err != nil {
			stale = append(stale, idHex)
			continue
		}
		out = append(out, r)
	}
	if len(stale) > 0 {
		_ = s.client.SRem(ctx, s.indexKey(), stale...).Err()
	}
	return out, nil
}

func parseRoom(idHex string, f map[string]string) (Room, error) {
	var r Room
	raw, err := hex.DecodeString(idHex)
	if err != nil || len(raw) != len(r.ID) {
		return Room{}, fmt.Errorf("bad room id %q", idHex)
	}
	copy(r.ID[:], raw)
	created, err := strconv.ParseInt(f["created"], 10, 64)
	if err != nil {
		return Room{}, fmt.Errorf("bad created: %w", err)
	}
	expires, err := strconv.ParseInt(f["expires"], 10, 64)
	if err != nil {
		return Room{}, fmt.Errorf("bad expires: %w", err)
	}
	r.Metadata = []byte(f["meta"])
	r.RelayURL = f["url"]
	r.Private = f["private"] == "1"
	r.CreatedAt = time.UnixMilli(created)
	r.ExpiresAt = time.UnixMilli(expires)
	r.Federated = f["federated"] == "1"
	r.SourceRelay = f["source"]
	return r, nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

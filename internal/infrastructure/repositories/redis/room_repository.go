package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"jamlink/internal/core/domain"
	"jamlink/internal/core/ports"
	"jamlink/pkg/cache"
	"jamlink/pkg/retry"

	"github.com/redis/go-redis/v9"
)

const roomKeyPrefix = "jamlink:room:"

// lookupTTL bounds how stale a cached room read may be. The instrument
// broadcast on the signaling channel does not read through this cache, so
// staleness only affects diagnostic reads.
const lookupTTL = time.Second

// RoomRepository stores rooms in Redis so several signaling instances can
// share one registry. Insert uses SET NX for atomic insert-if-absent;
// SetInstrument uses WATCH/MULTI optimistic concurrency with bounded retry.
type RoomRepository struct {
	client *redis.Client
	cache  *cache.Cache
}

func NewRoomRepository(client *redis.Client) ports.RoomRepository {
	return &RoomRepository{
		client: client,
		cache:  cache.New(lookupTTL),
	}
}

func roomKey(slug domain.Slug) string {
	return roomKeyPrefix + string(slug)
}

func (r *RoomRepository) Insert(ctx context.Context, room *domain.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("marshal room: %w", err)
	}

	ok, err := r.client.SetNX(ctx, roomKey(room.Slug), data, 0).Result()
	if err != nil {
		return fmt.Errorf("insert room %s: %w", room.Slug, err)
	}
	if !ok {
		return domain.ErrRoomExists
	}

	return nil
}

func (r *RoomRepository) Get(ctx context.Context, slug domain.Slug) (*domain.Room, error) {
	if v, ok := r.cache.Get(string(slug)); ok {
		room := v.(domain.Room)
		return &room, nil
	}

	data, err := r.client.Get(ctx, roomKey(slug)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get room %s: %w", slug, err)
	}

	var room domain.Room
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, fmt.Errorf("unmarshal room %s: %w", slug, err)
	}

	r.cache.Set(string(slug), room)
	return &room, nil
}

func (r *RoomRepository) SetInstrument(ctx context.Context, slug domain.Slug, instrument domain.Instrument) (*domain.Room, error) {
	var updated domain.Room

	txn := func() error {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, roomKey(slug)).Bytes()
			if errors.Is(err, redis.Nil) {
				return retry.Permanent(domain.ErrRoomNotFound)
			}
			if err != nil {
				return err
			}

			var room domain.Room
			if err := json.Unmarshal(data, &room); err != nil {
				return retry.Permanent(fmt.Errorf("unmarshal room %s: %w", slug, err))
			}

			room.Instrument = instrument
			out, err := json.Marshal(&room)
			if err != nil {
				return retry.Permanent(fmt.Errorf("marshal room %s: %w", slug, err))
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, roomKey(slug), out, 0)
				return nil
			})
			if err != nil {
				return err
			}

			updated = room
			return nil
		}, roomKey(slug))
		return err
	}

	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 5
	if err := retry.Do(ctx, cfg, txn); err != nil {
		return nil, err
	}

	r.cache.Delete(string(slug))
	return &updated, nil
}

func (r *RoomRepository) Delete(ctx context.Context, slug domain.Slug) error {
	if err := r.client.Del(ctx, roomKey(slug)).Err(); err != nil {
		return fmt.Errorf("delete room %s: %w", slug, err)
	}
	r.cache.Delete(string(slug))
	return nil
}

func (r *RoomRepository) List(ctx context.Context) ([]*domain.Room, error) {
	var rooms []*domain.Room

	iter := r.client.Scan(ctx, 0, roomKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // deleted between scan and get
		}
		if err != nil {
			return nil, fmt.Errorf("list rooms: %w", err)
		}

		var room domain.Room
		if err := json.Unmarshal(data, &room); err != nil {
			return nil, fmt.Errorf("list rooms: unmarshal %s: %w", iter.Val(), err)
		}
		rooms = append(rooms, &room)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}

	return rooms, nil
}

package memory

import (
	"context"
	"sync"

	"jamlink/internal/core/domain"
	"jamlink/internal/core/ports"
)

// RoomRepository keeps live rooms in a mutexed map. Insert is
// insert-if-absent under the lock, so the generate-check-insert sequence in
// the room service has no TOCTOU window for a single candidate slug.
type RoomRepository struct {
	rooms map[domain.Slug]domain.Room
	mu    sync.RWMutex
}

func NewRoomRepository() ports.RoomRepository {
	return &RoomRepository{
		rooms: make(map[domain.Slug]domain.Room),
	}
}

func (r *RoomRepository) Insert(ctx context.Context, room *domain.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[room.Slug]; exists {
		return domain.ErrRoomExists
	}

	r.rooms[room.Slug] = *room
	return nil
}

func (r *RoomRepository) Get(ctx context.Context, slug domain.Slug) (*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, exists := r.rooms[slug]
	if !exists {
		return nil, domain.ErrRoomNotFound
	}

	out := room
	return &out, nil
}

// SetInstrument replaces the stored room atomically. The instrument value is
// assumed validated by the service.
func (r *RoomRepository) SetInstrument(ctx context.Context, slug domain.Slug, instrument domain.Instrument) (*domain.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[slug]
	if !exists {
		return nil, domain.ErrRoomNotFound
	}

	room.Instrument = instrument
	r.rooms[slug] = room

	out := room
	return &out, nil
}

func (r *RoomRepository) Delete(ctx context.Context, slug domain.Slug) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.rooms, slug)
	return nil
}

func (r *RoomRepository) List(ctx context.Context) ([]*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]*domain.Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		out := room
		rooms = append(rooms, &out)
	}

	return rooms, nil
}

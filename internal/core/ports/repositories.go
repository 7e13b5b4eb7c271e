package ports

import (
	"context"

	"jamlink/internal/core/domain"
)

// RoomRepository stores live rooms keyed by slug. Implementations must make
// Insert an atomic insert-if-absent and SetInstrument an atomic
// read-modify-write per slug.
type RoomRepository interface {
	Insert(ctx context.Context, room *domain.Room) error
	Get(ctx context.Context, slug domain.Slug) (*domain.Room, error)
	SetInstrument(ctx context.Context, slug domain.Slug, instrument domain.Instrument) (*domain.Room, error)
	Delete(ctx context.Context, slug domain.Slug) error
	List(ctx context.Context) ([]*domain.Room, error)
}

// PresenceRepository owns the per-room set of tracked peers. Track and
// Untrack return the membership diff computed under the repository lock, so
// diffs come out in mutation order.
type PresenceRepository interface {
	Track(ctx context.Context, slug domain.Slug, id domain.PeerID, meta domain.PeerMeta) (domain.PresenceDiff, error)
	Untrack(ctx context.Context, slug domain.Slug, id domain.PeerID) (domain.PresenceDiff, error)
	List(ctx context.Context, slug domain.Slug) (map[domain.PeerID]domain.PeerMeta, error)
	Count(ctx context.Context, slug domain.Slug) (int, error)
}

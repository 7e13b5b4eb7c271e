package ports

import (
	"context"

	"jamlink/internal/core/domain"
)

type RoomService interface {
	CreateRoom(ctx context.Context) (*domain.Room, error)
	GetRoom(ctx context.Context, slug domain.Slug) (*domain.Room, error)
	SetInstrument(ctx context.Context, slug domain.Slug, instrument domain.Instrument) (*domain.Room, error)
	DeleteRoom(ctx context.Context, slug domain.Slug) error
	ListRooms(ctx context.Context) ([]*domain.Room, error)
}

type PresenceService interface {
	Track(ctx context.Context, slug domain.Slug, id domain.PeerID, meta domain.PeerMeta) (domain.PresenceDiff, error)
	Untrack(ctx context.Context, slug domain.Slug, id domain.PeerID) (domain.PresenceDiff, error)
	List(ctx context.Context, slug domain.Slug) (map[domain.PeerID]domain.PeerMeta, error)
	Count(ctx context.Context, slug domain.Slug) (int, error)
}

// MetricsCollector is the sink for operational counters. The prometheus
// implementation lives in infrastructure/monitoring.
type MetricsCollector interface {
	RoomCreated()
	RoomDeleted()
	PeerJoined(slug domain.Slug)
	PeerLeft(slug domain.Slug)
	JoinRejected()
	SignalRelayed(kind string)
}

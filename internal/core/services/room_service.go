package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"jamlink/internal/core/domain"
	"jamlink/internal/core/ports"
	"jamlink/pkg/retry"
	"jamlink/pkg/slug"

	"go.uber.org/zap"
)

// maxSlugAttempts bounds the generate-then-insert loop. Collisions are
// vanishingly rare at the slug entropy in use; hitting the bound means the
// registry is effectively full or the RNG is broken.
const maxSlugAttempts = 5

// RoomService owns the room registry: slug generation, creation, lookup and
// instrument mutation. All concurrency control lives in the repository; the
// service never touches room state outside the repository's operations.
type RoomService struct {
	rooms             ports.RoomRepository
	presence          ports.PresenceRepository
	slugs             *slug.Generator
	defaultInstrument domain.Instrument
	metrics           ports.MetricsCollector
	logger            *zap.SugaredLogger

	emptyTTL     time.Duration
	reapInterval time.Duration

	mu         sync.Mutex
	emptySince map[domain.Slug]time.Time
	stopReaper chan struct{}
	reaperOnce sync.Once
}

func NewRoomService(
	rooms ports.RoomRepository,
	presence ports.PresenceRepository,
	slugs *slug.Generator,
	defaultInstrument domain.Instrument,
	metrics ports.MetricsCollector,
	logger *zap.SugaredLogger,
) *RoomService {
	if !defaultInstrument.Valid() {
		defaultInstrument = domain.DefaultInstrument
	}
	return &RoomService{
		rooms:             rooms,
		presence:          presence,
		slugs:             slugs,
		defaultInstrument: defaultInstrument,
		metrics:           metrics,
		logger:            logger,
		emptySince:        make(map[domain.Slug]time.Time),
		stopReaper:        make(chan struct{}),
	}
}

// CreateRoom generates a slug, re-sampling on collision, and inserts the new
// room atomically. The returned slug was unique at the moment of insertion.
func (s *RoomService) CreateRoom(ctx context.Context) (*domain.Room, error) {
	var created *domain.Room

	cfg := retry.Config{MaxAttempts: maxSlugAttempts}
	err := retry.Do(ctx, cfg, func() error {
		candidate, err := s.slugs.Generate()
		if err != nil {
			return retry.Permanent(err)
		}

		room := &domain.Room{
			Slug:       domain.Slug(candidate),
			CreatedAt:  time.Now().UTC(),
			Instrument: s.defaultInstrument,
		}
		if err := s.rooms.Insert(ctx, room); err != nil {
			return err // ErrRoomExists is retryable: resample
		}

		created = room
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrRoomExists) {
			return nil, domain.ErrSlugSpaceExhausted
		}
		return nil, err
	}

	s.metrics.RoomCreated()
	s.logger.Infow("room created", "slug", created.Slug, "instrument", created.Instrument)
	return created, nil
}

func (s *RoomService) GetRoom(ctx context.Context, slug domain.Slug) (*domain.Room, error) {
	return s.rooms.Get(ctx, slug)
}

// SetInstrument validates the instrument against the closed set before
// touching the registry; unknown slug and invalid instrument stay distinct
// error kinds.
func (s *RoomService) SetInstrument(ctx context.Context, slug domain.Slug, instrument domain.Instrument) (*domain.Room, error) {
	if !instrument.Valid() {
		return nil, domain.ErrInvalidInstrument
	}

	room, err := s.rooms.SetInstrument(ctx, slug, instrument)
	if err != nil {
		return nil, err
	}

	s.logger.Infow("instrument changed", "slug", slug, "instrument", instrument)
	return room, nil
}

func (s *RoomService) DeleteRoom(ctx context.Context, slug domain.Slug) error {
	if err := s.rooms.Delete(ctx, slug); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.emptySince, slug)
	s.mu.Unlock()

	s.metrics.RoomDeleted()
	s.logger.Infow("room deleted", "slug", slug)
	return nil
}

func (s *RoomService) ListRooms(ctx context.Context) ([]*domain.Room, error) {
	return s.rooms.List(ctx)
}

// StartReaper launches the background goroutine that deletes rooms which have
// been empty for longer than emptyTTL. A TTL of zero disables reaping: rooms
// then live until explicitly deleted, which matches the original behavior.
func (s *RoomService) StartReaper(emptyTTL, interval time.Duration) {
	s.emptyTTL = emptyTTL
	s.reapInterval = interval
	if emptyTTL <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopReaper:
				return
			case <-ticker.C:
				s.reapOnce(context.Background(), time.Now())
			}
		}
	}()
}

// StopReaper stops the background reaper. Safe to call more than once.
func (s *RoomService) StopReaper() {
	s.reaperOnce.Do(func() { close(s.stopReaper) })
}

// reapOnce scans all rooms and deletes any that have had zero presence for
// longer than the TTL. Occupied rooms are cleared from the empty tracker.
func (s *RoomService) reapOnce(ctx context.Context, now time.Time) {
	rooms, err := s.rooms.List(ctx)
	if err != nil {
		s.logger.Warnw("reaper: list rooms failed", "error", err)
		return
	}

	for _, room := range rooms {
		count, err := s.presence.Count(ctx, room.Slug)
		if err != nil {
			s.logger.Warnw("reaper: presence count failed", "slug", room.Slug, "error", err)
			continue
		}

		s.mu.Lock()
		if count > 0 {
			delete(s.emptySince, room.Slug)
			s.mu.Unlock()
			continue
		}

		since, seen := s.emptySince[room.Slug]
		if !seen {
			s.emptySince[room.Slug] = now
			s.mu.Unlock()
			continue
		}
		s.mu.Unlock()

		if now.Sub(since) < s.emptyTTL {
			continue
		}

		if err := s.DeleteRoom(ctx, room.Slug); err != nil {
			s.logger.Warnw("reaper: delete failed", "slug", room.Slug, "error", err)
			continue
		}
		s.logger.Infow("reaped empty room", "slug", room.Slug, "empty_for", now.Sub(since))
	}
}

package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"jamlink/internal/core/domain"
	"jamlink/internal/infrastructure/monitoring"
	"jamlink/internal/infrastructure/repositories/memory"
	"jamlink/pkg/logger"
	"jamlink/pkg/slug"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRoomService(t *testing.T) *RoomService {
	t.Helper()

	gen, err := slug.NewGenerator(slug.DefaultLength)
	require.NoError(t, err)

	return NewRoomService(
		memory.NewRoomRepository(),
		memory.NewPresenceRepository(),
		gen,
		domain.DefaultInstrument,
		monitoring.NewNopCollector(),
		logger.NewNop().Sugar(),
	)
}

func TestCreateRoom(t *testing.T) {
	svc := newTestRoomService(t)
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx)
	require.NoError(t, err)
	assert.Len(t, string(room.Slug), slug.DefaultLength)
	assert.Equal(t, domain.DefaultInstrument, room.Instrument)
	assert.False(t, room.CreatedAt.IsZero())

	got, err := svc.GetRoom(ctx, room.Slug)
	require.NoError(t, err)
	assert.Equal(t, room.Slug, got.Slug)
}

func TestCreateRoomConfiguredDefaultInstrument(t *testing.T) {
	gen, err := slug.NewGenerator(slug.DefaultLength)
	require.NoError(t, err)

	svc := NewRoomService(
		memory.NewRoomRepository(),
		memory.NewPresenceRepository(),
		gen,
		domain.InstrumentOrgan,
		monitoring.NewNopCollector(),
		logger.NewNop().Sugar(),
	)

	room, err := svc.CreateRoom(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.InstrumentOrgan, room.Instrument)
}

func TestCreateRoomInvalidDefaultFallsBack(t *testing.T) {
	gen, err := slug.NewGenerator(slug.DefaultLength)
	require.NoError(t, err)

	svc := NewRoomService(
		memory.NewRoomRepository(),
		memory.NewPresenceRepository(),
		gen,
		"kazoo",
		monitoring.NewNopCollector(),
		logger.NewNop().Sugar(),
	)

	room, err := svc.CreateRoom(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultInstrument, room.Instrument)
}

func TestCreateRoomConcurrentSlugsUnique(t *testing.T) {
	svc := newTestRoomService(t)
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	slugs := make(chan domain.Slug, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			room, err := svc.CreateRoom(ctx)
			assert.NoError(t, err)
			if room != nil {
				slugs <- room.Slug
			}
		}()
	}
	wg.Wait()
	close(slugs)

	seen := make(map[domain.Slug]bool)
	for s := range slugs {
		assert.False(t, seen[s], "duplicate slug %q", s)
		seen[s] = true
	}
	assert.Len(t, seen, workers)
}

func TestGetRoomNotFound(t *testing.T) {
	svc := newTestRoomService(t)

	_, err := svc.GetRoom(context.Background(), "zzzzzz")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestSetInstrument(t *testing.T) {
	svc := newTestRoomService(t)
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx)
	require.NoError(t, err)

	updated, err := svc.SetInstrument(ctx, room.Slug, domain.InstrumentSynth)
	require.NoError(t, err)
	assert.Equal(t, domain.InstrumentSynth, updated.Instrument)

	got, err := svc.GetRoom(ctx, room.Slug)
	require.NoError(t, err)
	assert.Equal(t, domain.InstrumentSynth, got.Instrument)
}

func TestSetInstrumentInvalidLeavesStateUnchanged(t *testing.T) {
	svc := newTestRoomService(t)
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx)
	require.NoError(t, err)

	_, err = svc.SetInstrument(ctx, room.Slug, "kazoo")
	assert.ErrorIs(t, err, domain.ErrInvalidInstrument)

	got, err := svc.GetRoom(ctx, room.Slug)
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultInstrument, got.Instrument)
}

func TestSetInstrumentRoomNotFound(t *testing.T) {
	svc := newTestRoomService(t)

	_, err := svc.SetInstrument(context.Background(), "zzzzzz", domain.InstrumentOrgan)
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestDeleteRoomIdempotent(t *testing.T) {
	svc := newTestRoomService(t)
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx)
	require.NoError(t, err)

	require.NoError(t, svc.DeleteRoom(ctx, room.Slug))
	require.NoError(t, svc.DeleteRoom(ctx, room.Slug))

	_, err = svc.GetRoom(ctx, room.Slug)
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestReaperDeletesLongEmptyRooms(t *testing.T) {
	svc := newTestRoomService(t)
	svc.emptyTTL = time.Hour
	ctx := context.Background()

	empty, err := svc.CreateRoom(ctx)
	require.NoError(t, err)
	occupied, err := svc.CreateRoom(ctx)
	require.NoError(t, err)

	_, err = svc.presence.Track(ctx, occupied.Slug, "peer-1", domain.PeerMeta{JoinedAt: time.Now()})
	require.NoError(t, err)

	base := time.Now()

	// First pass only records when each empty room was first seen empty.
	svc.reapOnce(ctx, base)
	_, err = svc.GetRoom(ctx, empty.Slug)
	assert.NoError(t, err)

	// Before the TTL elapses nothing is deleted.
	svc.reapOnce(ctx, base.Add(30*time.Minute))
	_, err = svc.GetRoom(ctx, empty.Slug)
	assert.NoError(t, err)

	// Past the TTL the empty room goes; the occupied room stays.
	svc.reapOnce(ctx, base.Add(2*time.Hour))
	_, err = svc.GetRoom(ctx, empty.Slug)
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	_, err = svc.GetRoom(ctx, occupied.Slug)
	assert.NoError(t, err)
}

func TestReaperResetsOnReoccupancy(t *testing.T) {
	svc := newTestRoomService(t)
	svc.emptyTTL = time.Hour
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx)
	require.NoError(t, err)

	base := time.Now()
	svc.reapOnce(ctx, base)

	// A peer shows up before the TTL fires; the empty clock must reset.
	_, err = svc.presence.Track(ctx, room.Slug, "peer-1", domain.PeerMeta{JoinedAt: time.Now()})
	require.NoError(t, err)
	svc.reapOnce(ctx, base.Add(30*time.Minute))

	_, err = svc.presence.Untrack(ctx, room.Slug, "peer-1")
	require.NoError(t, err)

	// Two hours after creation but only one hour since it emptied again:
	// first pass re-records, second pass within TTL keeps it alive.
	svc.reapOnce(ctx, base.Add(2*time.Hour))
	_, err = svc.GetRoom(ctx, room.Slug)
	assert.NoError(t, err)

	svc.reapOnce(ctx, base.Add(4*time.Hour))
	_, err = svc.GetRoom(ctx, room.Slug)
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

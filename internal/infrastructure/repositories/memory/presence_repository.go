package memory

import (
	"context"
	"sync"

	"jamlink/internal/core/domain"
	"jamlink/internal/core/ports"
)

// PresenceRepository tracks the live peer set per room. Diffs are computed
// under the lock so callers see them in mutation order.
type PresenceRepository struct {
	rooms map[domain.Slug]map[domain.PeerID]domain.PeerMeta
	mu    sync.RWMutex
}

func NewPresenceRepository() ports.PresenceRepository {
	return &PresenceRepository{
		rooms: make(map[domain.Slug]map[domain.PeerID]domain.PeerMeta),
	}
}

func (r *PresenceRepository) Track(ctx context.Context, slug domain.Slug, id domain.PeerID, meta domain.PeerMeta) (domain.PresenceDiff, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[slug]
	if !ok {
		members = make(map[domain.PeerID]domain.PeerMeta)
		r.rooms[slug] = members
	}

	if _, tracked := members[id]; tracked {
		// Re-track is a no-op; diff application is idempotent per peer id.
		return domain.PresenceDiff{}, nil
	}

	members[id] = meta
	return domain.PresenceDiff{Joins: []domain.PeerID{id}}, nil
}

func (r *PresenceRepository) Untrack(ctx context.Context, slug domain.Slug, id domain.PeerID) (domain.PresenceDiff, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[slug]
	if !ok {
		return domain.PresenceDiff{}, nil
	}

	if _, tracked := members[id]; !tracked {
		return domain.PresenceDiff{}, nil
	}

	delete(members, id)
	if len(members) == 0 {
		delete(r.rooms, slug)
	}

	return domain.PresenceDiff{Leaves: []domain.PeerID{id}}, nil
}

func (r *PresenceRepository) List(ctx context.Context, slug domain.Slug) (map[domain.PeerID]domain.PeerMeta, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make(map[domain.PeerID]domain.PeerMeta, len(r.rooms[slug]))
	for id, meta := range r.rooms[slug] {
		snapshot[id] = meta
	}

	return snapshot, nil
}

func (r *PresenceRepository) Count(ctx context.Context, slug domain.Slug) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.rooms[slug]), nil
}

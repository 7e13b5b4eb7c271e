package services

import (
	"context"

	"jamlink/internal/core/domain"
	"jamlink/internal/core/ports"

	"go.uber.org/zap"
)

// PresenceService is the only writer of presence state. The signaling layer
// observes membership exclusively through Track/Untrack diffs and List
// snapshots.
type PresenceService struct {
	presence ports.PresenceRepository
	metrics  ports.MetricsCollector
	logger   *zap.SugaredLogger
}

func NewPresenceService(presence ports.PresenceRepository, metrics ports.MetricsCollector, logger *zap.SugaredLogger) *PresenceService {
	return &PresenceService{
		presence: presence,
		metrics:  metrics,
		logger:   logger,
	}
}

func (s *PresenceService) Track(ctx context.Context, slug domain.Slug, id domain.PeerID, meta domain.PeerMeta) (domain.PresenceDiff, error) {
	diff, err := s.presence.Track(ctx, slug, id, meta)
	if err != nil {
		return domain.PresenceDiff{}, err
	}

	if !diff.Empty() {
		s.metrics.PeerJoined(slug)
		s.logger.Debugw("peer tracked", "slug", slug, "peer_id", id)
	}
	return diff, nil
}

func (s *PresenceService) Untrack(ctx context.Context, slug domain.Slug, id domain.PeerID) (domain.PresenceDiff, error) {
	diff, err := s.presence.Untrack(ctx, slug, id)
	if err != nil {
		return domain.PresenceDiff{}, err
	}

	if !diff.Empty() {
		s.metrics.PeerLeft(slug)
		s.logger.Debugw("peer untracked", "slug", slug, "peer_id", id)
	}
	return diff, nil
}

func (s *PresenceService) List(ctx context.Context, slug domain.Slug) (map[domain.PeerID]domain.PeerMeta, error) {
	return s.presence.List(ctx, slug)
}

func (s *PresenceService) Count(ctx context.Context, slug domain.Slug) (int, error) {
	return s.presence.Count(ctx, slug)
}

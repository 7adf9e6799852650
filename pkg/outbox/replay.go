package outbox

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

type replayStore interface {
	GetFailedEvents(ctx context.Context, limit int) ([]*Event, error)
	ReplayEvent(ctx context.Context, eventID int64) error
}

// ReplayService 把失败的事件重新放回 pending，交给 Dispatcher 发送
type ReplayService struct {
	repo   replayStore
	logger *zap.Logger
}

func NewReplayService(repo replayStore, logger *zap.Logger) *ReplayService {
	return &ReplayService{repo: repo, logger: logger}
}

func (s *ReplayService) ReplayEvent(ctx context.Context, eventID int64) error {
	if err := s.repo.ReplayEvent(ctx, eventID); err != nil {
		return fmt.Errorf("failed to replay event %d: %w", eventID, err)
	}
	s.logger.Info("Outbox event scheduled for replay", zap.Int64("event_id", eventID))
	return nil
}

// ReplayFailedEvents 重放最多 limit 个失败事件，单个失败不影响其他事件
func (s *ReplayService) ReplayFailedEvents(ctx context.Context, limit int) (int, error) {
	events, err := s.repo.GetFailedEvents(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to get failed events: %w", err)
	}

	replayed := 0
	for _, event := range events {
		if err := s.ReplayEvent(ctx, event.ID); err != nil {
			s.logger.Warn("Replay failed", zap.Int64("event_id", event.ID), zap.Error(err))
			continue
		}
		replayed++
	}
	return replayed, nil
}

package outbox

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// ReplayStore 由 Repository 实现
type ReplayStore interface {
	GetEventByID(ctx context.Context, eventID int64) (*Event, error)
	GetFailedEvents(ctx context.Context, limit int) ([]*Event, error)
	MarkAsSent(ctx context.Context, eventID int64) error
	MarkAsFailed(ctx context.Context, eventID int64, maxRetries int) error
}

// ReplayService 手动重放 outbox 事件
type ReplayService struct {
	store     ReplayStore
	publisher Publisher
	logger    *zap.Logger
}

func NewReplayService(store ReplayStore, publisher Publisher, logger *zap.Logger) *ReplayService {
	return &ReplayService{
		store:     store,
		publisher: publisher,
		logger:    logger,
	}
}

// FailedEvents 列出失败的事件
func (s *ReplayService) FailedEvents(ctx context.Context, limit int) ([]*Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.GetFailedEvents(ctx, limit)
}

// ReplayEvent 重新发布指定事件；已发送的事件也允许重放，下游按 message_id 去重
func (s *ReplayService) ReplayEvent(ctx context.Context, eventID int64) (*Event, error) {
	event, err := s.store.GetEventByID(ctx, eventID)
	if err != nil {
		return nil, err
	}

	if err := publish(ctx, s.publisher, event); err != nil {
		if markErr := s.store.MarkAsFailed(ctx, eventID, event.RetryCount+1); markErr != nil {
			return nil, fmt.Errorf("failed to publish and mark as failed: %w (mark error: %v)", err, markErr)
		}
		return nil, err
	}

	if err := s.store.MarkAsSent(ctx, eventID); err != nil {
		return nil, fmt.Errorf("failed to mark as sent: %w", err)
	}

	s.logger.Info("Outbox event replayed",
		zap.Int64("event_id", eventID),
		zap.String("routing_key", event.RoutingKey),
	)
	event.Status = StatusSent
	return event, nil
}

// ReplayFailedEvents 重放所有失败的事件，返回成功数量
func (s *ReplayService) ReplayFailedEvents(ctx context.Context, limit int) (int, error) {
	events, err := s.FailedEvents(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to get failed events: %w", err)
	}

	successCount := 0
	for _, event := range events {
		if _, err := s.ReplayEvent(ctx, event.ID); err != nil {
			s.logger.Warn("Replay failed", zap.Int64("event_id", event.ID), zap.Error(err))
			continue
		}
		successCount++
	}
	return successCount, nil
}

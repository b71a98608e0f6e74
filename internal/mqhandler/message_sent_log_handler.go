package mqhandler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	contracts "skypost/contracts/mq"
	"skypost/internal/model"
	"skypost/pkg/logger"
	"skypost/pkg/util"
)

const (
	handlerName = "message_sent_log"

	DeliveryStatusLogged = "logged"
)

type DeliveryLogStore interface {
	Insert(ctx context.Context, log *model.DeliveryLog) error
}

// Deduper is implemented by util.Deduper.
type Deduper interface {
	AcquireOnce(ctx context.Context, handler, id string) bool
	Release(ctx context.Context, handler, id string)
}

type MessageSentLogHandler struct {
	repo   DeliveryLogStore
	dedup  Deduper
	logger *zap.Logger
}

func NewMessageSentLogHandler(repo DeliveryLogStore, dedup Deduper, logger *zap.Logger) *MessageSentLogHandler {
	return &MessageSentLogHandler{
		repo:   repo,
		dedup:  dedup,
		logger: logger,
	}
}

// HandleMessageSent -- 写入 delivery_logs
func (h *MessageSentLogHandler) HandleMessageSent(ctx context.Context, raw json.RawMessage) error {
	log := logger.WithTrace(ctx, h.logger)

	var p contracts.MessageSentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Error("Failed to unmarshal message sent payload", zap.Error(err))
		return err
	}
	if p.MessageID <= 0 {
		return fmt.Errorf("message sent payload without message_id: %w", util.ErrInvalidPayload)
	}

	id := strconv.FormatInt(p.MessageID, 10)
	if h.dedup != nil && !h.dedup.AcquireOnce(ctx, handlerName, id) {
		return nil
	}

	entry := &model.DeliveryLog{
		MessageID:      p.MessageID,
		SenderID:       p.SenderID,
		RecipientID:    p.RecipientID,
		RecipientEmail: p.RecipientEmail,
		Status:         DeliveryStatusLogged,
		TraceID:        p.TraceID,
	}

	if err := h.repo.Insert(ctx, entry); err != nil {
		if h.dedup != nil {
			h.dedup.Release(ctx, handlerName, id)
		}
		log.Error("Failed to insert delivery log",
			zap.Int64("message_id", p.MessageID),
			zap.Int("sender_id", p.SenderID),
			zap.Error(err),
		)
		return err
	}

	log.Info("Delivery log created",
		zap.Int64("message_id", p.MessageID),
		zap.String("recipient_email", p.RecipientEmail),
	)
	return nil
}

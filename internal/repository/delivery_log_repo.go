package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"skypost/internal/model"
	"skypost/pkg/otel"
)

type DeliveryLogRepository struct {
	db *pgxpool.Pool
}

func NewDeliveryLogRepository(db *pgxpool.Pool) *DeliveryLogRepository {
	return &DeliveryLogRepository{db: db}
}

// Insert 重复投递同一 message_id 时不报错
func (r *DeliveryLogRepository) Insert(ctx context.Context, log *model.DeliveryLog) error {
	query := `
        INSERT INTO delivery_logs (message_id, sender_id, recipient_id, recipient_email, status, trace_id, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, NOW())
        ON CONFLICT (message_id) DO NOTHING
    `
	return otel.Query(ctx, "INSERT", "delivery_logs", query, func(ctx context.Context) error {
		_, err := r.db.Exec(ctx, query,
			log.MessageID, log.SenderID, log.RecipientID, log.RecipientEmail, log.Status, log.TraceID,
		)
		return err
	})
}

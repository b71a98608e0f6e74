package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	contracts "skypost/contracts/mq"
	"skypost/internal/model"
	"skypost/pkg/mq"
	"skypost/pkg/otel"
	"skypost/pkg/outbox"
	"skypost/pkg/trace"
)

type MessageRepository struct {
	db *pgxpool.Pool
}

func NewMessageRepository(db *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{db: db}
}

const messageColumns = `id, sender_id, recipient_id, sender_email, recipient_email, subject, body,
	message_type, is_read, is_draft, is_deleted, is_spam, thread_id, created_at, read_at`

func scanMessage(row pgx.Row) (*model.Message, error) {
	var m model.Message
	err := row.Scan(
		&m.ID, &m.SenderID, &m.RecipientID, &m.SenderEmail, &m.RecipientEmail, &m.Subject, &m.Body,
		&m.MessageType, &m.IsRead, &m.IsDraft, &m.IsDeleted, &m.IsSpam, &m.ThreadID, &m.CreatedAt, &m.ReadAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CreateMessage 在同一事务中写入消息和 message.sent outbox 事件
func (r *MessageRepository) CreateMessage(ctx context.Context, m *model.Message) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
        INSERT INTO messages (sender_id, recipient_id, sender_email, recipient_email, subject, body,
            message_type, is_read, is_draft, is_deleted, is_spam, thread_id, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8, FALSE, FALSE, $9, NOW())
        RETURNING id, created_at
    `
	err = otel.Query(ctx, "INSERT", "messages", query, func(ctx context.Context) error {
		return tx.QueryRow(ctx, query,
			m.SenderID, m.RecipientID, m.SenderEmail, m.RecipientEmail, m.Subject, m.Body,
			m.MessageType, m.IsDraft, m.ThreadID,
		).Scan(&m.ID, &m.CreatedAt)
	})
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	payload := contracts.MessageSentPayload{
		MessageID:      m.ID,
		SenderID:       m.SenderID,
		RecipientID:    m.RecipientID,
		RecipientEmail: m.RecipientEmail,
		Subject:        m.Subject,
		TraceID:        trace.FromContext(ctx),
		SentAt:         m.CreatedAt,
	}
	if _, err := outbox.InsertEventInTx(ctx, tx, "message", &m.ID, mq.RoutingKeyMessageSent, payload); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit message: %w", err)
	}
	return nil
}

// GetMessage returns (nil, nil) when the row does not exist. Deleted rows are returned.
func (r *MessageRepository) GetMessage(ctx context.Context, id int64) (*model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	var m *model.Message
	err := otel.Query(ctx, "SELECT", "messages", query, func(ctx context.Context) error {
		var err error
		m, err = scanMessage(r.db.QueryRow(ctx, query, id))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func (r *MessageRepository) list(ctx context.Context, column string, userID, limit, offset int) ([]*model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
        WHERE ` + column + ` = $1 AND is_deleted = FALSE AND is_draft = FALSE
        ORDER BY created_at DESC, id DESC
        LIMIT $2 OFFSET $3`

	msgs := []*model.Message{}
	err := otel.Query(ctx, "SELECT", "messages", query, func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, query, userID, limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				return err
			}
			msgs = append(msgs, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *MessageRepository) ListInbox(ctx context.Context, userID, limit, offset int) ([]*model.Message, error) {
	return r.list(ctx, "recipient_id", userID, limit, offset)
}

func (r *MessageRepository) ListOutbox(ctx context.Context, userID, limit, offset int) ([]*model.Message, error) {
	return r.list(ctx, "sender_id", userID, limit, offset)
}

func (r *MessageRepository) count(ctx context.Context, where string, userID int) (int, error) {
	query := `SELECT COUNT(*) FROM messages WHERE ` + where
	var n int
	err := otel.Query(ctx, "SELECT", "messages", query, func(ctx context.Context) error {
		return r.db.QueryRow(ctx, query, userID).Scan(&n)
	})
	return n, err
}

func (r *MessageRepository) CountInbox(ctx context.Context, userID int) (int, error) {
	return r.count(ctx, `recipient_id = $1 AND is_deleted = FALSE AND is_draft = FALSE`, userID)
}

func (r *MessageRepository) CountOutbox(ctx context.Context, userID int) (int, error) {
	return r.count(ctx, `sender_id = $1 AND is_deleted = FALSE AND is_draft = FALSE`, userID)
}

func (r *MessageRepository) CountUnread(ctx context.Context, userID int) (int, error) {
	return r.count(ctx, `recipient_id = $1 AND is_read = FALSE AND is_deleted = FALSE AND is_draft = FALSE`, userID)
}

// MarkRead 只在未读时写入 read_at
func (r *MessageRepository) MarkRead(ctx context.Context, id int64, at time.Time) error {
	query := `UPDATE messages SET is_read = TRUE, read_at = $1 WHERE id = $2 AND is_read = FALSE`
	return otel.Query(ctx, "UPDATE", "messages", query, func(ctx context.Context) error {
		_, err := r.db.Exec(ctx, query, at, id)
		return err
	})
}

func (r *MessageRepository) MarkSpam(ctx context.Context, id int64) error {
	query := `UPDATE messages SET is_spam = TRUE WHERE id = $1`
	return otel.Query(ctx, "UPDATE", "messages", query, func(ctx context.Context) error {
		_, err := r.db.Exec(ctx, query, id)
		return err
	})
}

func (r *MessageRepository) MarkDeleted(ctx context.Context, id int64) error {
	query := `UPDATE messages SET is_deleted = TRUE WHERE id = $1`
	return otel.Query(ctx, "UPDATE", "messages", query, func(ctx context.Context) error {
		_, err := r.db.Exec(ctx, query, id)
		return err
	})
}

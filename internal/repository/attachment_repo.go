package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"skypost/internal/model"
	"skypost/pkg/otel"
)

type AttachmentRepository struct {
	db *pgxpool.Pool
}

func NewAttachmentRepository(db *pgxpool.Pool) *AttachmentRepository {
	return &AttachmentRepository{db: db}
}

const attachmentColumns = `id, message_id, original_filename, stored_filename, file_path, file_size,
	mime_type, file_extension, uploaded_at, is_deleted, download_count`

func scanAttachment(row pgx.Row) (*model.Attachment, error) {
	var a model.Attachment
	err := row.Scan(
		&a.ID, &a.MessageID, &a.OriginalFilename, &a.StoredFilename, &a.FilePath, &a.FileSize,
		&a.MIMEType, &a.FileExtension, &a.UploadedAt, &a.IsDeleted, &a.DownloadCount,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AttachmentRepository) CreateAttachment(ctx context.Context, a *model.Attachment) error {
	query := `
        INSERT INTO attachments (message_id, original_filename, stored_filename, file_path, file_size,
            mime_type, file_extension, uploaded_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
        RETURNING id, uploaded_at
    `
	return otel.Query(ctx, "INSERT", "attachments", query, func(ctx context.Context) error {
		return r.db.QueryRow(ctx, query,
			a.MessageID, a.OriginalFilename, a.StoredFilename, a.FilePath, a.FileSize,
			a.MIMEType, a.FileExtension,
		).Scan(&a.ID, &a.UploadedAt)
	})
}

// ListByMessages 一次查询取出多条消息的附件，避免 N+1
func (r *AttachmentRepository) ListByMessages(ctx context.Context, messageIDs []int64) (map[int64][]*model.Attachment, error) {
	out := make(map[int64][]*model.Attachment, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}

	query := `SELECT ` + attachmentColumns + ` FROM attachments
        WHERE message_id = ANY($1) AND is_deleted = FALSE
        ORDER BY id`
	err := otel.Query(ctx, "SELECT", "attachments", query, func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, query, messageIDs)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			a, err := scanAttachment(rows)
			if err != nil {
				return err
			}
			out[a.MessageID] = append(out[a.MessageID], a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetAttachment returns (nil, nil) when the row does not exist.
func (r *AttachmentRepository) GetAttachment(ctx context.Context, id int64) (*model.Attachment, error) {
	query := `SELECT ` + attachmentColumns + ` FROM attachments WHERE id = $1`
	var a *model.Attachment
	err := otel.Query(ctx, "SELECT", "attachments", query, func(ctx context.Context) error {
		var err error
		a, err = scanAttachment(r.db.QueryRow(ctx, query, id))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (r *AttachmentRepository) IncrementDownloadCount(ctx context.Context, id int64) error {
	query := `UPDATE attachments SET download_count = download_count + 1 WHERE id = $1`
	return otel.Query(ctx, "UPDATE", "attachments", query, func(ctx context.Context) error {
		_, err := r.db.Exec(ctx, query, id)
		return err
	})
}

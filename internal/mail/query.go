package mail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"skypost/internal/model"
	"skypost/internal/validate"
)

const MaxPerPage = 100

var ErrAccessDenied = errors.New("access denied")

// MessageDetail is a message with its live attachments.
type MessageDetail struct {
	*model.Message
	Attachments     []*model.Attachment `json:"attachments"`
	AttachmentCount int                 `json:"attachment_count"`
}

type Pagination struct {
	Page       int  `json:"page"`
	PerPage    int  `json:"per_page"`
	Total      int  `json:"total"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
	HasPrev    bool `json:"has_prev"`
}

func NewPagination(page, perPage, total int) *Pagination {
	totalPages := 0
	if total > 0 {
		totalPages = (total + perPage - 1) / perPage
	}
	return &Pagination{
		Page:       page,
		PerPage:    perPage,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
		HasPrev:    page > 1,
	}
}

type Stats struct {
	InboxCount    int `json:"inbox_count"`
	OutboxCount   int `json:"outbox_count"`
	UnreadCount   int `json:"unread_count"`
	TotalMessages int `json:"total_messages"`
}

func checkPage(page, perPage int) error {
	if page < 1 {
		return validate.Fail("page", "must be at least 1")
	}
	if perPage < 1 || perPage > MaxPerPage {
		return validate.Fail("per_page", fmt.Sprintf("must be between 1 and %d", MaxPerPage))
	}
	return nil
}

// Inbox lists messages received by userID, newest first.
func (s *Service) Inbox(ctx context.Context, userID, page, perPage int) ([]*MessageDetail, *Pagination, error) {
	return s.list(ctx, userID, page, perPage, s.messages.ListInbox, s.messages.CountInbox)
}

// Outbox lists messages sent by userID, newest first.
func (s *Service) Outbox(ctx context.Context, userID, page, perPage int) ([]*MessageDetail, *Pagination, error) {
	return s.list(ctx, userID, page, perPage, s.messages.ListOutbox, s.messages.CountOutbox)
}

func (s *Service) list(
	ctx context.Context,
	userID, page, perPage int,
	listFn func(ctx context.Context, userID, limit, offset int) ([]*model.Message, error),
	countFn func(ctx context.Context, userID int) (int, error),
) ([]*MessageDetail, *Pagination, error) {
	if err := checkPage(page, perPage); err != nil {
		return nil, nil, err
	}

	total, err := countFn(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("count messages: %w", err)
	}
	msgs, err := listFn(ctx, userID, perPage, (page-1)*perPage)
	if err != nil {
		return nil, nil, fmt.Errorf("list messages: %w", err)
	}

	details, err := s.withAttachments(ctx, msgs)
	if err != nil {
		return nil, nil, err
	}
	return details, NewPagination(page, perPage, total), nil
}

func (s *Service) withAttachments(ctx context.Context, msgs []*model.Message) ([]*MessageDetail, error) {
	ids := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}

	byMessage := map[int64][]*model.Attachment{}
	if len(ids) > 0 {
		var err error
		byMessage, err = s.attachments.ListByMessages(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("list attachments: %w", err)
		}
	}

	out := make([]*MessageDetail, 0, len(msgs))
	for _, m := range msgs {
		atts := byMessage[m.ID]
		if atts == nil {
			atts = []*model.Attachment{}
		}
		out = append(out, &MessageDetail{Message: m, Attachments: atts, AttachmentCount: len(atts)})
	}
	return out, nil
}

// load returns a non-deleted message visible to userID.
func (s *Service) load(ctx context.Context, userID int, id int64) (*model.Message, error) {
	msg, err := s.messages.GetMessage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load message: %w", err)
	}
	if msg == nil || msg.IsDeleted {
		return nil, ErrMessageNotFound
	}
	if !msg.IsParticipant(userID) {
		return nil, ErrAccessDenied
	}
	return msg, nil
}

// GetMessage returns the message and marks it read when userID is the recipient.
func (s *Service) GetMessage(ctx context.Context, userID int, id int64) (*MessageDetail, error) {
	msg, err := s.load(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	if msg.IsRecipient(userID) && !msg.IsRead {
		if err := s.markRead(ctx, msg); err != nil {
			s.logger.Warn("Failed to mark message read on open", zap.Int64("message_id", id), zap.Error(err))
		}
	}

	details, err := s.withAttachments(ctx, []*model.Message{msg})
	if err != nil {
		return nil, err
	}
	return details[0], nil
}

func (s *Service) markRead(ctx context.Context, msg *model.Message) error {
	now := time.Now()
	if err := s.messages.MarkRead(ctx, msg.ID, now); err != nil {
		return err
	}
	msg.IsRead = true
	msg.ReadAt = &now
	return nil
}

// MarkRead is one-way; an already read message is left untouched.
func (s *Service) MarkRead(ctx context.Context, userID int, id int64) (*model.Message, error) {
	msg, err := s.load(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if !msg.IsRecipient(userID) {
		return nil, ErrNotRecipient
	}
	if msg.IsRead {
		return msg, nil
	}
	if err := s.markRead(ctx, msg); err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	return msg, nil
}

// MarkSpam is one-way and recipient only.
func (s *Service) MarkSpam(ctx context.Context, userID int, id int64) (*model.Message, error) {
	msg, err := s.load(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if !msg.IsRecipient(userID) {
		return nil, ErrNotRecipient
	}
	if msg.IsSpam {
		return msg, nil
	}
	if err := s.messages.MarkSpam(ctx, id); err != nil {
		return nil, fmt.Errorf("mark spam: %w", err)
	}
	msg.IsSpam = true
	return msg, nil
}

// Delete soft-deletes; the row stays for auditing.
func (s *Service) Delete(ctx context.Context, userID int, id int64) error {
	if _, err := s.load(ctx, userID, id); err != nil {
		return err
	}
	if err := s.messages.MarkDeleted(ctx, id); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

func (s *Service) Stats(ctx context.Context, userID int) (*Stats, error) {
	inbox, err := s.messages.CountInbox(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("count inbox: %w", err)
	}
	outbox, err := s.messages.CountOutbox(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("count outbox: %w", err)
	}
	unread, err := s.messages.CountUnread(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("count unread: %w", err)
	}
	return &Stats{
		InboxCount:    inbox,
		OutboxCount:   outbox,
		UnreadCount:   unread,
		TotalMessages: inbox + outbox,
	}, nil
}

// OpenAttachment checks the caller took part in the message and counts the download.
// The caller closes the returned reader.
func (s *Service) OpenAttachment(ctx context.Context, userID int, id int64) (*model.Attachment, io.ReadCloser, int64, error) {
	att, err := s.attachments.GetAttachment(ctx, id)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("load attachment: %w", err)
	}
	if att == nil || att.IsDeleted {
		return nil, nil, 0, ErrAttachmentGone
	}

	if _, err := s.load(ctx, userID, att.MessageID); err != nil {
		if errors.Is(err, ErrMessageNotFound) {
			return nil, nil, 0, ErrAttachmentGone
		}
		return nil, nil, 0, err
	}

	rc, size, err := s.blobs.Open(att.FilePath)
	if err != nil {
		s.logger.Error("Attachment bytes missing", zap.Int64("attachment_id", id), zap.Error(err))
		return nil, nil, 0, ErrAttachmentGone
	}

	if err := s.attachments.IncrementDownloadCount(ctx, id); err != nil {
		rc.Close()
		return nil, nil, 0, fmt.Errorf("count download: %w", err)
	}
	att.DownloadCount++
	return att, rc, size, nil
}

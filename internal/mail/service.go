package mail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"skypost/internal/model"
	"skypost/internal/validate"
	"skypost/pkg/logger"
	"skypost/pkg/metrics"
)

const MaxSubjectLength = 200

var (
	ErrSenderNotFound  = errors.New("sender not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrNotRecipient    = errors.New("only the recipient can do this")
	ErrAttachmentGone  = errors.New("attachment not found")
)

// ValidationError names the rejected field.
type ValidationError = validate.Error

// UserStore returns (nil, nil) when the user does not exist.
type UserStore interface {
	GetUserByID(ctx context.Context, id int) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
}

// MessageStore persists messages. CreateMessage is one logical write.
type MessageStore interface {
	CreateMessage(ctx context.Context, m *model.Message) error
	GetMessage(ctx context.Context, id int64) (*model.Message, error)
	ListInbox(ctx context.Context, userID, limit, offset int) ([]*model.Message, error)
	ListOutbox(ctx context.Context, userID, limit, offset int) ([]*model.Message, error)
	CountInbox(ctx context.Context, userID int) (int, error)
	CountOutbox(ctx context.Context, userID int) (int, error)
	CountUnread(ctx context.Context, userID int) (int, error)
	MarkRead(ctx context.Context, id int64, at time.Time) error
	MarkSpam(ctx context.Context, id int64) error
	MarkDeleted(ctx context.Context, id int64) error
}

type AttachmentStore interface {
	CreateAttachment(ctx context.Context, a *model.Attachment) error
	ListByMessages(ctx context.Context, messageIDs []int64) (map[int64][]*model.Attachment, error)
	GetAttachment(ctx context.Context, id int64) (*model.Attachment, error)
	IncrementDownloadCount(ctx context.Context, id int64) error
}

// BlobStore keeps attachment bytes.
type BlobStore interface {
	Store(ctx context.Context, data []byte, name string) (string, error)
	Open(handle string) (io.ReadCloser, int64, error)
	Delete(handle string) error
}

// Notifier is best effort; *notify.Dispatcher implements it.
type Notifier interface {
	NotifyNewMessage(ctx context.Context, recipientID int, msg *model.Message, senderName string) int
}

type Options struct {
	MaxFileSize       int64
	AllowedExtensions []string
}

func DefaultOptions() Options {
	return Options{
		MaxFileSize:       10 * 1024 * 1024,
		AllowedExtensions: []string{"pdf", "doc", "docx", "txt", "jpg", "jpeg", "png", "gif"},
	}
}

type Service struct {
	users       UserStore
	messages    MessageStore
	attachments AttachmentStore
	blobs       BlobStore
	notifier    Notifier
	opts        Options
	logger      *zap.Logger
}

// NewService wires the pipeline; notifier may be nil.
func NewService(
	users UserStore,
	messages MessageStore,
	attachments AttachmentStore,
	blobs BlobStore,
	notifier Notifier,
	opts Options,
	logger *zap.Logger,
) *Service {
	def := DefaultOptions()
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = def.MaxFileSize
	}
	if len(opts.AllowedExtensions) == 0 {
		opts.AllowedExtensions = def.AllowedExtensions
	}
	exts := make([]string, 0, len(opts.AllowedExtensions))
	for _, e := range opts.AllowedExtensions {
		exts = append(exts, strings.ToLower(strings.TrimPrefix(strings.TrimSpace(e), ".")))
	}
	opts.AllowedExtensions = exts

	return &Service{
		users:       users,
		messages:    messages,
		attachments: attachments,
		blobs:       blobs,
		notifier:    notifier,
		opts:        opts,
		logger:      logger,
	}
}

// Upload is one file submitted with a send.
// Size is the declared size; when zero the content length is used.
type Upload struct {
	Name     string
	Content  []byte
	Size     int64
	MIMEType string
}

type SendRequest struct {
	SenderID    int
	To          string
	Subject     string
	Body        string
	MessageType string
	Attachments []Upload
}

// SkippedAttachment is an upload that was not persisted.
type SkippedAttachment struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

type SendResult struct {
	Message     *model.Message      `json:"message"`
	Attachments []*model.Attachment `json:"attachments"`
	Skipped     []SkippedAttachment `json:"skipped,omitempty"`
}

// Send validates, persists the message, stores attachments, then notifies.
// Once the message row exists the call succeeds regardless of attachment or notification outcomes.
func (s *Service) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	log := logger.WithTrace(ctx, s.logger).With(zap.Int("sender_id", req.SenderID))

	to := model.NormalizeEmail(req.To)
	if err := validate.Email("to_email", to); err != nil {
		return nil, err
	}
	subject, err := validate.Text("subject", req.Subject, MaxSubjectLength)
	if err != nil {
		return nil, err
	}
	body, err := validate.Text("body", req.Body, 0)
	if err != nil {
		return nil, err
	}
	msgType := strings.TrimSpace(req.MessageType)
	if msgType == "" {
		msgType = model.DefaultMessageType
	}

	sender, err := s.users.GetUserByID(ctx, req.SenderID)
	if err != nil {
		return nil, fmt.Errorf("load sender: %w", err)
	}
	if sender == nil || !sender.IsActive {
		return nil, ErrSenderNotFound
	}

	// 未注册的收件人也允许发送，只是没有实时通知
	recipient, err := s.users.GetUserByEmail(ctx, to)
	if err != nil {
		return nil, fmt.Errorf("load recipient: %w", err)
	}

	msg := &model.Message{
		SenderID:       sender.ID,
		SenderEmail:    model.NormalizeEmail(sender.Email),
		RecipientEmail: to,
		Subject:        subject,
		Body:           body,
		MessageType:    msgType,
	}
	if recipient != nil {
		rid := recipient.ID
		msg.RecipientID = &rid
	}

	if err := s.messages.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}
	metrics.IncrementMessageSent(recipient != nil)
	log.Info("Message sent",
		zap.Int64("message_id", msg.ID),
		zap.Bool("recipient_known", recipient != nil),
		zap.Int("attachments", len(req.Attachments)),
	)

	// 提交之后不再受调用方取消影响
	ctx = context.WithoutCancel(ctx)

	result := &SendResult{Message: msg, Attachments: []*model.Attachment{}}
	for _, up := range req.Attachments {
		att, reason := s.saveAttachment(ctx, msg.ID, up)
		if att == nil {
			metrics.IncrementAttachmentSkipped(reason)
			result.Skipped = append(result.Skipped, SkippedAttachment{Name: up.Name, Reason: reason})
			continue
		}
		result.Attachments = append(result.Attachments, att)
	}

	if recipient != nil && s.notifier != nil {
		delivered := s.notifier.NotifyNewMessage(ctx, recipient.ID, msg, sender.DisplayName())
		log.Debug("Live notification attempted",
			zap.Int("recipient_id", recipient.ID),
			zap.Int("delivered", delivered),
		)
	}

	return result, nil
}

// saveAttachment returns the persisted row, or nil and the skip reason.
func (s *Service) saveAttachment(ctx context.Context, messageID int64, up Upload) (*model.Attachment, string) {
	log := logger.WithTrace(ctx, s.logger).With(
		zap.Int64("message_id", messageID),
		zap.String("filename", up.Name),
	)

	original := filepath.Base(strings.ReplaceAll(up.Name, "\\", "/"))
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(original), "."))
	if original == "" || original == "." || original == "/" {
		log.Warn("Attachment skipped: missing filename")
		return nil, "invalid_name"
	}
	if !slices.Contains(s.opts.AllowedExtensions, ext) {
		log.Warn("Attachment skipped: extension not allowed", zap.String("extension", ext))
		return nil, "extension_not_allowed"
	}
	size := up.Size
	if size <= 0 {
		size = int64(len(up.Content))
	}
	if size > s.opts.MaxFileSize || int64(len(up.Content)) > s.opts.MaxFileSize {
		log.Warn("Attachment skipped: too large", zap.Int64("size", size), zap.Int64("max", s.opts.MaxFileSize))
		return nil, "too_large"
	}
	if len(up.Content) == 0 {
		log.Warn("Attachment skipped: empty file")
		return nil, "empty"
	}
	size = int64(len(up.Content))

	stored := uuid.NewString() + "." + ext
	handle, err := s.blobs.Store(ctx, up.Content, stored)
	if err != nil {
		log.Warn("Attachment skipped: store failed", zap.Error(err))
		return nil, "store_failed"
	}

	mime := up.MIMEType
	if mime == "" {
		mime = "application/octet-stream"
	}
	att := &model.Attachment{
		MessageID:        messageID,
		OriginalFilename: original,
		StoredFilename:   stored,
		FilePath:         handle,
		FileSize:         size,
		MIMEType:         mime,
		FileExtension:    ext,
	}
	if err := s.attachments.CreateAttachment(ctx, att); err != nil {
		log.Warn("Attachment skipped: metadata insert failed", zap.Error(err))
		if derr := s.blobs.Delete(handle); derr != nil {
			log.Warn("Failed to remove orphaned attachment bytes", zap.String("handle", handle), zap.Error(derr))
		}
		return nil, "persist_failed"
	}
	return att, ""
}

package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"skypost/internal/mail"
	"skypost/internal/model"
	"skypost/internal/validate"
)

const defaultPerPage = 20

type MailService interface {
	Send(ctx context.Context, req mail.SendRequest) (*mail.SendResult, error)
	Inbox(ctx context.Context, userID, page, perPage int) ([]*mail.MessageDetail, *mail.Pagination, error)
	Outbox(ctx context.Context, userID, page, perPage int) ([]*mail.MessageDetail, *mail.Pagination, error)
	GetMessage(ctx context.Context, userID int, id int64) (*mail.MessageDetail, error)
	MarkRead(ctx context.Context, userID int, id int64) (*model.Message, error)
	MarkSpam(ctx context.Context, userID int, id int64) (*model.Message, error)
	Delete(ctx context.Context, userID int, id int64) error
	Stats(ctx context.Context, userID int) (*mail.Stats, error)
	OpenAttachment(ctx context.Context, userID int, id int64) (*model.Attachment, io.ReadCloser, int64, error)
}

// UploadLimits bound what /mail/send reads. Zero means unlimited.
type UploadLimits struct {
	// 单个上传最多读取的字节数，超出部分由 Send 判定为 too_large
	PerFile int64
	// 整个请求体的上限，超出直接 413
	Request int64
}

type MailHandler struct {
	svc    MailService
	limits UploadLimits
	logger *zap.Logger
}

func NewMailHandler(svc MailService, limits UploadLimits, logger *zap.Logger) *MailHandler {
	return &MailHandler{svc: svc, limits: limits, logger: logger}
}

type sendBody struct {
	ToEmail     string `json:"to_email"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
	MessageType string `json:"message_type"`
}

// Send handles POST /mail/send (JSON or multipart/form-data)
func (h *MailHandler) Send(c *gin.Context) {
	req := mail.SendRequest{SenderID: currentUserID(c)}

	if h.limits.Request > 0 {
		if c.Request.ContentLength > h.limits.Request {
			fail(c, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.limits.Request)
	}

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		form, err := c.MultipartForm()
		if err != nil {
			h.failBody(c, err, "invalid multipart form")
			return
		}
		defer form.RemoveAll()
		req.To = formValue(form.Value, "to_email")
		req.Subject = formValue(form.Value, "subject")
		req.Body = formValue(form.Value, "body")
		req.MessageType = formValue(form.Value, "message_type")

		uploads, err := h.readUploads(form.File)
		if err != nil {
			fail(c, http.StatusBadRequest, "failed to read attachments")
			return
		}
		req.Attachments = uploads
	} else {
		var body sendBody
		if err := c.ShouldBindJSON(&body); err != nil {
			h.failBody(c, err, "invalid request")
			return
		}
		req.To, req.Subject, req.Body, req.MessageType = body.ToEmail, body.Subject, body.Body, body.MessageType
	}

	res, err := h.svc.Send(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.logger, "failed to send message", err)
		return
	}
	ok(c, http.StatusCreated, "Message sent successfully", res)
}

func (h *MailHandler) failBody(c *gin.Context, err error, message string) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		fail(c, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	fail(c, http.StatusBadRequest, message)
}

func formValue(values map[string][]string, key string) string {
	if v := values[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// readUploads 接受任意字段名下的文件，按字段名排序保证顺序稳定
func (h *MailHandler) readUploads(files map[string][]*multipart.FileHeader) ([]mail.Upload, error) {
	keys := make([]string, 0, len(files))
	for k := range files {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var uploads []mail.Upload
	for _, k := range keys {
		for _, fh := range files[k] {
			content, err := h.readFile(fh)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", fh.Filename, err)
			}
			uploads = append(uploads, mail.Upload{
				Name:     fh.Filename,
				Content:  content,
				Size:     fh.Size,
				MIMEType: fh.Header.Get("Content-Type"),
			})
		}
	}
	return uploads, nil
}

func (h *MailHandler) readFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if h.limits.PerFile > 0 {
		r = io.LimitReader(f, h.limits.PerFile+1)
	}
	return io.ReadAll(r)
}

func pageParams(c *gin.Context) (int, int, error) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil {
		return 0, 0, validate.Fail("page", "must be an integer")
	}
	perPage, err := strconv.Atoi(c.DefaultQuery("per_page", strconv.Itoa(defaultPerPage)))
	if err != nil {
		return 0, 0, validate.Fail("per_page", "must be an integer")
	}
	return page, perPage, nil
}

func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		fail(c, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

// Inbox handles GET /mail/inbox
func (h *MailHandler) Inbox(c *gin.Context) {
	h.list(c, h.svc.Inbox, "Inbox retrieved successfully")
}

// Outbox handles GET /mail/outbox
func (h *MailHandler) Outbox(c *gin.Context) {
	h.list(c, h.svc.Outbox, "Outbox retrieved successfully")
}

func (h *MailHandler) list(
	c *gin.Context,
	fetch func(context.Context, int, int, int) ([]*mail.MessageDetail, *mail.Pagination, error),
	message string,
) {
	page, perPage, err := pageParams(c)
	if err != nil {
		respondError(c, h.logger, "failed to list messages", err)
		return
	}

	items, p, err := fetch(c.Request.Context(), currentUserID(c), page, perPage)
	if err != nil {
		respondError(c, h.logger, "failed to list messages", err)
		return
	}
	paginated(c, message, items, p)
}

// GetMessage handles GET /mail/message/:id
func (h *MailHandler) GetMessage(c *gin.Context) {
	id, valid := idParam(c)
	if !valid {
		return
	}
	detail, err := h.svc.GetMessage(c.Request.Context(), currentUserID(c), id)
	if err != nil {
		respondError(c, h.logger, "failed to retrieve message", err)
		return
	}
	ok(c, http.StatusOK, "Message retrieved successfully", detail)
}

// MarkRead handles PUT /mail/message/:id/read
func (h *MailHandler) MarkRead(c *gin.Context) {
	id, valid := idParam(c)
	if !valid {
		return
	}
	msg, err := h.svc.MarkRead(c.Request.Context(), currentUserID(c), id)
	if err != nil {
		respondError(c, h.logger, "failed to mark message as read", err)
		return
	}
	ok(c, http.StatusOK, "Message marked as read", msg)
}

// MarkSpam handles PUT /mail/message/:id/spam
func (h *MailHandler) MarkSpam(c *gin.Context) {
	id, valid := idParam(c)
	if !valid {
		return
	}
	msg, err := h.svc.MarkSpam(c.Request.Context(), currentUserID(c), id)
	if err != nil {
		respondError(c, h.logger, "failed to mark message as spam", err)
		return
	}
	ok(c, http.StatusOK, "Message marked as spam", msg)
}

// Delete handles DELETE /mail/message/:id
func (h *MailHandler) Delete(c *gin.Context) {
	id, valid := idParam(c)
	if !valid {
		return
	}
	if err := h.svc.Delete(c.Request.Context(), currentUserID(c), id); err != nil {
		respondError(c, h.logger, "failed to delete message", err)
		return
	}
	ok(c, http.StatusOK, "Message deleted successfully", gin.H{"message_id": id})
}

// Stats handles GET /mail/stats
func (h *MailHandler) Stats(c *gin.Context) {
	stats, err := h.svc.Stats(c.Request.Context(), currentUserID(c))
	if err != nil {
		respondError(c, h.logger, "failed to retrieve statistics", err)
		return
	}
	ok(c, http.StatusOK, "Statistics retrieved successfully", stats)
}

// DownloadAttachment handles GET /mail/attachment/:id/download
func (h *MailHandler) DownloadAttachment(c *gin.Context) {
	id, valid := idParam(c)
	if !valid {
		return
	}

	att, rc, size, err := h.svc.OpenAttachment(c.Request.Context(), currentUserID(c), id)
	if err != nil {
		respondError(c, h.logger, "failed to download attachment", err)
		return
	}
	defer rc.Close()

	contentType := att.MIMEType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.DataFromReader(http.StatusOK, size, contentType, rc, map[string]string{
		"Content-Disposition": mime.FormatMediaType("attachment", map[string]string{"filename": att.OriginalFilename}),
	})
}

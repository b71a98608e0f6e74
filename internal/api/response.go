package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"skypost/internal/auth"
	"skypost/internal/mail"
	"skypost/internal/validate"
	"skypost/pkg/logger"
	"skypost/pkg/outbox"
	"skypost/pkg/rbac"
)

// 统一响应格式 {success, message, data[, pagination]}
func ok(c *gin.Context, status int, message string, data any) {
	body := gin.H{"success": true, "message": message}
	if data != nil {
		body["data"] = data
	}
	c.JSON(status, body)
}

func paginated(c *gin.Context, message string, data any, p *mail.Pagination) {
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"message":    message,
		"data":       data,
		"pagination": p,
	})
}

func fail(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "message": message})
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	var verr *validate.Error
	var perr *rbac.PermissionDeniedError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrEmailTaken):
		return http.StatusConflict
	case errors.Is(err, mail.ErrSenderNotFound),
		errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrUserInactive),
		errors.Is(err, auth.ErrTokenExpired),
		errors.Is(err, auth.ErrTokenInvalid):
		return http.StatusUnauthorized
	case errors.As(err, &perr),
		errors.Is(err, mail.ErrAccessDenied),
		errors.Is(err, mail.ErrNotRecipient):
		return http.StatusForbidden
	case errors.Is(err, mail.ErrMessageNotFound),
		errors.Is(err, mail.ErrAttachmentGone),
		errors.Is(err, outbox.ErrEventNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// respondError 5xx 不把内部错误暴露给客户端
func respondError(c *gin.Context, l *zap.Logger, fallback string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.WithTrace(c.Request.Context(), l).Error(fallback,
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		fail(c, status, fallback)
		return
	}
	fail(c, status, err.Error())
}

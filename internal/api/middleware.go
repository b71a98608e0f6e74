package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"skypost/internal/auth"
	"skypost/internal/model"
	"skypost/pkg/logger"
	"skypost/pkg/metrics"
	"skypost/pkg/rbac"
	"skypost/pkg/trace"
)

const (
	ctxUserID = "user_id"
	ctxRole   = "role"
	ctxUser   = "user"
)

// UserLookup resolves token subjects; repository.UserRepository implements it.
type UserLookup interface {
	GetUserByID(ctx context.Context, id int) (*model.User, error)
}

// TraceMiddleware 读取或生成 X-Trace-ID 并写回响应头
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := trace.FromHeaders(c.Request.Header)
		c.Request = c.Request.WithContext(trace.WithContext(c.Request.Context(), traceID))
		c.Header(trace.HeaderName, traceID)
		c.Next()
	}
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordHTTPRequestDuration(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

// AccessLog 每个请求一行结构化日志
func AccessLog(l *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.WithTrace(c.Request.Context(), l).Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func AuthMiddleware(verifier auth.Verifier, users UserLookup, l *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.ExtractToken(c.Request)
		if token == "" {
			fail(c, http.StatusUnauthorized, "missing token")
			return
		}

		claims, err := verifier.VerifyToken(token)
		if err != nil {
			fail(c, http.StatusUnauthorized, err.Error())
			return
		}

		u, err := users.GetUserByID(c.Request.Context(), claims.UserID)
		if err != nil {
			logger.WithTrace(c.Request.Context(), l).Error("Failed to load token user",
				zap.Int("user_id", claims.UserID),
				zap.Error(err),
			)
			fail(c, http.StatusInternalServerError, "authentication failed")
			return
		}
		if u == nil || !u.IsActive {
			fail(c, http.StatusUnauthorized, "invalid user or user inactive")
			return
		}

		// store user_id in context so handlers can use it
		c.Set(ctxUserID, u.ID)
		c.Set(ctxRole, u.Role)
		c.Set(ctxUser, u)
		c.Next()
	}
}

// RequirePermission 中间件：要求用户具有指定权限
func RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := c.GetInt(ctxUserID)
		if uid == 0 {
			fail(c, http.StatusUnauthorized, "user not authenticated")
			return
		}

		if err := rbac.CheckPermission(uid, c.GetString(ctxRole), permission); err != nil {
			fail(c, http.StatusForbidden, err.Error())
			return
		}
		c.Next()
	}
}

func currentUserID(c *gin.Context) int {
	return c.GetInt(ctxUserID)
}

func currentUser(c *gin.Context) *model.User {
	u, _ := c.Get(ctxUser)
	user, _ := u.(*model.User)
	return user
}

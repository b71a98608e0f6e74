package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"skypost/internal/auth"
	"skypost/pkg/otel"
	"skypost/pkg/rbac"
)

type Router struct {
	Engine *gin.Engine
}

type Handlers struct {
	Auth   *AuthHandler
	Mail   *MailHandler
	Admin  *AdminHandler
	Health *HealthHandler
	// WS serves GET /ws/notifications; it authenticates on its own.
	WS gin.HandlerFunc
}

func NewRouter(h Handlers, verifier auth.Verifier, users UserLookup, logger *zap.Logger) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), TraceMiddleware(), otel.GinMiddleware(), MetricsMiddleware(), AccessLog(logger))

	// Health endpoints (放在最前面)
	r.GET("/healthz", h.Health.Healthz)
	r.HEAD("/healthz", h.Health.Healthz)
	r.GET("/readyz", h.Health.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Public
	r.POST("/auth/register", h.Auth.Register)
	r.POST("/auth/login", h.Auth.Login)
	if h.WS != nil {
		r.GET("/ws/notifications", h.WS)
	}

	// Protected
	authed := r.Group("/")
	authed.Use(AuthMiddleware(verifier, users, logger))
	{
		authed.GET("/auth/me", h.Auth.Me)
		authed.PUT("/auth/me", h.Auth.UpdateProfile)
		authed.PUT("/auth/profile", h.Auth.UpdateProfile)
		authed.POST("/auth/change-password", h.Auth.ChangePassword)
		authed.GET("/auth/validate", h.Auth.ValidateToken)
		authed.GET("/auth/validate-token", h.Auth.ValidateToken)

		m := authed.Group("/mail")
		m.POST("/send", RequirePermission(rbac.PermissionSendMail), h.Mail.Send)
		m.Use(RequirePermission(rbac.PermissionReadMail))
		m.GET("/inbox", h.Mail.Inbox)
		m.GET("/outbox", h.Mail.Outbox)
		m.GET("/stats", h.Mail.Stats)
		m.GET("/message/:id", h.Mail.GetMessage)
		m.PUT("/message/:id/read", h.Mail.MarkRead)
		m.PUT("/message/:id/spam", h.Mail.MarkSpam)
		m.DELETE("/message/:id", h.Mail.Delete)
		m.GET("/attachment/:id/download", h.Mail.DownloadAttachment)

		authed.GET("/ws/connections", RequirePermission(rbac.PermissionReadConnections), h.Admin.Connections)

		admin := authed.Group("/admin/outbox")
		admin.GET("/failed", RequirePermission(rbac.PermissionReadOutbox), h.Admin.FailedEvents)
		admin.POST("/:id/replay", RequirePermission(rbac.PermissionReplayOutbox), h.Admin.ReplayEvent)
		admin.POST("/replay-failed", RequirePermission(rbac.PermissionReplayOutbox), h.Admin.ReplayFailed)
	}

	return &Router{Engine: r}
}

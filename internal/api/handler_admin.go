package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"skypost/pkg/outbox"
)

// ConnectionStats is implemented by *notify.Registry.
type ConnectionStats interface {
	Total() int
	Users() int
	PerUser() map[int]int
}

// OutboxAdmin is implemented by *outbox.ReplayService.
type OutboxAdmin interface {
	FailedEvents(ctx context.Context, limit int) ([]*outbox.Event, error)
	ReplayEvent(ctx context.Context, eventID int64) (*outbox.Event, error)
	ReplayFailedEvents(ctx context.Context, limit int) (int, error)
}

type AdminHandler struct {
	connections ConnectionStats
	outbox      OutboxAdmin
	logger      *zap.Logger
}

func NewAdminHandler(connections ConnectionStats, outbox OutboxAdmin, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		connections: connections,
		outbox:      outbox,
		logger:      logger,
	}
}

// Connections handles GET /ws/connections
func (h *AdminHandler) Connections(c *gin.Context) {
	perUser := make(map[string]int)
	for userID, n := range h.connections.PerUser() {
		perUser[strconv.Itoa(userID)] = n
	}
	ok(c, http.StatusOK, "Connection statistics retrieved", gin.H{
		"total_connections": h.connections.Total(),
		"users_connected":   h.connections.Users(),
		"per_user":          perUser,
	})
}

func limitParam(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		return 100
	}
	return limit
}

// FailedEvents handles GET /admin/outbox/failed?limit=100
func (h *AdminHandler) FailedEvents(c *gin.Context) {
	events, err := h.outbox.FailedEvents(c.Request.Context(), limitParam(c))
	if err != nil {
		respondError(c, h.logger, "failed to list failed events", err)
		return
	}
	if events == nil {
		events = []*outbox.Event{}
	}
	ok(c, http.StatusOK, "Failed events retrieved", events)
}

// ReplayEvent 重放指定的 Outbox 事件
// POST /admin/outbox/:id/replay
func (h *AdminHandler) ReplayEvent(c *gin.Context) {
	id, valid := idParam(c)
	if !valid {
		return
	}

	event, err := h.outbox.ReplayEvent(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("Failed to replay event",
			zap.Int64("event_id", id),
			zap.Error(err),
		)
		respondError(c, h.logger, "failed to replay event", err)
		return
	}
	ok(c, http.StatusOK, "Event replayed", event)
}

// ReplayFailed 重放所有失败的事件
// POST /admin/outbox/replay-failed?limit=100
func (h *AdminHandler) ReplayFailed(c *gin.Context) {
	limit := limitParam(c)
	n, err := h.outbox.ReplayFailedEvents(c.Request.Context(), limit)
	if err != nil {
		respondError(c, h.logger, "failed to replay failed events", err)
		return
	}
	ok(c, http.StatusOK, "Replay completed", gin.H{"success_count": n, "limit": limit})
}

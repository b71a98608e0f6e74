package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"skypost/internal/auth"
	"skypost/internal/model"
	"skypost/internal/notify"
	"skypost/pkg/logger"
	"skypost/pkg/metrics"
)

// Inbound frame types.
const (
	frameAuth     = "auth"
	framePing     = "ping"
	frameGetStats = "get_stats"
)

// Registry is the part of notify.Registry a session needs.
type Registry interface {
	Add(userID int, s notify.Session) error
	Remove(userID int, s notify.Session)
	Count(userID int) int
	Total() int
}

// UserLookup resolves the verified identity to an account.
type UserLookup interface {
	GetUserByID(ctx context.Context, id int) (*model.User, error)
}

type Options struct {
	AuthTimeout time.Duration
	PingPeriod  time.Duration
	// 为空时允许任意 Origin
	AllowedOrigins []string
}

type inbound struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
}

// Handler upgrades GET /ws/notifications and runs one session per connection.
type Handler struct {
	registry Registry
	verifier auth.Verifier
	users    UserLookup
	opts     Options
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewHandler(registry Registry, verifier auth.Verifier, users UserLookup, opts Options, logger *zap.Logger) *Handler {
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 5 * time.Second
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = pingPeriod
	}

	h := &Handler{
		registry: registry,
		verifier: verifier,
		users:    users,
		opts:     opts,
		logger:   logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.opts.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

// ServeWS handles GET /ws/notifications.
func (h *Handler) ServeWS(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已经写回了 HTTP 错误
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	// 连接被劫持后请求 context 不再跟随连接生命周期
	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	defer cancel()

	h.serve(ctx, newSession(ws), c.Query("token"))
}

func (h *Handler) serve(ctx context.Context, s *Session, queryToken string) {
	log := logger.WithTrace(ctx, h.logger).With(zap.String("session_id", s.ID()))

	// 只有注册成功后 userID 才非 0；Remove 对未注册的会话是 no-op
	userID := 0
	defer func() {
		h.registry.Remove(userID, s)
		_ = s.Close()
		log.Debug("Session closed", zap.Int("user_id", userID))
	}()

	user, reason := h.authenticate(ctx, s, queryToken)
	if user == nil {
		metrics.IncrementHandshake("rejected")
		log.Info("Session handshake rejected", zap.String("reason", reason))
		h.sendError(ctx, s, reason)
		return
	}

	if !s.transition(StatePending, StateAuthenticated) {
		return
	}

	// 持有写锁直到确认帧写出，注册后到达的广播只能排在它后面
	writeCtx, cancelWrite := context.WithTimeout(ctx, writeWait)
	defer cancelWrite()
	release, err := s.lockWrites(writeCtx)
	if err != nil {
		return
	}
	if err := h.registry.Add(user.ID, s); err != nil {
		release()
		metrics.IncrementHandshake("rejected")
		log.Warn("Session rejected", zap.Int("user_id", user.ID), zap.Error(err))
		h.sendError(ctx, s, err.Error())
		return
	}
	userID = user.ID

	if !s.transition(StateAuthenticated, StateActive) {
		release()
		return
	}
	metrics.IncrementHandshake("ok")
	log.Info("Session established", zap.Int("user_id", userID))

	err = s.write(writeCtx, notify.Event{
		Type:    notify.EventConnectionEstablished,
		UserID:  userID,
		Message: "Connected to real-time notifications",
	})
	release()
	if err != nil {
		return
	}

	go s.keepAlive(h.opts.PingPeriod)
	h.loop(ctx, s, userID, log)
}

// authenticate returns the user or the reason sent to the client.
func (h *Handler) authenticate(ctx context.Context, s *Session, token string) (*model.User, string) {
	if token == "" {
		var err error
		token, err = h.awaitAuthFrame(s)
		if err != nil {
			return nil, err.Error()
		}
	}

	claims, err := h.verifier.VerifyToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			return nil, auth.ErrTokenExpired.Error()
		}
		return nil, auth.ErrTokenInvalid.Error()
	}

	user, err := h.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		h.logger.Error("User lookup failed during handshake", zap.Int("user_id", claims.UserID), zap.Error(err))
		return nil, "authentication failed"
	}
	if user == nil || !user.IsActive {
		return nil, "invalid user or user inactive"
	}
	return user, ""
}

var (
	errAuthTimeout  = errors.New("authentication timeout")
	errAuthRequired = errors.New("authentication required")
)

// awaitAuthFrame reads exactly one frame within the auth timeout.
func (h *Handler) awaitAuthFrame(s *Session) (string, error) {
	s.ws.SetReadLimit(maxMessageSize)
	if err := s.ws.SetReadDeadline(time.Now().Add(h.opts.AuthTimeout)); err != nil {
		return "", errAuthTimeout
	}

	_, data, err := s.ws.ReadMessage()
	if err != nil {
		return "", errAuthTimeout
	}

	var frame inbound
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type != frameAuth || frame.Token == "" {
		return "", errAuthRequired
	}

	// Active 状态下等待消息没有超时
	if err := s.ws.SetReadDeadline(time.Time{}); err != nil {
		return "", errAuthTimeout
	}
	return frame.Token, nil
}

// loop processes inbound frames in arrival order until the transport fails.
func (h *Handler) loop(ctx context.Context, s *Session, userID int, log *zap.Logger) {
	s.ws.SetReadLimit(maxMessageSize)
	s.ws.SetPongHandler(func(string) error { return nil })

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Debug("Session read error", zap.Int("user_id", userID), zap.Error(err))
			}
			return
		}

		reply := h.handleFrame(data, userID)
		if err := h.send(ctx, s, reply); err != nil {
			log.Debug("Session write failed", zap.Int("user_id", userID), zap.Error(err))
			return
		}
	}
}

func (h *Handler) handleFrame(data []byte, userID int) notify.Event {
	var frame inbound
	if err := json.Unmarshal(data, &frame); err != nil {
		return notify.Event{Type: notify.EventError, Message: "invalid JSON message"}
	}

	switch frame.Type {
	case framePing:
		return notify.Event{Type: notify.EventPong, Timestamp: notify.UnixSeconds(time.Now())}
	case frameGetStats:
		return notify.StatsEvent(h.registry, userID)
	default:
		return notify.Event{Type: notify.EventError, Message: fmt.Sprintf("unsupported message type: %q", frame.Type)}
	}
}

func (h *Handler) send(ctx context.Context, s *Session, ev notify.Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	return s.Send(ctx, ev)
}

// sendError is best effort; the session is closing anyway.
func (h *Handler) sendError(ctx context.Context, s *Session, message string) {
	_ = h.send(ctx, s, notify.Event{Type: notify.EventError, Message: message})
}

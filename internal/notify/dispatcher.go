package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"skypost/internal/model"
)

// Counter reports live session counts.
type Counter interface {
	Count(userID int) int
	Total() int
}

// Broadcaster is the fan-out contract; *Registry is the in-process implementation.
type Broadcaster interface {
	Counter
	Broadcast(ctx context.Context, userID int, ev Event) int
}

// Dispatcher builds typed events and hands them to the Broadcaster.
type Dispatcher struct {
	broadcaster Broadcaster
	logger      *zap.Logger
}

func NewDispatcher(b Broadcaster, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{broadcaster: b, logger: logger}
}

type NewMessageData struct {
	MessageID  int64   `json:"messageId"`
	SenderName string  `json:"senderName"`
	Subject    string  `json:"subject"`
	Timestamp  float64 `json:"timestamp"`
}

type StatsData struct {
	ActiveConnections int `json:"activeConnections"`
	TotalConnections  int `json:"totalConnections"`
}

// NewMessageEvent builds the new_message frame for msg.
func NewMessageEvent(msg *model.Message, senderName string) Event {
	ts := msg.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return Event{
		Type: EventNewMessage,
		Data: NewMessageData{
			MessageID:  msg.ID,
			SenderName: senderName,
			Subject:    msg.Subject,
			Timestamp:  UnixSeconds(ts),
		},
		Message: fmt.Sprintf("New message from %s: %s", senderName, msg.Subject),
	}
}

// StatsEvent reports userID's live sessions and the global total.
func StatsEvent(c Counter, userID int) Event {
	return Event{
		Type: EventStats,
		Data: StatsData{
			ActiveConnections: c.Count(userID),
			TotalConnections:  c.Total(),
		},
	}
}

// NotifyNewMessage returns the number of sessions that received the event.
func (d *Dispatcher) NotifyNewMessage(ctx context.Context, recipientID int, msg *model.Message, senderName string) int {
	delivered := d.broadcaster.Broadcast(ctx, recipientID, NewMessageEvent(msg, senderName))
	d.logger.Debug("new_message dispatched",
		zap.Int("recipient_id", recipientID),
		zap.Int64("message_id", msg.ID),
		zap.Int("delivered", delivered),
	)
	return delivered
}

// SendStats pushes current connection counts to userID.
func (d *Dispatcher) SendStats(ctx context.Context, userID int) int {
	return d.broadcaster.Broadcast(ctx, userID, StatsEvent(d.broadcaster, userID))
}

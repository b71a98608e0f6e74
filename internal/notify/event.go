package notify

import (
	"context"
	"time"
)

// Event types pushed to live sessions.
const (
	EventConnectionEstablished = "connection_established"
	EventNewMessage            = "new_message"
	EventStats                 = "stats"
	EventPong                  = "pong"
	EventError                 = "error"
)

// Event is the JSON frame written to a live session.
type Event struct {
	Type      string  `json:"type"`
	Data      any     `json:"data,omitempty"`
	Message   string  `json:"message,omitempty"`
	UserID    int     `json:"userId,omitempty"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

// Session is one live connection as seen by the registry.
// Send must honour ctx cancellation; Close must be safe to call more than once.
type Session interface {
	ID() string
	Send(ctx context.Context, ev Event) error
	Close() error
}

// UnixSeconds matches the float timestamps clients expect.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

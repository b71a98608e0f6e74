package mq

import "time"

// MessageSentPayload message.sent 事件载荷，由发送链路写入 outbox
type MessageSentPayload struct {
	MessageID      int64     `json:"message_id"`
	SenderID       int       `json:"sender_id"`
	RecipientID    *int      `json:"recipient_id,omitempty"`
	RecipientEmail string    `json:"recipient_email"`
	Subject        string    `json:"subject"`
	TraceID        string    `json:"trace_id,omitempty"`
	SentAt         time.Time `json:"sent_at"`
}

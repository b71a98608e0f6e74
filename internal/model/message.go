package model

import "time"

const DefaultMessageType = "email"

type Message struct {
	ID             int64      `json:"id"`
	SenderID       int        `json:"sender_id"`
	RecipientID    *int       `json:"recipient_id"`
	SenderEmail    string     `json:"sender_email"`
	RecipientEmail string     `json:"recipient_email"`
	Subject        string     `json:"subject"`
	Body           string     `json:"body"`
	MessageType    string     `json:"message_type"`
	IsRead         bool       `json:"is_read"`
	IsDraft        bool       `json:"is_draft"`
	IsDeleted      bool       `json:"is_deleted"`
	IsSpam         bool       `json:"is_spam"`
	ThreadID       *string    `json:"thread_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
}

// IsParticipant 发件人或收件人
func (m *Message) IsParticipant(userID int) bool {
	return m.SenderID == userID || m.IsRecipient(userID)
}

func (m *Message) IsRecipient(userID int) bool {
	return m.RecipientID != nil && *m.RecipientID == userID
}

// DeliveryLog worker 消费 message.sent 后写入的投递审计记录
type DeliveryLog struct {
	ID             int64     `json:"id"`
	MessageID      int64     `json:"message_id"`
	SenderID       int       `json:"sender_id"`
	RecipientID    *int      `json:"recipient_id,omitempty"`
	RecipientEmail string    `json:"recipient_email"`
	Status         string    `json:"status"`
	TraceID        string    `json:"trace_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	contracts "skypost/contracts/mq"
	"skypost/internal/model"
	"skypost/pkg/util"
)

type memLogs struct {
	rows []*model.DeliveryLog
	err  error
}

func (m *memLogs) Insert(_ context.Context, log *model.DeliveryLog) error {
	if m.err != nil {
		return m.err
	}
	m.rows = append(m.rows, log)
	return nil
}

type memDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *memDedup) AcquireOnce(_ context.Context, handler, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := handler + ":" + id
	if d.seen[key] {
		return false
	}
	d.seen[key] = true
	return true
}

func (d *memDedup) Release(_ context.Context, handler, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, handler+":"+id)
}

func payload(t *testing.T, p contracts.MessageSentPayload) json.RawMessage {
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return raw
}

func TestHandleMessageSentWritesOnce(t *testing.T) {
	logs := &memLogs{}
	h := NewMessageSentLogHandler(logs, &memDedup{seen: map[string]bool{}}, zap.NewNop())
	rid := 1
	raw := payload(t, contracts.MessageSentPayload{MessageID: 7, SenderID: 2, RecipientID: &rid, RecipientEmail: "u1@example.com", TraceID: "t-1"})

	require.NoError(t, h.HandleMessageSent(context.Background(), raw))
	require.NoError(t, h.HandleMessageSent(context.Background(), raw))

	require.Len(t, logs.rows, 1)
	assert.Equal(t, int64(7), logs.rows[0].MessageID)
	assert.Equal(t, DeliveryStatusLogged, logs.rows[0].Status)
	assert.Equal(t, "t-1", logs.rows[0].TraceID)
	assert.Equal(t, &rid, logs.rows[0].RecipientID)
}

func TestHandleMessageSentReleasesOnFailure(t *testing.T) {
	logs := &memLogs{err: errors.New("connection refused")}
	dedup := &memDedup{seen: map[string]bool{}}
	h := NewMessageSentLogHandler(logs, dedup, zap.NewNop())
	raw := payload(t, contracts.MessageSentPayload{MessageID: 9, SenderID: 2, RecipientEmail: "x@example.com"})

	err := h.HandleMessageSent(context.Background(), raw)
	require.Error(t, err)
	retryable, _ := util.IsRetryableError(err)
	assert.True(t, retryable)
	assert.Empty(t, dedup.seen)

	logs.err = nil
	require.NoError(t, h.HandleMessageSent(context.Background(), raw))
	assert.Len(t, logs.rows, 1)
}

func TestHandleMessageSentRejectsBadPayload(t *testing.T) {
	h := NewMessageSentLogHandler(&memLogs{}, nil, zap.NewNop())

	err := h.HandleMessageSent(context.Background(), json.RawMessage(`{bad`))
	retryable, errType := util.IsRetryableError(err)
	assert.False(t, retryable)
	assert.Equal(t, "json_decode_error", errType)

	err = h.HandleMessageSent(context.Background(), json.RawMessage(`{"sender_id":1}`))
	retryable, errType = util.IsRetryableError(err)
	assert.False(t, retryable)
	assert.Equal(t, "invalid_payload", errType)
}

package mail

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"skypost/internal/model"
	"skypost/internal/notify"
)

type fixture struct {
	svc         *Service
	users       *memUsers
	messages    *memMessages
	attachments *memAttachments
	blobs       *memBlobs
	notifier    *recordingNotifier
}

const (
	u1 = 1 // recipient
	u2 = 2 // sender
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		users: &memUsers{byID: map[int]*model.User{
			u1: {ID: u1, Email: "u1@example.com", FirstName: "Una", LastName: "One", IsActive: true},
			u2: {ID: u2, Email: "u2@example.com", FirstName: "Dos", LastName: "Two", IsActive: true},
			3:  {ID: 3, Email: "u3@example.com", IsActive: true},
		}},
		messages:    newMemMessages(),
		attachments: newMemAttachments(),
		blobs:       newMemBlobs(),
		notifier:    &recordingNotifier{},
	}
	f.svc = NewService(f.users, f.messages, f.attachments, f.blobs, f.notifier, DefaultOptions(), zap.NewNop())
	return f
}

func (f *fixture) send(t *testing.T, req SendRequest) *SendResult {
	t.Helper()
	res, err := f.svc.Send(context.Background(), req)
	require.NoError(t, err)
	return res
}

func TestSendToKnownRecipient(t *testing.T) {
	f := newFixture(t)

	res := f.send(t, SendRequest{SenderID: u2, To: "  U1@Example.com ", Subject: " Hi ", Body: "body"})

	require.NotNil(t, res.Message.RecipientID)
	assert.Equal(t, u1, *res.Message.RecipientID)
	assert.Equal(t, "u1@example.com", res.Message.RecipientEmail)
	assert.Equal(t, "u2@example.com", res.Message.SenderEmail)
	assert.Equal(t, "Hi", res.Message.Subject)
	assert.Equal(t, model.DefaultMessageType, res.Message.MessageType)
	assert.Empty(t, res.Attachments)

	require.Len(t, f.messages.rows, 1)
	row := f.messages.rows[res.Message.ID]
	assert.False(t, row.IsDeleted)

	require.Len(t, f.notifier.calls, 1)
	assert.Equal(t, notifyCall{recipientID: u1, messageID: res.Message.ID, senderName: "Dos Two"}, f.notifier.calls[0])
}

func TestSendToUnknownRecipient(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Send(context.Background(), SendRequest{SenderID: u2, To: "stranger@elsewhere.org", Subject: "Hi", Body: "body"})

	require.NoError(t, err)
	assert.Nil(t, res.Message.RecipientID)
	assert.Len(t, f.messages.rows, 1)
	assert.Empty(t, f.notifier.calls)
}

func TestSendValidation(t *testing.T) {
	cases := []struct {
		name  string
		req   SendRequest
		field string
	}{
		{"bad email", SendRequest{SenderID: u2, To: "nope", Subject: "s", Body: "b"}, "to_email"},
		{"empty subject", SendRequest{SenderID: u2, To: "u1@example.com", Subject: "   ", Body: "b"}, "subject"},
		{"long subject", SendRequest{SenderID: u2, To: "u1@example.com", Subject: strings.Repeat("x", 201), Body: "b"}, "subject"},
		{"empty body", SendRequest{SenderID: u2, To: "u1@example.com", Subject: "s", Body: " \n "}, "body"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.Send(context.Background(), tc.req)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tc.field, verr.Field)
			assert.Empty(t, f.messages.rows)
			assert.Empty(t, f.notifier.calls)
		})
	}
}

func TestSubjectBoundary(t *testing.T) {
	f := newFixture(t)

	res := f.send(t, SendRequest{SenderID: u2, To: "u1@example.com", Subject: strings.Repeat("s", 200), Body: "b"})
	assert.Len(t, res.Message.Subject, 200)

	_, err := f.svc.Send(context.Background(), SendRequest{SenderID: u2, To: "u1@example.com", Subject: strings.Repeat("s", 201), Body: "b"})
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
	assert.Len(t, f.messages.rows, 1)
}

func TestSendRequiresExistingSender(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Send(context.Background(), SendRequest{SenderID: 404, To: "u1@example.com", Subject: "s", Body: "b"})
	assert.ErrorIs(t, err, ErrSenderNotFound)

	f.users.byID[u2].IsActive = false
	_, err = f.svc.Send(context.Background(), SendRequest{SenderID: u2, To: "u1@example.com", Subject: "s", Body: "b"})
	assert.ErrorIs(t, err, ErrSenderNotFound)

	assert.Empty(t, f.messages.rows)
}

func TestPersistFailureStopsPipeline(t *testing.T) {
	f := newFixture(t)
	f.messages.createErr = errors.New("db down")

	_, err := f.svc.Send(context.Background(), SendRequest{
		SenderID: u2, To: "u1@example.com", Subject: "s", Body: "b",
		Attachments: []Upload{{Name: "a.txt", Content: []byte("x")}},
	})

	require.Error(t, err)
	assert.Empty(t, f.blobs.files)
	assert.Empty(t, f.attachments.rows)
	assert.Empty(t, f.notifier.calls)
}

func TestOversizedAttachmentIsSkipped(t *testing.T) {
	f := newFixture(t)
	big := bytes.Repeat([]byte{'a'}, 11*1024*1024)

	res := f.send(t, SendRequest{
		SenderID: u2, To: "u1@example.com", Subject: "files", Body: "see attached",
		Attachments: []Upload{
			{Name: "huge.pdf", Content: big, MIMEType: "application/pdf"},
			{Name: "notes.txt", Content: []byte("hello"), MIMEType: "text/plain"},
		},
	})

	require.Len(t, res.Attachments, 1)
	assert.Equal(t, "notes.txt", res.Attachments[0].OriginalFilename)
	assert.Equal(t, int64(5), res.Attachments[0].FileSize)
	assert.Equal(t, []SkippedAttachment{{Name: "huge.pdf", Reason: "too_large"}}, res.Skipped)
	assert.Len(t, f.messages.rows, 1)
	assert.Len(t, f.blobs.files, 1)
}

func TestDeclaredSizeOverLimitIsSkipped(t *testing.T) {
	f := newFixture(t)

	res := f.send(t, SendRequest{
		SenderID: u2, To: "u1@example.com", Subject: "s", Body: "b",
		Attachments: []Upload{{Name: "huge.pdf", Size: 11 * 1024 * 1024}},
	})
	assert.Empty(t, res.Attachments)
	assert.Equal(t, "too_large", res.Skipped[0].Reason)
}

func TestAttachmentStorageNames(t *testing.T) {
	f := newFixture(t)

	res := f.send(t, SendRequest{
		SenderID: u2, To: "u1@example.com", Subject: "s", Body: "b",
		Attachments: []Upload{
			{Name: "../../etc/passwd.txt", Content: []byte("x")},
			{Name: "Report.PDF", Content: []byte("%PDF")},
			{Name: "Report.PDF", Content: []byte("%PDF")},
		},
	})

	require.Len(t, res.Attachments, 3)
	assert.Equal(t, "passwd.txt", res.Attachments[0].OriginalFilename)
	assert.NotContains(t, res.Attachments[0].StoredFilename, "passwd")
	assert.Equal(t, "pdf", res.Attachments[1].FileExtension)
	assert.True(t, strings.HasSuffix(res.Attachments[1].StoredFilename, ".pdf"))
	assert.NotEqual(t, res.Attachments[1].StoredFilename, res.Attachments[2].StoredFilename)
	assert.Equal(t, "application/octet-stream", res.Attachments[1].MIMEType)
}

func TestDisallowedAndEmptyAttachmentsSkipped(t *testing.T) {
	f := newFixture(t)

	res := f.send(t, SendRequest{
		SenderID: u2, To: "u1@example.com", Subject: "s", Body: "b",
		Attachments: []Upload{
			{Name: "run.exe", Content: []byte("MZ")},
			{Name: "noext", Content: []byte("x")},
			{Name: "empty.txt"},
		},
	})

	assert.Empty(t, res.Attachments)
	assert.Equal(t, []SkippedAttachment{
		{Name: "run.exe", Reason: "extension_not_allowed"},
		{Name: "noext", Reason: "extension_not_allowed"},
		{Name: "empty.txt", Reason: "empty"},
	}, res.Skipped)
	assert.Empty(t, f.blobs.files)
}

func TestAttachmentFailuresAreNotFatal(t *testing.T) {
	f := newFixture(t)
	f.blobs.storeErr = errors.New("disk full")

	res := f.send(t, SendRequest{
		SenderID: u2, To: "u1@example.com", Subject: "s", Body: "b",
		Attachments: []Upload{{Name: "a.txt", Content: []byte("x")}},
	})
	assert.Equal(t, "store_failed", res.Skipped[0].Reason)
	assert.Len(t, f.notifier.calls, 1)

	f2 := newFixture(t)
	f2.attachments.createErr = errors.New("constraint")
	res = f2.send(t, SendRequest{
		SenderID: u2, To: "u1@example.com", Subject: "s", Body: "b",
		Attachments: []Upload{{Name: "a.txt", Content: []byte("x")}},
	})
	assert.Equal(t, "persist_failed", res.Skipped[0].Reason)
	// 元数据写入失败时删除已保存的文件
	assert.Empty(t, f2.blobs.files)
	assert.Len(t, f2.blobs.deleted, 1)
}

func TestSendWithoutNotifier(t *testing.T) {
	f := newFixture(t)
	svc := NewService(f.users, f.messages, f.attachments, f.blobs, nil, Options{}, zap.NewNop())

	_, err := svc.Send(context.Background(), SendRequest{SenderID: u2, To: "u1@example.com", Subject: "s", Body: "b"})
	assert.NoError(t, err)
}

type liveSession struct {
	mu     sync.Mutex
	events []notify.Event
	fail   bool
	closed atomic.Int32
}

func (s *liveSession) ID() string { return "live" }
func (s *liveSession) Send(ctx context.Context, ev notify.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.fail {
		return errors.New("broken pipe")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}
func (s *liveSession) Close() error {
	s.closed.Add(1)
	return nil
}

// U1 有一个在线连接，U2 发信后 U1 收到一条 new_message
func TestSendNotifiesLiveRecipient(t *testing.T) {
	f := newFixture(t)
	registry := notify.NewRegistry(notify.Options{}, zap.NewNop())
	session := &liveSession{}
	require.NoError(t, registry.Add(u1, session))
	svc := NewService(f.users, f.messages, f.attachments, f.blobs, notify.NewDispatcher(registry, zap.NewNop()), Options{}, zap.NewNop())

	res, err := svc.Send(context.Background(), SendRequest{SenderID: u2, To: "u1@example.com", Subject: "Hi", Body: "body"})
	require.NoError(t, err)

	require.Len(t, session.events, 1)
	ev := session.events[0]
	assert.Equal(t, notify.EventNewMessage, ev.Type)
	data, ok := ev.Data.(notify.NewMessageData)
	require.True(t, ok)
	assert.Equal(t, res.Message.ID, data.MessageID)
	assert.Equal(t, "Hi", data.Subject)
}

func TestStaleSessionDoesNotFailSend(t *testing.T) {
	f := newFixture(t)
	registry := notify.NewRegistry(notify.Options{}, zap.NewNop())
	require.NoError(t, registry.Add(u1, &liveSession{fail: true}))
	svc := NewService(f.users, f.messages, f.attachments, f.blobs, notify.NewDispatcher(registry, zap.NewNop()), Options{}, zap.NewNop())

	res, err := svc.Send(context.Background(), SendRequest{SenderID: u2, To: "u1@example.com", Subject: "Hi", Body: "body"})
	require.NoError(t, err)
	assert.NotZero(t, res.Message.ID)
	assert.Equal(t, 0, registry.Count(u1))
	assert.Len(t, f.messages.rows, 1)
}

// 发件人在提交后断开：附件照常保存，收件人的在线连接照常收到通知
func TestSendSurvivesCallerCancelAfterCommit(t *testing.T) {
	f := newFixture(t)
	registry := notify.NewRegistry(notify.Options{}, zap.NewNop())
	session := &liveSession{}
	require.NoError(t, registry.Add(u1, session))
	svc := NewService(f.users, f.messages, f.attachments, f.blobs, notify.NewDispatcher(registry, zap.NewNop()), DefaultOptions(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 20; i++ {
		res, err := svc.Send(ctx, SendRequest{
			SenderID:    u2,
			To:          "u1@example.com",
			Subject:     "Hi",
			Body:        "body",
			Attachments: []Upload{{Name: "notes.txt", Content: []byte("hello"), MIMEType: "text/plain"}},
		})
		require.NoError(t, err)
		assert.Len(t, res.Attachments, 1)
		assert.Empty(t, res.Skipped)
	}

	assert.Equal(t, 1, registry.Count(u1))
	assert.Equal(t, int32(0), session.closed.Load())
	assert.Len(t, session.events, 20)
}

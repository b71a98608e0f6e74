package mail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInboxOutboxPagination(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.send(t, SendRequest{SenderID: u2, To: "u1@example.com", Subject: fmt.Sprintf("m%d", i), Body: "b"})
	}
	ctx := context.Background()

	items, p, err := f.svc.Inbox(ctx, u1, 1, 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "m4", items[0].Subject)
	assert.Equal(t, "m3", items[1].Subject)
	assert.Equal(t, &Pagination{Page: 1, PerPage: 2, Total: 5, TotalPages: 3, HasNext: true, HasPrev: false}, p)

	items, p, err = f.svc.Inbox(ctx, u1, 3, 2)
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.False(t, p.HasNext)
	assert.True(t, p.HasPrev)

	out, p, err := f.svc.Outbox(ctx, u2, 1, 100)
	require.NoError(t, err)
	assert.Len(t, out, 5)
	assert.Equal(t, 1, p.TotalPages)

	empty, p, err := f.svc.Inbox(ctx, 3, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.Equal(t, 0, p.TotalPages)
}

func TestPaginationBounds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, tc := range []struct{ page, perPage int }{{0, 10}, {1, 0}, {1, 101}} {
		_, _, err := f.svc.Inbox(ctx, u1, tc.page, tc.perPage)
		var verr *ValidationError
		assert.True(t, errors.As(err, &verr), "%+v", tc)
	}
}

func TestListingsCarryAttachments(t *testing.T) {
	f := newFixture(t)
	f.send(t, SendRequest{SenderID: u2, To: "u1@example.com", Subject: "s", Body: "b",
		Attachments: []Upload{{Name: "a.txt", Content: []byte("1")}, {Name: "b.png", Content: []byte("2")}}})
	f.send(t, SendRequest{SenderID: u2, To: "u1@example.com", Subject: "plain", Body: "b"})

	items, _, err := f.svc.Inbox(context.Background(), u1, 1, 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, 0, items[0].AttachmentCount)
	assert.NotNil(t, items[0].Attachments)
	assert.Equal(t, 2, items[1].AttachmentCount)
}

func TestGetMessageMarksReadForRecipientOnly(t *testing.T) {
	f := newFixture(t)
	res := f.send(t, SendRequest{SenderID: u2, To: "u1@example.com", Subject: "s", Body: "b"})
	ctx := context.Background()
	id := res.Message.ID

	// 发件人查看不改变已读状态
	detail, err := f.svc.GetMessage(ctx, u2, id)
	require.NoError(t, err)
	assert.False(t, detail.IsRead)
	assert.False(t, f.messages.rows[id].IsRead)

	detail, err = f.svc.GetMessage(ctx, u1, id)
	require.NoError(t, err)
	assert.True(t, detail.IsRead)
	assert.NotNil(t, detail.ReadAt)
	assert.True(t, f.messages.rows[id].IsRead)

	_, err = f.svc.GetMessage(ctx, 3, id)
	assert.ErrorIs(t, err, ErrAccessDenied)

	_, err = f.svc.GetMessage(ctx, u1, 999)
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestFlagTransitions(t *testing.T) {
	f := newFixture(t)
	res := f.send(t, SendRequest{SenderID: u2, To: "u1@example.com", Subject: "s", Body: "b"})
	ctx := context.Background()
	id := res.Message.ID

	_, err := f.svc.MarkRead(ctx, u2, id)
	assert.ErrorIs(t, err, ErrNotRecipient)
	_, err = f.svc.MarkSpam(ctx, u2, id)
	assert.ErrorIs(t, err, ErrNotRecipient)

	msg, err := f.svc.MarkRead(ctx, u1, id)
	require.NoError(t, err)
	firstReadAt := *msg.ReadAt

	msg, err = f.svc.MarkRead(ctx, u1, id)
	require.NoError(t, err)
	assert.Equal(t, firstReadAt, *msg.ReadAt)

	msg, err = f.svc.MarkSpam(ctx, u1, id)
	require.NoError(t, err)
	assert.True(t, msg.IsSpam)

	stats, err := f.svc.Stats(ctx, u1)
	require.NoError(t, err)
	assert.Equal(t, &Stats{InboxCount: 1, UnreadCount: 0, TotalMessages: 1}, stats)

	require.NoError(t, f.svc.Delete(ctx, u1, id))
	assert.True(t, f.messages.rows[id].IsDeleted)
	_, err = f.svc.GetMessage(ctx, u1, id)
	assert.ErrorIs(t, err, ErrMessageNotFound)
	assert.ErrorIs(t, f.svc.Delete(ctx, u1, id), ErrMessageNotFound)

	// 软删除：行仍然存在
	assert.Len(t, f.messages.rows, 1)
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.send(t, SendRequest{SenderID: u2, To: "u1@example.com", Subject: "a", Body: "b"})
	f.send(t, SendRequest{SenderID: u2, To: "u1@example.com", Subject: "b", Body: "b"})
	f.send(t, SendRequest{SenderID: u1, To: "u2@example.com", Subject: "c", Body: "b"})

	stats, err := f.svc.Stats(context.Background(), u1)
	require.NoError(t, err)
	assert.Equal(t, &Stats{InboxCount: 2, OutboxCount: 1, UnreadCount: 2, TotalMessages: 3}, stats)
}

func TestOpenAttachment(t *testing.T) {
	f := newFixture(t)
	res := f.send(t, SendRequest{SenderID: u2, To: "u1@example.com", Subject: "s", Body: "b",
		Attachments: []Upload{{Name: "notes.txt", Content: []byte("hello"), MIMEType: "text/plain"}}})
	attID := res.Attachments[0].ID
	ctx := context.Background()

	att, rc, size, err := f.svc.OpenAttachment(ctx, u1, attID)
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, int64(5), size)
	assert.Equal(t, "notes.txt", att.OriginalFilename)
	assert.Equal(t, 1, f.attachments.rows[attID].DownloadCount)

	_, rc, _, err = f.svc.OpenAttachment(ctx, u2, attID)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, 2, f.attachments.rows[attID].DownloadCount)

	_, _, _, err = f.svc.OpenAttachment(ctx, 3, attID)
	assert.ErrorIs(t, err, ErrAccessDenied)
	assert.Equal(t, 2, f.attachments.rows[attID].DownloadCount)

	_, _, _, err = f.svc.OpenAttachment(ctx, u1, 999)
	assert.ErrorIs(t, err, ErrAttachmentGone)

	require.NoError(t, f.svc.Delete(ctx, u1, res.Message.ID))
	_, _, _, err = f.svc.OpenAttachment(ctx, u1, attID)
	assert.ErrorIs(t, err, ErrAttachmentGone)
}

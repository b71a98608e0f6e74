package mail

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"skypost/internal/model"
)

type memUsers struct {
	byID map[int]*model.User
}

func (m *memUsers) GetUserByID(_ context.Context, id int) (*model.User, error) {
	return m.byID[id], nil
}

func (m *memUsers) GetUserByEmail(_ context.Context, email string) (*model.User, error) {
	for _, u := range m.byID {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, nil
}

type memMessages struct {
	mu        sync.Mutex
	rows      map[int64]*model.Message
	nextID    int64
	createErr error
}

func newMemMessages() *memMessages {
	return &memMessages{rows: map[int64]*model.Message{}}
}

func (m *memMessages) CreateMessage(_ context.Context, msg *model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.nextID++
	msg.ID = m.nextID
	msg.CreatedAt = time.Now().Add(time.Duration(m.nextID) * time.Millisecond)
	cp := *msg
	m.rows[msg.ID] = &cp
	return nil
}

func (m *memMessages) GetMessage(_ context.Context, id int64) (*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (m *memMessages) filter(keep func(*model.Message) bool) []*model.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Message
	for _, row := range m.rows {
		if !row.IsDeleted && !row.IsDraft && keep(row) {
			cp := *row
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func page(rows []*model.Message, limit, offset int) []*model.Message {
	if offset >= len(rows) {
		return nil
	}
	end := offset + limit
	if end > len(rows) {
		end = len(rows)
	}
	return rows[offset:end]
}

func (m *memMessages) ListInbox(_ context.Context, userID, limit, offset int) ([]*model.Message, error) {
	return page(m.filter(func(r *model.Message) bool { return r.IsRecipient(userID) }), limit, offset), nil
}

func (m *memMessages) ListOutbox(_ context.Context, userID, limit, offset int) ([]*model.Message, error) {
	return page(m.filter(func(r *model.Message) bool { return r.SenderID == userID }), limit, offset), nil
}

func (m *memMessages) CountInbox(_ context.Context, userID int) (int, error) {
	return len(m.filter(func(r *model.Message) bool { return r.IsRecipient(userID) })), nil
}

func (m *memMessages) CountOutbox(_ context.Context, userID int) (int, error) {
	return len(m.filter(func(r *model.Message) bool { return r.SenderID == userID })), nil
}

func (m *memMessages) CountUnread(_ context.Context, userID int) (int, error) {
	return len(m.filter(func(r *model.Message) bool { return r.IsRecipient(userID) && !r.IsRead })), nil
}

func (m *memMessages) update(id int64, fn func(*model.Message)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return errors.New("no such message")
	}
	fn(row)
	return nil
}

func (m *memMessages) MarkRead(_ context.Context, id int64, at time.Time) error {
	return m.update(id, func(r *model.Message) {
		if !r.IsRead {
			r.IsRead = true
			r.ReadAt = &at
		}
	})
}

func (m *memMessages) MarkSpam(_ context.Context, id int64) error {
	return m.update(id, func(r *model.Message) { r.IsSpam = true })
}

func (m *memMessages) MarkDeleted(_ context.Context, id int64) error {
	return m.update(id, func(r *model.Message) { r.IsDeleted = true })
}

type memAttachments struct {
	mu        sync.Mutex
	rows      map[int64]*model.Attachment
	nextID    int64
	createErr error
}

func newMemAttachments() *memAttachments {
	return &memAttachments{rows: map[int64]*model.Attachment{}}
}

func (m *memAttachments) CreateAttachment(_ context.Context, a *model.Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.nextID++
	a.ID = m.nextID
	a.UploadedAt = time.Now()
	cp := *a
	m.rows[a.ID] = &cp
	return nil
}

func (m *memAttachments) ListByMessages(_ context.Context, ids []int64) (map[int64][]*model.Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[int64][]*model.Attachment{}
	for _, id := range ids {
		for _, a := range m.rows {
			if a.MessageID == id && !a.IsDeleted {
				cp := *a
				out[id] = append(out[id], &cp)
			}
		}
	}
	return out, nil
}

func (m *memAttachments) GetAttachment(_ context.Context, id int64) (*model.Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (m *memAttachments) IncrementDownloadCount(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[id].DownloadCount++
	return nil
}

type memBlobs struct {
	mu       sync.Mutex
	files    map[string][]byte
	storeErr error
	deleted  []string
}

func newMemBlobs() *memBlobs {
	return &memBlobs{files: map[string][]byte{}}
}

func (b *memBlobs) Store(ctx context.Context, data []byte, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.storeErr != nil {
		return "", b.storeErr
	}
	handle := "/uploads/" + name
	b.files[handle] = append([]byte(nil), data...)
	return handle, nil
}

func (b *memBlobs) Open(handle string) (io.ReadCloser, int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.files[handle]
	if !ok {
		return nil, 0, errors.New("missing")
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (b *memBlobs) Delete(handle string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.files, handle)
	b.deleted = append(b.deleted, handle)
	return nil
}

type notifyCall struct {
	recipientID int
	messageID   int64
	senderName  string
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []notifyCall
}

func (n *recordingNotifier) NotifyNewMessage(_ context.Context, recipientID int, msg *model.Message, senderName string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notifyCall{recipientID: recipientID, messageID: msg.ID, senderName: senderName})
	return 0
}

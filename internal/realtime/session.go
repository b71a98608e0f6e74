package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"skypost/internal/notify"
)

const (
	// Time allowed to write a frame when the caller gives no deadline.
	writeWait = 10 * time.Second

	// Server ping period; a failed ping closes the session.
	pingPeriod = 30 * time.Second

	// Maximum inbound frame size.
	maxMessageSize = 8192
)

var ErrSessionClosed = errors.New("session closed")

// State of a live session. Closed is terminal.
type State int32

const (
	StatePending State = iota
	StateAuthenticated
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session wraps one websocket connection. Writes are serialized; reads belong to the owning loop.
type Session struct {
	id    string
	ws    *websocket.Conn
	state atomic.Int32

	// 容量为 1 的信号量，保证同一时刻只有一个写者
	writeSem  chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

var _ notify.Session = (*Session)(nil)

func newSession(ws *websocket.Conn) *Session {
	s := &Session{
		id:       uuid.NewString(),
		ws:       ws,
		writeSem: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	s.state.Store(int32(StatePending))
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// transition moves from -> to; it fails if the session is in any other state.
// Nothing leaves Closed.
func (s *Session) transition(from, to State) bool {
	if from == StateClosed {
		return false
	}
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// Send writes ev as one JSON text frame, bounded by ctx.
func (s *Session) Send(ctx context.Context, ev notify.Event) error {
	release, err := s.lockWrites(ctx)
	if err != nil {
		return err
	}
	defer release()
	return s.write(ctx, ev)
}

// lockWrites makes the caller the only writer until release is called.
func (s *Session) lockWrites(ctx context.Context) (release func(), err error) {
	if s.State() == StateClosed {
		return nil, ErrSessionClosed
	}

	select {
	case s.writeSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrSessionClosed
	}
	return func() { <-s.writeSem }, nil
}

// write requires the write lock.
func (s *Session) write(ctx context.Context, ev notify.Event) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeWait)
	}
	if err := s.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.ws.WriteJSON(ev)
}

// Close is safe to call from any goroutine, any number of times.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		close(s.done)
		_ = s.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.ws.Close()
	})
	return err
}

// keepAlive pings the peer until the session closes.
func (s *Session) keepAlive(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = s.Close()
				return
			}
		}
	}
}

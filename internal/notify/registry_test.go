package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSession struct {
	id     string
	mu     sync.Mutex
	events []Event
	fail   error
	block  bool
	closed atomic.Int32
}

func newFake(id string) *fakeSession { return &fakeSession{id: id} }

func (f *fakeSession) ID() string { return f.id }

func (f *fakeSession) Send(ctx context.Context, ev Event) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.fail != nil {
		return f.fail
	}
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) Close() error {
	f.closed.Add(1)
	return nil
}

func (f *fakeSession) received() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.events...)
}

func newTestRegistry(opts Options) *Registry {
	return NewRegistry(opts, zap.NewNop())
}

func assertNoEmptyKeys(t *testing.T, r *Registry) {
	t.Helper()
	r.mu.RLock()
	defer r.mu.RUnlock()
	sum := 0
	for userID, set := range r.conns {
		assert.NotEmpty(t, set, "user %d has an empty session set", userID)
		sum += len(set)
	}
	assert.Equal(t, sum, r.total)
}

func TestAddRemoveCounts(t *testing.T) {
	r := newTestRegistry(Options{})
	a, b, c := newFake("a"), newFake("b"), newFake("c")

	require.NoError(t, r.Add(1, a))
	require.NoError(t, r.Add(1, b))
	require.NoError(t, r.Add(2, c))

	assert.Equal(t, 2, r.Count(1))
	assert.Equal(t, 1, r.Count(2))
	assert.Equal(t, 0, r.Count(3))
	assert.Equal(t, 3, r.Total())
	assert.Equal(t, 2, r.Users())
	assert.Equal(t, map[int]int{1: 2, 2: 1}, r.PerUser())

	r.Remove(2, c)
	assert.Equal(t, 0, r.Count(2))
	assert.Equal(t, 1, r.Users())
	assertNoEmptyKeys(t, r)
}

func TestAddSameSessionTwiceIsNoop(t *testing.T) {
	r := newTestRegistry(Options{})
	a := newFake("a")
	require.NoError(t, r.Add(1, a))
	require.NoError(t, r.Add(1, a))
	assert.Equal(t, 1, r.Total())
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := newTestRegistry(Options{})
	a, b := newFake("a"), newFake("b")
	require.NoError(t, r.Add(1, a))
	require.NoError(t, r.Add(1, b))

	r.Remove(1, a)
	once := r.PerUser()
	r.Remove(1, a)
	assert.Equal(t, once, r.PerUser())
	assert.Equal(t, 1, r.Total())

	// 不存在的用户和会话
	r.Remove(99, a)
	r.Remove(1, newFake("never-added"))
	assert.Equal(t, 1, r.Total())

	r.Remove(1, b)
	r.Remove(1, b)
	assert.Equal(t, 0, r.Total())
	assert.Empty(t, r.PerUser())
	assertNoEmptyKeys(t, r)
}

func TestCapacityRejectsNewSessions(t *testing.T) {
	r := newTestRegistry(Options{MaxConnections: 3, MaxConnectionsPerUser: 2})

	require.NoError(t, r.Add(1, newFake("a")))
	require.NoError(t, r.Add(1, newFake("b")))
	assert.ErrorIs(t, r.Add(1, newFake("c")), ErrCapacity)

	require.NoError(t, r.Add(2, newFake("d")))
	assert.ErrorIs(t, r.Add(3, newFake("e")), ErrCapacity)

	// 拒绝不会挤掉已有连接
	assert.Equal(t, 2, r.Count(1))
	assert.Equal(t, 3, r.Total())
	assert.Equal(t, 0, r.Count(3))
	assertNoEmptyKeys(t, r)
}

func TestBroadcastDeliversToAllSessions(t *testing.T) {
	r := newTestRegistry(Options{})
	a, b, other := newFake("a"), newFake("b"), newFake("other")
	require.NoError(t, r.Add(1, a))
	require.NoError(t, r.Add(1, b))
	require.NoError(t, r.Add(2, other))

	n := r.Broadcast(context.Background(), 1, Event{Type: EventPong})

	assert.Equal(t, 2, n)
	assert.Len(t, a.received(), 1)
	assert.Len(t, b.received(), 1)
	assert.Empty(t, other.received())
}

func TestBroadcastWithoutSessions(t *testing.T) {
	r := newTestRegistry(Options{})
	assert.Equal(t, 0, r.Broadcast(context.Background(), 42, Event{Type: EventPong}))
	assert.Empty(t, r.PerUser())
}

func TestBroadcastRemovesFailedSessions(t *testing.T) {
	r := newTestRegistry(Options{})
	good, broken := newFake("good"), newFake("broken")
	broken.fail = errors.New("broken pipe")
	require.NoError(t, r.Add(1, good))
	require.NoError(t, r.Add(1, broken))

	assert.Equal(t, 1, r.Broadcast(context.Background(), 1, Event{Type: EventPong}))
	assert.Equal(t, 1, r.Count(1))
	assert.Equal(t, int32(1), broken.closed.Load())
	assert.Equal(t, int32(0), good.closed.Load())

	// 之后的 Remove（会话自身清理）是安全的
	r.Remove(1, broken)
	assert.Equal(t, 1, r.Count(1))
}

func TestBroadcastAllStaleDropsUserKey(t *testing.T) {
	r := newTestRegistry(Options{})
	s := newFake("s")
	s.fail = errors.New("closed")
	require.NoError(t, r.Add(7, s))

	assert.Equal(t, 0, r.Broadcast(context.Background(), 7, Event{Type: EventPong}))
	assert.Equal(t, 0, r.Total())
	assert.Empty(t, r.PerUser())
	assertNoEmptyKeys(t, r)
}

func TestBroadcastBoundedBySendTimeout(t *testing.T) {
	r := newTestRegistry(Options{SendTimeout: 50 * time.Millisecond})
	slow, fast := newFake("slow"), newFake("fast")
	slow.block = true
	require.NoError(t, r.Add(1, slow))
	require.NoError(t, r.Add(1, fast))

	start := time.Now()
	n := r.Broadcast(context.Background(), 1, Event{Type: EventPong})

	assert.Equal(t, 1, n)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, r.Count(1))
	assert.Len(t, fast.received(), 1)
}

func TestBroadcastCancelledCallerKeepsSessions(t *testing.T) {
	r := newTestRegistry(Options{})
	a, b := newFake("a"), newFake("b")
	require.NoError(t, r.Add(1, a))
	require.NoError(t, r.Add(1, b))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, 0, r.Broadcast(ctx, 1, Event{Type: EventPong}))
	assert.Equal(t, 2, r.Count(1))
	assert.Equal(t, int32(0), a.closed.Load())
	assert.Equal(t, int32(0), b.closed.Load())
}

// 调用方在发送途中取消，不能把仍在等待的会话当成失效
func TestBroadcastCallerCancelMidFlight(t *testing.T) {
	r := newTestRegistry(Options{SendTimeout: 5 * time.Second})
	slow := newFake("slow")
	slow.block = true
	require.NoError(t, r.Add(1, slow))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	assert.Equal(t, 0, r.Broadcast(ctx, 1, Event{Type: EventPong}))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, r.Count(1))
	assert.Equal(t, int32(0), slow.closed.Load())
}

// 100 个并发 Broadcast 与 100 个并发 Add/Remove 同时作用于同一用户
func TestConcurrentBroadcastAndMembership(t *testing.T) {
	r := newTestRegistry(Options{MaxConnections: 1000, MaxConnectionsPerUser: 1000})
	const userID = 5

	stable := make([]*fakeSession, 10)
	for i := range stable {
		stable[i] = newFake(fmt.Sprintf("stable-%d", i))
		require.NoError(t, r.Add(userID, stable[i]))
	}

	churn := make([]*fakeSession, 100)
	for i := range churn {
		churn[i] = newFake(fmt.Sprintf("churn-%d", i))
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			r.Broadcast(context.Background(), userID, Event{Type: EventPong})
		}()
		go func(s *fakeSession, keep bool) {
			defer wg.Done()
			<-start
			assert.NoError(t, r.Add(userID, s))
			if !keep {
				r.Remove(userID, s)
			}
		}(churn[i], i%2 == 0)
	}
	close(start)
	wg.Wait()

	// 偶数下标保留，奇数下标已移除
	assert.Equal(t, 10+50, r.Count(userID))
	assert.Equal(t, 10+50, r.Total())
	for i, s := range churn {
		r.mu.RLock()
		_, present := r.conns[userID][s]
		r.mu.RUnlock()
		assert.Equal(t, i%2 == 0, present, s.id)
	}
	for _, s := range stable {
		assert.Len(t, s.received(), 100)
	}
	assertNoEmptyKeys(t, r)
}

func TestCloseAll(t *testing.T) {
	r := newTestRegistry(Options{})
	a, b := newFake("a"), newFake("b")
	require.NoError(t, r.Add(1, a))
	require.NoError(t, r.Add(2, b))

	r.CloseAll()
	assert.Equal(t, 0, r.Total())
	assert.Equal(t, int32(1), a.closed.Load())
	assert.Equal(t, int32(1), b.closed.Load())
}

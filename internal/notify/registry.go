package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"skypost/pkg/metrics"
)

var ErrCapacity = errors.New("too many connections")

// errAbandoned marks an attempt cut short by the caller, not by the session.
var errAbandoned = errors.New("broadcast abandoned by caller")

type Options struct {
	MaxConnections        int
	MaxConnectionsPerUser int
	SendTimeout           time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxConnections:        1000,
		MaxConnectionsPerUser: 10,
		SendTimeout:           2 * time.Second,
	}
}

// Registry maps user id to that user's live sessions.
// A user key exists only while its set is non-empty.
type Registry struct {
	mu    sync.RWMutex
	conns map[int]map[Session]struct{}
	total int

	opts   Options
	logger *zap.Logger
}

func NewRegistry(opts Options, logger *zap.Logger) *Registry {
	def := DefaultOptions()
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = def.MaxConnections
	}
	if opts.MaxConnectionsPerUser <= 0 {
		opts.MaxConnectionsPerUser = def.MaxConnectionsPerUser
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = def.SendTimeout
	}
	return &Registry{
		conns:  make(map[int]map[Session]struct{}),
		opts:   opts,
		logger: logger,
	}
}

// Add registers s under userID. Caps reject the new session; nothing is evicted.
func (r *Registry) Add(userID int, s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.conns[userID]
	if _, ok := set[s]; ok {
		return nil
	}
	if r.total >= r.opts.MaxConnections || len(set) >= r.opts.MaxConnectionsPerUser {
		return ErrCapacity
	}

	if set == nil {
		set = make(map[Session]struct{})
		r.conns[userID] = set
	}
	set[s] = struct{}{}
	r.total++
	metrics.SetActiveConnections(r.total)

	r.logger.Debug("Session registered",
		zap.Int("user_id", userID),
		zap.String("session_id", s.ID()),
		zap.Int("user_connections", len(set)),
		zap.Int("total_connections", r.total),
	)
	return nil
}

// Remove is idempotent.
func (r *Registry) Remove(userID int, s Session) {
	r.mu.Lock()
	removed := r.removeLocked(userID, s)
	r.mu.Unlock()

	if removed {
		r.logger.Debug("Session removed",
			zap.Int("user_id", userID),
			zap.String("session_id", s.ID()),
		)
	}
}

func (r *Registry) removeLocked(userID int, s Session) bool {
	set, ok := r.conns[userID]
	if !ok {
		return false
	}
	if _, ok := set[s]; !ok {
		return false
	}
	delete(set, s)
	if len(set) == 0 {
		delete(r.conns, userID)
	}
	r.total--
	metrics.SetActiveConnections(r.total)
	return true
}

// Broadcast delivers ev to every session of userID and returns how many received it.
// Sessions that fail or exceed the send timeout are removed and closed.
// A cancelled ctx only skips delivery; it never marks a session stale.
func (r *Registry) Broadcast(ctx context.Context, userID int, ev Event) int {
	r.mu.RLock()
	targets := make([]Session, 0, len(r.conns[userID]))
	for s := range r.conns[userID] {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		return 0
	}

	results := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, s := range targets {
		wg.Add(1)
		go func(i int, s Session) {
			defer wg.Done()
			results[i] = r.deliver(ctx, s, ev)
		}(i, s)
	}
	wg.Wait()

	var stale []Session
	abandoned := 0
	for i, err := range results {
		if errors.Is(err, errAbandoned) {
			abandoned++
			continue
		}
		if err != nil {
			r.logger.Warn("Live delivery failed, dropping session",
				zap.Int("user_id", userID),
				zap.String("session_id", targets[i].ID()),
				zap.String("event", ev.Type),
				zap.Error(err),
			)
			stale = append(stale, targets[i])
		}
	}

	if len(stale) > 0 {
		r.mu.Lock()
		for _, s := range stale {
			r.removeLocked(userID, s)
		}
		r.mu.Unlock()

		for _, s := range stale {
			_ = s.Close()
		}
	}

	if abandoned > 0 {
		r.logger.Debug("Live delivery abandoned by caller",
			zap.Int("user_id", userID),
			zap.String("event", ev.Type),
			zap.Int("sessions", abandoned),
		)
	}

	delivered := len(targets) - len(stale) - abandoned
	metrics.RecordBroadcast(delivered, len(stale))
	return delivered
}

// deliver bounds one attempt even if the session ignores ctx.
// It returns errAbandoned when parent, not the session, ended the attempt.
func (r *Registry) deliver(parent context.Context, s Session, ev Event) error {
	if parent.Err() != nil {
		return errAbandoned
	}
	ctx, cancel := context.WithTimeout(parent, r.opts.SendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.Send(ctx, ev)
	}()

	select {
	case err := <-done:
		if err != nil && parent.Err() != nil {
			return errAbandoned
		}
		return err
	case <-ctx.Done():
		if parent.Err() != nil {
			return errAbandoned
		}
		return ctx.Err()
	}
}

// Count returns the live sessions of one user.
func (r *Registry) Count(userID int) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[userID])
}

// Total returns the live sessions across all users.
func (r *Registry) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// Users returns how many users have at least one live session.
func (r *Registry) Users() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// PerUser returns a copy of the per-user counts.
func (r *Registry) PerUser() map[int]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[int]int, len(r.conns))
	for userID, set := range r.conns {
		out[userID] = len(set)
	}
	return out
}

// CloseAll closes every session, used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	var all []Session
	for _, set := range r.conns {
		for s := range set {
			all = append(all, s)
		}
	}
	r.conns = make(map[int]map[Session]struct{})
	r.total = 0
	metrics.SetActiveConnections(0)
	r.mu.Unlock()

	for _, s := range all {
		_ = s.Close()
	}
}

package session

import (
	"context"
	"sync"
	"time"

	"agentgate.dev/internal/audit"
	"agentgate.dev/internal/ids"
	"agentgate.dev/internal/obs"
)

// Store persists session rows for restart-time continuity. Persistence is
// best-effort: a store failure never blocks the request path.
type Store interface {
	Save(ctx context.Context, s Session) error
}

// Registry owns the identity→session mapping. Entries carry their own
// locks so operations for unrelated users never contend; the registry
// mutex guards only map membership.
type Registry struct {
	idleTimeout time.Duration
	now         func() time.Time
	log         *audit.Log
	store       Store
	cleanup     []func(Session)

	mu      sync.Mutex
	entries map[string]*entry // keyed by user identity
	byID    map[string]string // session id → user identity

	base       context.Context
	cancelBase context.CancelFunc
}

type entry struct {
	mu      sync.Mutex
	session *Session
}

// Option configures Registry.
type Option func(*Registry)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(r *Registry) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithAuditLog routes lifecycle events to the given audit log.
func WithAuditLog(log *audit.Log) Option {
	return func(r *Registry) {
		r.log = log
	}
}

// WithStore enables durable session persistence.
func WithStore(store Store) Option {
	return func(r *Registry) {
		r.store = store
	}
}

// WithCleanup registers a hook invoked after a session is removed, e.g. to
// close a streaming connection the session held open.
func WithCleanup(fn func(Session)) Option {
	return func(r *Registry) {
		if fn != nil {
			r.cleanup = append(r.cleanup, fn)
		}
	}
}

// NewRegistry constructs an empty registry with the given idle timeout.
func NewRegistry(idleTimeout time.Duration, opts ...Option) *Registry {
	base, cancel := context.WithCancel(context.Background())
	r := &Registry{
		idleTimeout: idleTimeout,
		now:         time.Now,
		entries:     make(map[string]*entry),
		byID:        make(map[string]string),
		base:        base,
		cancelBase:  cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the user's live session, creating one if none exists.
// Atomic per identity: concurrent callers for the same user all receive the
// same session. A session past its idle timeout is expired here (lazy
// check) and replaced with a fresh one.
func (r *Registry) GetOrCreate(ctx context.Context, userID string) (Session, error) {
	e := r.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := r.now()
	if s := e.session; s != nil {
		if s.idleFor(now) <= r.idleTimeout {
			s.LastActiveAt = now
			s.ExpiresAt = now.Add(r.idleTimeout)
			r.persist(ctx, *s)
			return s.Snapshot(), nil
		}
		r.expireLocked(ctx, e)
	}

	s := &Session{
		ID:           ids.New(),
		UserID:       userID,
		CreatedAt:    now,
		LastActiveAt: now,
		ExpiresAt:    now.Add(r.idleTimeout),
		State:        StateActive,
	}
	s.ctx, s.cancel = context.WithCancel(r.base)
	e.session = s

	r.mu.Lock()
	r.byID[s.ID] = userID
	obs.SetActiveSessions(len(r.byID))
	r.mu.Unlock()

	r.persist(ctx, *s)
	return s.Snapshot(), nil
}

// Touch refreshes the session's activity timestamps.
func (r *Registry) Touch(ctx context.Context, sessionID string) error {
	e, ok := r.entryByID(sessionID)
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.session
	if s == nil || s.ID != sessionID {
		return ErrNotFound
	}
	now := r.now()
	s.LastActiveAt = now
	s.ExpiresAt = now.Add(r.idleTimeout)
	r.persist(ctx, *s)
	return nil
}

// Get returns the session by id without refreshing activity.
func (r *Registry) Get(sessionID string) (Session, error) {
	e, ok := r.entryByID(sessionID)
	if !ok {
		return Session{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil || e.session.ID != sessionID {
		return Session{}, ErrNotFound
	}
	return e.session.Snapshot(), nil
}

// Close cancels any in-flight action on the session and removes it.
// Cancellation is signalled through the session context, so in-flight work
// observes it as soon as it checks ctx.Done, without any polling interval.
func (r *Registry) Close(ctx context.Context, sessionID string) error {
	e, ok := r.entryByID(sessionID)
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.session
	if s == nil || s.ID != sessionID {
		return ErrNotFound
	}

	s.cancel()
	s.State = StateClosed
	snapshot := s.Snapshot()
	e.session = nil
	r.forget(s.ID)

	r.persist(ctx, snapshot)
	r.auditEvent(ctx, snapshot.UserID, audit.KindSessionClosed, snapshot.ID)
	r.runCleanup(snapshot)
	return nil
}

// Sweep expires every session idle past the timeout and returns the
// expired snapshots.
func (r *Registry) Sweep(ctx context.Context) []Session {
	r.mu.Lock()
	candidates := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		candidates = append(candidates, e)
	}
	r.mu.Unlock()

	now := r.now()
	var expired []Session
	for _, e := range candidates {
		e.mu.Lock()
		if s := e.session; s != nil && s.idleFor(now) > r.idleTimeout {
			expired = append(expired, r.expireLocked(ctx, e))
		}
		e.mu.Unlock()
	}
	return expired
}

// RunSweeper sweeps on the given interval until ctx ends.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// Shutdown cancels every session context. Used on process exit.
func (r *Registry) Shutdown() {
	r.cancelBase()
}

// expireLocked walks the entry's session through Idle→Expired and removes
// it. Caller holds e.mu.
func (r *Registry) expireLocked(ctx context.Context, e *entry) Session {
	s := e.session
	s.cancel()

	s.State = StateIdle
	r.persist(ctx, *s)

	s.State = StateExpired
	snapshot := s.Snapshot()
	e.session = nil
	r.forget(s.ID)

	r.persist(ctx, snapshot)
	r.auditEvent(ctx, snapshot.UserID, audit.KindSessionExpired, snapshot.ID)
	r.runCleanup(snapshot)
	return snapshot
}

func (r *Registry) entry(userID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[userID]
	if !ok {
		e = &entry{}
		r.entries[userID] = e
	}
	return e
}

func (r *Registry) entryByID(sessionID string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	userID, ok := r.byID[sessionID]
	if !ok {
		return nil, false
	}
	e, ok := r.entries[userID]
	return e, ok
}

func (r *Registry) forget(sessionID string) {
	r.mu.Lock()
	delete(r.byID, sessionID)
	obs.SetActiveSessions(len(r.byID))
	r.mu.Unlock()
}

func (r *Registry) persist(ctx context.Context, s Session) {
	if r.store == nil {
		return
	}
	if err := r.store.Save(ctx, s); err != nil {
		obs.LogRequest(map[string]any{
			"level":      "error",
			"msg":        "session persist failed",
			"session_id": s.ID,
			"error":      err.Error(),
		})
	}
}

func (r *Registry) auditEvent(ctx context.Context, userID string, kind audit.Kind, sessionID string) {
	if r.log == nil {
		return
	}
	_ = r.log.Record(ctx, userID, kind, map[string]string{"session_id": sessionID})
}

func (r *Registry) runCleanup(s Session) {
	for _, fn := range r.cleanup {
		fn(s)
	}
}

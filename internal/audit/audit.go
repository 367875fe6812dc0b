package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"agentgate.dev/internal/ids"
	"agentgate.dev/internal/obs"
)

// Kind enumerates the auditable gate decisions.
type Kind string

const (
	KindAuthSuccess         Kind = "auth_success"
	KindAuthFailure         Kind = "auth_failure"
	KindRateLimited         Kind = "rate_limited"
	KindValidationBlocked   Kind = "validation_blocked"
	KindPermissionDenied    Kind = "permission_denied"
	KindPermissionConfirmed Kind = "permission_confirmed"
	KindFileAccess          Kind = "file_access"
	KindSessionExpired      Kind = "session_expired"
	KindSessionClosed       Kind = "session_closed"
)

// Event is one append-only audit record. Events are write-once: nothing in
// this package mutates or deletes an event after Append returns.
type Event struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"ts"`
	UserID    string            `json:"user_id"`
	Kind      Kind              `json:"kind"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// DetailJSON serializes the detail map for storage.
func (e *Event) DetailJSON() ([]byte, error) {
	if len(e.Detail) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(e.Detail)
}

// SetDetailJSON restores the detail map from its stored form.
func (e *Event) SetDetailJSON(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	m := map[string]string{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if len(m) > 0 {
		e.Detail = m
	}
	return nil
}

// Sink receives finalized events.
type Sink interface {
	Append(ctx context.Context, e *Event) error
}

// Log fans events out to all configured sinks. Appends for a single user
// are serialized so their order matches the order decisions were made;
// events for different users never contend.
type Log struct {
	sinks []Sink
	now   func() time.Time

	mu      sync.Mutex
	perUser map[string]*sync.Mutex
}

// Option configures Log.
type Option func(*Log)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(l *Log) {
		if fn != nil {
			l.now = fn
		}
	}
}

// NewLog constructs a Log writing to the given sinks.
func NewLog(sinks []Sink, opts ...Option) *Log {
	l := &Log{
		sinks:   sinks,
		now:     time.Now,
		perUser: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record finalizes and appends one event. The event id and timestamp are
// assigned here; callers supply user, kind and detail only.
func (l *Log) Record(ctx context.Context, userID string, kind Kind, detail map[string]string) error {
	if strings.TrimSpace(string(kind)) == "" {
		return errors.New("audit: event kind is required")
	}
	e := &Event{
		ID:        ids.New(),
		Timestamp: l.now().UTC(),
		UserID:    strings.TrimSpace(userID),
		Kind:      kind,
	}
	if len(detail) > 0 {
		e.Detail = make(map[string]string, len(detail))
		for k, v := range detail {
			e.Detail[k] = v
		}
	}

	mu := l.userMutex(e.UserID)
	mu.Lock()
	defer mu.Unlock()

	var errs []error
	for _, sink := range l.sinks {
		if err := sink.Append(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (l *Log) userMutex(userID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	mu, ok := l.perUser[userID]
	if !ok {
		mu = &sync.Mutex{}
		l.perUser[userID] = mu
	}
	return mu
}

// LineSink mirrors every event to the shared JSON line logger.
type LineSink struct{}

// Append writes the event as one JSON line tagged type=audit.
func (LineSink) Append(_ context.Context, e *Event) error {
	entry := map[string]any{
		"ts":    e.Timestamp.Format(time.RFC3339Nano),
		"type":  "audit",
		"id":    e.ID,
		"event": string(e.Kind),
	}
	if e.UserID != "" {
		entry["user_id"] = e.UserID
	}
	if len(e.Detail) > 0 {
		entry["fields"] = e.Detail
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}

package hooks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrConfirmationTimeout indicates no reply arrived inside the
	// confirmation window. Callers treat the action as rejected.
	ErrConfirmationTimeout = errors.New("hooks: confirmation timed out")

	// ErrUnknownConfirmation indicates a reply referenced no pending request.
	ErrUnknownConfirmation = errors.New("hooks: unknown confirmation id")
)

// ConfirmationRequest is published to the transport collaborator when an
// action needs explicit user approval. Correlated by ID.
type ConfirmationRequest struct {
	ID        string
	UserID    string
	Reason    string
	Action    Action
	CreatedAt time.Time
}

// Broker runs the suspend/resume confirmation protocol as message passing:
// requests go out on a channel, replies come back through Resolve. Nothing
// transport-specific leaks in here.
type Broker struct {
	timeout  time.Duration
	now      func() time.Time
	requests chan ConfirmationRequest

	mu      sync.Mutex
	pending map[string]chan bool
}

// NewBroker constructs a Broker with the given reply timeout.
func NewBroker(timeout time.Duration) *Broker {
	return &Broker{
		timeout:  timeout,
		now:      time.Now,
		requests: make(chan ConfirmationRequest, 16),
		pending:  make(map[string]chan bool),
	}
}

// Requests is consumed by the collaborator owning user interaction.
func (b *Broker) Requests() <-chan ConfirmationRequest {
	return b.requests
}

// Ask publishes a confirmation request and blocks the calling task until a
// reply, the timeout, or ctx cancellation. Timeout and cancellation both
// fail closed: the return is false with ErrConfirmationTimeout or the ctx
// error. Only the asking task suspends; nothing else blocks on it.
func (b *Broker) Ask(ctx context.Context, userID, reason string, action Action) (bool, error) {
	req := ConfirmationRequest{
		ID:        uuid.NewString(),
		UserID:    userID,
		Reason:    reason,
		Action:    action,
		CreatedAt: b.now(),
	}

	reply := make(chan bool, 1)
	b.mu.Lock()
	b.pending[req.ID] = reply
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, req.ID)
		b.mu.Unlock()
	}()

	select {
	case b.requests <- req:
	case <-ctx.Done():
		return false, ctx.Err()
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case approved := <-reply:
		return approved, nil
	case <-timer.C:
		return false, ErrConfirmationTimeout
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Resolve delivers the user's reply for a pending request.
func (b *Broker) Resolve(id string, approved bool) error {
	b.mu.Lock()
	reply, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if !ok {
		return ErrUnknownConfirmation
	}
	reply <- approved
	return nil
}

// Pending reports whether the request still has an asker waiting.
func (b *Broker) Pending(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[id]
	return ok
}

// PendingCount reports how many confirmations are awaiting replies.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

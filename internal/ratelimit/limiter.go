package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"agentgate.dev/internal/audit"
	"agentgate.dev/internal/obs"
)

// ErrSpendCapReached indicates the per-user cumulative cost ceiling was hit.
// Unlike a token shortage it does not clear with time; an explicit Reset is
// required.
var ErrSpendCapReached = errors.New("ratelimit: per-user spend cap reached")

// LimitedError reports a denied request together with the earliest time a
// retry can succeed.
type LimitedError struct {
	RetryAfter time.Duration
}

func (e *LimitedError) Error() string {
	return fmt.Sprintf("ratelimit: limited, retry after %s", e.RetryAfter)
}

// bucket is one user's token bucket plus spend tracking. Mutated only while
// holding its own mutex, so users never block each other.
type bucket struct {
	mu             sync.Mutex
	tokens         float64
	lastRefill     time.Time
	cumulativeCost float64
}

// Limiter applies a per-user token bucket and a cumulative spend cap.
type Limiter struct {
	capacity   float64
	refillRate float64 // tokens per second
	costLimit  float64
	now        func() time.Time
	log        *audit.Log

	mu      sync.Mutex
	buckets map[string]*bucket
}

// Option configures Limiter.
type Option func(*Limiter)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.now = fn
		}
	}
}

// WithAuditLog routes denial events to the given audit log.
func WithAuditLog(log *audit.Log) Option {
	return func(l *Limiter) {
		l.log = log
	}
}

// New constructs a Limiter. capacity bounds instantaneous bursts,
// refillRate is tokens per second, costLimit is the hard cumulative spend
// ceiling per user (0 disables the cap).
func New(capacity, refillRate, costLimit float64, opts ...Option) (*Limiter, error) {
	if capacity <= 0 {
		return nil, errors.New("ratelimit: capacity must be positive")
	}
	if refillRate <= 0 {
		return nil, errors.New("ratelimit: refill rate must be positive")
	}
	if costLimit < 0 {
		return nil, errors.New("ratelimit: cost limit must not be negative")
	}
	l := &Limiter{
		capacity:   capacity,
		refillRate: refillRate,
		costLimit:  costLimit,
		now:        time.Now,
		buckets:    make(map[string]*bucket),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// CheckAndConsume admits the request if the user's bucket holds at least
// cost tokens after a lazy refill and the cumulative spend cap has not been
// reached. On denial it returns ErrSpendCapReached or a *LimitedError and
// records a rate_limited audit event.
func (l *Limiter) CheckAndConsume(ctx context.Context, userID string, cost float64) error {
	if cost <= 0 {
		cost = 1.0
	}

	b := l.bucket(userID)
	b.mu.Lock()

	now := l.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(l.capacity, b.tokens+elapsed*l.refillRate)
		b.lastRefill = now
	}

	if l.costLimit > 0 && b.cumulativeCost >= l.costLimit {
		spent := b.cumulativeCost
		b.mu.Unlock()
		l.audit(ctx, userID, map[string]string{
			"reason":     "spend_cap",
			"spent":      formatFloat(spent),
			"cost_limit": formatFloat(l.costLimit),
		})
		return ErrSpendCapReached
	}

	if b.tokens < cost {
		retry := time.Duration((cost - b.tokens) / l.refillRate * float64(time.Second))
		b.mu.Unlock()
		l.audit(ctx, userID, map[string]string{
			"reason":      "tokens",
			"retry_after": retry.String(),
		})
		return &LimitedError{RetryAfter: retry}
	}

	b.tokens -= cost
	b.cumulativeCost += cost
	b.mu.Unlock()
	return nil
}

// Reset clears the user's cumulative spend. This is the external reset
// event that lifts a spend-cap denial.
func (l *Limiter) Reset(userID string) {
	b := l.bucket(userID)
	b.mu.Lock()
	b.cumulativeCost = 0
	b.mu.Unlock()
}

// CumulativeCost returns the user's accumulated spend.
func (l *Limiter) CumulativeCost(userID string) float64 {
	b := l.bucket(userID)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cumulativeCost
}

// Tokens returns the user's current token balance after a lazy refill.
func (l *Limiter) Tokens(userID string) float64 {
	b := l.bucket(userID)
	b.mu.Lock()
	defer b.mu.Unlock()
	now := l.now()
	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens = math.Min(l.capacity, b.tokens+elapsed*l.refillRate)
		b.lastRefill = now
	}
	return b.tokens
}

func (l *Limiter) bucket(userID string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[userID]
	if !ok {
		b = &bucket{tokens: l.capacity, lastRefill: l.now()}
		l.buckets[userID] = b
	}
	return b
}

func (l *Limiter) audit(ctx context.Context, userID string, detail map[string]string) {
	obs.CountRateLimited()
	if l.log == nil {
		return
	}
	_ = l.log.Record(ctx, userID, audit.KindRateLimited, detail)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"agentgate.dev/internal/audit"
)

func TestGetOrCreateSingleSessionUnderConcurrency(t *testing.T) {
	r := NewRegistry(time.Minute)
	ctx := context.Background()

	const callers = 64
	results := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := r.GetOrCreate(ctx, "user-1")
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			results[i] = s.ID
		}(i)
	}
	wg.Wait()

	first := results[0]
	for i, id := range results {
		if id != first {
			t.Fatalf("caller %d received a different session: %s vs %s", i, id, first)
		}
	}
	if r.Len() != 1 {
		t.Fatalf("expected exactly one live session, got %d", r.Len())
	}
}

func TestIdleExpiryOnSweep(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}
	advance := func(d time.Duration) {
		mu.Lock()
		clock = clock.Add(d)
		mu.Unlock()
	}

	sink := audit.NewMemorySink()
	log := audit.NewLog([]audit.Sink{sink})
	r := NewRegistry(60*time.Second, WithClock(now), WithAuditLog(log))
	ctx := context.Background()

	s1, err := r.GetOrCreate(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	advance(61 * time.Second)
	expired := r.Sweep(ctx)
	if len(expired) != 1 || expired[0].ID != s1.ID {
		t.Fatalf("expected session %s expired, got %v", s1.ID, expired)
	}
	if expired[0].State != StateExpired {
		t.Fatalf("unexpected state: %s", expired[0].State)
	}
	if r.Len() != 0 {
		t.Fatalf("expected registry empty after sweep, got %d", r.Len())
	}
	if n := sink.CountByKind(audit.KindSessionExpired); n != 1 {
		t.Fatalf("expected 1 session_expired audit event, got %d", n)
	}

	// Next access creates a fresh session, never resurrects the old one.
	s2, err := r.GetOrCreate(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if s2.ID == s1.ID {
		t.Fatal("expired session id was reused")
	}
}

func TestLazyExpiryOnAccess(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}

	r := NewRegistry(60*time.Second, WithClock(now))
	ctx := context.Background()

	s1, _ := r.GetOrCreate(ctx, "user-1")

	mu.Lock()
	clock = clock.Add(2 * time.Minute)
	mu.Unlock()

	s2, _ := r.GetOrCreate(ctx, "user-1")
	if s2.ID == s1.ID {
		t.Fatal("stale session was returned after idle timeout")
	}
	select {
	case <-s1.Context().Done():
	default:
		t.Fatal("expired session context was not cancelled")
	}
}

func TestCloseCancelsInFlightAction(t *testing.T) {
	r := NewRegistry(time.Minute)
	ctx := context.Background()

	s, err := r.GetOrCreate(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	observed := make(chan time.Duration, 1)
	started := make(chan struct{})
	go func() {
		// Deliberately slow simulated action that only honors its context.
		close(started)
		begin := time.Now()
		select {
		case <-s.Context().Done():
			observed <- time.Since(begin)
		case <-time.After(5 * time.Second):
			observed <- 5 * time.Second
		}
	}()

	<-started
	if err := r.Close(ctx, s.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}

	latency := <-observed
	if latency >= 500*time.Millisecond {
		t.Fatalf("cancellation observed after %s, want <500ms", latency)
	}
}

func TestTouchAndGet(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}

	r := NewRegistry(60*time.Second, WithClock(now))
	ctx := context.Background()

	s, _ := r.GetOrCreate(ctx, "user-1")

	mu.Lock()
	clock = clock.Add(30 * time.Second)
	mu.Unlock()

	if err := r.Touch(ctx, s.ID); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	got, err := r.Get(s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.LastActiveAt.Equal(now()) {
		t.Fatalf("Touch did not refresh activity: %v", got.LastActiveAt)
	}
}

func TestUnknownSessionErrors(t *testing.T) {
	r := NewRegistry(time.Minute)
	ctx := context.Background()

	if err := r.Touch(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Touch: expected ErrNotFound, got %v", err)
	}
	if err := r.Close(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Close: expected ErrNotFound, got %v", err)
	}
	if _, err := r.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get: expected ErrNotFound, got %v", err)
	}
}

func TestCleanupHookRunsOnClose(t *testing.T) {
	var mu sync.Mutex
	var cleaned []string
	r := NewRegistry(time.Minute, WithCleanup(func(s Session) {
		mu.Lock()
		cleaned = append(cleaned, s.ID)
		mu.Unlock()
	}))
	ctx := context.Background()

	s, _ := r.GetOrCreate(ctx, "user-1")
	if err := r.Close(ctx, s.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(cleaned) != 1 || cleaned[0] != s.ID {
		t.Fatalf("cleanup hook not invoked for %s: %v", s.ID, cleaned)
	}
}

type failingStore struct{}

func (failingStore) Save(context.Context, Session) error {
	return errors.New("store down")
}

func TestStoreFailureDoesNotBlockRequests(t *testing.T) {
	r := NewRegistry(time.Minute, WithStore(failingStore{}))
	if _, err := r.GetOrCreate(context.Background(), "user-1"); err != nil {
		t.Fatalf("GetOrCreate should tolerate store failure, got %v", err)
	}
}

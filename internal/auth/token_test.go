package auth

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSignerRoundTrip(t *testing.T) {
	signer, err := NewSigner("agentgate-test", "test-secret")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	token, expires, err := signer.Issue("user-42", "sess-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if time.Until(expires) <= 0 {
		t.Fatalf("expected future expiry, got %v", expires)
	}

	claims, err := signer.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "user-42" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.SessionID != "sess-1" {
		t.Fatalf("unexpected session id: %s", claims.SessionID)
	}
	if claims.Issuer != "agentgate-test" {
		t.Fatalf("unexpected issuer: %s", claims.Issuer)
	}
}

func TestSignerRejectsExpiredToken(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	signer, err := NewSigner("agentgate-test", "test-secret",
		WithTokenTTL(time.Minute), WithSignerClock(clock))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	token, _, err := signer.Issue("user-42", "sess-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	if _, err := signer.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestSignerRejectsForeignToken(t *testing.T) {
	a, _ := NewSigner("agentgate-test", "secret-a")
	b, _ := NewSigner("agentgate-test", "secret-b")

	token, _, err := a.Issue("user-42", "sess-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := b.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for foreign signature, got %v", err)
	}

	other, _ := NewSigner("other-issuer", "secret-a")
	if _, err := other.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for issuer mismatch, got %v", err)
	}
}

func TestHashTokenVerify(t *testing.T) {
	hash, err := HashToken("raw-token")
	if err != nil {
		t.Fatalf("HashToken: %v", err)
	}
	if err := VerifyToken(hash, "raw-token"); err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if err := VerifyToken(hash, "wrong"); err == nil {
		t.Fatal("expected mismatch error")
	}
	if _, err := HashToken(""); err == nil {
		t.Fatal("expected error for empty token")
	}
}

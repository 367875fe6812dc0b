package auth

import (
	"context"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// HashedToken is a stored credential for the token-based flow. The raw
// token is never stored; only its bcrypt hash is.
type HashedToken struct {
	Identity  string
	Hash      string
	CreatedAt time.Time
	ExpiresAt time.Time // zero means no expiry
}

// Expired reports whether the token is past its expiry at the given time.
func (t HashedToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// Store describes credential lookups required by the gate. The credential
// data itself is owned externally; this package only reads and validates.
type Store interface {
	// Whitelisted reports whether the identity may authenticate without a
	// credential.
	Whitelisted(ctx context.Context, identity string) (bool, error)

	// Token returns the stored hashed token for the identity, or
	// ErrNotFound.
	Token(ctx context.Context, identity string) (*HashedToken, error)
}

// HashToken hashes a raw token for storage using bcrypt.
func HashToken(token string) (string, error) {
	if len(token) == 0 {
		return "", errors.New("auth: token is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyToken compares a raw token with a stored hash in constant time.
func VerifyToken(hash, token string) error {
	if hash == "" {
		return errors.New("auth: token hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token))
}

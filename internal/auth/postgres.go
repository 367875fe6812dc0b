package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

// NewPGStore wraps an open database handle.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// Whitelisted checks whitelist membership.
func (s *PGStore) Whitelisted(ctx context.Context, identity string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`select 1 from auth_whitelist where identity=$1`, identity,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Token loads the stored hashed token for the identity.
func (s *PGStore) Token(ctx context.Context, identity string) (*HashedToken, error) {
	row := s.db.QueryRowContext(ctx,
		`select identity, token_hash, created_at, coalesce(expires_at, 'epoch'::timestamptz)
		 from auth_tokens where identity=$1`, identity,
	)
	var tok HashedToken
	if err := row.Scan(&tok.Identity, &tok.Hash, &tok.CreatedAt, &tok.ExpiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	// 'epoch' stands in for NULL; normalize back to the zero value.
	if tok.ExpiresAt.Unix() == 0 {
		tok.ExpiresAt = time.Time{}
	}
	return &tok, nil
}

// CheckCollisions verifies no identity appears in both the whitelist and
// the token store. Run once at startup; a hit is a configuration error.
func (s *PGStore) CheckCollisions(ctx context.Context) error {
	var identity string
	err := s.db.QueryRowContext(ctx,
		`select w.identity from auth_whitelist w
		 join auth_tokens t on t.identity = w.identity
		 limit 1`,
	).Scan(&identity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrIdentityCollision, identity)
}

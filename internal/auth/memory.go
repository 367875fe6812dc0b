package auth

import (
	"context"
	"fmt"
	"strings"
)

// MemoryStore is a read-only in-memory credential store loaded from
// configuration at startup.
type MemoryStore struct {
	whitelist map[string]struct{}
	tokens    map[string]HashedToken
}

// NewMemoryStore builds a store from a whitelist and a set of hashed
// tokens. An identity appearing in both is a configuration error.
func NewMemoryStore(whitelist []string, tokens map[string]HashedToken) (*MemoryStore, error) {
	s := &MemoryStore{
		whitelist: make(map[string]struct{}, len(whitelist)),
		tokens:    make(map[string]HashedToken, len(tokens)),
	}
	for _, id := range whitelist {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		s.whitelist[id] = struct{}{}
	}
	for id, tok := range tokens {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := s.whitelist[id]; ok {
			return nil, fmt.Errorf("%w: %s", ErrIdentityCollision, id)
		}
		tok.Identity = id
		s.tokens[id] = tok
	}
	return s, nil
}

// Whitelisted reports membership in the whitelist.
func (s *MemoryStore) Whitelisted(_ context.Context, identity string) (bool, error) {
	_, ok := s.whitelist[identity]
	return ok, nil
}

// Token returns the hashed token for the identity.
func (s *MemoryStore) Token(_ context.Context, identity string) (*HashedToken, error) {
	tok, ok := s.tokens[identity]
	if !ok {
		return nil, ErrNotFound
	}
	return &tok, nil
}

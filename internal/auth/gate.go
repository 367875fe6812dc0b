package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"agentgate.dev/internal/audit"
	"agentgate.dev/internal/obs"
	"agentgate.dev/internal/session"
)

// Result is a successful authentication: the caller's live session plus a
// signed session token for subsequent requests.
type Result struct {
	Session        session.Session
	Token          string
	TokenExpiresAt time.Time
}

// Gate authenticates inbound identities and issues sessions. It reads
// credentials, never creates them.
type Gate struct {
	store    Store
	registry *session.Registry
	signer   *Signer
	log      *audit.Log
	now      func() time.Time
}

// GateOption configures Gate.
type GateOption func(*Gate)

// WithGateClock overrides the time source (useful for tests).
func WithGateClock(fn func() time.Time) GateOption {
	return func(g *Gate) {
		if fn != nil {
			g.now = fn
		}
	}
}

// WithGateAuditLog routes auth events to the given audit log.
func WithGateAuditLog(log *audit.Log) GateOption {
	return func(g *Gate) {
		g.log = log
	}
}

// NewGate constructs a Gate.
func NewGate(store Store, registry *session.Registry, signer *Signer, opts ...GateOption) (*Gate, error) {
	if store == nil {
		return nil, errors.New("auth: credential store is required")
	}
	if registry == nil {
		return nil, errors.New("auth: session registry is required")
	}
	if signer == nil {
		return nil, errors.New("auth: token signer is required")
	}
	g := &Gate{
		store:    store,
		registry: registry,
		signer:   signer,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Authenticate validates the identity and returns its session. The
// whitelist path needs no credential; the token path bcrypt-compares the
// supplied credential against the stored hash. Every failure mode maps to
// the same ErrInvalidCredential so the caller learns nothing about why.
func (g *Gate) Authenticate(ctx context.Context, identity, credential string) (Result, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return Result{}, g.fail(ctx, identity, "empty identity")
	}

	whitelisted, err := g.store.Whitelisted(ctx, identity)
	if err != nil {
		return Result{}, err
	}

	switch {
	case whitelisted:
		// No credential required.
	case credential == "":
		return Result{}, g.fail(ctx, identity, "missing credential")
	default:
		tok, err := g.store.Token(ctx, identity)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return Result{}, g.fail(ctx, identity, "unknown identity")
			}
			return Result{}, err
		}
		if tok.Expired(g.now()) {
			return Result{}, g.fail(ctx, identity, "expired token")
		}
		if err := VerifyToken(tok.Hash, credential); err != nil {
			return Result{}, g.fail(ctx, identity, "token mismatch")
		}
	}

	sess, err := g.registry.GetOrCreate(ctx, identity)
	if err != nil {
		return Result{}, err
	}
	signed, expires, err := g.signer.Issue(identity, sess.ID)
	if err != nil {
		return Result{}, err
	}

	obs.CountAuthAttempt("success")
	if g.log != nil {
		method := "token"
		if whitelisted {
			method = "whitelist"
		}
		_ = g.log.Record(ctx, identity, audit.KindAuthSuccess, map[string]string{
			"method":     method,
			"session_id": sess.ID,
		})
	}
	return Result{Session: sess, Token: signed, TokenExpiresAt: expires}, nil
}

// VerifySessionToken validates a bearer session token and returns the
// referenced live session.
func (g *Gate) VerifySessionToken(token string) (session.Session, error) {
	claims, err := g.signer.Verify(token)
	if err != nil {
		return session.Session{}, ErrInvalidToken
	}
	sess, err := g.registry.Get(claims.SessionID)
	if err != nil {
		return session.Session{}, ErrInvalidToken
	}
	if sess.UserID != claims.Subject {
		return session.Session{}, ErrInvalidToken
	}
	return sess, nil
}

// fail audits the attempt and returns the uniform credential error. The
// specific reason goes to the audit trail only.
func (g *Gate) fail(ctx context.Context, identity, reason string) error {
	obs.CountAuthAttempt("failure")
	if g.log != nil {
		_ = g.log.Record(ctx, identity, audit.KindAuthFailure, map[string]string{
			"reason": reason,
		})
	}
	return ErrInvalidCredential
}

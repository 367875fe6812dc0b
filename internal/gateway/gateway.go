// Package gateway composes the security layers into one inbound surface:
// authentication, per-user rate limiting, pattern validation and the
// permission pipeline, with every decision feeding the audit trail.
package gateway

import (
	"context"
	"errors"

	"agentgate.dev/internal/audit"
	"agentgate.dev/internal/auth"
	"agentgate.dev/internal/hooks"
	"agentgate.dev/internal/obs"
	"agentgate.dev/internal/policy"
	"agentgate.dev/internal/ratelimit"
	"agentgate.dev/internal/session"
)

// Gateway fronts every inbound request. Layer order is fixed: identity
// first, then budget, then content.
type Gateway struct {
	gate     *auth.Gate
	limiter  *ratelimit.Limiter
	registry *session.Registry
	pipeline *hooks.Pipeline
	rules    *policy.Ruleset
	log      *audit.Log
}

// New wires the gateway from its layers. All layers are required except
// the audit log.
func New(gate *auth.Gate, limiter *ratelimit.Limiter, registry *session.Registry, pipeline *hooks.Pipeline, rules *policy.Ruleset, log *audit.Log) (*Gateway, error) {
	if gate == nil {
		return nil, errors.New("gateway: auth gate is required")
	}
	if limiter == nil {
		return nil, errors.New("gateway: rate limiter is required")
	}
	if registry == nil {
		return nil, errors.New("gateway: session registry is required")
	}
	if pipeline == nil {
		return nil, errors.New("gateway: permission pipeline is required")
	}
	if rules == nil {
		return nil, errors.New("gateway: ruleset is required")
	}
	return &Gateway{
		gate:     gate,
		limiter:  limiter,
		registry: registry,
		pipeline: pipeline,
		rules:    rules,
		log:      log,
	}, nil
}

// Inbound admits one request end to end: authenticate the identity, then
// charge cost against its rate budget. The returned result carries the
// live session and a bearer token. Rate-limit denials surface as
// *ratelimit.LimitedError or ratelimit.ErrSpendCapReached.
func (g *Gateway) Inbound(ctx context.Context, identity, credential string, cost float64) (auth.Result, error) {
	res, err := g.gate.Authenticate(ctx, identity, credential)
	if err != nil {
		return auth.Result{}, err
	}
	if err := g.limiter.CheckAndConsume(ctx, res.Session.UserID, cost); err != nil {
		return auth.Result{}, err
	}
	return res, nil
}

// CheckCost charges cost against the user's rate budget without touching
// authentication. Used once the caller already holds a session.
func (g *Gateway) CheckCost(ctx context.Context, userID string, cost float64) error {
	return g.limiter.CheckAndConsume(ctx, userID, cost)
}

// Authorize resolves a bearer session token to its live session.
func (g *Gateway) Authorize(token string) (session.Session, error) {
	return g.gate.VerifySessionToken(token)
}

// Evaluate runs a proposed tool action through the permission pipeline,
// refreshing the owning session's activity on the way in. A dead session
// is a denial like any other: it leaves one permission_denied event.
func (g *Gateway) Evaluate(ctx context.Context, sessionID string, action hooks.Action) hooks.Decision {
	if sessionID != "" {
		if err := g.registry.Touch(ctx, sessionID); err != nil {
			obs.CountPermissionDecision(string(hooks.Deny))
			if g.log != nil {
				_ = g.log.Record(ctx, action.UserID, audit.KindPermissionDenied, map[string]string{
					"tool":   action.Tool,
					"reason": "session expired",
				})
			}
			return hooks.Decision{Action: hooks.Deny, Reason: "session expired"}
		}
	}
	return g.pipeline.Evaluate(ctx, action)
}

// Validate checks one piece of text against the pattern rules without the
// confirmation machinery. A match is recorded as validation_blocked and
// returned; nil means clean.
func (g *Gateway) Validate(ctx context.Context, userID, text string) *policy.Violation {
	v := g.rules.Validate(text)
	if v == nil {
		return nil
	}
	g.auditViolation(ctx, userID, v)
	return v
}

// ValidatePath checks path text plus resolved containment under the
// approved root.
func (g *Gateway) ValidatePath(ctx context.Context, userID, path string) *policy.Violation {
	v := g.rules.ValidatePath(path)
	if v == nil {
		return nil
	}
	g.auditViolation(ctx, userID, v)
	return v
}

// CloseSession terminates the session and drops its standing approvals.
func (g *Gateway) CloseSession(ctx context.Context, sessionID string) error {
	sess, err := g.registry.Get(sessionID)
	if err != nil {
		return err
	}
	if err := g.registry.Close(ctx, sessionID); err != nil {
		return err
	}
	g.pipeline.ForgetUser(sess.UserID)
	return nil
}

// ResetSpend lifts a spend-cap denial for the user.
func (g *Gateway) ResetSpend(userID string) {
	g.limiter.Reset(userID)
}

// RuleVersion reports the loaded pattern set version.
func (g *Gateway) RuleVersion() string {
	return g.rules.Version()
}

func (g *Gateway) auditViolation(ctx context.Context, userID string, v *policy.Violation) {
	if g.log == nil {
		return
	}
	_ = g.log.Record(ctx, userID, audit.KindValidationBlocked, map[string]string{
		"category": string(v.Category),
		"action":   string(v.Action),
		"rule":     v.Rule,
	})
}

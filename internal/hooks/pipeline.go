package hooks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"agentgate.dev/internal/audit"
	"agentgate.dev/internal/obs"
	"agentgate.dev/internal/policy"
)

// Action describes one tool invocation the agent wants to perform,
// captured immediately before execution.
type Action struct {
	UserID  string
	Tool    string // "Bash", "Write", "Edit", "Read", "WebFetch", ...
	Command string
	Path    string
	URL     string
}

// DecisionKind is the pipeline outcome.
type DecisionKind string

const (
	Allow               DecisionKind = "allow"
	Deny                DecisionKind = "deny"
	RequireConfirmation DecisionKind = "confirm"
)

// Decision is the result of one pipeline evaluation. Ephemeral; only the
// audit trail outlives the request.
type Decision struct {
	Action   DecisionKind
	Reason   string
	Rule     string
	Category policy.Category
}

// ErrDenied carries a denial out of the pipeline as an error value.
type ErrDenied struct {
	Reason string
}

func (e *ErrDenied) Error() string {
	return fmt.Sprintf("hooks: denied: %s", e.Reason)
}

// Err converts the decision to an error: nil unless it is a denial.
func (d Decision) Err() error {
	if d.Action != Deny {
		return nil
	}
	return &ErrDenied{Reason: d.Reason}
}

// Tools whose path writes need approval the first time they touch a
// location outside the prior-approved set.
var writeTools = map[string]bool{
	"Write":        true,
	"Edit":         true,
	"NotebookEdit": true,
}

// Pipeline intercepts proposed actions before execution. Deny rules always
// win; confirmable matches suspend on the broker; everything else passes.
type Pipeline struct {
	rules  *policy.Ruleset
	broker *Broker
	log    *audit.Log

	mu       sync.Mutex
	approved map[string]map[string]struct{} // user → approved write paths
}

// NewPipeline constructs a Pipeline over the loaded ruleset.
func NewPipeline(rules *policy.Ruleset, broker *Broker, log *audit.Log) (*Pipeline, error) {
	if rules == nil {
		return nil, errors.New("hooks: ruleset is required")
	}
	if broker == nil {
		return nil, errors.New("hooks: confirmation broker is required")
	}
	return &Pipeline{
		rules:    rules,
		broker:   broker,
		log:      log,
		approved: make(map[string]map[string]struct{}),
	}, nil
}

// Evaluate runs the proposed action through the rule checks. The caller
// must not execute the action unless the returned decision is Allow. A
// RequireConfirmation outcome suspends the calling task until the user
// replies or the window closes; the returned decision is then the final
// Allow or Deny.
func (p *Pipeline) Evaluate(ctx context.Context, a Action) Decision {
	if v := p.denyingViolation(a); v != nil {
		return p.deny(ctx, a, v.Rule, v.Category)
	}

	reason, needsConfirm := p.confirmationReason(a)
	if !needsConfirm {
		return p.allow(ctx, a)
	}

	approved, err := p.broker.Ask(ctx, a.UserID, reason, a)
	if err != nil || !approved {
		why := "rejected by user"
		if errors.Is(err, ErrConfirmationTimeout) {
			why = "confirmation timed out"
		} else if err != nil {
			why = "confirmation aborted"
		}
		return p.deny(ctx, a, why, "")
	}

	p.approvePath(a.UserID, a.Path)
	p.auditEvent(ctx, a.UserID, audit.KindPermissionConfirmed, map[string]string{
		"tool":   a.Tool,
		"reason": reason,
	})
	return p.allow(ctx, a)
}

// denyingViolation returns the first hard-deny violation among the
// action's command, path and URL texts, or nil.
func (p *Pipeline) denyingViolation(a Action) *policy.Violation {
	if a.Command != "" {
		if v := p.rules.Validate(a.Command); v != nil && v.Action == policy.ActionDeny {
			return v
		}
	}
	if a.Path != "" {
		if v := p.rules.ValidatePath(a.Path); v != nil && v.Action == policy.ActionDeny {
			return v
		}
	}
	if a.URL != "" {
		if v := p.rules.Validate(a.URL); v != nil && v.Action == policy.ActionDeny {
			return v
		}
	}
	return nil
}

// confirmationReason decides whether the action needs user approval and
// names why. Read-only safe commands never do.
func (p *Pipeline) confirmationReason(a Action) (string, bool) {
	if a.Command != "" && p.rules.IsSafeCommand(a.Command) {
		return "", false
	}
	if a.Command != "" {
		if v := p.rules.Validate(a.Command); v != nil && v.Action == policy.ActionConfirm {
			return v.Rule, true
		}
	}
	if a.URL != "" {
		if v := p.rules.Validate(a.URL); v != nil && v.Action == policy.ActionConfirm {
			return v.Rule, true
		}
	}
	if writeTools[a.Tool] && a.Path != "" && !p.pathApproved(a.UserID, a.Path) {
		return "first write to " + a.Path, true
	}
	return "", false
}

func (p *Pipeline) allow(ctx context.Context, a Action) Decision {
	obs.CountPermissionDecision(string(Allow))
	if a.Path != "" {
		p.auditEvent(ctx, a.UserID, audit.KindFileAccess, map[string]string{
			"tool": a.Tool,
			"path": a.Path,
		})
	}
	return Decision{Action: Allow}
}

func (p *Pipeline) deny(ctx context.Context, a Action, reason string, category policy.Category) Decision {
	obs.CountPermissionDecision(string(Deny))
	detail := map[string]string{
		"tool":   a.Tool,
		"reason": reason,
	}
	if category != "" {
		detail["category"] = string(category)
	}
	p.auditEvent(ctx, a.UserID, audit.KindPermissionDenied, detail)
	return Decision{Action: Deny, Reason: reason, Rule: reason, Category: category}
}

// ForgetUser drops the user's approved-write set. Wired to session
// removal so approvals never outlive the session that granted them.
func (p *Pipeline) ForgetUser(userID string) {
	p.mu.Lock()
	delete(p.approved, userID)
	p.mu.Unlock()
}

func (p *Pipeline) pathApproved(userID, path string) bool {
	resolved, err := p.rules.Contain(path)
	if err != nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.approved[userID]
	if !ok {
		return false
	}
	_, ok = set[resolved]
	return ok
}

func (p *Pipeline) approvePath(userID, path string) {
	if path == "" {
		return
	}
	resolved, err := p.rules.Contain(path)
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.approved[userID]
	if !ok {
		set = make(map[string]struct{})
		p.approved[userID] = set
	}
	set[resolved] = struct{}{}
}

func (p *Pipeline) auditEvent(ctx context.Context, userID string, kind audit.Kind, detail map[string]string) {
	if p.log == nil {
		return
	}
	_ = p.log.Record(ctx, userID, kind, detail)
}

package policy

import (
	"fmt"
	"regexp"
)

// Category classifies what a rule protects against.
type Category string

const (
	CategoryCommandInjection   Category = "command_injection"
	CategoryPathTraversal      Category = "path_traversal"
	CategoryDestructiveCommand Category = "destructive_command"
	CategorySuspiciousNetwork  Category = "suspicious_network"
)

// Severity orders rules during evaluation; higher severities are checked
// first.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// Action is what a matching rule asks the permission pipeline to do.
type Action string

const (
	ActionDeny    Action = "deny"
	ActionConfirm Action = "confirm"
)

// Rule evaluates one piece of request text. Rules are immutable after
// construction and safe for unbounded concurrent use.
type Rule interface {
	Matches(text string) bool
	Meta() Meta
}

// Meta describes a rule for audit trails and user-facing denial reasons.
type Meta struct {
	Category    Category
	Severity    Severity
	Action      Action
	Description string
	Pattern     string
}

// CommandRule matches shell command text, case-insensitively.
type CommandRule struct {
	re   *regexp.Regexp
	meta Meta
}

// NewCommandRule compiles a command rule.
func NewCommandRule(pattern, description string, category Category, severity Severity, action Action) (*CommandRule, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("policy: compile command rule %q: %w", pattern, err)
	}
	return &CommandRule{
		re: re,
		meta: Meta{
			Category:    category,
			Severity:    severity,
			Action:      action,
			Description: description,
			Pattern:     pattern,
		},
	}, nil
}

func (r *CommandRule) Matches(text string) bool { return r.re.MatchString(text) }
func (r *CommandRule) Meta() Meta               { return r.meta }

// PathRule matches filesystem path text. Path rules complement the
// resolved-path containment check; they catch traversal shapes before any
// filesystem access happens.
type PathRule struct {
	re   *regexp.Regexp
	meta Meta
}

// NewPathRule compiles a path rule.
func NewPathRule(pattern, description string, severity Severity, action Action) (*PathRule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("policy: compile path rule %q: %w", pattern, err)
	}
	return &PathRule{
		re: re,
		meta: Meta{
			Category:    CategoryPathTraversal,
			Severity:    severity,
			Action:      action,
			Description: description,
			Pattern:     pattern,
		},
	}, nil
}

func (r *PathRule) Matches(text string) bool { return r.re.MatchString(text) }
func (r *PathRule) Meta() Meta               { return r.meta }

// URLRule matches outbound URL text.
type URLRule struct {
	re   *regexp.Regexp
	meta Meta
}

// NewURLRule compiles a URL rule.
func NewURLRule(pattern, description string, severity Severity, action Action) (*URLRule, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("policy: compile url rule %q: %w", pattern, err)
	}
	return &URLRule{
		re: re,
		meta: Meta{
			Category:    CategorySuspiciousNetwork,
			Severity:    severity,
			Action:      action,
			Description: description,
			Pattern:     pattern,
		},
	}, nil
}

func (r *URLRule) Matches(text string) bool { return r.re.MatchString(text) }
func (r *URLRule) Meta() Meta               { return r.meta }

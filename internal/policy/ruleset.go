package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Violation reports the first rule a piece of text tripped. It satisfies
// error so callers can propagate it directly.
type Violation struct {
	Category Category
	Severity Severity
	Action   Action
	Rule     string
	Pattern  string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("policy: %s (%s)", v.Rule, v.Category)
}

// Ruleset is the compiled, ordered dangerous-pattern set. Built once at
// startup and read-only afterwards; any number of goroutines may evaluate
// against it without locking.
type Ruleset struct {
	version string
	rules   []Rule
	safe    []string
	root    string
}

// NewRuleset orders the rules by descending severity (stable, so equal
// severities keep registration order) and fixes the approved root used by
// containment checks. The root must exist.
func NewRuleset(version, approvedRoot string, rules []Rule, safePrefixes []string) (*Ruleset, error) {
	if strings.TrimSpace(version) == "" {
		return nil, errors.New("policy: ruleset version is required")
	}
	if len(rules) == 0 {
		return nil, errors.New("policy: ruleset must contain at least one rule")
	}
	root, err := resolveRoot(approvedRoot)
	if err != nil {
		return nil, fmt.Errorf("policy: approved root: %w", err)
	}
	ordered := make([]Rule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Meta().Severity > ordered[j].Meta().Severity
	})
	return &Ruleset{
		version: version,
		rules:   ordered,
		safe:    append([]string(nil), safePrefixes...),
		root:    root,
	}, nil
}

// Version returns the loaded pattern set version.
func (rs *Ruleset) Version() string { return rs.version }

// ApprovedRoot returns the resolved containment root.
func (rs *Ruleset) ApprovedRoot() string { return rs.root }

// Validate evaluates text against the ordered rules. The first match wins.
// A nil return means the text is clean.
func (rs *Ruleset) Validate(text string) *Violation {
	for _, rule := range rs.rules {
		if rule.Matches(text) {
			meta := rule.Meta()
			return &Violation{
				Category: meta.Category,
				Severity: meta.Severity,
				Action:   meta.Action,
				Rule:     meta.Description,
				Pattern:  meta.Pattern,
			}
		}
	}
	return nil
}

// ValidatePath runs the pattern rules against the raw path text and then
// verifies resolved-path containment under the approved root. Containment
// failure is always a violation, whether or not a pattern matched.
func (rs *Ruleset) ValidatePath(path string) *Violation {
	if v := rs.Validate(path); v != nil {
		return v
	}
	if _, err := rs.Contain(path); err != nil {
		return &Violation{
			Category: CategoryPathTraversal,
			Severity: SeverityCritical,
			Action:   ActionDeny,
			Rule:     err.Error(),
		}
	}
	return nil
}

// Contain resolves path (symlinks and relative segments included) and
// returns the canonical absolute path if it lies under the approved root.
func (rs *Ruleset) Contain(path string) (string, error) {
	return containedPath(rs.root, path)
}

// IsSafeCommand reports whether the command starts with one of the
// read-only safe prefixes and therefore never needs confirmation. The
// prefix must be the whole command or end at a word boundary so that
// "ls" does not also admit "lsblk".
func (rs *Ruleset) IsSafeCommand(command string) bool {
	command = strings.ToLower(strings.TrimSpace(command))
	for _, prefix := range rs.safe {
		p := strings.ToLower(strings.TrimSpace(prefix))
		if p == "" {
			continue
		}
		if command == p || strings.HasPrefix(command, p+" ") {
			return true
		}
	}
	return false
}

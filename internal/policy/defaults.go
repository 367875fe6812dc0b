package policy

// DefaultVersion identifies the built-in dangerous-pattern set.
const DefaultVersion = "2026-03-01"

type ruleSpec struct {
	pattern     string
	description string
	category    Category
	severity    Severity
	action      Action
}

// Command rules. Order within a severity tier is preserved by the ruleset.
var defaultCommandRules = []ruleSpec{
	// Destructive file operations
	{`rm\s+(-[rf]+\s+)*[/~.]`, "recursive/forced file deletion", CategoryDestructiveCommand, SeverityCritical, ActionDeny},
	{`rm\s+-[a-z]*r[a-z]*\s+-[a-z]*f`, "recursive forced deletion", CategoryDestructiveCommand, SeverityCritical, ActionDeny},
	{`rm\s+-[a-z]*f[a-z]*\s+-[a-z]*r`, "forced recursive deletion", CategoryDestructiveCommand, SeverityCritical, ActionDeny},
	// Device writes (except /dev/null)
	{`>\s*/dev/(?:[^n]|n[^u]|nu[^l]|nul[^l])`, "write to device file", CategoryDestructiveCommand, SeverityCritical, ActionDeny},
	{`dd\s+.*of=/dev/(?:[^n]|n[^u]|nu[^l]|nul[^l])`, "direct device write with dd", CategoryDestructiveCommand, SeverityCritical, ActionDeny},
	// Permission widening
	{`chmod\s+(-R\s+)?777`, "world-writable permissions", CategoryDestructiveCommand, SeverityHigh, ActionDeny},
	// Forced remote-history rewrite
	{`git\s+push\s+.*--force`, "force push to remote", CategoryDestructiveCommand, SeverityHigh, ActionDeny},
	{`git\s+push\s+.*-f\b`, "force push to remote", CategoryDestructiveCommand, SeverityHigh, ActionDeny},
	{`git\s+reset\s+--hard`, "hard reset discards local changes", CategoryDestructiveCommand, SeverityMedium, ActionConfirm},
	{`git\s+clean\s+-[a-z]*f`, "force clean untracked files", CategoryDestructiveCommand, SeverityMedium, ActionConfirm},
	// System modification
	{`mkfs\.`, "filesystem creation", CategoryDestructiveCommand, SeverityCritical, ActionDeny},
	{`fdisk\s+`, "disk partitioning", CategoryDestructiveCommand, SeverityCritical, ActionDeny},
	// Piped remote code execution
	{`curl\s+.*\|\s*(ba)?sh`, "piped download to shell", CategorySuspiciousNetwork, SeverityCritical, ActionDeny},
	{`wget\s+.*\|\s*(ba)?sh`, "piped download to shell", CategorySuspiciousNetwork, SeverityCritical, ActionDeny},
	// Shell injection shapes
	{"[`]|\\$\\(", "command substitution in argument", CategoryCommandInjection, SeverityHigh, ActionDeny},
	{`;\s*(rm|chmod|chown|mkfs|dd)\b`, "chained destructive command", CategoryCommandInjection, SeverityHigh, ActionDeny},
	{`&&\s*(rm|chmod|chown|mkfs|dd)\b`, "chained destructive command", CategoryCommandInjection, SeverityHigh, ActionDeny},
	// Fork bomb
	{`:\(\)\s*\{\s*:\|:&\s*\};\s*:`, "fork bomb", CategoryDestructiveCommand, SeverityCritical, ActionDeny},
	{`while\s+true.*do.*done`, "unbounded loop", CategoryDestructiveCommand, SeverityLow, ActionConfirm},
}

var defaultPathRules = []ruleSpec{
	{`(^|/)\.\.(/|$)`, "parent-directory traversal segment", CategoryPathTraversal, SeverityHigh, ActionDeny},
	{`^/(etc|proc|sys|dev|boot)(/|$)`, "system path access", CategoryPathTraversal, SeverityHigh, ActionDeny},
}

var defaultURLRules = []ruleSpec{
	{`^(file|ftp|gopher)://`, "non-http url scheme", CategorySuspiciousNetwork, SeverityHigh, ActionDeny},
	{`^https?://\d{1,3}(\.\d{1,3}){3}`, "raw ip address host", CategorySuspiciousNetwork, SeverityMedium, ActionConfirm},
	{`^https?://[^/]*@`, "credentials embedded in url", CategorySuspiciousNetwork, SeverityHigh, ActionDeny},
	{`^https?://(localhost|127\.0\.0\.1|\[::1\])`, "loopback target", CategorySuspiciousNetwork, SeverityMedium, ActionConfirm},
}

// DefaultSafePrefixes lists read-only commands that never require
// confirmation. A prefix matches the whole command or a leading word
// boundary, so "ls" covers "ls -la" but not "lsblk".
var DefaultSafePrefixes = []string{
	"cat", "head", "tail", "less", "more",
	"grep", "find", "ls", "pwd", "echo",
	"which", "type", "file", "wc", "sort", "uniq", "diff",
	"git status", "git log", "git diff", "git show", "git branch", "git remote",
}

// DefaultRules compiles the built-in rule list.
func DefaultRules() ([]Rule, error) {
	var rules []Rule
	for _, spec := range defaultCommandRules {
		r, err := NewCommandRule(spec.pattern, spec.description, spec.category, spec.severity, spec.action)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	for _, spec := range defaultPathRules {
		r, err := NewPathRule(spec.pattern, spec.description, spec.severity, spec.action)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	for _, spec := range defaultURLRules {
		r, err := NewURLRule(spec.pattern, spec.description, spec.severity, spec.action)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// DefaultRuleset builds the built-in ruleset anchored at approvedRoot.
func DefaultRuleset(approvedRoot string) (*Ruleset, error) {
	rules, err := DefaultRules()
	if err != nil {
		return nil, err
	}
	return NewRuleset(DefaultVersion, approvedRoot, rules, DefaultSafePrefixes)
}

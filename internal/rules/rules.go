// Package rules implements the priority-ordered rule engine that maps a
// request classification to a routing target.
//
// A ruleset is a list of [Rule] values kept sorted by (priority desc,
// insertion order asc). Every ruleset must contain exactly one rule with
// Match.Default set; [Engine.FindMatchingRule] is therefore total over valid
// rulesets.
package rules

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pearl-project/pearl/internal/classify"
	"github.com/pearl-project/pearl/pkg/types"
)

// ErrNoDefaultRule is returned by [NewEngine] when the ruleset has no
// default rule, and by [Engine.Add]/[Engine.Remove] when the mutation would
// leave the ruleset without one.
var ErrNoDefaultRule = errors.New("rules: ruleset must contain exactly one default rule")

// ErrDuplicateDefault is returned when a ruleset declares more than one
// default rule.
var ErrDuplicateDefault = errors.New("rules: ruleset declares more than one default rule")

// MatchConditions is a conjunction of optional predicates over a request
// classification and metadata. A nil pointer field means "don't care".
type MatchConditions struct {
	// Sensitive, when set, requires the classification's sensitive flag to
	// equal the given value.
	Sensitive *bool `yaml:"sensitive"`

	// AgentID is a glob pattern ('*' and '?' wildcards) matched against the
	// request's agent ID.
	AgentID string `yaml:"agent_id"`

	// Type restricts the rule to one request type.
	Type string `yaml:"type"`

	// Complexity restricts the rule to one complexity bucket.
	Complexity string `yaml:"complexity"`

	// EstimatedTokens is a comparator expression over the token estimate:
	// "<N", "<=N", ">N", ">=N", "=N", or a bare number meaning equality.
	EstimatedTokens string `yaml:"estimated_tokens"`

	// Default marks the catch-all rule. A default rule matches anything.
	Default bool `yaml:"default"`

	// Metadata holds extension conditions matched exactly against the
	// request metadata's extra keys.
	Metadata map[string]string `yaml:"metadata"`
}

// Rule is one priority-ordered routing policy entry.
type Rule struct {
	// Name identifies the rule in routing results and logs.
	Name string `yaml:"name"`

	// Match is the conjunction of conditions that must all hold.
	Match MatchConditions `yaml:"match"`

	// Target is the account ID (or model alias resolved by the router) the
	// rule routes to.
	Target string `yaml:"target"`

	// Fallback optionally names an account used when the target is over
	// budget or the dispatch to it fails.
	Fallback string `yaml:"fallback"`

	// Priority orders rules; higher wins. Ties break by insertion order.
	Priority int `yaml:"priority"`
}

// Context is the input to rule evaluation: the classification of the request
// plus its metadata.
type Context struct {
	Classification classify.Classification
	Metadata       types.Metadata
}

// Engine evaluates a mutable, priority-ordered ruleset. All methods are safe
// for concurrent use.
type Engine struct {
	mu    sync.RWMutex
	rules []indexedRule
	next  int // insertion counter for stable tie-breaks
}

type indexedRule struct {
	rule  Rule
	index int
}

// NewEngine creates an Engine from the given ruleset. The ruleset must
// contain exactly one default rule.
func NewEngine(ruleset []Rule) (*Engine, error) {
	e := &Engine{}
	for _, r := range ruleset {
		e.rules = append(e.rules, indexedRule{rule: r, index: e.next})
		e.next++
	}
	if err := e.checkDefault(); err != nil {
		return nil, err
	}
	e.sortLocked()
	return e, nil
}

// checkDefault verifies the exactly-one-default invariant. Callers must hold
// no particular lock; it reads e.rules directly and is used only from paths
// that already serialise mutations.
func (e *Engine) checkDefault() error {
	defaults := 0
	for _, ir := range e.rules {
		if ir.rule.Match.Default {
			defaults++
		}
	}
	switch {
	case defaults == 0:
		return ErrNoDefaultRule
	case defaults > 1:
		return ErrDuplicateDefault
	}
	return nil
}

// sortLocked re-sorts rules by (priority desc, insertion asc).
func (e *Engine) sortLocked() {
	sort.SliceStable(e.rules, func(i, j int) bool {
		if e.rules[i].rule.Priority != e.rules[j].rule.Priority {
			return e.rules[i].rule.Priority > e.rules[j].rule.Priority
		}
		return e.rules[i].index < e.rules[j].index
	})
}

// Replace swaps the entire ruleset atomically. The new ruleset must contain
// exactly one default rule; on error the existing ruleset is kept.
func (e *Engine) Replace(ruleset []Rule) error {
	replacement := make([]indexedRule, 0, len(ruleset))
	next := 0
	for _, r := range ruleset {
		replacement = append(replacement, indexedRule{rule: r, index: next})
		next++
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	old, oldNext := e.rules, e.next
	e.rules, e.next = replacement, next
	if err := e.checkDefault(); err != nil {
		e.rules, e.next = old, oldNext
		return err
	}
	e.sortLocked()
	return nil
}

// Add inserts a rule and re-sorts. Adding a second default rule is an error.
func (e *Engine) Add(r Rule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if r.Match.Default {
		for _, ir := range e.rules {
			if ir.rule.Match.Default {
				return ErrDuplicateDefault
			}
		}
	}
	e.rules = append(e.rules, indexedRule{rule: r, index: e.next})
	e.next++
	e.sortLocked()
	return nil
}

// Remove deletes the rule with the given name. Removing the default rule is
// an error; removing an unknown name is a no-op.
func (e *Engine) Remove(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, ir := range e.rules {
		if ir.rule.Name == name {
			if ir.rule.Match.Default {
				return ErrNoDefaultRule
			}
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			return nil
		}
	}
	return nil
}

// Update replaces the rule with the same name and re-sorts. Returns false
// when no rule with that name exists.
func (e *Engine) Update(r Rule) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, ir := range e.rules {
		if ir.rule.Name == r.Name {
			e.rules[i].rule = r
			e.sortLocked()
			return true
		}
	}
	return false
}

// Rules returns a snapshot of the ruleset in evaluation order.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Rule, len(e.rules))
	for i, ir := range e.rules {
		out[i] = ir.rule
	}
	return out
}

// FindMatchingRule returns the highest-priority non-default rule whose
// conditions are satisfied by ctx, or nil when only the default rule
// matches. Callers treat nil as "use the default rule" via [Engine.Default].
func (e *Engine) FindMatchingRule(ctx Context) *Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, ir := range e.rules {
		if ir.rule.Match.Default {
			continue
		}
		if matches(ir.rule.Match, ctx) {
			r := ir.rule
			return &r
		}
	}
	return nil
}

// Default returns the ruleset's default rule. The exactly-one-default
// invariant guarantees it exists.
func (e *Engine) Default() Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, ir := range e.rules {
		if ir.rule.Match.Default {
			return ir.rule
		}
	}
	// Unreachable for engines built through NewEngine/Add/Remove.
	return Rule{}
}

// matches reports whether every declared condition of m holds for ctx.
func matches(m MatchConditions, ctx Context) bool {
	if m.Default {
		return true
	}
	if m.Sensitive != nil && *m.Sensitive != ctx.Classification.Sensitive {
		return false
	}
	if m.AgentID != "" {
		ok, err := path.Match(m.AgentID, ctx.Metadata.AgentID)
		if err != nil || !ok {
			return false
		}
	}
	if m.Type != "" && m.Type != string(ctx.Classification.Type) {
		return false
	}
	if m.Complexity != "" && m.Complexity != string(ctx.Classification.Complexity) {
		return false
	}
	if m.EstimatedTokens != "" {
		ok, err := evalComparator(m.EstimatedTokens, ctx.Classification.EstimatedTokens)
		if err != nil || !ok {
			return false
		}
	}
	for k, want := range m.Metadata {
		if ctx.Metadata.Extra[k] != want {
			return false
		}
	}
	return true
}

// evalComparator evaluates expressions of the form "<N", "<=N", ">N", ">=N",
// "=N", or a bare number (equality) against value.
func evalComparator(expr string, value int) (bool, error) {
	expr = strings.TrimSpace(expr)

	op := "="
	rest := expr
	switch {
	case strings.HasPrefix(expr, "<="):
		op, rest = "<=", expr[2:]
	case strings.HasPrefix(expr, ">="):
		op, rest = ">=", expr[2:]
	case strings.HasPrefix(expr, "<"):
		op, rest = "<", expr[1:]
	case strings.HasPrefix(expr, ">"):
		op, rest = ">", expr[1:]
	case strings.HasPrefix(expr, "="):
		op, rest = "=", expr[1:]
	}

	n, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return false, fmt.Errorf("rules: invalid token comparator %q: %w", expr, err)
	}

	switch op {
	case "<":
		return value < n, nil
	case "<=":
		return value <= n, nil
	case ">":
		return value > n, nil
	case ">=":
		return value >= n, nil
	default:
		return value == n, nil
	}
}

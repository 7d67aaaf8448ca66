package rules_test

import (
	"errors"
	"testing"

	"github.com/pearl-project/pearl/internal/classify"
	"github.com/pearl-project/pearl/internal/rules"
	"github.com/pearl-project/pearl/pkg/types"
)

func boolPtr(b bool) *bool { return &b }

func defaultRule() rules.Rule {
	return rules.Rule{
		Name:     "default",
		Match:    rules.MatchConditions{Default: true},
		Target:   "acct-default",
		Priority: 0,
	}
}

func ctxWith(c classify.Classification, md types.Metadata) rules.Context {
	return rules.Context{Classification: c, Metadata: md}
}

func TestNewEngine_DefaultInvariant(t *testing.T) {
	if _, err := rules.NewEngine([]rules.Rule{{Name: "a"}}); !errors.Is(err, rules.ErrNoDefaultRule) {
		t.Errorf("NewEngine without default = %v, want ErrNoDefaultRule", err)
	}

	two := []rules.Rule{defaultRule(), {Name: "d2", Match: rules.MatchConditions{Default: true}}}
	if _, err := rules.NewEngine(two); !errors.Is(err, rules.ErrDuplicateDefault) {
		t.Errorf("NewEngine with two defaults = %v, want ErrDuplicateDefault", err)
	}

	if _, err := rules.NewEngine([]rules.Rule{defaultRule()}); err != nil {
		t.Errorf("NewEngine with one default = %v, want nil", err)
	}
}

func TestFindMatchingRule_PriorityOrder(t *testing.T) {
	e, err := rules.NewEngine([]rules.Rule{
		defaultRule(),
		{Name: "code", Match: rules.MatchConditions{Type: "code"}, Target: "acct-code", Priority: 50},
		{Name: "high-complexity", Match: rules.MatchConditions{Complexity: "high"}, Target: "acct-big", Priority: 40},
	})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	// Both conditions hold; the higher-priority "code" rule must win.
	ctx := ctxWith(classify.Classification{
		Type:       classify.TypeCode,
		Complexity: classify.ComplexityHigh,
	}, types.Metadata{})

	r := e.FindMatchingRule(ctx)
	if r == nil {
		t.Fatal("FindMatchingRule() = nil, want rule")
	}
	if r.Name != "code" {
		t.Errorf("rule = %q, want %q", r.Name, "code")
	}
}

func TestFindMatchingRule_StableTieBreak(t *testing.T) {
	e, err := rules.NewEngine([]rules.Rule{
		defaultRule(),
		{Name: "first", Match: rules.MatchConditions{Type: "chat"}, Priority: 10},
		{Name: "second", Match: rules.MatchConditions{Type: "chat"}, Priority: 10},
	})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	ctx := ctxWith(classify.Classification{Type: classify.TypeChat}, types.Metadata{})
	if r := e.FindMatchingRule(ctx); r == nil || r.Name != "first" {
		t.Errorf("tie-break rule = %v, want first", r)
	}
}

func TestFindMatchingRule_Sensitive(t *testing.T) {
	e, err := rules.NewEngine([]rules.Rule{
		defaultRule(),
		{Name: "sensitive-local", Match: rules.MatchConditions{Sensitive: boolPtr(true)}, Target: "acct-local", Priority: 100},
	})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	r := e.FindMatchingRule(ctxWith(classify.Classification{Sensitive: true}, types.Metadata{}))
	if r == nil || r.Name != "sensitive-local" {
		t.Fatalf("sensitive rule = %v, want sensitive-local", r)
	}

	if r := e.FindMatchingRule(ctxWith(classify.Classification{Sensitive: false}, types.Metadata{})); r != nil {
		t.Errorf("non-sensitive request matched %q, want nil (default)", r.Name)
	}
}

func TestFindMatchingRule_AgentGlob(t *testing.T) {
	e, err := rules.NewEngine([]rules.Rule{
		defaultRule(),
		{Name: "research-agents", Match: rules.MatchConditions{AgentID: "research-*"}, Priority: 20},
		{Name: "single-char", Match: rules.MatchConditions{AgentID: "agent-?"}, Priority: 10},
	})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	cases := []struct {
		agentID string
		want    string // "" means nil (default)
	}{
		{"research-alpha", "research-agents"},
		{"agent-7", "single-char"},
		{"agent-77", ""},
		{"other", ""},
	}
	for _, tc := range cases {
		r := e.FindMatchingRule(ctxWith(classify.Classification{}, types.Metadata{AgentID: tc.agentID}))
		got := ""
		if r != nil {
			got = r.Name
		}
		if got != tc.want {
			t.Errorf("agent %q matched %q, want %q", tc.agentID, got, tc.want)
		}
	}
}

func TestFindMatchingRule_TokenComparators(t *testing.T) {
	cases := []struct {
		expr   string
		tokens int
		match  bool
	}{
		{"<500", 499, true},
		{"<500", 500, false},
		{"<=500", 500, true},
		{">500", 501, true},
		{">=500", 500, true},
		{"=42", 42, true},
		{"42", 42, true},
		{"42", 43, false},
		{"garbage", 42, false},
	}
	for _, tc := range cases {
		e, err := rules.NewEngine([]rules.Rule{
			defaultRule(),
			{Name: "tokens", Match: rules.MatchConditions{EstimatedTokens: tc.expr}, Priority: 10},
		})
		if err != nil {
			t.Fatalf("NewEngine() error = %v", err)
		}
		r := e.FindMatchingRule(ctxWith(classify.Classification{EstimatedTokens: tc.tokens}, types.Metadata{}))
		if (r != nil) != tc.match {
			t.Errorf("expr %q with %d tokens: matched=%v, want %v", tc.expr, tc.tokens, r != nil, tc.match)
		}
	}
}

func TestFindMatchingRule_MetadataExtensions(t *testing.T) {
	e, err := rules.NewEngine([]rules.Rule{
		defaultRule(),
		{Name: "beta-tenant", Match: rules.MatchConditions{Metadata: map[string]string{"tenant": "beta"}}, Priority: 5},
	})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	md := types.Metadata{Extra: map[string]string{"tenant": "beta"}}
	if r := e.FindMatchingRule(ctxWith(classify.Classification{}, md)); r == nil || r.Name != "beta-tenant" {
		t.Errorf("metadata match = %v, want beta-tenant", r)
	}

	md = types.Metadata{Extra: map[string]string{"tenant": "gamma"}}
	if r := e.FindMatchingRule(ctxWith(classify.Classification{}, md)); r != nil {
		t.Errorf("metadata mismatch matched %q, want nil", r.Name)
	}
}

func TestEngine_Mutations(t *testing.T) {
	e, err := rules.NewEngine([]rules.Rule{defaultRule()})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	if err := e.Add(rules.Rule{Name: "d2", Match: rules.MatchConditions{Default: true}}); !errors.Is(err, rules.ErrDuplicateDefault) {
		t.Errorf("Add second default = %v, want ErrDuplicateDefault", err)
	}

	if err := e.Add(rules.Rule{Name: "chat", Match: rules.MatchConditions{Type: "chat"}, Priority: 10}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	// Update bumps priority and re-sorts.
	if ok := e.Update(rules.Rule{Name: "chat", Match: rules.MatchConditions{Type: "chat"}, Priority: 99}); !ok {
		t.Fatal("Update() = false, want true")
	}
	got := e.Rules()
	if got[0].Name != "chat" || got[0].Priority != 99 {
		t.Errorf("after update, first rule = %+v, want chat@99", got[0])
	}

	if err := e.Remove("default"); !errors.Is(err, rules.ErrNoDefaultRule) {
		t.Errorf("Remove default = %v, want ErrNoDefaultRule", err)
	}
	if err := e.Remove("chat"); err != nil {
		t.Errorf("Remove chat = %v, want nil", err)
	}
	if len(e.Rules()) != 1 {
		t.Errorf("len(Rules()) = %d, want 1", len(e.Rules()))
	}
}

func TestDefault(t *testing.T) {
	e, err := rules.NewEngine([]rules.Rule{
		{Name: "code", Match: rules.MatchConditions{Type: "code"}, Priority: 50},
		defaultRule(),
	})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	if d := e.Default(); d.Name != "default" {
		t.Errorf("Default() = %q, want default", d.Name)
	}
}

func TestEngine_Replace(t *testing.T) {
	e, err := rules.NewEngine([]rules.Rule{
		{Name: "code", Match: rules.MatchConditions{Type: "code"}, Priority: 50},
		defaultRule(),
	})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	// A replacement without a default is rejected and the old set kept.
	if err := e.Replace([]rules.Rule{{Name: "only", Match: rules.MatchConditions{Type: "chat"}}}); !errors.Is(err, rules.ErrNoDefaultRule) {
		t.Errorf("Replace without default = %v, want ErrNoDefaultRule", err)
	}
	if len(e.Rules()) != 2 {
		t.Fatalf("len(Rules()) after rejected Replace = %d, want 2", len(e.Rules()))
	}

	if err := e.Replace([]rules.Rule{
		{Name: "chat", Match: rules.MatchConditions{Type: "chat"}, Priority: 10},
		{Name: "fallback", Target: "x", Match: rules.MatchConditions{Default: true}},
	}); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	got := e.Rules()
	if len(got) != 2 || got[0].Name != "chat" {
		t.Errorf("after Replace, rules = %+v", got)
	}
	if d := e.Default(); d.Name != "fallback" {
		t.Errorf("Default() = %q, want fallback", d.Name)
	}
}

package router

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pearl-project/pearl/internal/classify"
	"github.com/pearl-project/pearl/internal/rules"
	"github.com/pearl-project/pearl/pkg/types"
)

func boolPtr(b bool) *bool { return &b }

func testAccounts() []Account {
	return []Account{
		{ID: "acct-sonnet", Provider: "anthropic", Model: "anthropic/claude-sonnet-4", Auth: AuthAPIKey, Enabled: true, BudgetMonthlyUSD: 100},
		{ID: "acct-local", Provider: "ollama", Model: "ollama/llama3", Auth: AuthAPIKey, Enabled: true},
		{ID: "acct-backup", Provider: "openai", Model: "openai/gpt-4o-mini", Auth: AuthAPIKey, Enabled: true, BudgetMonthlyUSD: 50},
		{ID: "acct-off", Provider: "openai", Model: "openai/gpt-4o", Auth: AuthAPIKey, Enabled: false},
	}
}

func testEngine(t *testing.T) *rules.Engine {
	t.Helper()
	e, err := rules.NewEngine([]rules.Rule{
		{Name: "sensitive-local", Match: rules.MatchConditions{Sensitive: boolPtr(true)}, Target: "acct-local", Priority: 100},
		{Name: "default", Match: rules.MatchConditions{Default: true}, Target: "acct-sonnet", Fallback: "acct-backup", Priority: 0},
	})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return e
}

func routeCtx(c classify.Classification, md types.Metadata) rules.Context {
	return rules.Context{Classification: c, Metadata: md}
}

func TestRoute_SensitiveTakesLocalPath(t *testing.T) {
	reg, err := NewRegistry(testAccounts())
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	r := New(testEngine(t), reg, nil, "")

	res, err := r.Route(routeCtx(classify.Classification{Sensitive: true}, types.Metadata{}), Options{RespectBudget: true})
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if res.Account.ID != "acct-local" {
		t.Errorf("account = %q, want acct-local", res.Account.ID)
	}
	if res.RuleName != "sensitive-local" {
		t.Errorf("rule = %q, want sensitive-local", res.RuleName)
	}
}

func TestRoute_BudgetFallback(t *testing.T) {
	accounts := testAccounts()
	accounts[0].UsageCurrentMonthUSD = 110 // acct-sonnet over its 100 budget
	reg, err := NewRegistry(accounts)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	r := New(testEngine(t), reg, nil, "")

	res, err := r.Route(routeCtx(classify.Classification{}, types.Metadata{}), Options{RespectBudget: true})
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if res.Account.ID != "acct-backup" {
		t.Errorf("account = %q, want acct-backup", res.Account.ID)
	}
	if res.RuleName != "default" {
		t.Errorf("rule = %q, want default (rule name survives fallback)", res.RuleName)
	}
	if !res.UsedFallback {
		t.Error("UsedFallback = false, want true")
	}
	if !strings.Contains(res.Warning, "over budget") {
		t.Errorf("warning = %q, want mention of over budget", res.Warning)
	}
}

func TestRoute_OverBudgetStrict(t *testing.T) {
	accounts := testAccounts()
	accounts[0].UsageCurrentMonthUSD = 110
	accounts[2].UsageCurrentMonthUSD = 60 // fallback over budget too
	reg, err := NewRegistry(accounts)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	r := New(testEngine(t), reg, nil, "")

	_, err = r.Route(routeCtx(classify.Classification{}, types.Metadata{}), Options{RespectBudget: true, Strict: true})
	if !errors.Is(err, ErrBudgetExhausted) {
		t.Errorf("Route() error = %v, want ErrBudgetExhausted", err)
	}
}

func TestRoute_OverBudgetSoft(t *testing.T) {
	accounts := testAccounts()
	accounts[0].UsageCurrentMonthUSD = 110
	accounts[2].UsageCurrentMonthUSD = 60
	reg, err := NewRegistry(accounts)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	r := New(testEngine(t), reg, nil, "")

	res, err := r.Route(routeCtx(classify.Classification{}, types.Metadata{}), Options{RespectBudget: true})
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if res.Account.ID != "acct-sonnet" {
		t.Errorf("account = %q, want acct-sonnet (soft mode keeps primary)", res.Account.ID)
	}
	if res.Warning != WarningOverBudget {
		t.Errorf("warning = %q, want %q", res.Warning, WarningOverBudget)
	}
}

func TestRoute_ApproachingBudgetWarning(t *testing.T) {
	accounts := testAccounts()
	accounts[0].UsageCurrentMonthUSD = 85 // 85% of 100
	reg, err := NewRegistry(accounts)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	r := New(testEngine(t), reg, nil, "")

	res, err := r.Route(routeCtx(classify.Classification{}, types.Metadata{}), Options{RespectBudget: true})
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if res.Warning != WarningApproaching {
		t.Errorf("warning = %q, want %q", res.Warning, WarningApproaching)
	}
}

func TestRoute_NeverSelectsDisabled(t *testing.T) {
	e, err := rules.NewEngine([]rules.Rule{
		{Name: "default", Match: rules.MatchConditions{Default: true}, Target: "acct-off", Priority: 0},
	})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	reg, err := NewRegistry(testAccounts())
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	r := New(e, reg, nil, "")

	_, err = r.Route(routeCtx(classify.Classification{}, types.Metadata{}), Options{})
	if !errors.Is(err, ErrNoEnabledAccount) {
		t.Errorf("Route() error = %v, want ErrNoEnabledAccount", err)
	}
}

func TestRoute_DisabledPrimaryUsesFallback(t *testing.T) {
	e, err := rules.NewEngine([]rules.Rule{
		{Name: "default", Match: rules.MatchConditions{Default: true}, Target: "acct-off", Fallback: "acct-backup", Priority: 0},
	})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	reg, err := NewRegistry(testAccounts())
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	r := New(e, reg, nil, "")

	res, err := r.Route(routeCtx(classify.Classification{}, types.Metadata{}), Options{})
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if res.Account.ID != "acct-backup" {
		t.Errorf("account = %q, want acct-backup", res.Account.ID)
	}
}

func TestRoute_AgentOverride(t *testing.T) {
	reg, err := NewRegistry(testAccounts())
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	r := New(testEngine(t), reg, []AgentOverride{{AgentPattern: "ops-*", AccountID: "acct-local"}}, "")

	res, err := r.Route(routeCtx(classify.Classification{}, types.Metadata{AgentID: "ops-nightly"}), Options{})
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if res.Account.ID != "acct-local" {
		t.Errorf("account = %q, want acct-local", res.Account.ID)
	}
	if res.RuleName != "agent-override" {
		t.Errorf("rule = %q, want agent-override", res.RuleName)
	}
}

func TestRoute_ForceSunrise(t *testing.T) {
	reg, err := NewRegistry(testAccounts())
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	r := New(testEngine(t), reg, nil, "acct-sonnet")

	res, err := r.Route(routeCtx(classify.Classification{Sensitive: true}, types.Metadata{ForceSunrise: true}), Options{})
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if res.Account.ID != "acct-sonnet" {
		t.Errorf("account = %q, want acct-sonnet (sunrise beats rules)", res.Account.ID)
	}
	if res.RuleName != "force-sunrise" {
		t.Errorf("rule = %q, want force-sunrise", res.RuleName)
	}
}

func TestRoute_MarksLastUsed(t *testing.T) {
	reg, err := NewRegistry(testAccounts())
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	r := New(testEngine(t), reg, nil, "")

	before := time.Now()
	if _, err := r.Route(routeCtx(classify.Classification{}, types.Metadata{}), Options{}); err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	a, err := reg.Get("acct-sonnet")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if a.LastUsedAt.Before(before) {
		t.Errorf("LastUsedAt = %v, want >= %v", a.LastUsedAt, before)
	}
}

func TestRegistry_MonthRollover(t *testing.T) {
	now := time.Date(2026, time.January, 31, 23, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	reg, err := newRegistry(testAccounts(), clock)
	if err != nil {
		t.Fatalf("newRegistry() error = %v", err)
	}
	if err := reg.AddUsage("acct-sonnet", 42); err != nil {
		t.Fatalf("AddUsage() error = %v", err)
	}

	now = now.Add(2 * time.Hour) // crosses into February
	if err := reg.AddUsage("acct-sonnet", 1); err != nil {
		t.Fatalf("AddUsage() error = %v", err)
	}

	a, err := reg.Get("acct-sonnet")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if a.UsageCurrentMonthUSD != 1 {
		t.Errorf("UsageCurrentMonthUSD = %v, want 1 (January usage reset)", a.UsageCurrentMonthUSD)
	}
}

func TestRegistry_DuplicateID(t *testing.T) {
	_, err := NewRegistry([]Account{{ID: "a", Enabled: true}, {ID: "a", Enabled: true}})
	if err == nil {
		t.Error("NewRegistry() with duplicate IDs succeeded, want error")
	}
}

func TestRegistry_SetBudget(t *testing.T) {
	reg, err := NewRegistry([]Account{{ID: "a", Enabled: true, BudgetMonthlyUSD: 10}})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	if err := reg.AddUsage("a", 8); err != nil {
		t.Fatal(err)
	}

	if err := reg.SetBudget("a", 5); err != nil {
		t.Fatalf("SetBudget() error = %v", err)
	}
	a, err := reg.Get("a")
	if err != nil {
		t.Fatal(err)
	}
	if !a.OverBudget() {
		t.Error("lowering the budget below current spend should put the account over budget")
	}

	// Zero removes the cap.
	if err := reg.SetBudget("a", 0); err != nil {
		t.Fatalf("SetBudget(0) error = %v", err)
	}
	a, _ = reg.Get("a")
	if a.OverBudget() {
		t.Error("an uncapped account is never over budget")
	}

	if err := reg.SetBudget("missing", 1); !errors.Is(err, ErrUnknownAccount) {
		t.Errorf("SetBudget(missing) = %v, want ErrUnknownAccount", err)
	}
}

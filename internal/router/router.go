package router

import (
	"errors"
	"fmt"
	"log/slog"
	"path"

	"github.com/pearl-project/pearl/internal/rules"
)

// ErrBudgetExhausted is returned in strict budget mode when the chosen
// account is over budget and no within-budget fallback exists.
var ErrBudgetExhausted = errors.New("router: account budget exhausted")

// ErrNoEnabledAccount is returned when every candidate account for a route
// is disabled.
var ErrNoEnabledAccount = errors.New("router: no enabled account for route")

// Warning strings attached to routing results. Stable values so callers and
// tests can match on them.
const (
	WarningOverBudget  = "over budget"
	WarningApproaching = "approaching budget"
)

// Synthetic rule names emitted when no configured rule produced the route.
const (
	ruleNameFallbackDefault = "fallback-default"
	ruleNameAgentOverride   = "agent-override"
	ruleNameForceSunrise    = "force-sunrise"
)

// Options tunes one routing decision.
type Options struct {
	// RespectBudget enables the monthly budget check against the chosen
	// account.
	RespectBudget bool

	// Strict turns an over-budget primary without usable fallback into
	// ErrBudgetExhausted instead of a warning.
	Strict bool
}

// AgentOverride pins agents matching a glob pattern to a fixed account,
// bypassing rule evaluation.
type AgentOverride struct {
	// AgentPattern is a glob ('*'/'?') matched against the request agent ID.
	AgentPattern string

	// AccountID is the pinned account.
	AccountID string
}

// Result describes one routing decision.
type Result struct {
	// Account is a copy of the selected account.
	Account Account

	// RuleName is the name of the rule that produced the route. Always
	// non-empty: synthetic names ("fallback-default", "agent-override",
	// "force-sunrise") cover routes no configured rule produced.
	RuleName string

	// Fallback is the fallback account ID carried by the matched rule, if
	// any. The pipeline uses it for a single redispatch on backend failure.
	Fallback string

	// UsedFallback is true when the budget check moved the route from the
	// rule's target to its fallback.
	UsedFallback bool

	// Reason is a short human-readable explanation of the decision.
	Reason string

	// Warning carries soft budget conditions ("over budget", "approaching
	// budget"). Empty when the account is comfortably within budget.
	Warning string
}

// Router applies the rule engine and account registry to pick an account
// for a classified request. Safe for concurrent use.
type Router struct {
	engine    *rules.Engine
	registry  *Registry
	overrides []AgentOverride
	sunrise   string // account ID selected by metadata.forceSunrise
}

// New creates a Router. sunriseAccount may be empty when the deployment has
// no designated sunrise account; forceSunrise requests then fall through to
// normal rule evaluation.
func New(engine *rules.Engine, registry *Registry, overrides []AgentOverride, sunriseAccount string) *Router {
	return &Router{
		engine:    engine,
		registry:  registry,
		overrides: overrides,
		sunrise:   sunriseAccount,
	}
}

// Route picks an account for ctx.
//
// Selection order: forceSunrise metadata, agent overrides, rule engine,
// default rule. The budget check applies to whichever account comes out of
// that sequence; disabled accounts are never returned.
func (r *Router) Route(ctx rules.Context, opts Options) (*Result, error) {
	if ctx.Metadata.ForceSunrise && r.sunrise != "" {
		res, err := r.finish(r.sunrise, ruleNameForceSunrise, "", "forced to sunrise account", opts)
		if err == nil || !errors.Is(err, ErrNoEnabledAccount) {
			return res, err
		}
		slog.Warn("sunrise account disabled, falling through to rules", "account", r.sunrise)
	}

	for _, ov := range r.overrides {
		if ok, _ := path.Match(ov.AgentPattern, ctx.Metadata.AgentID); ok {
			return r.finish(ov.AccountID, ruleNameAgentOverride, "",
				fmt.Sprintf("agent %q pinned to account %q", ctx.Metadata.AgentID, ov.AccountID), opts)
		}
	}

	rule := r.engine.FindMatchingRule(ctx)
	ruleName := ruleNameFallbackDefault
	if rule == nil {
		def := r.engine.Default()
		rule = &def
		if def.Name != "" {
			ruleName = def.Name
		}
	} else {
		ruleName = rule.Name
	}

	return r.routeRule(rule, ruleName, opts)
}

// routeRule applies the budget policy to the rule's target, moving to the
// rule's fallback when the primary is over budget and the fallback is not.
func (r *Router) routeRule(rule *rules.Rule, ruleName string, opts Options) (*Result, error) {
	primary, err := r.registry.Get(rule.Target)
	if err != nil {
		return nil, fmt.Errorf("rule %q: %w", ruleName, err)
	}
	if !primary.Enabled {
		// A disabled primary behaves like an over-budget one: use the
		// fallback when possible, otherwise fail.
		if rule.Fallback != "" {
			if fb, fbErr := r.registry.Get(rule.Fallback); fbErr == nil && fb.Enabled {
				return r.finishResolved(fb, ruleName, rule.Fallback, true,
					"primary disabled, using fallback", opts)
			}
		}
		return nil, fmt.Errorf("rule %q: %w", ruleName, ErrNoEnabledAccount)
	}

	if opts.RespectBudget && primary.OverBudget() {
		if rule.Fallback != "" {
			fb, fbErr := r.registry.Get(rule.Fallback)
			if fbErr == nil && fb.Enabled && !fb.OverBudget() {
				res, err := r.finishResolved(fb, ruleName, rule.Fallback, true,
					"primary over budget", opts)
				if err != nil {
					return nil, err
				}
				// Surface the budget condition even though the fallback
				// absorbed it; callers log and forward this warning.
				res.Warning = "primary " + WarningOverBudget
				return res, nil
			}
		}
		if opts.Strict {
			return nil, fmt.Errorf("rule %q account %q: %w", ruleName, primary.ID, ErrBudgetExhausted)
		}
		res, err := r.finishResolved(primary, ruleName, rule.Fallback, false, "primary over budget, no usable fallback", opts)
		if err != nil {
			return nil, err
		}
		res.Warning = WarningOverBudget
		return res, nil
	}

	return r.finishResolved(primary, ruleName, rule.Fallback, false, "rule matched", opts)
}

// finish resolves an account ID and completes the result.
func (r *Router) finish(accountID, ruleName, fallback, reason string, opts Options) (*Result, error) {
	a, err := r.registry.Get(accountID)
	if err != nil {
		return nil, fmt.Errorf("route %q: %w", ruleName, err)
	}
	if !a.Enabled {
		return nil, fmt.Errorf("route %q account %q: %w", ruleName, accountID, ErrNoEnabledAccount)
	}
	if opts.RespectBudget && a.OverBudget() {
		if opts.Strict {
			return nil, fmt.Errorf("route %q account %q: %w", ruleName, accountID, ErrBudgetExhausted)
		}
		res, err := r.finishResolved(a, ruleName, fallback, false, reason, opts)
		if err != nil {
			return nil, err
		}
		res.Warning = WarningOverBudget
		return res, nil
	}
	return r.finishResolved(a, ruleName, fallback, false, reason, opts)
}

// finishResolved stamps last-used and attaches the approaching-budget
// warning. The account must already be enabled.
func (r *Router) finishResolved(a Account, ruleName, fallback string, usedFallback bool, reason string, opts Options) (*Result, error) {
	r.registry.MarkUsed(a.ID)

	res := &Result{
		Account:      a,
		RuleName:     ruleName,
		Fallback:     fallback,
		UsedFallback: usedFallback,
		Reason:       reason,
	}
	if opts.RespectBudget && a.ApproachingBudget() && !a.OverBudget() {
		res.Warning = WarningApproaching
	}

	slog.Debug("routed request",
		"rule", ruleName,
		"account", a.ID,
		"provider", a.Provider,
		"fallback", usedFallback,
		"warning", res.Warning,
	)
	return res, nil
}

// FallbackAccount resolves a rule's fallback account for the pipeline's
// single redispatch attempt. Returns nil when the fallback is missing,
// disabled, or over budget.
func (r *Router) FallbackAccount(fallbackID string) *Account {
	if fallbackID == "" {
		return nil
	}
	a, err := r.registry.Get(fallbackID)
	if err != nil || !a.Enabled || a.OverBudget() {
		return nil
	}
	return &a
}

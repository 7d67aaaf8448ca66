// Package detect implements the prompt-injection detection pipeline that
// screens every chat request before memory augmentation and dispatch.
//
// Detection composes up to three strategies (regex patterns, statistical
// heuristics, and an optional LLM screener) and resolves the final verdict
// as the maximum severity across strategies. On top of the raw verdict the
// detector applies per-user rate limiting, context-based escalation,
// false-positive softening, and emergency bypass tokens.
//
// The detector fails secure: an internal analysis error yields a HIGH/block
// result unless the configuration explicitly relaxes that.
package detect

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Severity grades a detection result. Ordered: comparisons and escalation
// use integer ordering.
type Severity int

const (
	SeveritySafe Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the canonical upper-case name of the severity.
func (s Severity) String() string {
	switch s {
	case SeveritySafe:
		return "SAFE"
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ParseSeverity maps a severity name to its Severity, case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToUpper(s) {
	case "SAFE":
		return SeveritySafe, nil
	case "LOW":
		return SeverityLow, nil
	case "MEDIUM":
		return SeverityMedium, nil
	case "HIGH":
		return SeverityHigh, nil
	case "CRITICAL":
		return SeverityCritical, nil
	default:
		return SeveritySafe, fmt.Errorf("unknown severity %q; valid values: safe, low, medium, high, critical", s)
	}
}

// StepUp returns the next severity, capped at CRITICAL.
func (s Severity) StepUp() Severity {
	if s >= SeverityCritical {
		return SeverityCritical
	}
	return s + 1
}

// Action is what the pipeline does with a detection result.
type Action string

const (
	ActionAllow Action = "allow"
	ActionLog   Action = "log"
	ActionWarn  Action = "warn"
	ActionBlock Action = "block"
)

// ParseAction maps an action name to its Action, case-insensitively.
func ParseAction(s string) (Action, error) {
	switch Action(strings.ToLower(s)) {
	case ActionAllow, ActionLog, ActionWarn, ActionBlock:
		return Action(strings.ToLower(s)), nil
	default:
		return ActionAllow, fmt.Errorf("unknown action %q; valid values: allow, log, warn, block", s)
	}
}

// DefaultActionMap is the severity→action mapping used when the config
// provides none.
func DefaultActionMap() map[Severity]Action {
	return map[Severity]Action{
		SeveritySafe:     ActionAllow,
		SeverityLow:      ActionLog,
		SeverityMedium:   ActionWarn,
		SeverityHigh:     ActionBlock,
		SeverityCritical: ActionBlock,
	}
}

// Threat is one matched threat category.
type Threat struct {
	// Category is the threat category name (e.g., "instruction_override").
	Category string

	// Severity is the category's default severity, before escalation.
	Severity Severity

	// Match is the matched text, truncated for logging.
	Match string

	// Confidence is the per-match confidence in [0,1].
	Confidence float64
}

// Result is the outcome of analysing one message. Transient per request.
type Result struct {
	Severity   Severity
	Action     Action
	Threats    []Threat
	Confidence float64

	// Reasoning is a short human-readable explanation. Blocking responses
	// surface it to callers; full context factors are logged only.
	Reasoning string

	// ContextFactors records escalation and softening decisions
	// (e.g., "admin_injection_attempt", "educational_context").
	ContextFactors []string
}

// Blocked reports whether the result short-circuits the pipeline.
func (r *Result) Blocked() bool { return r.Action == ActionBlock }

// SecurityContext carries the per-request facts the detector uses for rate
// limiting and escalation.
type SecurityContext struct {
	// UserID keys the rate limiter. Empty disables rate limiting for the
	// request.
	UserID string

	// IsAdmin escalates any detected threat by one severity step.
	IsAdmin bool

	// RiskScore in [0,1] from upstream risk accounting. Scores above 0.7
	// escalate; above 0.5 they arm multi-turn escalation.
	RiskScore float64

	// SessionHistory is the recent user-message history of the session,
	// oldest first, used for multi-turn escalation. Recomputed from the
	// request; not persisted.
	SessionHistory []string

	// BypassToken names an emergency bypass token from request metadata.
	BypassToken string
}

// strategy is one detection pass over a message.
type strategy interface {
	name() string
	analyze(ctx context.Context, message string) ([]Threat, error)
}

// Config tunes a Detector.
type Config struct {
	// ActionMap overrides the default severity→action mapping. Missing
	// severities fall back to the defaults.
	ActionMap map[Severity]Action

	// RateLimit tunes per-user attempt limiting. Zero values disable it.
	RateLimit RateLimitConfig

	// FailOpen relaxes the fail-secure posture: analysis errors yield SAFE
	// instead of HIGH/block. Off by default.
	FailOpen bool

	// Screener enables the optional LLM screening strategy when non-nil.
	Screener Screener

	// DisableHeuristics turns off the heuristic strategy (regex always runs).
	DisableHeuristics bool
}

// Detector screens messages for prompt-injection attempts. Safe for
// concurrent use; per-user rate state lives in the embedded limiter.
type Detector struct {
	strategies []strategy
	limiter    *RateLimiter
	bypass     *BypassRegistry
	actions    map[Severity]Action
	failOpen   bool
}

// New creates a Detector. bypass may be nil when no emergency bypass tokens
// are configured.
func New(cfg Config, bypass *BypassRegistry) *Detector {
	actions := DefaultActionMap()
	for sev, act := range cfg.ActionMap {
		actions[sev] = act
	}

	strategies := []strategy{newRegexStrategy()}
	if !cfg.DisableHeuristics {
		strategies = append(strategies, newHeuristicStrategy())
	}
	if cfg.Screener != nil {
		strategies = append(strategies, &llmStrategy{screener: cfg.Screener})
	}

	return &Detector{
		strategies: strategies,
		limiter:    NewRateLimiter(cfg.RateLimit),
		bypass:     bypass,
		actions:    actions,
		failOpen:   cfg.FailOpen,
	}
}

// Limiter exposes the rate limiter so the server lifecycle can start its
// eviction sweep.
func (d *Detector) Limiter() *RateLimiter { return d.limiter }

// UserRisk returns userID's current risk score in [0,1], derived from the
// limiter's attempt accounting. Callers pass it back in as
// [SecurityContext.RiskScore] so repeat offenders escalate faster.
func (d *Detector) UserRisk(userID string) float64 {
	if userID == "" {
		return 0
	}
	return d.limiter.Risk(userID)
}

// Analyze screens message under sctx and returns the final verdict.
//
// Analyze is the single rate-limit counting point: every call increments the
// user's attempt counter, and a banned user receives CRITICAL/block
// regardless of content.
func (d *Detector) Analyze(ctx context.Context, message string, sctx SecurityContext) Result {
	// Emergency bypass wins over everything, including bans.
	if d.bypass != nil && sctx.BypassToken != "" {
		if ok, reason := d.bypass.Use(sctx.BypassToken, sctx.UserID); ok {
			slog.Warn("emergency bypass used",
				"user", sctx.UserID,
				"token", sctx.BypassToken,
				"severity", SeverityMedium.String(),
			)
			return Result{
				Severity:       SeveritySafe,
				Action:         ActionAllow,
				Confidence:     1,
				Reasoning:      "emergency bypass token accepted",
				ContextFactors: []string{"emergency_bypass"},
			}
		} else if reason != "" {
			slog.Warn("emergency bypass rejected", "user", sctx.UserID, "reason", reason)
		}
	}

	if sctx.UserID != "" {
		if banned := d.limiter.Record(sctx.UserID); banned {
			return Result{
				Severity: SeverityCritical,
				Action:   ActionBlock,
				Threats: []Threat{{
					Category:   "rate_limit",
					Severity:   SeverityCritical,
					Confidence: 1,
				}},
				Confidence: 1,
				Reasoning:  "too many screening attempts; user is temporarily banned",
			}
		}
	}

	res := d.runStrategies(ctx, message)
	d.escalate(&res, message, sctx)
	softenFalsePositives(&res, message)

	res.Action = d.actions[res.Severity]
	return res
}

// runStrategies executes all strategies and folds their threats into one
// result with the maximum severity and confidence.
func (d *Detector) runStrategies(ctx context.Context, message string) Result {
	res := Result{Severity: SeveritySafe}

	for _, s := range d.strategies {
		threats, err := s.analyze(ctx, message)
		if err != nil {
			if d.failOpen {
				slog.Warn("detection strategy failed (fail-open)", "strategy", s.name(), "error", err)
				continue
			}
			slog.Error("detection strategy failed, failing secure", "strategy", s.name(), "error", err)
			return Result{
				Severity:   SeverityHigh,
				Confidence: 1,
				Reasoning:  fmt.Sprintf("screening unavailable (%s); request blocked as a precaution", s.name()),
			}
		}
		for _, th := range threats {
			res.Threats = append(res.Threats, th)
			if th.Severity > res.Severity {
				res.Severity = th.Severity
			}
			if th.Confidence > res.Confidence {
				res.Confidence = th.Confidence
			}
		}
	}

	if len(res.Threats) > 0 {
		cats := make([]string, 0, len(res.Threats))
		for _, th := range res.Threats {
			cats = append(cats, th.Category)
		}
		res.Reasoning = "detected: " + strings.Join(cats, ", ")
	}
	return res
}

// escalate applies context-based severity escalation.
func (d *Detector) escalate(res *Result, _ string, sctx SecurityContext) {
	if len(res.Threats) == 0 {
		return
	}

	if sctx.IsAdmin {
		res.Severity = res.Severity.StepUp()
		res.ContextFactors = append(res.ContextFactors, "admin_injection_attempt")
	}

	if sctx.RiskScore > 0.7 {
		res.Severity = res.Severity.StepUp()
		res.ContextFactors = append(res.ContextFactors, "high_risk_user")
	}

	if sctx.RiskScore > 0.5 && suspiciousHistoryCount(sctx.SessionHistory) >= 2 {
		res.Severity = res.Severity.StepUp()
		res.ContextFactors = append(res.ContextFactors, "multi_turn_escalation")
	}
}

// suspiciousHistoryCount counts regex-suspicious messages among the last
// five history entries.
func suspiciousHistoryCount(history []string) int {
	if len(history) > 5 {
		history = history[len(history)-5:]
	}
	n := 0
	for _, msg := range history {
		if messageLooksSuspicious(msg) {
			n++
		}
	}
	return n
}

// truncateMatch shortens matched text for threat records and logs.
func truncateMatch(s string) string {
	const max = 80
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

// bansweepInterval is how often the limiter sweep runs when started through
// StartSweep.
const bansweepInterval = time.Hour

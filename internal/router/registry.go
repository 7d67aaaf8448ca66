// Package router selects a backend account for a classified request.
//
// The [Registry] is the process-wide account table: per-account monthly
// budgets and usage, enabled flags, and last-used stamps. The [Router] on
// top of it evaluates the rule engine, applies agent overrides, and
// enforces budgets with optional fallbacks.
package router

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrUnknownAccount is returned when a route or usage update names an
// account the registry does not hold.
var ErrUnknownAccount = errors.New("router: unknown account")

// AuthKind is how an account authenticates against its provider.
type AuthKind string

const (
	AuthAPIKey AuthKind = "apiKey"
	AuthOAuth  AuthKind = "oauth"
)

// IsValid reports whether a is a recognised auth kind.
func (a AuthKind) IsValid() bool {
	return a == AuthAPIKey || a == AuthOAuth
}

// Account is one backend account. Accounts are created at startup from
// config; usage and last-used fields are mutated by the usage recorder and
// month rollover only.
type Account struct {
	// ID is the unique account identifier referenced by rules.
	ID string

	// Provider is the backend provider ("anthropic", "openai", "ollama", ...).
	Provider string

	// Model is the default model dispatched through this account, in
	// "<provider>/<name>" form.
	Model string

	// Auth selects the credential mechanism.
	Auth AuthKind

	// Credential is the API key or OAuth token reference.
	Credential string

	// BaseURL overrides the provider's default endpoint. Empty means default.
	BaseURL string

	// BudgetMonthlyUSD caps monthly spend. Zero means unlimited.
	BudgetMonthlyUSD float64

	// UsageCurrentMonthUSD is the spend accumulated in the current month.
	UsageCurrentMonthUSD float64

	// Enabled accounts are eligible for routing.
	Enabled bool

	// LastUsedAt is when the router last selected this account.
	LastUsedAt time.Time
}

// OverBudget reports whether the account has a budget and has met or
// exceeded it.
func (a *Account) OverBudget() bool {
	return a.BudgetMonthlyUSD > 0 && a.UsageCurrentMonthUSD >= a.BudgetMonthlyUSD
}

// approachingBudgetRatio is the usage/budget ratio above which routing
// attaches an "approaching budget" warning.
const approachingBudgetRatio = 0.80

// ApproachingBudget reports whether usage exceeds 80% of the budget.
func (a *Account) ApproachingBudget() bool {
	return a.BudgetMonthlyUSD > 0 && a.UsageCurrentMonthUSD/a.BudgetMonthlyUSD > approachingBudgetRatio
}

// Registry holds all configured accounts. It is read-heavy: routing reads
// under RLock while usage increments take the write lock briefly. The
// budget-check-and-select race (a single over-budget record slipping in
// between check and record) is tolerated by design of the budget model.
//
// All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	month    time.Month
	year     int
	now      func() time.Time
}

// NewRegistry creates a Registry from the given accounts. Duplicate IDs are
// an error.
func NewRegistry(accounts []Account) (*Registry, error) {
	return newRegistry(accounts, time.Now)
}

// newRegistry allows tests to inject a clock.
func newRegistry(accounts []Account, now func() time.Time) (*Registry, error) {
	r := &Registry{
		accounts: make(map[string]*Account, len(accounts)),
		now:      now,
	}
	t := now().UTC()
	r.month, r.year = t.Month(), t.Year()

	for i := range accounts {
		a := accounts[i]
		if a.ID == "" {
			return nil, fmt.Errorf("router: account %d has empty id", i)
		}
		if _, dup := r.accounts[a.ID]; dup {
			return nil, fmt.Errorf("router: duplicate account id %q", a.ID)
		}
		r.accounts[a.ID] = &a
	}
	return r, nil
}

// Get returns a copy of the account with the given ID.
func (r *Registry) Get(id string) (Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.accounts[id]
	if !ok {
		return Account{}, fmt.Errorf("%w: %q", ErrUnknownAccount, id)
	}
	return *a, nil
}

// All returns copies of all accounts, in unspecified order.
func (r *Registry) All() []Account {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		out = append(out, *a)
	}
	return out
}

// AddUsage adds costUSD to the account's current-month usage, applying the
// month rollover first so a record landing after a month boundary never
// counts against the previous month.
func (r *Registry) AddUsage(id string, costUSD float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rolloverLocked()

	a, ok := r.accounts[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAccount, id)
	}
	a.UsageCurrentMonthUSD += costUSD
	return nil
}

// MarkUsed stamps the account's LastUsedAt.
func (r *Registry) MarkUsed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.accounts[id]; ok {
		a.LastUsedAt = r.now()
	}
}

// SetEnabled toggles an account's routing eligibility.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.accounts[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAccount, id)
	}
	a.Enabled = enabled
	return nil
}

// SetBudget updates an account's monthly spend cap. Zero removes the cap.
// Month-to-date spend is kept; a lowered budget can put the account over
// budget immediately.
func (r *Registry) SetBudget(id string, budgetUSD float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.accounts[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAccount, id)
	}
	a.BudgetMonthlyUSD = budgetUSD
	return nil
}

// rolloverLocked resets all monthly usage counters when the UTC month has
// changed since the last mutation. Must be called with r.mu held for write.
func (r *Registry) rolloverLocked() {
	t := r.now().UTC()
	if t.Month() == r.month && t.Year() == r.year {
		return
	}
	r.month, r.year = t.Month(), t.Year()
	for _, a := range r.accounts {
		a.UsageCurrentMonthUSD = 0
	}
}

// Rollover applies the month rollover eagerly. Exposed for the periodic
// sweep in the server lifecycle; AddUsage also applies it lazily.
func (r *Registry) Rollover() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rolloverLocked()
}

package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	AccountsChanged bool          // true if any account budget, credential, or enabled flag changed
	AccountChanges  []AccountDiff // per-account diffs
	RulesChanged    bool          // true if the ruleset differs in any way
	PricingChanged  bool
	LogLevelChanged bool
	NewLogLevel     LogLevel
}

// AccountDiff describes what changed for a single account between two
// configs.
type AccountDiff struct {
	ID                string
	BudgetChanged     bool
	CredentialChanged bool
	EnabledChanged    bool
	Added             bool
	Removed           bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Build account lookup maps keyed by ID.
	oldAccounts := make(map[string]*AccountConfig, len(old.Accounts))
	for i := range old.Accounts {
		oldAccounts[old.Accounts[i].ID] = &old.Accounts[i]
	}
	newAccounts := make(map[string]*AccountConfig, len(new.Accounts))
	for i := range new.Accounts {
		newAccounts[new.Accounts[i].ID] = &new.Accounts[i]
	}

	// Detect modified and removed accounts.
	for id, oldAcct := range oldAccounts {
		newAcct, exists := newAccounts[id]
		if !exists {
			d.AccountChanges = append(d.AccountChanges, AccountDiff{
				ID:      id,
				Removed: true,
			})
			d.AccountsChanged = true
			continue
		}
		ad := diffAccount(id, oldAcct, newAcct)
		if ad.BudgetChanged || ad.CredentialChanged || ad.EnabledChanged {
			d.AccountChanges = append(d.AccountChanges, ad)
			d.AccountsChanged = true
		}
	}

	// Detect added accounts.
	for id := range newAccounts {
		if _, exists := oldAccounts[id]; !exists {
			d.AccountChanges = append(d.AccountChanges, AccountDiff{
				ID:    id,
				Added: true,
			})
			d.AccountsChanged = true
		}
	}

	if !reflect.DeepEqual(old.Rules, new.Rules) {
		d.RulesChanged = true
	}
	if !reflect.DeepEqual(old.Pricing, new.Pricing) {
		d.PricingChanged = true
	}

	return d
}

// diffAccount compares two account configs with the same ID.
func diffAccount(id string, old, new *AccountConfig) AccountDiff {
	ad := AccountDiff{ID: id}

	if old.BudgetMonthlyUSD != new.BudgetMonthlyUSD {
		ad.BudgetChanged = true
	}
	if old.Credential != new.Credential || old.CredentialEnv != new.CredentialEnv {
		ad.CredentialChanged = true
	}
	if enabled(old) != enabled(new) {
		ad.EnabledChanged = true
	}
	return ad
}

// enabled resolves the tri-state enabled flag; nil means enabled.
func enabled(a *AccountConfig) bool {
	return a.Enabled == nil || *a.Enabled
}

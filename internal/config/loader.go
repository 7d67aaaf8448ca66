package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/pearl-project/pearl/internal/detect"
)

// ValidProviderNames lists known backend provider names.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{
	"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral",
	"groq", "llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Accounts
	idsSeen := make(map[string]int, len(cfg.Accounts))
	for i, a := range cfg.Accounts {
		ref := accountRef(i, a.ID)
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("%s: id is required", ref))
		} else if prev, dup := idsSeen[a.ID]; dup {
			errs = append(errs, fmt.Errorf("%s: id duplicates accounts[%d]", ref, prev))
		} else {
			idsSeen[a.ID] = i
		}
		if a.Provider == "" {
			errs = append(errs, fmt.Errorf("%s: provider is required", ref))
		} else {
			validateProviderName(a.Provider)
		}
		if a.Model == "" {
			errs = append(errs, fmt.Errorf("%s: model is required", ref))
		}
		if a.Auth != "" && !a.Auth.IsValid() {
			errs = append(errs, fmt.Errorf("%s: auth %q is invalid; valid values: apiKey, oauth", ref, a.Auth))
		}
		if a.BudgetMonthlyUSD < 0 {
			errs = append(errs, fmt.Errorf("%s: budget_monthly_usd must not be negative", ref))
		}
		if a.Credential == "" && a.CredentialEnv == "" && a.Provider != "ollama" {
			slog.Warn("account has no credential configured", "account", a.ID)
		}
	}
	accounts := cfg.accountIndex()

	// Rules
	defaults := 0
	for i, r := range cfg.Rules {
		prefix := fmt.Sprintf("rules[%d]", i)
		if r.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if r.Match.Default {
			defaults++
		}
		if r.Target == "" {
			errs = append(errs, fmt.Errorf("%s.target is required", prefix))
		} else if _, ok := accounts[r.Target]; !ok {
			errs = append(errs, fmt.Errorf("%s.target %q does not name a configured account", prefix, r.Target))
		}
		if r.Fallback != "" {
			if _, ok := accounts[r.Fallback]; !ok {
				errs = append(errs, fmt.Errorf("%s.fallback %q does not name a configured account", prefix, r.Fallback))
			}
		}
	}
	if len(cfg.Rules) > 0 && defaults != 1 {
		errs = append(errs, fmt.Errorf("rules must contain exactly one default rule, found %d", defaults))
	}

	// Routing references
	if sa := cfg.Routing.SunriseAccount; sa != "" {
		if _, ok := accounts[sa]; !ok {
			errs = append(errs, fmt.Errorf("routing.sunrise_account %q does not name a configured account", sa))
		}
	}
	for i, o := range cfg.Routing.Overrides {
		prefix := fmt.Sprintf("routing.overrides[%d]", i)
		if o.AgentPattern == "" {
			errs = append(errs, fmt.Errorf("%s.agent_pattern is required", prefix))
		}
		if o.AccountID == "" {
			errs = append(errs, fmt.Errorf("%s.account_id is required", prefix))
		} else if _, ok := accounts[o.AccountID]; !ok {
			errs = append(errs, fmt.Errorf("%s.account_id %q does not name a configured account", prefix, o.AccountID))
		}
	}

	// Detection
	if rl := cfg.Detection.RateLimit; rl.MaxAttempts < 0 || rl.WindowSecs < 0 || rl.BanSecs < 0 {
		errs = append(errs, errors.New("detection.rate_limit values must not be negative"))
	}
	for i, t := range cfg.Detection.BypassTokens {
		if t.Token == "" {
			errs = append(errs, fmt.Errorf("detection.bypass_tokens[%d].token is required", i))
		}
	}
	for sev, act := range cfg.Detection.ActionMap {
		if _, err := detect.ParseSeverity(sev); err != nil {
			errs = append(errs, fmt.Errorf("detection.action_map: %v", err))
		}
		if _, err := detect.ParseAction(act); err != nil {
			errs = append(errs, fmt.Errorf("detection.action_map.%s: %v", sev, err))
		}
	}

	// Memory ↔ retrieval
	if cfg.Memory.PostgresDSN != "" && cfg.Memory.EmbeddingDimensions <= 0 {
		slog.Warn("memory.postgres_dsn is set but memory.embedding_dimensions is not; defaulting to 1536")
	}
	if cfg.Memory.PostgresDSN == "" && cfg.Retrieval != (RetrievalConfig{}) {
		slog.Warn("retrieval is configured but memory.postgres_dsn is empty; augmentation will be inactive")
	}

	// Pricing
	for provider, models := range cfg.Pricing {
		for model, p := range models {
			if p.In < 0 || p.Out < 0 {
				errs = append(errs, fmt.Errorf("pricing.%s.%s must not be negative", provider, model))
			}
		}
	}

	// Retrieval bounds
	if cfg.Retrieval.MinScore < 0 || cfg.Retrieval.MinScore > 1 {
		errs = append(errs, fmt.Errorf("retrieval.min_score %.2f is out of range [0, 1]", cfg.Retrieval.MinScore))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is not found in
// [ValidProviderNames].
func validateProviderName(name string) {
	if slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"name", name,
		"known", ValidProviderNames,
	)
}

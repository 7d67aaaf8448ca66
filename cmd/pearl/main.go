// Command pearl is the main entry point for the Pearl LLM gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/pearl-project/pearl/internal/augment"
	"github.com/pearl-project/pearl/internal/config"
	"github.com/pearl-project/pearl/internal/detect"
	"github.com/pearl-project/pearl/internal/health"
	"github.com/pearl-project/pearl/internal/observe"
	"github.com/pearl-project/pearl/internal/pipeline"
	"github.com/pearl-project/pearl/internal/redact"
	"github.com/pearl-project/pearl/internal/retrieve"
	"github.com/pearl-project/pearl/internal/router"
	"github.com/pearl-project/pearl/internal/rules"
	"github.com/pearl-project/pearl/internal/server"
	"github.com/pearl-project/pearl/internal/transcript"
	"github.com/pearl-project/pearl/internal/usage"
	"github.com/pearl-project/pearl/pkg/backend"
	"github.com/pearl-project/pearl/pkg/backend/anthropic"
	"github.com/pearl-project/pearl/pkg/backend/anyllm"
	"github.com/pearl-project/pearl/pkg/backend/ollama"
	"github.com/pearl-project/pearl/pkg/backend/openai"
	"github.com/pearl-project/pearl/pkg/memory/postgres"
	"github.com/pearl-project/pearl/pkg/provider/embeddings"
	ollamaembed "github.com/pearl-project/pearl/pkg/provider/embeddings/ollama"
	oaembed "github.com/pearl-project/pearl/pkg/provider/embeddings/openai"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "pearl: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "pearl: %v\n", err)
		}
		return 1
	}
	if len(cfg.Accounts) == 0 {
		fmt.Fprintln(os.Stderr, "pearl: at least one account must be configured")
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("pearl starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(fctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Backend adapters ──────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	backends, err := buildBackends(cfg, reg)
	if err != nil {
		slog.Error("failed to build backend adapters", "err", err)
		return 1
	}

	// ── Accounts and routing ──────────────────────────────────────────────────
	accounts, err := router.NewRegistry(cfg.RouterAccounts())
	if err != nil {
		slog.Error("invalid account set", "err", err)
		return 1
	}

	ruleset := cfg.Rules
	if len(ruleset) == 0 {
		// No rules configured: route everything to the first account.
		ruleset = []rules.Rule{{
			Name:   "default",
			Target: cfg.Accounts[0].ID,
			Match:  rules.MatchConditions{Default: true},
		}}
		slog.Info("no rules configured, routing all traffic to first account",
			"account", cfg.Accounts[0].ID)
	}
	engine, err := rules.NewEngine(ruleset)
	if err != nil {
		slog.Error("invalid ruleset", "err", err)
		return 1
	}
	rtr := router.New(engine, accounts, cfg.Routing.AgentOverrides(), cfg.Routing.SunriseAccount)

	// ── Injection detection ───────────────────────────────────────────────────
	var detector *detect.Detector
	if !cfg.Detection.Disabled {
		detector = detect.New(cfg.Detection.DetectorConfig(), detect.NewBypassRegistry(cfg.Detection.Bypass()))
		detector.Limiter().StartSweep(ctx)
	} else {
		slog.Warn("injection detection is disabled")
	}

	// ── Memory and augmentation ───────────────────────────────────────────────
	var (
		augmenter *augment.Augmenter
		store     *postgres.Store
	)
	if cfg.Memory.PostgresDSN != "" {
		store, err = postgres.NewStore(ctx, cfg.Memory.PostgresDSN, cfg.Memory.EmbeddingDimensions)
		if err != nil {
			slog.Error("failed to connect to memory store", "err", err)
			return 1
		}
		defer store.Close()

		embedder, err := reg.CreateEmbeddings(
			cfg.Memory.EmbeddingProvider,
			os.Getenv(cfg.Memory.EmbeddingAPIKeyEnv),
			cfg.Memory.EmbeddingModel,
			cfg.Memory.EmbeddingBaseURL,
		)
		if err != nil {
			slog.Error("failed to create embedding provider", "err", err)
			return 1
		}

		retriever := retrieve.New(store, embedder)
		sessions := augment.NewSessionSet(0, 0)
		augmenter = augment.New(retriever, sessions)
		slog.Info("memory retrieval enabled",
			"embedding_provider", cfg.Memory.EmbeddingProvider,
			"dimensions", cfg.Memory.EmbeddingDimensions,
		)
	} else {
		slog.Info("memory retrieval disabled (no postgres_dsn configured)")
	}

	// ── Transcripts ───────────────────────────────────────────────────────────
	var transcripts pipeline.Transcripts
	if cfg.Transcripts.Dir != "" {
		tlog, err := transcript.NewLog(cfg.Transcripts.Dir)
		if err != nil {
			slog.Error("failed to open transcript log", "err", err)
			return 1
		}
		transcripts = tlog
	}

	// ── Usage accounting ──────────────────────────────────────────────────────
	var usageLog usage.Log
	if store != nil {
		usageLog = usage.NewPostgresLog(store.Pool())
	} else {
		usageLog = usage.NewMemoryLog(1024)
	}
	recorder := usage.NewRecorder(usageLog, cfg.Pricing, accounts)

	// ── Pipeline ──────────────────────────────────────────────────────────────
	pipe := pipeline.New(pipeline.Config{
		Detector:    detector,
		Router:      rtr,
		Augmenter:   augmenter,
		Backends:    backends,
		Recorder:    recorder,
		Redactor:    redact.NewFilter(),
		Transcripts: transcripts,
		Route:       cfg.Routing.Options(),
		Augment:     cfg.Augment.Options(cfg.Retrieval.Options()),
	})

	// ── HTTP server ───────────────────────────────────────────────────────────
	var checkers []health.Checker
	if store != nil {
		checkers = append(checkers, health.PostgresChecker(store.Pool()))
	}

	srvCfg := server.Config{
		Addr:       cfg.Server.ListenAddr,
		APIKeys:    cfg.Server.APIKeys,
		AuthHeader: cfg.Server.AuthHeader,
		Version:    version,
		Pipeline:   pipe,
		Backends:   backends,
		Accounts:   accounts,
		UsageLog:   usageLog,
		Checkers:   checkers,
	}
	if cfg.Server.TLS != nil {
		srvCfg.TLSCertFile = cfg.Server.TLS.CertFile
		srvCfg.TLSKeyFile = cfg.Server.TLS.KeyFile
	}
	srv := server.New(srvCfg)

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyReload(old, new, logLevel, accounts, engine, recorder)
	})
	if err != nil {
		slog.Warn("config watcher unavailable", "err", err)
	} else {
		defer watcher.Stop()
	}

	printStartupSummary(cfg, backends)

	slog.Info("server ready — press Ctrl+C to shut down")
	if err := srv.Start(ctx); err != nil {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// anyllmProviders are the providers served through the any-llm-go adapter.
// anthropic, openai, and ollama use their native adapters instead.
var anyllmProviders = []string{"gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"}

// registerBuiltinBackends wires all built-in backend adapter factories into
// reg. Each factory receives the first configured account for its provider
// and constructs the adapter with that account's credential and base URL.
func registerBuiltinBackends(reg *config.Registry) {
	reg.RegisterBackend("anthropic", func(acct config.AccountConfig) (backend.Adapter, error) {
		opts := []anthropic.Option{anthropic.WithModels(modelName(acct))}
		if acct.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(acct.BaseURL))
		}
		return anthropic.New(acct.ResolveCredential(), opts...)
	})

	reg.RegisterBackend("openai", func(acct config.AccountConfig) (backend.Adapter, error) {
		var opts []openai.Option
		if acct.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(acct.BaseURL))
		}
		return openai.New(acct.ResolveCredential(), opts...)
	})

	// ollama is a local server; BaseURL for the address, no API key.
	reg.RegisterBackend("ollama", func(acct config.AccountConfig) (backend.Adapter, error) {
		var opts []ollama.Option
		if acct.BaseURL != "" {
			opts = append(opts, ollama.WithBaseURL(acct.BaseURL))
		}
		return ollama.New(opts...), nil
	})

	for _, providerName := range anyllmProviders {
		reg.RegisterBackend(providerName, func(acct config.AccountConfig) (backend.Adapter, error) {
			var opts []anyllmlib.Option
			if cred := acct.ResolveCredential(); cred != "" {
				opts = append(opts, anyllmlib.WithAPIKey(cred))
			}
			if acct.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(acct.BaseURL))
			}
			return anyllm.New(providerName, []string{modelName(acct)}, opts...)
		})
	}

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(apiKey, model, baseURL string) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if baseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(baseURL))
		}
		return oaembed.New(apiKey, model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(_, model, baseURL string) (embeddings.Provider, error) {
		return ollamaembed.New(baseURL, model)
	})
}

// buildBackends instantiates one adapter per distinct provider among the
// configured accounts. The dispatcher resolves adapters by provider name, so
// accounts sharing a provider share an adapter.
func buildBackends(cfg *config.Config, reg *config.Registry) (*backend.Registry, error) {
	backends := backend.NewRegistry()
	built := make(map[string]bool)

	for _, acct := range cfg.Accounts {
		if built[acct.Provider] {
			continue
		}
		if acct.Auth == router.AuthOAuth && acct.ResolveCredential() == "" && cfg.TokensDir != "" {
			tok, err := os.ReadFile(filepath.Join(cfg.TokensDir, acct.ID+".token"))
			if err != nil {
				return nil, fmt.Errorf("read oauth token for account %q: %w", acct.ID, err)
			}
			acct.Credential = strings.TrimSpace(string(tok))
		}

		adapter, err := reg.CreateBackend(acct)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("no adapter for provider, accounts will be unroutable",
				"provider", acct.Provider, "account", acct.ID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create %q adapter: %w", acct.Provider, err)
		}

		backends.Register(acct.Provider, adapter)
		built[acct.Provider] = true
		slog.Info("backend adapter created", "provider", acct.Provider, "account", acct.ID)
	}
	return backends, nil
}

// modelName strips the "<provider>/" prefix from an account's model.
func modelName(acct config.AccountConfig) string {
	if _, rest, ok := strings.Cut(acct.Model, "/"); ok {
		return rest
	}
	return acct.Model
}

// ── Hot reload ────────────────────────────────────────────────────────────────

// applyReload applies the safely hot-reloadable parts of a config change:
// log level, account budgets and enabled flags, the ruleset, and pricing.
// Added or removed accounts and credential changes require a restart.
func applyReload(old, new *config.Config, logLevel *slog.LevelVar, accounts *router.Registry, engine *rules.Engine, recorder *usage.Recorder) {
	diff := config.Diff(old, new)

	if diff.LogLevelChanged {
		logLevel.Set(slogLevel(diff.NewLogLevel))
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}

	for _, ad := range diff.AccountChanges {
		switch {
		case ad.Added, ad.Removed:
			slog.Warn("account added or removed in config, restart required to apply",
				"account", ad.ID)
		case ad.CredentialChanged:
			slog.Warn("account credential changed in config, restart required to apply",
				"account", ad.ID)
		default:
			idx := accountByID(new, ad.ID)
			if idx < 0 {
				continue
			}
			acct := new.Accounts[idx]
			if ad.BudgetChanged {
				if err := accounts.SetBudget(ad.ID, acct.BudgetMonthlyUSD); err != nil {
					slog.Warn("budget update failed", "account", ad.ID, "err", err)
				} else {
					slog.Info("account budget updated", "account", ad.ID, "budget_usd", acct.BudgetMonthlyUSD)
				}
			}
			if ad.EnabledChanged {
				enabled := acct.Enabled == nil || *acct.Enabled
				if err := accounts.SetEnabled(ad.ID, enabled); err != nil {
					slog.Warn("enabled update failed", "account", ad.ID, "err", err)
				} else {
					slog.Info("account toggled", "account", ad.ID, "enabled", enabled)
				}
			}
		}
	}

	if diff.RulesChanged {
		if err := engine.Replace(new.Rules); err != nil {
			slog.Warn("rule reload rejected, keeping previous ruleset", "err", err)
		} else {
			slog.Info("ruleset reloaded", "rules", len(new.Rules))
		}
	}

	if diff.PricingChanged {
		recorder.SetPricing(new.Pricing)
		slog.Info("pricing table reloaded")
	}
}

func accountByID(cfg *config.Config, id string) int {
	for i := range cfg.Accounts {
		if cfg.Accounts[i].ID == id {
			return i
		}
	}
	return -1
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, backends *backend.Registry) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Pearl — startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Accounts", fmt.Sprintf("%d", len(cfg.Accounts)))
	printRow("Rules", fmt.Sprintf("%d", len(cfg.Rules)))
	printRow("Providers", strings.Join(backends.Providers(), ", "))
	if cfg.Memory.PostgresDSN != "" {
		printRow("Memory", "postgres/pgvector")
	} else {
		printRow("Memory", "(disabled)")
	}
	if len(cfg.Server.APIKeys) > 0 {
		printRow("Inbound auth", fmt.Sprintf("%d key(s)", len(cfg.Server.APIKeys)))
	} else {
		printRow("Inbound auth", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(key, value string) {
	if value == "" {
		value = "(none)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", key, value)
}

// ── Logger ────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

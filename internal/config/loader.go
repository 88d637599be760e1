package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/rubenmavarezb/aidf-sub001/internal/aidferr"
)

// envRefRe matches $NAME and ${NAME} references in config values.
var envRefRe = regexp.MustCompile(`\$\{?([A-Za-z_][A-Za-z0-9_]*)\}?`)

// Load reads a YAML config file, resolves $NAME env references, applies
// defaults, and validates enums. A .env file next to the config (inside the
// .ai directory) is loaded first so its variables are visible to resolution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, aidferr.New(aidferr.CategoryConfig, aidferr.CodeConfigMissing,
				fmt.Sprintf("config file not found: %s", path)).WithCause(err)
		}
		return nil, aidferr.New(aidferr.CategoryConfig, aidferr.CodeConfigInvalid,
			fmt.Sprintf("read config: %v", err)).WithCause(err)
	}

	// Best-effort: a .env sibling provides the variables $NAME refers to.
	_ = godotenv.Load(DotenvPath(rootFromConfigPath(path)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, parseError(path, err)
	}

	if err := resolveEnvRefs(&cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// parseError converts a yaml error into config.PARSE_ERROR, keeping line
// information when the yaml package provides it.
func parseError(path string, err error) error {
	msg := err.Error()
	var typeErr *yaml.TypeError
	if errors.As(err, &typeErr) && len(typeErr.Errors) > 0 {
		msg = strings.Join(typeErr.Errors, "; ")
	}
	return aidferr.New(aidferr.CategoryConfig, aidferr.CodeConfigParseError,
		fmt.Sprintf("parse %s: %s", path, msg)).WithCause(err)
}

// resolveEnvRefs expands env references in the fields that accept them.
// A reference to an unset variable is an error, not a silent empty string.
func resolveEnvRefs(cfg *Config) error {
	resolved, err := expandEnv(cfg.Provider.APIKey)
	if err != nil {
		return err
	}
	cfg.Provider.APIKey = resolved

	resolved, err = expandEnv(cfg.Provider.BaseURL)
	if err != nil {
		return err
	}
	cfg.Provider.BaseURL = resolved
	return nil
}

// expandEnv replaces $NAME / ${NAME} references with environment values.
func expandEnv(s string) (string, error) {
	var missing string
	out := envRefRe.ReplaceAllStringFunc(s, func(match string) string {
		name := envRefRe.FindStringSubmatch(match)[1]
		v, ok := os.LookupEnv(name)
		if !ok {
			if missing == "" {
				missing = name
			}
			return match
		}
		return v
	})
	if missing != "" {
		return "", aidferr.New(aidferr.CategoryConfig, aidferr.CodeConfigEnvVarMissing,
			fmt.Sprintf("environment variable %s referenced in config is not set", missing)).
			WithContext("var", missing)
	}
	return out, nil
}

// applyDefaults fills zero-value fields with documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.Provider.Type == "" {
		cfg.Provider.Type = ProviderSubprocessClaude
	}
	if cfg.Execution.MaxIterations == 0 {
		cfg.Execution.MaxIterations = 10
	}
	if cfg.Execution.MaxConsecutiveFailures == 0 {
		cfg.Execution.MaxConsecutiveFailures = 3
	}
	if cfg.Execution.IterationTimeoutMs == 0 {
		cfg.Execution.IterationTimeoutMs = 300000
	}
	if cfg.Execution.MaxConversationMessages == 0 {
		cfg.Execution.MaxConversationMessages = 50
	}
	if cfg.RateLimit.MaxRetries == 0 {
		cfg.RateLimit.MaxRetries = 5
	}
	if cfg.RateLimit.BaseDelayMs == 0 {
		cfg.RateLimit.BaseDelayMs = 1000
	}
	if cfg.RateLimit.MaxDelayMs == 0 {
		cfg.RateLimit.MaxDelayMs = 60000
	}
	if cfg.RateLimit.DedupWindowMs == 0 {
		cfg.RateLimit.DedupWindowMs = 60000
	}
	if cfg.ScopeEnforcement == "" {
		cfg.ScopeEnforcement = ScopeStrict
	}
	if cfg.CommitPrefix == "" {
		cfg.CommitPrefix = "aidf"
	}
	if cfg.Validation.CommandTimeoutMs == 0 {
		cfg.Validation.CommandTimeoutMs = 120000
	}
	if cfg.Secrets.Mode == "" {
		cfg.Secrets.Mode = SecretsWarn
	}

	// AIDF_TOKEN_BUDGET overrides an unset config budget.
	if cfg.RateLimit.TokenBudget == 0 {
		if v := os.Getenv("AIDF_TOKEN_BUDGET"); v != "" {
			var budget int
			if _, err := fmt.Sscanf(v, "%d", &budget); err == nil && budget > 0 {
				cfg.RateLimit.TokenBudget = budget
			}
		}
	}
}

// Validate checks enum fields.
func (c *Config) Validate() error {
	switch c.Provider.Type {
	case ProviderSubprocessClaude, ProviderSubprocessCursor, ProviderHTTPAnthropic, ProviderHTTPOpenAI:
	default:
		return aidferr.New(aidferr.CategoryConfig, aidferr.CodeConfigInvalid,
			fmt.Sprintf("unknown provider type %q", c.Provider.Type)).WithContext("field", "provider.type")
	}
	switch c.ScopeEnforcement {
	case ScopeStrict, ScopeAsk, ScopePermissive:
	default:
		return aidferr.New(aidferr.CategoryConfig, aidferr.CodeConfigInvalid,
			fmt.Sprintf("unknown scope_enforcement %q", c.ScopeEnforcement)).WithContext("field", "scope_enforcement")
	}
	switch c.Secrets.Mode {
	case SecretsWarn, SecretsBlock, SecretsRedact:
	default:
		return aidferr.New(aidferr.CategoryConfig, aidferr.CodeConfigInvalid,
			fmt.Sprintf("unknown secrets mode %q", c.Secrets.Mode)).WithContext("field", "secrets.mode")
	}
	return nil
}

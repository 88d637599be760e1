// Package config loads and validates the process-scoped configuration from
// the project's .ai directory.
package config

import "time"

// Provider types accepted in config.yml.
const (
	ProviderSubprocessClaude = "subprocess-claude"
	ProviderSubprocessCursor = "subprocess-cursor"
	ProviderHTTPAnthropic    = "http-anthropic"
	ProviderHTTPOpenAI       = "http-openai"
)

// Scope enforcement modes.
const (
	ScopeStrict     = "strict"
	ScopeAsk        = "ask"
	ScopePermissive = "permissive"
)

// Secret handling modes.
const (
	SecretsWarn   = "warn"
	SecretsBlock  = "block"
	SecretsRedact = "redact"
)

// Config is the root configuration, loaded once per invocation.
type Config struct {
	Provider    ProviderConfig    `yaml:"provider"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Permissions PermissionsConfig `yaml:"permissions"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`

	ScopeEnforcement string `yaml:"scope_enforcement"` // strict | ask | permissive
	AutoCommit       *bool  `yaml:"auto_commit"`       // default: true
	AutoPush         bool   `yaml:"auto_push"`
	CommitPrefix     string `yaml:"commit_prefix"` // default: "aidf"

	// Conservative default: a completion signal emitted in the same
	// iteration as a scope violation is invalidated and the loop continues.
	AllowCompletionDespiteScopeViolation bool `yaml:"allow_completion_despite_scope_violation"`

	Validation ValidationConfig `yaml:"validation"`
	Secrets    SecretsConfig    `yaml:"secrets"`
	Cost       CostConfig       `yaml:"cost"`
}

// ProviderConfig selects and parameterizes the AI provider.
type ProviderConfig struct {
	Type    string   `yaml:"type"` // subprocess-claude | subprocess-cursor | http-anthropic | http-openai
	Model   string   `yaml:"model"`
	APIKey  string   `yaml:"api_key"` // $NAME references resolved at load
	BaseURL string   `yaml:"base_url,omitempty"`
	Command string   `yaml:"command,omitempty"` // subprocess binary override
	Args    []string `yaml:"args,omitempty"`    // extra subprocess args
}

// ExecutionConfig bounds the iteration loop.
type ExecutionConfig struct {
	MaxIterations           int   `yaml:"max_iterations"`            // default: 10
	MaxConsecutiveFailures  int   `yaml:"max_consecutive_failures"`  // default: 3
	IterationTimeoutMs      int   `yaml:"iteration_timeout_ms"`      // default: 300000
	SessionContinuation     *bool `yaml:"session_continuation"`      // default: true
	MaxConversationMessages int   `yaml:"max_conversation_messages"` // default: 50
}

// IsSessionContinuation returns true unless explicitly disabled.
func (c ExecutionConfig) IsSessionContinuation() bool {
	if c.SessionContinuation == nil {
		return true
	}
	return *c.SessionContinuation
}

// IterationTimeout returns the iteration timeout as a duration.
func (c ExecutionConfig) IterationTimeout() time.Duration {
	return time.Duration(c.IterationTimeoutMs) * time.Millisecond
}

// PermissionsConfig controls permission prompting on the provider side.
type PermissionsConfig struct {
	SkipPermissions bool  `yaml:"skip_permissions"`
	WarnOnSkip      *bool `yaml:"warn_on_skip"` // default: true
}

// IsWarnOnSkip returns true unless explicitly disabled.
func (c PermissionsConfig) IsWarnOnSkip() bool {
	if c.WarnOnSkip == nil {
		return true
	}
	return *c.WarnOnSkip
}

// RateLimitConfig parameterizes retry, dedup, and the token budget.
type RateLimitConfig struct {
	MaxRetries    int `yaml:"max_retries"`     // default: 5
	BaseDelayMs   int `yaml:"base_delay_ms"`   // default: 1000
	MaxDelayMs    int `yaml:"max_delay_ms"`    // default: 60000
	TokenBudget   int `yaml:"token_budget"`    // 0 = unlimited
	CooldownMs    int `yaml:"cooldown_ms"`     // inter-iteration cooldown
	DedupWindowMs int `yaml:"dedup_window_ms"` // default: 60000
}

// BaseDelay returns the base retry delay as a duration.
func (c RateLimitConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMs) * time.Millisecond
}

// MaxDelay returns the retry delay ceiling as a duration.
func (c RateLimitConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMs) * time.Millisecond
}

// DedupWindow returns the dedup cache TTL as a duration.
func (c RateLimitConfig) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowMs) * time.Millisecond
}

// Cooldown returns the inter-iteration cooldown as a duration.
func (c RateLimitConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMs) * time.Millisecond
}

// ValidationConfig lists the shell commands run at phase boundaries.
type ValidationConfig struct {
	PreCommit        []string `yaml:"pre_commit"`
	PrePush          []string `yaml:"pre_push"`
	PrePR            []string `yaml:"pre_pr"`
	CommandTimeoutMs int      `yaml:"command_timeout_ms"` // default: 120000
}

// CommandTimeout returns the per-command timeout as a duration.
func (c ValidationConfig) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutMs) * time.Millisecond
}

// SecretsConfig controls the output/content secret scanner.
type SecretsConfig struct {
	Mode             string   `yaml:"mode"`              // warn | block | redact
	EntropyDetection *bool    `yaml:"entropy_detection"` // default: true
	AllowedFiles     []string `yaml:"allowed_files"`
	AllowedPatterns  []string `yaml:"allowed_patterns"`
}

// IsEntropyDetection returns true unless explicitly disabled.
func (c SecretsConfig) IsEntropyDetection() bool {
	if c.EntropyDetection == nil {
		return true
	}
	return *c.EntropyDetection
}

// CostConfig overrides the built-in per-million-token rates.
type CostConfig struct {
	Rates map[string]CostRate `yaml:"rates"` // key: model substring
}

// CostRate is USD per million tokens.
type CostRate struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// IsAutoCommit returns true unless explicitly disabled.
func (c *Config) IsAutoCommit() bool {
	if c.AutoCommit == nil {
		return true
	}
	return *c.AutoCommit
}

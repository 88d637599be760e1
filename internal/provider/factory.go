package provider

import (
	"context"
	"fmt"
	"time"

	einoopenai "github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"

	"github.com/rubenmavarezb/aidf-sub001/internal/aidferr"
	"github.com/rubenmavarezb/aidf-sub001/internal/config"
	"github.com/rubenmavarezb/aidf-sub001/internal/conversation"
	"github.com/rubenmavarezb/aidf-sub001/internal/gitops"
	"github.com/rubenmavarezb/aidf-sub001/internal/ratelimit"
	"github.com/rubenmavarezb/aidf-sub001/internal/scope"
	"github.com/rubenmavarezb/aidf-sub001/internal/secrets"
)

// FactoryDeps carries the collaborators a provider needs.
type FactoryDeps struct {
	Cwd     string
	Git     *gitops.Client
	Guard   *scope.Guard
	Scanner *secrets.Scanner
	Window  *conversation.Window
	Limiter *ratelimit.Limiter
	Dedup   *ratelimit.DedupCache
}

// New builds the configured provider variant.
func New(ctx context.Context, cfg *config.Config, deps FactoryDeps) (Provider, error) {
	switch cfg.Provider.Type {
	case config.ProviderSubprocessClaude:
		return NewSubprocess(SubprocessConfig{
			Command: commandOr(cfg, "claude"),
			Args:    subprocessArgs(cfg, []string{"-p", "--output-format", "text"}),
			Cwd:     deps.Cwd,
			Git:     deps.Git,
		}), nil

	case config.ProviderSubprocessCursor:
		return NewSubprocess(SubprocessConfig{
			Command: commandOr(cfg, "cursor-agent"),
			Args:    subprocessArgs(cfg, []string{"-p"}),
			Cwd:     deps.Cwd,
			Git:     deps.Git,
		}), nil

	case config.ProviderHTTPAnthropic:
		if cfg.Provider.APIKey == "" {
			return nil, missingKeyErr(cfg.Provider.Type)
		}
		chat := NewAnthropicChatModel(AnthropicConfig{
			APIKey:  cfg.Provider.APIKey,
			Model:   cfg.Provider.Model,
			BaseURL: cfg.Provider.BaseURL,
		})
		return newAPIProvider(chat, deps)

	case config.ProviderHTTPOpenAI:
		if cfg.Provider.APIKey == "" {
			return nil, missingKeyErr(cfg.Provider.Type)
		}
		chat, err := newOpenAIChatModel(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return newAPIProvider(chat, deps)

	default:
		return nil, aidferr.New(aidferr.CategoryConfig, aidferr.CodeConfigInvalid,
			fmt.Sprintf("unknown provider type %q", cfg.Provider.Type))
	}
}

func newAPIProvider(chat model.ToolCallingChatModel, deps FactoryDeps) (Provider, error) {
	handler := NewToolHandler(deps.Cwd, deps.Guard, deps.Scanner)
	return NewAPI(APIConfig{
		Chat:    chat,
		Handler: handler,
		Window:  deps.Window,
		Limiter: deps.Limiter,
		Dedup:   deps.Dedup,
	})
}

func newOpenAIChatModel(ctx context.Context, cfg *config.Config) (model.ToolCallingChatModel, error) {
	modelConfig := &einoopenai.ChatModelConfig{
		APIKey:  cfg.Provider.APIKey,
		Model:   cfg.Provider.Model,
		Timeout: 60 * time.Second,
	}
	if cfg.Provider.BaseURL != "" {
		modelConfig.BaseURL = cfg.Provider.BaseURL
	}
	chat, err := einoopenai.NewChatModel(ctx, modelConfig)
	if err != nil {
		return nil, aidferr.New(aidferr.CategoryProvider, aidferr.CodeProviderNotAvailable,
			fmt.Sprintf("create openai model: %v", err)).WithCause(err)
	}
	return chat, nil
}

func commandOr(cfg *config.Config, fallback string) string {
	if cfg.Provider.Command != "" {
		return cfg.Provider.Command
	}
	return fallback
}

func subprocessArgs(cfg *config.Config, base []string) []string {
	args := append([]string{}, base...)
	if cfg.Provider.Type == config.ProviderSubprocessClaude && cfg.Permissions.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	return append(args, cfg.Provider.Args...)
}

func missingKeyErr(providerType string) error {
	return aidferr.New(aidferr.CategoryConfig, aidferr.CodeConfigMissing,
		fmt.Sprintf("provider %s requires an api_key", providerType))
}

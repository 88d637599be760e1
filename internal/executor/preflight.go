package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/rubenmavarezb/aidf-sub001/internal/aidferr"
	"github.com/rubenmavarezb/aidf-sub001/internal/config"
	"github.com/rubenmavarezb/aidf-sub001/internal/contextloader"
	"github.com/rubenmavarezb/aidf-sub001/internal/conversation"
	"github.com/rubenmavarezb/aidf-sub001/internal/gitops"
	"github.com/rubenmavarezb/aidf-sub001/internal/provider"
	"github.com/rubenmavarezb/aidf-sub001/internal/ratelimit"
	"github.com/rubenmavarezb/aidf-sub001/internal/scope"
	"github.com/rubenmavarezb/aidf-sub001/internal/secrets"
)

// preFlight resolves config, loads context, restores a blocked breadcrumb
// on resume, and builds the per-run collaborators.
func (e *Executor) preFlight(ctx context.Context, taskPath string) (*phaseContext, error) {
	e.warnPlaintextSecrets()

	if e.cfg.Permissions.SkipPermissions && e.cfg.Permissions.IsWarnOnSkip() {
		slog.Warn("provider permission prompts are disabled (skip_permissions=true); the agent can act without confirmation")
	}

	loaded, err := contextloader.Load(e.root, taskPath, contextloader.Options{
		RoleOverride:      e.opts.RoleOverride,
		PreviousSummaries: e.opts.PreviousSummaries,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("context loaded",
		"task", loaded.Task.ID,
		"estimated_tokens", loaded.EstimatedTokens,
		"skills", len(loaded.Skills),
	)

	if e.opts.Resume {
		if err := e.restoreBreadcrumb(loaded.Task); err != nil {
			return nil, err
		}
	}

	mode := scope.Mode(e.cfg.ScopeEnforcement)
	guard := e.deps.NewGuard(loaded.Task.Scope, mode)
	validator := e.deps.NewValidator(e.root, e.cfg.Validation.CommandTimeout())
	scanner := secrets.NewScanner(e.cfg.Secrets)

	gitClient, _ := e.deps.Git.(*gitops.Client)
	prov, err := e.deps.NewProvider(ctx, e.cfg, provider.FactoryDeps{
		Cwd:     e.root,
		Git:     gitClient,
		Guard:   guard,
		Scanner: scanner,
		Window: conversation.NewWindow(conversation.Config{
			MaxMessages: e.cfg.Execution.MaxConversationMessages,
		}),
		Limiter: ratelimit.NewLimiter(e.cfg.RateLimit.MaxRetries, e.cfg.RateLimit.BaseDelay(), e.cfg.RateLimit.MaxDelay()),
		Dedup:   ratelimit.NewDedupCache(e.cfg.RateLimit.DedupWindow()),
	})
	if err != nil {
		return nil, err
	}
	if !prov.IsAvailable(ctx) {
		return nil, aidferr.New(aidferr.CategoryProvider, aidferr.CodeProviderNotAvailable,
			fmt.Sprintf("provider %s is not available", e.cfg.Provider.Type))
	}

	return &phaseContext{
		cfg:       e.cfg,
		opts:      e.opts,
		state:     e.state,
		root:      e.root,
		taskPath:  taskPath,
		context:   loaded,
		guard:     guard,
		validator: validator,
		provider:  prov,
		scanner:   scanner,
	}, nil
}

// restoreBreadcrumb reads the blocked trail from the task file.
func (e *Executor) restoreBreadcrumb(task *contextloader.Task) error {
	data, err := os.ReadFile(task.FilePath)
	if err != nil {
		return aidferr.New(aidferr.CategoryConfig, aidferr.CodeConfigMissing,
			fmt.Sprintf("read task for resume: %v", err)).WithCause(err)
	}
	crumb := findBreadcrumb(string(data))
	if crumb == nil {
		return aidferr.New(aidferr.CategoryConfig, aidferr.CodeConfigInvalid,
			fmt.Sprintf("task %s is not blocked; nothing to resume", task.ID))
	}
	e.state.Iteration = crumb.Iteration
	for _, p := range crumb.FilesModified {
		e.state.AddFiles([]scope.FileChange{{Path: p, Kind: scope.KindModified}})
	}
	slog.Info("resuming blocked task", "task", task.ID, "iteration", crumb.Iteration, "reason", crumb.Reason)
	return nil
}

// findBreadcrumb locates the breadcrumb line in a task file's status
// section.
func findBreadcrumb(content string) *Breadcrumb {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(trimmed, "- Blocked breadcrumb: "); ok {
			if crumb, err := DecodeBreadcrumb(rest); err == nil {
				return crumb
			}
		}
	}
	return nil
}

// warnPlaintextSecrets flags config values that look like literal
// credentials rather than env references.
func (e *Executor) warnPlaintextSecrets() {
	key := e.cfg.Provider.APIKey
	if key == "" {
		return
	}
	scanner := secrets.NewScanner(config.SecretsConfig{Mode: config.SecretsWarn})
	if findings := scanner.Scan("api_key = " + key); len(findings) > 0 {
		slog.Warn("config contains what looks like a plaintext API key; prefer a $VAR reference resolved from the environment")
	}
}

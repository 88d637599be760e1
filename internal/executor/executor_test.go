package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rubenmavarezb/aidf-sub001/internal/aidferr"
	"github.com/rubenmavarezb/aidf-sub001/internal/config"
	"github.com/rubenmavarezb/aidf-sub001/internal/provider"
	"github.com/rubenmavarezb/aidf-sub001/internal/scope"
)

// step scripts one provider call.
type step struct {
	result *provider.ExecutionResult
	err    error
}

// fakeProvider replays scripted steps.
type fakeProvider struct {
	steps []step
	calls int
}

func (f *fakeProvider) Execute(_ context.Context, _ string, _ provider.Options) (*provider.ExecutionResult, error) {
	if f.calls >= len(f.steps) {
		return nil, aidferr.New(aidferr.CategoryProvider, aidferr.CodeProviderCrash, "script exhausted")
	}
	s := f.steps[f.calls]
	f.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func (f *fakeProvider) IsAvailable(_ context.Context) bool { return true }

// fakeGit records mutations without a real repository.
type fakeGit struct {
	commits  []string
	staged   [][]string
	reverted []scope.FileChange
	moved    [][2]string
	pushed   int

	commitErr error
	revertErr error
}

func (g *fakeGit) Status(_ context.Context) ([]scope.FileChange, error) { return nil, nil }
func (g *fakeGit) Revert(_ context.Context, changes []scope.FileChange) error {
	g.reverted = append(g.reverted, changes...)
	return g.revertErr
}
func (g *fakeGit) Add(_ context.Context, paths []string) error {
	g.staged = append(g.staged, paths)
	return nil
}
func (g *fakeGit) Commit(_ context.Context, message string) error {
	if g.commitErr != nil {
		return g.commitErr
	}
	g.commits = append(g.commits, message)
	return nil
}
func (g *fakeGit) Push(_ context.Context) error { g.pushed++; return nil }
func (g *fakeGit) MoveStaged(_ context.Context, oldPath, newPath string) error {
	g.moved = append(g.moved, [2]string{oldPath, newPath})
	// Mirror the real client's filesystem move so postflight paths stay
	// coherent.
	return nil
}
func (g *fakeGit) IsRepo(_ context.Context) bool { return true }

// scaffold creates a project root with one pending task.
func scaffold(t *testing.T, taskScope string) (string, string) {
	t.Helper()
	root := t.TempDir()
	write := func(rel, content string) {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write(".ai/AGENTS.md", "# Demo project\n")
	task := `---
id: "001"
title: Demo task
type: feature
` + taskScope + `---

## Goal

Make it work.

## Requirements

- do the thing

## Definition of Done

- it works
`
	taskPath := filepath.Join(root, ".ai", "tasks", "pending", "001-demo.md")
	write(".ai/tasks/pending/001-demo.md", task)
	return root, taskPath
}

const scopeSrcOnly = `scope:
  allowed:
    - src/**
  forbidden:
    - .env*
`

func testConfig() *config.Config {
	autoCommit := true
	cfg := &config.Config{
		Provider:         config.ProviderConfig{Type: config.ProviderSubprocessClaude},
		ScopeEnforcement: config.ScopeStrict,
		AutoCommit:       &autoCommit,
		CommitPrefix:     "aidf",
	}
	cfg.Execution.MaxIterations = 5
	cfg.Execution.MaxConsecutiveFailures = 3
	cfg.Execution.IterationTimeoutMs = 60000
	cfg.RateLimit.MaxRetries = 5
	cfg.RateLimit.BaseDelayMs = 1
	cfg.RateLimit.MaxDelayMs = 10
	cfg.RateLimit.DedupWindowMs = 60000
	cfg.Validation.CommandTimeoutMs = 60000
	cfg.Secrets.Mode = config.SecretsWarn
	return cfg
}

func newExecutor(t *testing.T, cfg *config.Config, root string, prov provider.Provider, git *fakeGit, opts Options) *Executor {
	t.Helper()
	deps := Deps{
		Git: git,
		NewProvider: func(_ context.Context, _ *config.Config, _ provider.FactoryDeps) (provider.Provider, error) {
			return prov, nil
		},
	}
	return New(cfg, root, opts, deps)
}

func changed(path string) []scope.FileChange {
	return []scope.FileChange{{Path: path, Kind: scope.KindCreated}}
}

func TestHappyPathSingleTask(t *testing.T) {
	cfg := testConfig()
	cfg.Validation.PreCommit = []string{"echo ok"}
	root, taskPath := scaffold(t, scopeSrcOnly)
	git := &fakeGit{}
	prov := &fakeProvider{steps: []step{
		{result: &provider.ExecutionResult{
			Output:       "done\n<TASK_COMPLETE>",
			FilesChanged: changed("src/new.ts"),
			TokenUsage:   &provider.TokenUsage{InputTokens: 100, OutputTokens: 50, Estimated: true},
		}},
	}}

	e := newExecutor(t, cfg, root, prov, git, Options{})
	result, err := e.Run(context.Background(), taskPath)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Errorf("status = %s", result.Status)
	}
	if result.Iteration != 1 {
		t.Errorf("iteration = %d, want 1", result.Iteration)
	}
	if len(result.FilesModified) != 1 || result.FilesModified[0] != "src/new.ts" {
		t.Errorf("filesModified = %v", result.FilesModified)
	}
	if len(git.commits) != 1 || !strings.HasPrefix(git.commits[0], "aidf:") {
		t.Errorf("commits = %v, want one aidf-prefixed commit", git.commits)
	}
	if len(git.moved) != 1 || !strings.Contains(git.moved[0][1], filepath.Join("tasks", "completed")) {
		t.Errorf("moved = %v, want relocation to completed/", git.moved)
	}
	if result.TerminationReason != TerminationCompleted {
		t.Errorf("termination = %s", result.TerminationReason)
	}
	if result.Report == nil || result.Report.Status != "completed" {
		t.Error("report missing or wrong status")
	}
}

func TestScopeViolationThenRecovery(t *testing.T) {
	cfg := testConfig()
	root, taskPath := scaffold(t, `scope:
  allowed:
    - src/**
  forbidden:
    - config/**
`)
	git := &fakeGit{}
	prov := &fakeProvider{steps: []step{
		{result: &provider.ExecutionResult{
			Output:       "touched the wrong file",
			FilesChanged: changed("config/secret.ts"),
		}},
		{result: &provider.ExecutionResult{
			Output:       "fixed\n<TASK_COMPLETE>",
			FilesChanged: changed("src/ok.ts"),
		}},
	}}

	e := newExecutor(t, cfg, root, prov, git, Options{})
	result, err := e.Run(context.Background(), taskPath)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Fatalf("status = %s", result.Status)
	}
	if len(git.reverted) != 1 || git.reverted[0].Path != "config/secret.ts" {
		t.Errorf("reverted = %v", git.reverted)
	}
	if len(result.FilesModified) != 1 || result.FilesModified[0] != "src/ok.ts" {
		t.Errorf("filesModified = %v", result.FilesModified)
	}
	for _, staged := range git.staged {
		for _, p := range staged {
			if strings.HasPrefix(p, "config/") {
				t.Errorf("file under config/ was staged: %v", staged)
			}
		}
	}
}

func TestValidationFailureLoopBlocks(t *testing.T) {
	cfg := testConfig()
	cfg.Validation.PreCommit = []string{"exit 1"}
	root, taskPath := scaffold(t, scopeSrcOnly)
	git := &fakeGit{}

	// Provider always signals complete.
	steps := make([]step, 6)
	for i := range steps {
		steps[i] = step{result: &provider.ExecutionResult{
			Output:       "done\n<TASK_COMPLETE>",
			FilesChanged: changed("src/a.ts"),
		}}
	}
	prov := &fakeProvider{steps: steps}

	e := newExecutor(t, cfg, root, prov, git, Options{})
	result, err := e.Run(context.Background(), taskPath)
	if err == nil {
		t.Fatal("expected a terminal error")
	}
	if result.Status != StatusBlocked {
		t.Errorf("status = %s, want blocked", result.Status)
	}
	if result.ErrorCategory != "validation" {
		t.Errorf("errorCategory = %s, want validation", result.ErrorCategory)
	}
	if len(git.moved) != 1 || !strings.Contains(git.moved[0][1], filepath.Join("tasks", "blocked")) {
		t.Errorf("moved = %v, want relocation to blocked/", git.moved)
	}

	// Breadcrumb with the last output lands in the task file.
	data, readErr := os.ReadFile(taskPath)
	if readErr != nil {
		t.Fatal(readErr)
	}
	if !strings.Contains(string(data), "Blocked breadcrumb:") {
		t.Error("task file missing breadcrumb")
	}
	if prov.calls != cfg.Execution.MaxConsecutiveFailures {
		t.Errorf("provider calls = %d, want %d", prov.calls, cfg.Execution.MaxConsecutiveFailures)
	}
}

func TestRateLimitDoesNotCountAsFailure(t *testing.T) {
	old := rateLimitCooldown
	rateLimitCooldown = time.Millisecond
	defer func() { rateLimitCooldown = old }()

	cfg := testConfig()
	root, taskPath := scaffold(t, scopeSrcOnly)
	git := &fakeGit{}
	prov := &fakeProvider{steps: []step{
		{err: aidferr.New(aidferr.CategoryProvider, aidferr.CodeProviderRateLimit, "429")},
		{err: aidferr.New(aidferr.CategoryProvider, aidferr.CodeProviderRateLimit, "429")},
		{result: &provider.ExecutionResult{Output: "ok\n<TASK_COMPLETE>"}},
	}}

	e := newExecutor(t, cfg, root, prov, git, Options{})
	result, err := e.Run(context.Background(), taskPath)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Errorf("status = %s", result.Status)
	}
	if e.State().ConsecutiveFailures != 0 {
		t.Errorf("consecutiveFailures = %d, want 0 (rate limits don't count)", e.State().ConsecutiveFailures)
	}
}

func TestProviderNotAvailableAborts(t *testing.T) {
	cfg := testConfig()
	root, taskPath := scaffold(t, scopeSrcOnly)
	git := &fakeGit{}
	prov := &fakeProvider{steps: []step{
		{err: aidferr.New(aidferr.CategoryProvider, aidferr.CodeProviderNotAvailable, "binary missing")},
	}}

	e := newExecutor(t, cfg, root, prov, git, Options{})
	result, err := e.Run(context.Background(), taskPath)
	if err == nil {
		t.Fatal("expected abort")
	}
	if result.Status != StatusFailed {
		t.Errorf("status = %s", result.Status)
	}
	if result.ErrorCode != "NOT_AVAILABLE" {
		t.Errorf("errorCode = %s", result.ErrorCode)
	}
	if prov.calls != 1 {
		t.Errorf("calls = %d, want fail-fast 1", prov.calls)
	}
}

func TestCrashRetriesThenFails(t *testing.T) {
	cfg := testConfig()
	root, taskPath := scaffold(t, scopeSrcOnly)
	git := &fakeGit{}
	crash := step{err: aidferr.New(aidferr.CategoryProvider, aidferr.CodeProviderCrash, "exit 137")}
	prov := &fakeProvider{steps: []step{crash, crash, crash, crash}}

	e := newExecutor(t, cfg, root, prov, git, Options{})
	result, err := e.Run(context.Background(), taskPath)
	if err == nil {
		t.Fatal("expected failure after max consecutive failures")
	}
	if result.Status != StatusFailed {
		t.Errorf("status = %s", result.Status)
	}
	if result.TerminationReason != TerminationMaxFailures {
		t.Errorf("termination = %s", result.TerminationReason)
	}
	if prov.calls != 3 {
		t.Errorf("calls = %d, want max_consecutive_failures (3)", prov.calls)
	}
}

func TestUserDeniedAborts(t *testing.T) {
	cfg := testConfig()
	root, taskPath := scaffold(t, `scope:
  allowed:
    - src/**
  ask_before:
    - docs/**
`)
	git := &fakeGit{}
	prov := &fakeProvider{steps: []step{
		{result: &provider.ExecutionResult{
			Output:       "edited docs",
			FilesChanged: changed("docs/readme.md"),
		}},
	}}

	e := newExecutor(t, cfg, root, prov, git, Options{
		OnAskUser: func([]string) bool { return false },
	})
	result, err := e.Run(context.Background(), taskPath)
	if err == nil {
		t.Fatal("expected USER_DENIED abort")
	}
	if result.ErrorCode != "USER_DENIED" {
		t.Errorf("errorCode = %s", result.ErrorCode)
	}
	if result.Status != StatusFailed {
		t.Errorf("status = %s", result.Status)
	}
}

func TestAskUserApprovalContinues(t *testing.T) {
	cfg := testConfig()
	root, taskPath := scaffold(t, `scope:
  allowed:
    - src/**
  ask_before:
    - docs/**
`)
	git := &fakeGit{}
	prov := &fakeProvider{steps: []step{
		{result: &provider.ExecutionResult{
			Output:       "edited docs\n<TASK_COMPLETE>",
			FilesChanged: changed("docs/readme.md"),
		}},
	}}

	asked := false
	e := newExecutor(t, cfg, root, prov, git, Options{
		OnAskUser: func(paths []string) bool {
			asked = true
			return true
		},
	})
	result, err := e.Run(context.Background(), taskPath)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !asked {
		t.Error("OnAskUser was not consulted")
	}
	if result.Status != StatusCompleted {
		t.Errorf("status = %s", result.Status)
	}
}

func TestTokenBudgetBlocks(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.TokenBudget = 100
	root, taskPath := scaffold(t, scopeSrcOnly)
	git := &fakeGit{}
	prov := &fakeProvider{steps: []step{
		{result: &provider.ExecutionResult{
			Output:     "working",
			TokenUsage: &provider.TokenUsage{InputTokens: 80, OutputTokens: 40},
		}},
	}}

	e := newExecutor(t, cfg, root, prov, git, Options{})
	result, err := e.Run(context.Background(), taskPath)
	if err == nil {
		t.Fatal("expected budget error")
	}
	if result.Status != StatusBlocked {
		t.Errorf("status = %s", result.Status)
	}
	if result.TerminationReason != TerminationBudgetExceeded {
		t.Errorf("termination = %s", result.TerminationReason)
	}
	if !strings.Contains(e.State().BlockedReason, "120/100") {
		t.Errorf("blocked reason = %q, want consumed/max", e.State().BlockedReason)
	}
}

func TestDryRunSinglePass(t *testing.T) {
	cfg := testConfig()
	root, taskPath := scaffold(t, scopeSrcOnly)
	git := &fakeGit{}
	prov := &fakeProvider{steps: []step{
		{result: &provider.ExecutionResult{Output: "analysis only"}},
	}}

	e := newExecutor(t, cfg, root, prov, git, Options{DryRun: true})
	result, err := e.Run(context.Background(), taskPath)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if prov.calls != 1 {
		t.Errorf("calls = %d, want exactly one pass", prov.calls)
	}
	if result.TerminationReason != TerminationDryRun {
		t.Errorf("termination = %s", result.TerminationReason)
	}
	if len(git.commits) != 0 {
		t.Errorf("dry run must not commit, got %v", git.commits)
	}
	if len(git.moved) != 0 {
		t.Errorf("dry run must not move the task file, got %v", git.moved)
	}
}

func TestSignalWithScopeViolationInvalidated(t *testing.T) {
	cfg := testConfig()
	root, taskPath := scaffold(t, `scope:
  allowed:
    - src/**
  forbidden:
    - config/**
`)
	git := &fakeGit{}
	prov := &fakeProvider{steps: []step{
		{result: &provider.ExecutionResult{
			Output:       "done\n<TASK_COMPLETE>",
			FilesChanged: changed("config/creds.ts"),
		}},
		{result: &provider.ExecutionResult{
			Output:       "done right\n<TASK_COMPLETE>",
			FilesChanged: changed("src/ok.ts"),
		}},
	}}

	e := newExecutor(t, cfg, root, prov, git, Options{})
	result, err := e.Run(context.Background(), taskPath)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// The first completion signal must not have terminated the loop.
	if prov.calls != 2 {
		t.Errorf("calls = %d, want signal invalidated and loop continued", prov.calls)
	}
	if result.Status != StatusCompleted {
		t.Errorf("status = %s", result.Status)
	}
}

func TestResumeRestoresBreadcrumb(t *testing.T) {
	cfg := testConfig()
	root, taskPath := scaffold(t, scopeSrcOnly)

	// Append a blocked status section with a breadcrumb.
	crumb := Breadcrumb{Iteration: 4, FilesModified: []string{"src/partial.ts"}, Reason: "stuck"}
	f, err := os.OpenFile(taskPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("\n## Status: BLOCKED\n- Blocked breadcrumb: " + crumb.Encode() + "\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	git := &fakeGit{}
	prov := &fakeProvider{steps: []step{
		{result: &provider.ExecutionResult{Output: "finishing\n<TASK_COMPLETE>"}},
	}}

	e := newExecutor(t, cfg, root, prov, git, Options{Resume: true})
	result, err := e.Run(context.Background(), taskPath)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Iteration != 5 {
		t.Errorf("iteration = %d, want restored 4 + 1", result.Iteration)
	}
	found := false
	for _, p := range result.FilesModified {
		if p == "src/partial.ts" {
			found = true
		}
	}
	if !found {
		t.Errorf("restored files missing: %v", result.FilesModified)
	}
}

func TestResumeNotBlockedFails(t *testing.T) {
	cfg := testConfig()
	root, taskPath := scaffold(t, scopeSrcOnly)
	git := &fakeGit{}
	prov := &fakeProvider{}

	e := newExecutor(t, cfg, root, prov, git, Options{Resume: true})
	_, err := e.Run(context.Background(), taskPath)
	ae, ok := aidferr.As(err)
	if !ok || ae.Category != aidferr.CategoryConfig {
		t.Fatalf("want config error for resume of non-blocked task, got %v", err)
	}
}

func TestCommitFailureWarnsButContinues(t *testing.T) {
	cfg := testConfig()
	root, taskPath := scaffold(t, scopeSrcOnly)
	git := &fakeGit{commitErr: aidferr.New(aidferr.CategoryGit, aidferr.CodeGitCommitFailed, "hook rejected")}
	prov := &fakeProvider{steps: []step{
		{result: &provider.ExecutionResult{
			Output:       "done\n<TASK_COMPLETE>",
			FilesChanged: changed("src/a.ts"),
		}},
	}}

	e := newExecutor(t, cfg, root, prov, git, Options{})
	result, err := e.Run(context.Background(), taskPath)
	if err != nil {
		t.Fatalf("commit failure must not fail the run: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Errorf("status = %s", result.Status)
	}
}

func TestNotificationOnFailure(t *testing.T) {
	cfg := testConfig()
	root, taskPath := scaffold(t, scopeSrcOnly)
	git := &fakeGit{}
	prov := &fakeProvider{steps: []step{
		{err: aidferr.New(aidferr.CategoryProvider, aidferr.CodeProviderNotAvailable, "gone")},
	}}

	var notified *Notification
	deps := Deps{
		Git: git,
		NewProvider: func(_ context.Context, _ *config.Config, _ provider.FactoryDeps) (provider.Provider, error) {
			return prov, nil
		},
		Notify: func(n Notification) { notified = &n },
	}
	e := New(cfg, root, Options{}, deps)
	_, _ = e.Run(context.Background(), taskPath)
	if notified == nil {
		t.Fatal("no notification dispatched")
	}
	if notified.Category != "provider" || notified.Code != "NOT_AVAILABLE" {
		t.Errorf("notification = %+v", notified)
	}
}

func TestStatusSectionWritten(t *testing.T) {
	cfg := testConfig()
	root, taskPath := scaffold(t, scopeSrcOnly)
	git := &fakeGit{}
	prov := &fakeProvider{steps: []step{
		{result: &provider.ExecutionResult{
			Output:       "done\n<TASK_COMPLETE>",
			FilesChanged: changed("src/a.ts"),
			TokenUsage:   &provider.TokenUsage{InputTokens: 10, OutputTokens: 5, Estimated: true},
		}},
	}}

	e := newExecutor(t, cfg, root, prov, git, Options{})
	if _, err := e.Run(context.Background(), taskPath); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(taskPath)
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	if !strings.Contains(content, "## Status: COMPLETED") {
		t.Errorf("status section missing:\n%s", content)
	}
	if !strings.Contains(content, "- Iterations: 1") {
		t.Error("iterations line missing")
	}
	if !strings.Contains(content, "src/a.ts") {
		t.Error("files line missing")
	}
	if !strings.Contains(content, "TokenUsage:") {
		t.Error("token usage line missing")
	}
}

package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rubenmavarezb/aidf-sub001/internal/aidferr"
	"github.com/rubenmavarezb/aidf-sub001/internal/config"
	"github.com/rubenmavarezb/aidf-sub001/internal/contextloader"
	"github.com/rubenmavarezb/aidf-sub001/internal/metrics"
	"github.com/rubenmavarezb/aidf-sub001/internal/provider"
	"github.com/rubenmavarezb/aidf-sub001/internal/ratelimit"
	"github.com/rubenmavarezb/aidf-sub001/internal/scope"
	"github.com/rubenmavarezb/aidf-sub001/internal/secrets"
	"github.com/rubenmavarezb/aidf-sub001/internal/validate"
)

// GitClient is the git collaborator contract.
type GitClient interface {
	Status(ctx context.Context) ([]scope.FileChange, error)
	Revert(ctx context.Context, changes []scope.FileChange) error
	Add(ctx context.Context, paths []string) error
	Commit(ctx context.Context, message string) error
	Push(ctx context.Context) error
	MoveStaged(ctx context.Context, oldPath, newPath string) error
	IsRepo(ctx context.Context) bool
}

// Notification is dispatched on terminal failure or block.
type Notification struct {
	TaskPath string
	Status   Status
	Category string
	Code     string
	Message  string
}

// Deps is the injected collaborator bundle.
type Deps struct {
	Git          GitClient
	NewProvider  func(ctx context.Context, cfg *config.Config, deps provider.FactoryDeps) (provider.Provider, error)
	NewGuard     func(ts scope.TaskScope, mode scope.Mode) *scope.Guard
	NewValidator func(cwd string, timeout time.Duration) *validate.Runner
	Notify       func(n Notification)
}

// applyDefaults fills the factory slots with the real implementations.
func (d *Deps) applyDefaults() {
	if d.NewProvider == nil {
		d.NewProvider = provider.New
	}
	if d.NewGuard == nil {
		d.NewGuard = scope.NewGuard
	}
	if d.NewValidator == nil {
		d.NewValidator = validate.NewRunner
	}
	if d.Notify == nil {
		d.Notify = func(Notification) {}
	}
}

// Options tunes one Run invocation.
type Options struct {
	Resume            bool
	DryRun            bool
	RoleOverride      string
	PreviousSummaries []string
	// OnAskUser resolves ASK_USER scope decisions. Nil denies.
	OnAskUser func(paths []string) bool
	// OnFilesChanged is invoked with newly-claimed paths after each
	// iteration's scope check. A non-nil return cancels the task: its
	// uncommitted work is reverted and the error surfaces to the caller.
	// The parallel scheduler uses this for runtime conflict detection.
	OnFilesChanged func(paths []string) error
}

// Executor runs one task. It owns its State; nothing else mutates it.
type Executor struct {
	cfg  *config.Config
	root string
	opts Options
	deps Deps

	state     *State
	collector *metrics.Collector
	budget    *ratelimit.TokenBudget

	mu     sync.Mutex
	paused bool
}

// New creates an Executor for one task run.
func New(cfg *config.Config, root string, opts Options, deps Deps) *Executor {
	deps.applyDefaults()
	return &Executor{
		cfg:    cfg,
		root:   root,
		opts:   opts,
		deps:   deps,
		state:  NewState(),
		budget: ratelimit.NewTokenBudget(cfg.RateLimit.TokenBudget),
	}
}

// State returns a snapshot of the mutable state. The caller must treat it
// as read-only.
func (e *Executor) State() *State { return e.state }

// Pause requests the loop to hold before the next iteration.
func (e *Executor) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = true
	if e.state.Status == StatusRunning {
		e.state.Status = StatusPaused
	}
}

// Resume releases a paused loop.
func (e *Executor) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = false
	if e.state.Status == StatusPaused {
		e.state.Status = StatusRunning
	}
}

func (e *Executor) isPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// phaseContext is the shared bundle the three phases work over.
type phaseContext struct {
	cfg      *config.Config
	opts     Options
	state    *State
	root     string
	taskPath string

	context   *contextloader.LoadedContext
	guard     *scope.Guard
	validator *validate.Runner
	provider  provider.Provider
	scanner   *secrets.Scanner

	lastValidation *validate.Summary
}

// Run executes the task: PreFlight → execution loop → PostFlight. The
// returned Result is always populated; err reports terminal failures.
func (e *Executor) Run(ctx context.Context, taskPath string) (*Result, error) {
	e.state.Status = StatusRunning
	e.state.StartedAt = time.Now()

	pc, err := e.preFlight(ctx, taskPath)
	if err != nil {
		e.state.Status = StatusFailed
		e.state.LastError = err.Error()
		return e.failedResult(err), err
	}

	e.collector = metrics.NewCollector(metrics.Metadata{
		TaskPath: taskPath,
		TaskGoal: pc.context.Task.Goal,
		TaskType: pc.context.Task.Type,
		RoleName: pc.context.RoleName,
		Provider: e.cfg.Provider.Type,
		Model:    e.cfg.Provider.Model,
		Cwd:      e.root,
	})

	loopErr := e.executionLoop(ctx, pc)

	result := e.postFlight(ctx, pc, loopErr)
	return result, loopErr
}

// failedResult builds a minimal result for preflight failures.
func (e *Executor) failedResult(err error) *Result {
	result := &Result{
		Status:        StatusFailed,
		Iteration:     e.state.Iteration,
		FilesModified: e.state.FilesModified(),
		Duration:      time.Since(e.state.StartedAt),
		ErrorDetails:  err.Error(),
	}
	if ae, ok := aidferr.As(err); ok {
		result.ErrorCategory = string(ae.Category)
		result.ErrorCode = string(ae.Code)
	}
	return result
}

// commitMessage builds the auto-commit message.
func (e *Executor) commitMessage(task *contextloader.Task) string {
	return fmt.Sprintf("%s: %s", e.cfg.CommitPrefix, task.Title)
}

package parallel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rubenmavarezb/aidf-sub001/internal/config"
	"github.com/rubenmavarezb/aidf-sub001/internal/contextloader"
	"github.com/rubenmavarezb/aidf-sub001/internal/executor"
	"github.com/rubenmavarezb/aidf-sub001/internal/validate"
)

// defaultConcurrency caps simultaneously running executors per wave.
const defaultConcurrency = 3

// Options tunes a parallel run.
type Options struct {
	Concurrency     int
	ContinueOnError bool
	DryRun          bool
}

// TaskOutcome is one task's terminal record.
type TaskOutcome struct {
	Path      string
	Wave      int
	Result    *executor.Result
	Err       error
	Conflicts int // times this task was displaced and requeued
}

// WaveVerificationResult records inter-wave verification failures.
type WaveVerificationResult struct {
	Wave             int
	MissingFiles     []string
	ValidationErrors []string
	MissingSummaries []string
}

// Failed reports whether the wave verification found problems.
func (w *WaveVerificationResult) Failed() bool {
	return len(w.MissingFiles)+len(w.ValidationErrors)+len(w.MissingSummaries) > 0
}

// Result aggregates a parallel run.
type Result struct {
	Success            bool
	Completed          []string
	Failed             []string
	Blocked            []string
	Skipped            []string
	TotalIterations    int
	TotalFilesModified int
	FileConflicts      []string
	PerTask            []TaskOutcome
	Waves              []WaveVerificationResult
}

// taskRunner abstracts executor construction for tests.
type taskRunner interface {
	Run(ctx context.Context, taskPath string) (*executor.Result, error)
}

// Runner owns one parallel invocation: the semaphore, claim index, and
// retry queues live and die with it.
type Runner struct {
	cfg  *config.Config
	root string
	deps executor.Deps
	opts Options

	newExecutor func(cfg *config.Config, root string, opts executor.Options, deps executor.Deps) taskRunner
}

// NewRunner creates a Runner.
func NewRunner(cfg *config.Config, root string, deps executor.Deps, opts Options) *Runner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	return &Runner{
		cfg:  cfg,
		root: root,
		deps: deps,
		opts: opts,
		newExecutor: func(cfg *config.Config, root string, opts executor.Options, deps executor.Deps) taskRunner {
			return executor.New(cfg, root, opts, deps)
		},
	}
}

// RunPlan executes a plan file: unchecked entries only, graph-ordered,
// with the plan's checkboxes rewritten after each wave.
func (r *Runner) RunPlan(ctx context.Context, planPath string) (*Result, error) {
	data, err := os.ReadFile(planPath)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	plan, err := contextloader.ParsePlan(planPath, data)
	if err != nil {
		return nil, err
	}

	input := BuildInput{
		ExplicitWaves: map[string]int{},
		ExtraDeps:     map[string][]string{},
	}
	for _, entry := range plan.Entries {
		if entry.Checked {
			continue // idempotent resume: done entries are skipped
		}
		path := entry.TaskPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(r.root, config.AIDir, entry.TaskPath)
			if _, err := os.Stat(path); err != nil {
				path = filepath.Join(r.root, entry.TaskPath)
			}
		}
		input.Paths = append(input.Paths, path)
		if entry.Wave > 0 {
			input.ExplicitWaves[path] = entry.Wave
		}
		if len(entry.DependsOn) > 0 {
			input.ExtraDeps[path] = entry.DependsOn
		}
	}
	if len(input.Paths) == 0 {
		slog.Info("plan has no unchecked entries; nothing to run", "plan", planPath)
		return &Result{Success: true}, nil
	}

	return r.run(ctx, input, planPath)
}

// RunTasks executes an explicit set of task paths.
func (r *Runner) RunTasks(ctx context.Context, paths []string) (*Result, error) {
	return r.run(ctx, BuildInput{Paths: paths}, "")
}

func (r *Runner) run(ctx context.Context, input BuildInput, planPath string) (*Result, error) {
	index, err := contextloader.LoadTaskIndex(r.root)
	if err != nil {
		return nil, err
	}
	graph, err := BuildGraph(r.root, input, index)
	if err != nil {
		return nil, err
	}

	claims := NewClaimIndex()
	result := &Result{}
	conflictPaths := map[string]bool{}
	var previousSummaries []string

	waves := graph.Waves()
	halted := false
	for waveIdx, wavePaths := range waves {
		waveNum := waveIdx + 1
		if halted {
			result.Skipped = append(result.Skipped, wavePaths...)
			continue
		}
		// Skip tasks whose predecessors did not complete.
		runnable, skipped := r.partitionRunnable(graph, wavePaths, result)
		result.Skipped = append(result.Skipped, skipped...)

		slog.Info("starting wave", "wave", waveNum, "tasks", len(runnable), "skipped", len(skipped))

		outcomes := r.runWave(ctx, waveNum, runnable, claims, previousSummaries, conflictPaths)
		for _, o := range outcomes {
			result.PerTask = append(result.PerTask, o)
			r.fold(result, o)
		}

		verification := r.verifyWave(ctx, waveNum, graph, outcomes)
		result.Waves = append(result.Waves, verification)

		if planPath != "" {
			r.updatePlan(planPath, outcomes)
		}

		for _, o := range outcomes {
			if o.Result != nil && o.Result.Summary != nil && o.Result.Status == executor.StatusCompleted {
				previousSummaries = append(previousSummaries, o.Result.Summary.Render())
			}
		}

		waveFailed := verification.Failed() || len(result.Failed) > 0 || len(result.Blocked) > 0
		if waveFailed && !r.opts.ContinueOnError {
			halted = true
		}
	}

	for p := range conflictPaths {
		result.FileConflicts = append(result.FileConflicts, p)
	}
	sort.Strings(result.FileConflicts)
	result.Success = len(result.Failed) == 0 && len(result.Blocked) == 0 && len(result.Skipped) == 0
	for _, wave := range result.Waves {
		if wave.Failed() {
			result.Success = false
		}
	}
	return result, nil
}

// partitionRunnable drops tasks whose in-run predecessors did not
// complete.
func (r *Runner) partitionRunnable(graph *Graph, wavePaths []string, sofar *Result) (runnable, skipped []string) {
	completed := map[string]bool{}
	for _, p := range sofar.Completed {
		completed[p] = true
	}
	terminated := map[string]bool{}
	for _, o := range sofar.PerTask {
		terminated[o.Path] = true
	}

	for _, path := range wavePaths {
		ok := true
		for _, pred := range graph.Node(path).Preds() {
			if terminated[pred] && !completed[pred] {
				ok = false
				break
			}
		}
		if ok {
			runnable = append(runnable, path)
		} else {
			skipped = append(skipped, path)
		}
	}
	return runnable, skipped
}

// runWave admits tasks under the semaphore, detects runtime conflicts,
// and serially re-runs displaced tasks after the wave's main barrier.
func (r *Runner) runWave(ctx context.Context, wave int, paths []string, claims *ClaimIndex,
	previousSummaries []string, conflictPaths map[string]bool) []TaskOutcome {

	sem := make(chan struct{}, r.opts.Concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	outcomes := map[string]TaskOutcome{}
	var retryQueue []string

	for _, path := range paths {
		wg.Add(1)
		go func(taskPath string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			outcome := r.runOne(ctx, wave, taskPath, claims, previousSummaries)

			mu.Lock()
			defer mu.Unlock()
			var conflict *ErrConflict
			if outcome.Err != nil && errors.As(outcome.Err, &conflict) {
				conflictPaths[conflict.Path] = true
				retryQueue = append(retryQueue, taskPath)
				claims.Release(taskPath)
				return // outcome recorded after the retry
			}
			outcomes[taskPath] = outcome
		}(path)
	}
	wg.Wait()

	// Retry queue: displaced tasks re-run serialized, after their
	// conflicting winners have terminated and released their claims.
	sort.Strings(retryQueue)
	for _, taskPath := range retryQueue {
		slog.Info("re-running task displaced by runtime conflict", "task", taskPath, "wave", wave)
		outcome := r.runOne(ctx, wave, taskPath, claims, previousSummaries)
		outcome.Conflicts = 1
		outcomes[taskPath] = outcome
	}

	ordered := make([]TaskOutcome, 0, len(outcomes))
	for _, path := range paths {
		if o, ok := outcomes[path]; ok {
			ordered = append(ordered, o)
		}
	}
	return ordered
}

// runOne executes a single task with a fresh executor wired to the claim
// index.
func (r *Runner) runOne(ctx context.Context, wave int, taskPath string, claims *ClaimIndex,
	previousSummaries []string) TaskOutcome {

	opts := executor.Options{
		DryRun:            r.opts.DryRun,
		PreviousSummaries: previousSummaries,
		OnFilesChanged: func(paths []string) error {
			return claims.Claim(taskPath, paths)
		},
	}
	exec := r.newExecutor(r.cfg, r.root, opts, r.deps)
	res, err := exec.Run(ctx, taskPath)
	claims.Release(taskPath)

	if res != nil && res.Summary != nil && res.Status == executor.StatusCompleted {
		r.writeSummary(taskPath, res)
	}
	return TaskOutcome{Path: taskPath, Wave: wave, Result: res, Err: err}
}

// writeSummary persists the task summary for later waves and invocations.
func (r *Runner) writeSummary(taskPath string, res *executor.Result) {
	dir := config.SummariesPath(r.root)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("cannot create summaries dir", "error", err)
		return
	}
	name := strings.TrimSuffix(filepath.Base(taskPath), ".md") + ".summary.md"
	if err := os.WriteFile(filepath.Join(dir, name), []byte(res.Summary.Render()), 0o644); err != nil {
		slog.Warn("cannot write task summary", "error", err)
	}
}

// verifyWave checks declared creates exist, re-runs validation on the
// aggregate change, and requires a summary from each completed task.
func (r *Runner) verifyWave(ctx context.Context, wave int, graph *Graph, outcomes []TaskOutcome) WaveVerificationResult {
	verification := WaveVerificationResult{Wave: wave}

	anyCompleted := false
	for _, o := range outcomes {
		if o.Result == nil || o.Result.Status != executor.StatusCompleted {
			continue
		}
		anyCompleted = true
		node := graph.Node(o.Path)
		for _, created := range node.Task.Creates {
			if _, err := os.Stat(filepath.Join(r.root, created)); err != nil {
				verification.MissingFiles = append(verification.MissingFiles,
					fmt.Sprintf("%s (declared by %s)", created, taskName(node)))
			}
		}
		if o.Result.Summary == nil {
			verification.MissingSummaries = append(verification.MissingSummaries, taskName(node))
		}
	}

	if anyCompleted && len(r.cfg.Validation.PreCommit) > 0 && !r.opts.DryRun {
		runner := validate.NewRunner(r.root, r.cfg.Validation.CommandTimeout())
		summary, err := runner.Run(ctx, validate.PhasePreCommit, r.cfg.Validation.PreCommit)
		if err != nil {
			verification.ValidationErrors = append(verification.ValidationErrors, err.Error())
		} else if !summary.Passed {
			verification.ValidationErrors = append(verification.ValidationErrors, summary.FirstFailure.Error())
		}
	}

	if verification.Failed() {
		slog.Warn("wave verification failed",
			"wave", wave,
			"missing_files", len(verification.MissingFiles),
			"validation_errors", len(verification.ValidationErrors),
			"missing_summaries", len(verification.MissingSummaries),
		)
	}
	return verification
}

// updatePlan rewrites completed entries' checkboxes in place.
func (r *Runner) updatePlan(planPath string, outcomes []TaskOutcome) {
	data, err := os.ReadFile(planPath)
	if err != nil {
		slog.Warn("cannot update plan", "error", err)
		return
	}
	content := string(data)
	changed := false
	for _, o := range outcomes {
		if o.Result == nil || o.Result.Status != executor.StatusCompleted {
			continue
		}
		// Entries reference paths relative to .ai/ or the root; try both.
		for _, candidate := range planEntryCandidates(r.root, o.Path) {
			if updated, ok := contextloader.MarkCompleted(content, candidate); ok {
				content = updated
				changed = true
				break
			}
		}
	}
	if changed {
		if err := os.WriteFile(planPath, []byte(content), 0o644); err != nil {
			slog.Warn("cannot write updated plan", "error", err)
		}
	}
}

// planEntryCandidates lists the path spellings a plan entry may use.
func planEntryCandidates(root, taskPath string) []string {
	candidates := []string{taskPath}
	if rel, err := filepath.Rel(root, taskPath); err == nil {
		candidates = append(candidates, rel)
	}
	if rel, err := filepath.Rel(filepath.Join(root, config.AIDir), taskPath); err == nil {
		candidates = append(candidates, rel)
	}
	return candidates
}

// fold tallies one outcome into the aggregate result.
func (r *Runner) fold(result *Result, o TaskOutcome) {
	if o.Result != nil {
		result.TotalIterations += o.Result.Iteration
		result.TotalFilesModified += len(o.Result.FilesModified)
	}
	switch {
	case o.Result != nil && o.Result.Status == executor.StatusCompleted:
		result.Completed = append(result.Completed, o.Path)
	case o.Result != nil && o.Result.Status == executor.StatusBlocked:
		result.Blocked = append(result.Blocked, o.Path)
	default:
		result.Failed = append(result.Failed, o.Path)
	}
}

package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/rubenmavarezb/aidf-sub001/internal/aidferr"
	"github.com/rubenmavarezb/aidf-sub001/internal/config"
	"github.com/rubenmavarezb/aidf-sub001/internal/metrics"
	"github.com/rubenmavarezb/aidf-sub001/internal/provider"
	"github.com/rubenmavarezb/aidf-sub001/internal/scope"
	"github.com/rubenmavarezb/aidf-sub001/internal/secrets"
	"github.com/rubenmavarezb/aidf-sub001/internal/validate"
)

// rateLimitCooldown is the short wait after a provider rate limit before
// the loop continues. Rate limits never count as failures.
var rateLimitCooldown = 5 * time.Second

// executionLoop drives provider iterations until completion, block, or a
// terminal condition. Errors it returns are the surfaced-to-caller class.
func (e *Executor) executionLoop(ctx context.Context, pc *phaseContext) error {
	maxIter := e.cfg.Execution.MaxIterations
	maxFailures := e.cfg.Execution.MaxConsecutiveFailures

	for e.state.Status == StatusRunning || e.state.Status == StatusPaused {
		if err := e.waitWhilePaused(ctx); err != nil {
			return err
		}
		if e.state.Iteration >= maxIter && !(e.opts.DryRun && e.state.Iteration == 0) {
			e.state.TerminationReason = TerminationMaxIterations
			e.state.Status = StatusFailed
			e.state.LastError = fmt.Sprintf("no completion signal after %d iterations", maxIter)
			return aidferr.New(aidferr.CategoryTimeout, aidferr.CodeOperationTimeout, e.state.LastError)
		}
		if e.state.ConsecutiveFailures >= maxFailures {
			return e.exitOnMaxFailures(pc)
		}

		e.state.Iteration++
		iterStart := time.Now()

		result, err := e.callProvider(ctx, pc)
		if err != nil {
			cont, terminalErr := e.dispatchProviderError(err)
			e.collector.RecordIteration(metrics.IterationRecord{
				Iteration: e.state.Iteration,
				Error:     err.Error(),
				Duration:  time.Since(iterStart),
			})
			if !cont {
				return terminalErr
			}
			continue
		}

		e.recordUsage(result)
		if e.budget.IsExceeded() {
			e.state.Status = StatusBlocked
			e.state.TerminationReason = TerminationBudgetExceeded
			e.state.BlockedReason = fmt.Sprintf("token budget exceeded: %d/%d", e.budget.Consumed(), e.budget.Max())
			slog.Warn("token budget exceeded", "consumed", e.budget.Consumed(), "max", e.budget.Max())
			return aidferr.New(aidferr.CategoryProvider, aidferr.CodeProviderRateLimit, e.state.BlockedReason)
		}

		output, secretFailure := e.applySecretPolicy(pc, result)
		if secretFailure {
			e.state.ConsecutiveFailures++
			continue
		}
		result.Output = output
		e.state.LastOutput = output

		signal := result.Signal
		if signal == nil {
			signal = provider.ParseSignal(result.Output)
		}

		signalValid, cont, scopeErr := e.enforceScope(ctx, pc, result, signal != nil)
		if scopeErr != nil {
			return scopeErr
		}
		if !cont {
			continue
		}
		if !signalValid {
			signal = nil
		}

		e.collector.RecordIteration(metrics.IterationRecord{
			Iteration: e.state.Iteration,
			Success:   true,
			Signal:    signalKind(signal),
			Duration:  time.Since(iterStart),
		})

		if signal != nil && signal.Kind == provider.SignalBlocked {
			e.state.Status = StatusBlocked
			e.state.TerminationReason = TerminationBlocked
			e.state.BlockedReason = signal.Reason
			return nil
		}

		if signal != nil && signal.Kind == provider.SignalComplete {
			passed, err := e.runPreCommitValidation(ctx, pc)
			if err != nil {
				return err
			}
			if !passed {
				// Completion demoted to pending; the failure output feeds
				// the next iteration's prompt.
				e.state.ConsecutiveFailures++
				continue
			}
			e.autoCommit(ctx, pc)
			e.state.Status = StatusCompleted
			e.state.TerminationReason = TerminationCompleted
			e.state.ConsecutiveFailures = 0
			return nil
		}

		// Productive but unfinished iteration.
		e.state.ConsecutiveFailures = 0
		e.autoCommit(ctx, pc)

		if e.opts.DryRun {
			e.state.Status = StatusCompleted
			e.state.TerminationReason = TerminationDryRun
			return nil
		}

		e.iterationCooldown(ctx)
	}
	return nil
}

// waitWhilePaused holds the loop while Pause is in effect.
func (e *Executor) waitWhilePaused(ctx context.Context) error {
	for e.isPaused() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return nil
}

// callProvider performs one provider call with the iteration prompt.
func (e *Executor) callProvider(ctx context.Context, pc *phaseContext) (*provider.ExecutionResult, error) {
	continuation := e.state.Iteration > 1 &&
		e.cfg.Execution.IsSessionContinuation() &&
		e.state.ConversationState != nil

	var prompt string
	if continuation {
		prompt = buildContinuationPrompt(pc.lastValidation)
	} else {
		prompt = buildInitialPrompt(pc.context)
		if pc.lastValidation != nil {
			prompt += "\n\n" + buildContinuationPrompt(pc.lastValidation)
		}
	}
	pc.lastValidation = nil

	e.collector.StartPhase(metrics.PhaseAIExecution)
	defer e.collector.EndPhase(metrics.PhaseAIExecution)

	result, err := pc.provider.Execute(ctx, prompt, provider.Options{
		Timeout:           e.cfg.Execution.IterationTimeout(),
		Model:             e.cfg.Provider.Model,
		ConversationState: e.state.ConversationState,
		Continuation:      continuation,
	})
	if err != nil {
		return nil, err
	}
	if result.ConversationState != nil {
		e.state.ConversationState = result.ConversationState
	}
	return result, nil
}

// dispatchProviderError applies the (category, code) reaction table.
// Returns cont=true when the loop should continue.
func (e *Executor) dispatchProviderError(err error) (cont bool, terminal error) {
	ae, ok := aidferr.As(err)
	if !ok {
		e.state.Status = StatusFailed
		e.state.LastError = err.Error()
		return false, err
	}
	e.state.LastError = ae.Error()
	e.collector.RecordError(string(ae.Category), string(ae.Code), ae.Message)

	switch ae.Category {
	case aidferr.CategoryProvider:
		switch ae.Code {
		case aidferr.CodeProviderNotAvailable:
			e.state.Status = StatusFailed
			return false, err
		case aidferr.CodeProviderRateLimit:
			slog.Info("provider rate limited, cooling down", "wait", rateLimitCooldown)
			time.Sleep(rateLimitCooldown)
			return true, nil // not counted as a failure
		default: // CRASH, API_ERROR
			if ae.Retryable {
				e.state.ConsecutiveFailures++
				return true, nil
			}
			e.state.Status = StatusFailed
			return false, err
		}
	case aidferr.CategoryTimeout:
		e.state.ConsecutiveFailures++
		return true, nil
	case aidferr.CategoryGit:
		if ae.Code == aidferr.CodeGitRevertFailed {
			e.state.Status = StatusFailed
			return false, err
		}
		e.state.ConsecutiveFailures++
		return true, nil
	case aidferr.CategoryPermission, aidferr.CategoryConfig:
		e.state.Status = StatusFailed
		return false, err
	default:
		e.state.Status = StatusFailed
		return false, err
	}
}

// recordUsage accounts tokens in state, budget, and metrics.
func (e *Executor) recordUsage(result *provider.ExecutionResult) {
	if result.TokenUsage == nil {
		return
	}
	u := result.TokenUsage
	e.state.TokenInput += u.InputTokens
	e.state.TokenOutput += u.OutputTokens
	e.state.Estimated = e.state.Estimated || u.Estimated
	e.budget.Record(u.InputTokens, u.OutputTokens)
	e.collector.RecordTokenUsage(metrics.TokenRecord{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		CacheRead:    u.CacheRead,
		CacheWrite:   u.CacheWrite,
		Estimated:    u.Estimated,
	})
}

// applySecretPolicy handles secrets in provider output per the configured
// mode. Returns the (possibly redacted) output and whether the iteration
// must be treated as a failure.
func (e *Executor) applySecretPolicy(pc *phaseContext, result *provider.ExecutionResult) (string, bool) {
	findings := pc.scanner.Scan(result.Output)
	if len(findings) == 0 {
		return result.Output, false
	}
	switch pc.scanner.Mode {
	case config.SecretsBlock:
		slog.Error("provider output contains secrets; treating iteration as failed",
			"findings", secrets.Describe(findings))
		e.state.LastError = "provider output contained secrets"
		return result.Output, true
	case config.SecretsRedact:
		return pc.scanner.Redact(result.Output), false
	default:
		slog.Warn("provider output contains possible secrets", "findings", secrets.Describe(findings))
		return result.Output, false
	}
}

// enforceScope applies the scope guard to the iteration's file changes.
// Returns signalValid (a completion signal may be invalidated by a
// violation), cont=false when the loop should skip to the next iteration,
// and a terminal error for USER_DENIED and failed reverts.
func (e *Executor) enforceScope(ctx context.Context, pc *phaseContext, result *provider.ExecutionResult, hasSignal bool) (signalValid, cont bool, terminal error) {
	e.collector.StartPhase(metrics.PhaseScopeChecking)
	defer e.collector.EndPhase(metrics.PhaseScopeChecking)

	changes := result.FilesChanged
	if len(changes) == 0 {
		return true, true, nil
	}

	decision := pc.guard.Check(changes)
	switch decision.Verdict {
	case scope.VerdictAllow:
		e.state.AddFiles(changes)
		for _, ch := range changes {
			e.collector.RecordFileChange(ch.Path)
		}
		if err := e.claimPaths(ctx, changes); err != nil {
			return false, false, err
		}
		return true, true, nil

	case scope.VerdictAskUser:
		e.collector.RecordScopeViolation(metrics.ScopeViolationRecord{Verdict: "ASK_USER", Files: decision.Files})
		if e.opts.OnAskUser != nil && e.opts.OnAskUser(decision.Files) {
			pc.guard.Approve(decision.Files)
			e.state.AddFiles(changes)
			for _, ch := range changes {
				e.collector.RecordFileChange(ch.Path)
			}
			if err := e.claimPaths(ctx, changes); err != nil {
				return false, false, err
			}
			return true, true, nil
		}
		e.state.Status = StatusFailed
		err := aidferr.New(aidferr.CategoryScope, aidferr.CodeScopeUserDenied,
			fmt.Sprintf("user denied changes to %v", decision.Files))
		e.state.LastError = err.Error()
		return false, false, err

	default: // BLOCK
		e.collector.RecordScopeViolation(metrics.ScopeViolationRecord{Verdict: "BLOCK", Files: decision.Files})
		toRevert := pc.guard.ChangesToRevert(changes)

		e.collector.StartPhase(metrics.PhaseGitOperations)
		revertErr := e.deps.Git.Revert(ctx, toRevert)
		e.collector.EndPhase(metrics.PhaseGitOperations)
		if revertErr != nil {
			e.state.Status = StatusFailed
			e.state.LastError = revertErr.Error()
			return false, false, revertErr
		}

		// Keep the in-scope remainder.
		reverted := make(map[string]bool, len(toRevert))
		for _, ch := range toRevert {
			reverted[ch.Path] = true
		}
		var kept []scope.FileChange
		for _, ch := range changes {
			if !reverted[ch.Path] {
				kept = append(kept, ch)
			}
		}
		e.state.AddFiles(kept)
		e.state.RemoveFiles(toRevert)
		for _, ch := range kept {
			e.collector.RecordFileChange(ch.Path)
		}

		e.state.ConsecutiveFailures++
		e.state.LastError = decision.Err.Error()
		slog.Warn("scope violation reverted",
			"files", decision.Files,
			"code", decision.Err.Code,
		)

		if hasSignal && e.cfg.AllowCompletionDespiteScopeViolation {
			// Operator opted in: the signal stands even though offending
			// files were reverted.
			return true, true, nil
		}
		// Skip the rest of this iteration; the failure counter already
		// advanced.
		return false, false, nil
	}
}

// claimPaths reports newly-observed paths to the parallel scheduler's
// claim hook. A refused claim cancels the task: uncommitted work is
// reverted before the error surfaces.
func (e *Executor) claimPaths(ctx context.Context, changes []scope.FileChange) error {
	if e.opts.OnFilesChanged == nil {
		return nil
	}
	paths := make([]string, 0, len(changes))
	for _, ch := range changes {
		paths = append(paths, ch.Path)
	}
	if err := e.opts.OnFilesChanged(paths); err != nil {
		if revertErr := e.deps.Git.Revert(ctx, e.state.FileChanges()); revertErr != nil {
			slog.Warn("revert after cancellation failed", "error", revertErr)
		}
		e.state.RemoveFiles(e.state.FileChanges())
		e.state.Status = StatusFailed
		e.state.Cancelled = true
		e.state.LastError = err.Error()
		return err
	}
	return nil
}

// runPreCommitValidation runs the pre-commit phase after a completion
// signal. A failing phase stores the summary for the next prompt.
func (e *Executor) runPreCommitValidation(ctx context.Context, pc *phaseContext) (bool, error) {
	commands := e.cfg.Validation.PreCommit
	if len(commands) == 0 {
		return true, nil
	}

	e.collector.StartPhase(metrics.PhaseValidation)
	summary, err := pc.validator.Run(ctx, validate.PhasePreCommit, commands)
	e.collector.EndPhase(metrics.PhaseValidation)
	if err != nil {
		// Timeout spawning validation — counted, retried.
		e.state.ConsecutiveFailures++
		e.state.LastError = err.Error()
		return false, nil
	}

	for _, res := range summary.Results {
		e.collector.RecordValidation(metrics.ValidationRecord{
			Phase:    string(summary.Phase),
			Passed:   res.ExitCode == 0,
			Command:  res.Command,
			ExitCode: res.ExitCode,
		})
	}
	if summary.Passed {
		return true, nil
	}

	pc.lastValidation = summary
	e.state.LastError = fmt.Sprintf("%s; output: %s",
		summary.FirstFailure.Error(), summary.FirstFailure.Context["output"])
	slog.Info("pre-commit validation failed; feeding output back to the agent",
		"command", summary.FirstFailure.Context["command"])
	return false, nil
}

// autoCommit stages the scope-filtered modified files and commits. One
// retry on COMMIT_FAILED, then a warning — a missed commit never fails
// the task.
func (e *Executor) autoCommit(ctx context.Context, pc *phaseContext) {
	if !e.cfg.IsAutoCommit() || e.opts.DryRun {
		return
	}
	paths := e.state.FilesModified()
	if len(paths) == 0 {
		return
	}

	e.collector.StartPhase(metrics.PhaseGitOperations)
	defer e.collector.EndPhase(metrics.PhaseGitOperations)

	if err := e.deps.Git.Add(ctx, paths); err != nil {
		slog.Warn("staging failed, skipping commit", "error", err)
		return
	}
	message := e.commitMessage(pc.context.Task)
	if err := e.deps.Git.Commit(ctx, message); err != nil {
		if err := e.deps.Git.Commit(ctx, message); err != nil {
			slog.Warn("auto-commit failed after retry, continuing without commit", "error", err)
			e.collector.RecordError(string(aidferr.CategoryGit), string(aidferr.CodeGitCommitFailed), err.Error())
		}
	}
}

// iterationCooldown sleeps the configured cooldown plus up to 20% jitter.
func (e *Executor) iterationCooldown(ctx context.Context) {
	cooldown := e.cfg.RateLimit.Cooldown()
	if cooldown <= 0 {
		return
	}
	jittered := cooldown + time.Duration(rand.Float64()*0.2*float64(cooldown))
	select {
	case <-ctx.Done():
	case <-time.After(jittered):
	}
}

// exitOnMaxFailures classifies the terminal state when the failure counter
// trips: validation-driven loops block (resumable), everything else fails.
func (e *Executor) exitOnMaxFailures(pc *phaseContext) error {
	e.state.TerminationReason = TerminationMaxFailures
	if pc.lastValidation != nil || e.lastErrorIsValidation() {
		e.state.Status = StatusBlocked
		e.state.BlockedReason = e.state.LastError
		return aidferr.New(aidferr.CategoryValidation, aidferr.CodeValidationPreCommit,
			fmt.Sprintf("blocked after %d consecutive validation failures", e.state.ConsecutiveFailures))
	}
	e.state.Status = StatusFailed
	return aidferr.New(aidferr.CategoryProvider, aidferr.CodeProviderCrash,
		fmt.Sprintf("failed after %d consecutive failures: %s", e.state.ConsecutiveFailures, e.state.LastError))
}

func (e *Executor) lastErrorIsValidation() bool {
	return strings.HasPrefix(e.state.LastError, "validation")
}

func signalKind(signal *provider.Signal) string {
	if signal == nil {
		return ""
	}
	return string(signal.Kind)
}

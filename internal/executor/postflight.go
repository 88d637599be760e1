package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rubenmavarezb/aidf-sub001/internal/aidferr"
	"github.com/rubenmavarezb/aidf-sub001/internal/config"
	"github.com/rubenmavarezb/aidf-sub001/internal/metrics"
)

// postFlight writes the task status section, relocates the task file,
// pushes (best-effort), assembles the report, and dispatches
// notifications. It always returns a Result.
func (e *Executor) postFlight(ctx context.Context, pc *phaseContext, loopErr error) *Result {
	e.state.CompletedAt = time.Now()

	finalStatus := e.state.Status
	switch finalStatus {
	case StatusCompleted, StatusBlocked, StatusFailed:
	default:
		finalStatus = StatusFailed
		e.state.Status = finalStatus
	}

	// A cancelled task (parallel conflict loss) is re-run shortly; its
	// file stays in place and no status section is written.
	if !e.opts.DryRun && !e.state.Cancelled {
		if err := e.writeStatusSection(pc); err != nil {
			slog.Warn("could not write task status section", "error", err)
		}
		e.moveTaskFile(ctx, pc, finalStatus)
	}

	if e.cfg.AutoPush && finalStatus == StatusCompleted && !e.opts.DryRun {
		e.collector.StartPhase(metrics.PhaseGitOperations)
		if err := e.deps.Git.Push(ctx); err != nil {
			slog.Warn("auto-push failed", "error", err)
		}
		e.collector.EndPhase(metrics.PhaseGitOperations)
	}

	tokens := e.collector.Tokens()
	cost := metrics.EstimateCost(e.cfg.Provider.Model, tokens, e.cfg.Cost)

	outcome := metrics.Outcome{
		Status:              string(finalStatus),
		Iterations:          e.state.Iteration,
		MaxIterations:       e.cfg.Execution.MaxIterations,
		ConsecutiveFailures: e.state.ConsecutiveFailures,
		Error:               e.state.LastError,
		BlockedReason:       e.state.BlockedReason,
	}
	report := e.collector.ToReport(outcome, cost)

	summary := e.buildSummary(pc, finalStatus)

	slog.Info("execution finished",
		"status", finalStatus,
		"iterations", e.state.Iteration,
		"files", len(e.state.FilesModified()),
		"duration_ms", e.state.CompletedAt.Sub(e.state.StartedAt).Milliseconds(),
		"tokens_in", tokens.InputTokens,
		"tokens_out", tokens.OutputTokens,
		"cost_usd", fmt.Sprintf("%.4f", cost.TotalUSD),
	)

	result := &Result{
		Status:            finalStatus,
		Iteration:         e.state.Iteration,
		FilesModified:     e.state.FilesModified(),
		Duration:          e.state.CompletedAt.Sub(e.state.StartedAt),
		TokenUsage:        tokens,
		TerminationReason: e.state.TerminationReason,
		Report:            report,
		Summary:           summary,
	}
	if loopErr != nil {
		result.ErrorDetails = loopErr.Error()
		if ae, ok := aidferr.As(loopErr); ok {
			result.ErrorCategory = string(ae.Category)
			result.ErrorCode = string(ae.Code)
		}
	}

	if finalStatus != StatusCompleted && !e.state.Cancelled {
		e.deps.Notify(Notification{
			TaskPath: pc.taskPath,
			Status:   finalStatus,
			Category: result.ErrorCategory,
			Code:     result.ErrorCode,
			Message:  e.state.LastError,
		})
	}
	return result
}

// writeStatusSection appends (or replaces) the ## Status section in the
// task file.
func (e *Executor) writeStatusSection(pc *phaseContext) error {
	data, err := os.ReadFile(pc.taskPath)
	if err != nil {
		return fmt.Errorf("read task file: %w", err)
	}
	content := stripStatusSection(string(data))

	var b strings.Builder
	b.WriteString(content)
	if !strings.HasSuffix(content, "\n") {
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\n## Status: %s\n", strings.ToUpper(string(e.state.Status)))
	fmt.Fprintf(&b, "- Iterations: %d\n", e.state.Iteration)
	fmt.Fprintf(&b, "- Files: %s\n", strings.Join(e.state.FilesModified(), ", "))
	fmt.Fprintf(&b, "- Duration: %d\n", e.state.CompletedAt.Sub(e.state.StartedAt).Milliseconds())
	cost := metrics.EstimateCost(e.cfg.Provider.Model, e.collector.Tokens(), e.cfg.Cost)
	fmt.Fprintf(&b, "- TokenUsage: { input: %d, output: %d, estimatedCost: %.4f }\n",
		e.state.TokenInput, e.state.TokenOutput, cost.TotalUSD)
	if e.state.LastError != "" {
		fmt.Fprintf(&b, "- Error: %s\n", firstLine(e.state.LastError))
	}
	if e.state.Status == StatusBlocked {
		crumb := Breadcrumb{
			Iteration:     e.state.Iteration,
			FilesModified: e.state.FilesModified(),
			Reason:        e.state.BlockedReason,
		}
		fmt.Fprintf(&b, "- Blocked breadcrumb: %s\n", crumb.Encode())
	}

	return os.WriteFile(pc.taskPath, []byte(b.String()), 0o644)
}

// stripStatusSection removes a previous ## Status section so reruns don't
// stack them.
func stripStatusSection(content string) string {
	idx := strings.Index(content, "\n## Status:")
	if idx < 0 {
		return content
	}
	// The status section runs to the next ## heading or EOF.
	rest := content[idx+1:]
	end := strings.Index(rest[3:], "\n## ")
	if end < 0 {
		return content[:idx+1]
	}
	return content[:idx+1] + rest[3+end+1:]
}

// moveTaskFile relocates the task file into the lifecycle directory
// matching the final status, staging the move when inside a repo.
func (e *Executor) moveTaskFile(ctx context.Context, pc *phaseContext, status Status) {
	destDir := map[Status]string{
		StatusCompleted: "completed",
		StatusBlocked:   "blocked",
		StatusFailed:    "failed",
	}[status]
	if destDir == "" {
		return
	}

	rel, err := filepath.Rel(e.root, pc.taskPath)
	if err != nil {
		rel = pc.taskPath
	}
	newRel := filepath.Join(config.AIDir, "tasks", destDir, filepath.Base(pc.taskPath))
	if rel == newRel {
		return
	}

	e.collector.StartPhase(metrics.PhaseGitOperations)
	defer e.collector.EndPhase(metrics.PhaseGitOperations)

	if err := e.deps.Git.MoveStaged(ctx, rel, newRel); err != nil {
		slog.Warn("could not relocate task file", "from", rel, "to", newRel, "error", err)
		return
	}
	pc.taskPath = filepath.Join(e.root, newRel)
}

// buildSummary assembles the TaskSummary injected into later waves.
func (e *Executor) buildSummary(pc *phaseContext, status Status) *metrics.TaskSummary {
	summary := &metrics.TaskSummary{
		TaskPath:      pc.taskPath,
		TaskName:      pc.context.Task.Title,
		Status:        string(status),
		FilesModified: e.state.FilesModified(),
		FilesCreated:  e.state.CreatedFiles(),
		Iterations:    e.state.Iteration,
		CompletedAt:   e.state.CompletedAt,
		Decisions:     metrics.ExtractDecisions(e.state.LastOutput),
	}
	if e.state.LastError != "" {
		summary.Warnings = append(summary.Warnings, firstLine(e.state.LastError))
	}
	return summary
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

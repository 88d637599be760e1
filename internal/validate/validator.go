// Package validate runs the configured shell validation commands at phase
// boundaries (pre-commit, pre-push, pre-PR).
package validate

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/rubenmavarezb/aidf-sub001/internal/aidferr"
)

// Phase names a validation boundary.
type Phase string

const (
	PhasePreCommit Phase = "pre_commit"
	PhasePrePush   Phase = "pre_push"
	PhasePrePR     Phase = "pre_pr"
)

// errCode maps a phase to its validation error code.
func (p Phase) errCode() aidferr.Code {
	switch p {
	case PhasePrePush:
		return aidferr.CodeValidationPrePush
	case PhasePrePR:
		return aidferr.CodeValidationPrePR
	default:
		return aidferr.CodeValidationPreCommit
	}
}

// CommandResult records one command execution.
type CommandResult struct {
	Command  string
	ExitCode int
	Output   string // combined stdout+stderr
	Duration time.Duration
}

// Summary is the outcome of one phase: Passed is true iff every command
// exited zero. FirstFailure carries the first failing command's error.
type Summary struct {
	Phase        Phase
	Passed       bool
	Results      []CommandResult
	FirstFailure *aidferr.Error
}

// Runner executes validation commands in a working directory with a
// per-command timeout.
type Runner struct {
	cwd     string
	timeout time.Duration
}

// NewRunner creates a Runner. A zero timeout means two minutes.
func NewRunner(cwd string, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Runner{cwd: cwd, timeout: timeout}
}

// Run executes the commands in order. All commands run even after a
// failure so the summary is complete; the first failure wins the error.
func (r *Runner) Run(ctx context.Context, phase Phase, commands []string) (*Summary, error) {
	summary := &Summary{Phase: phase, Passed: true}

	for _, command := range commands {
		res, err := r.runOne(ctx, command)
		if err != nil {
			// Timeout or spawn failure — not an exit-code failure.
			return nil, err
		}
		summary.Results = append(summary.Results, res)

		if res.ExitCode != 0 && summary.FirstFailure == nil {
			summary.Passed = false
			summary.FirstFailure = aidferr.New(aidferr.CategoryValidation, phase.errCode(),
				fmt.Sprintf("command %q exited %d", command, res.ExitCode)).
				WithContext("command", command).
				WithContext("exit_code", fmt.Sprintf("%d", res.ExitCode)).
				WithContext("phase", string(phase)).
				WithContext("output", res.Output)
		} else if res.ExitCode != 0 {
			summary.Passed = false
		}

		slog.Debug("validation command finished",
			"phase", phase,
			"command", command,
			"exit_code", res.ExitCode,
			"duration_ms", res.Duration.Milliseconds(),
		)
	}
	return summary, nil
}

func (r *Runner) runOne(ctx context.Context, command string) (CommandResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = r.cwd

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	start := time.Now()
	exitCode := 0
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return CommandResult{}, aidferr.New(aidferr.CategoryTimeout, aidferr.CodeOperationTimeout,
				fmt.Sprintf("validation command %q timed out after %s", command, r.timeout)).
				WithContext("command", command)
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return CommandResult{}, aidferr.New(aidferr.CategoryValidation, aidferr.CodeValidationPreCommit,
				fmt.Sprintf("spawn %q: %v", command, err)).WithCause(err)
		}
	}

	return CommandResult{
		Command:  command,
		ExitCode: exitCode,
		Output:   output.String(),
		Duration: time.Since(start),
	}, nil
}

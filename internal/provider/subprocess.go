package provider

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/rubenmavarezb/aidf-sub001/internal/aidferr"
	"github.com/rubenmavarezb/aidf-sub001/internal/gitops"
)

// SubprocessProvider drives a CLI coding agent: the prompt goes in on
// stdin, output streams back on stdout, and file changes are detected by
// diffing the working tree around the call.
type SubprocessProvider struct {
	command string
	args    []string
	cwd     string
	git     *gitops.Client
}

// SubprocessConfig parameterizes a SubprocessProvider.
type SubprocessConfig struct {
	Command string
	Args    []string
	Cwd     string
	Git     *gitops.Client
}

// NewSubprocess creates a subprocess provider.
func NewSubprocess(cfg SubprocessConfig) *SubprocessProvider {
	return &SubprocessProvider{
		command: cfg.Command,
		args:    cfg.Args,
		cwd:     cfg.Cwd,
		git:     cfg.Git,
	}
}

// IsAvailable reports whether the agent binary is on PATH.
func (p *SubprocessProvider) IsAvailable(_ context.Context) bool {
	_, err := exec.LookPath(p.command)
	return err == nil
}

// Execute runs one agent invocation. The iteration timeout is enforced by
// killing the child; crashes map to provider.CRASH (retryable).
func (p *SubprocessProvider) Execute(ctx context.Context, prompt string, opts Options) (*ExecutionResult, error) {
	if !p.IsAvailable(ctx) {
		return nil, aidferr.New(aidferr.CategoryProvider, aidferr.CodeProviderNotAvailable,
			fmt.Sprintf("agent binary %q not found on PATH", p.command))
	}

	var before map[string]bool
	if p.git != nil {
		snap, err := p.git.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		before = snap
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	args := p.args
	if opts.Model != "" {
		args = append(append([]string{}, args...), "--model", opts.Model)
	}
	cmd := exec.CommandContext(ctx, p.command, args...)
	cmd.Dir = p.cwd
	cmd.Stdin = strings.NewReader(prompt)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, aidferr.New(aidferr.CategoryProvider, aidferr.CodeProviderCrash,
			fmt.Sprintf("stdout pipe: %v", err)).WithCause(err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, aidferr.New(aidferr.CategoryProvider, aidferr.CodeProviderCrash,
			fmt.Sprintf("start %s: %v", p.command, err)).WithCause(err)
	}

	output := p.consumeOutput(stdout, opts.OnOutput)

	if err := cmd.Wait(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, aidferr.New(aidferr.CategoryTimeout, aidferr.CodeIterationTimeout,
				fmt.Sprintf("agent %s exceeded the iteration timeout", p.command)).
				WithContext("timeout", opts.Timeout.String())
		}
		tail := stderr.String()
		if len(tail) > 500 {
			tail = tail[len(tail)-500:]
		}
		return nil, aidferr.New(aidferr.CategoryProvider, aidferr.CodeProviderCrash,
			fmt.Sprintf("agent %s exited abnormally: %v", p.command, err)).
			WithContext("stderr", tail).WithCause(err)
	}

	if output == "" {
		return nil, aidferr.New(aidferr.CategoryProvider, aidferr.CodeProviderCrash,
			fmt.Sprintf("agent %s produced no output", p.command))
	}

	result := &ExecutionResult{
		Output: output,
		Signal: ParseSignal(output),
		TokenUsage: &TokenUsage{
			InputTokens:  EstimateTokens(prompt),
			OutputTokens: EstimateTokens(output),
			Estimated:    true,
		},
	}

	if p.git != nil {
		changed, err := p.git.DiffSnapshot(ctx, before)
		if err != nil {
			return nil, err
		}
		result.FilesChanged = changed
	}

	slog.Debug("subprocess provider call finished",
		"command", p.command,
		"output_chars", len(output),
		"files_changed", len(result.FilesChanged),
	)
	return result, nil
}

// consumeOutput streams stdout chunks to the callback while accumulating
// the full output. Callbacks are best-effort; no backpressure.
func (p *SubprocessProvider) consumeOutput(r io.Reader, onOutput func(string)) string {
	chunks := make(chan string, 64)
	go func() {
		defer close(chunks)
		reader := bufio.NewReader(r)
		buf := make([]byte, 4096)
		for {
			n, err := reader.Read(buf)
			if n > 0 {
				chunks <- string(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	var full strings.Builder
	for chunk := range chunks {
		full.WriteString(chunk)
		if onOutput != nil {
			onOutput(chunk)
		}
	}
	return full.String()
}

var _ Provider = (*SubprocessProvider)(nil)

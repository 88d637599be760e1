package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/rubenmavarezb/aidf-sub001/internal/config"
	"github.com/rubenmavarezb/aidf-sub001/internal/executor"
	"github.com/rubenmavarezb/aidf-sub001/internal/gitops"
	"github.com/rubenmavarezb/aidf-sub001/internal/metrics"
)

// NewRunCommand returns the run subcommand.
func NewRunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Run one task",
		ArgsUsage: "<taskPath>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "resume", Usage: "Resume a blocked task"},
			&cli.BoolFlag{Name: "dry-run", Usage: "One pass, no commits or file moves"},
			&cli.StringFlag{Name: "profile", Usage: "quality | balanced | budget"},
		},
		Action: runRun,
	}
}

func runRun(ctx context.Context, cmd *cli.Command) error {
	taskPath := cmd.Args().First()
	if taskPath == "" {
		return fmt.Errorf("task path is required")
	}

	root, cfg, err := loadProject()
	if err != nil {
		return err
	}
	applyProfile(cfg, cmd.String("profile"))

	abs, err := filepath.Abs(taskPath)
	if err != nil {
		return fmt.Errorf("resolve task path: %w", err)
	}

	exec := executor.New(cfg, root, executor.Options{
		Resume:    cmd.Bool("resume"),
		DryRun:    cmd.Bool("dry-run"),
		OnAskUser: promptAskUser,
	}, newDeps(root))

	result, runErr := exec.Run(ctx, abs)
	if result != nil && result.Report != nil {
		writeReport(root, result.Report)
	}
	if result != nil && result.Summary != nil && result.Status == executor.StatusCompleted {
		writeSummary(root, abs, result)
	}
	printResult(result)
	if runErr != nil {
		return runErr
	}
	if result.Status != executor.StatusCompleted {
		return fmt.Errorf("task finished with status %s", result.Status)
	}
	return nil
}

// loadProject discovers the project root and loads its config.
func loadProject() (string, *config.Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", nil, err
	}
	root, err := config.FindRoot(cwd)
	if err != nil {
		return "", nil, err
	}
	cfg, err := config.Load(config.ConfigPath(root))
	if err != nil {
		return "", nil, err
	}
	return root, cfg, nil
}

// newDeps builds the real collaborator bundle.
func newDeps(root string) executor.Deps {
	return executor.Deps{
		Git: gitops.NewClient(root),
		Notify: func(n executor.Notification) {
			slog.Warn("task did not complete",
				"task", n.TaskPath,
				"status", n.Status,
				"category", n.Category,
				"code", n.Code,
				"message", n.Message,
			)
		},
	}
}

// applyProfile adjusts execution limits per the requested profile.
func applyProfile(cfg *config.Config, profile string) {
	switch profile {
	case "quality":
		cfg.Execution.MaxIterations = 20
	case "budget":
		cfg.Execution.MaxIterations = 3
		if cfg.RateLimit.TokenBudget == 0 {
			cfg.RateLimit.TokenBudget = 200000
		}
	case "", "balanced":
	default:
		slog.Warn("unknown profile, using balanced", "profile", profile)
	}
}

// promptAskUser asks the operator to approve ASK-gated paths. Without a
// terminal the answer is always no.
func promptAskUser(paths []string) bool {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		slog.Warn("scope approval needed but no terminal attached; denying", "files", paths)
		return false
	}
	fmt.Printf("The agent wants to modify paths requiring approval:\n")
	for _, p := range paths {
		fmt.Printf("  - %s\n", p)
	}
	fmt.Printf("Allow? [y/N] ")
	reader := bufio.NewReader(os.Stdin)
	answer, _ := reader.ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

// writeReport persists the run report under .ai/reports/YYYY-MM-DD/.
func writeReport(root string, report *metrics.ExecutionReport) {
	dir := config.ReportsPath(root, time.Now().UTC().Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("cannot create reports directory", "error", err)
		return
	}
	shortID := report.RunID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}
	path := filepath.Join(dir, fmt.Sprintf("run-%s.json", shortID))
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		slog.Warn("cannot marshal report", "error", err)
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		slog.Warn("cannot write report", "error", err)
		return
	}
	slog.Info("report written", "path", path)
}

// writeSummary stores the task summary for later waves and status
// reports.
func writeSummary(root, taskPath string, result *executor.Result) {
	dir := config.SummariesPath(root)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("cannot create summaries dir", "error", err)
		return
	}
	name := strings.TrimSuffix(filepath.Base(taskPath), ".md") + ".summary.md"
	if err := os.WriteFile(filepath.Join(dir, name), []byte(result.Summary.Render()), 0o644); err != nil {
		slog.Warn("cannot write task summary", "error", err)
	}
}

func printResult(result *executor.Result) {
	if result == nil {
		return
	}
	fmt.Printf("status: %s\n", result.Status)
	fmt.Printf("iterations: %d\n", result.Iteration)
	fmt.Printf("files: %s\n", strings.Join(result.FilesModified, ", "))
	fmt.Printf("duration: %s\n", result.Duration.Round(time.Millisecond))
	fmt.Printf("tokens: in=%d out=%d\n", result.TokenUsage.InputTokens, result.TokenUsage.OutputTokens)
	if result.ErrorDetails != "" {
		fmt.Printf("error: [%s.%s] %s\n", result.ErrorCategory, result.ErrorCode, result.ErrorDetails)
	}
}

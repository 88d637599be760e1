package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/rubenmavarezb/aidf-sub001/internal/parallel"
)

// NewPlanCommand returns the plan subcommand.
func NewPlanCommand() *cli.Command {
	return &cli.Command{
		Name:  "plan",
		Usage: "Work with plan files",
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "Run a plan via the parallel executor",
				ArgsUsage: "<planPath>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "concurrency", Usage: "Max tasks running at once", Value: 3},
					&cli.BoolFlag{Name: "continue-on-error", Usage: "Keep scheduling waves after a failure"},
					&cli.BoolFlag{Name: "dry-run", Usage: "One pass per task, no commits"},
				},
				Action: runPlanRun,
			},
		},
	}
}

func runPlanRun(ctx context.Context, cmd *cli.Command) error {
	planPath := cmd.Args().First()
	if planPath == "" {
		return fmt.Errorf("plan path is required")
	}

	root, cfg, err := loadProject()
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(planPath)
	if err != nil {
		return fmt.Errorf("resolve plan path: %w", err)
	}

	runner := parallel.NewRunner(cfg, root, newDeps(root), parallel.Options{
		Concurrency:     int(cmd.Int("concurrency")),
		ContinueOnError: cmd.Bool("continue-on-error"),
		DryRun:          cmd.Bool("dry-run"),
	})
	result, err := runner.RunPlan(ctx, abs)
	if err != nil {
		return err
	}

	fmt.Printf("completed: %d  failed: %d  blocked: %d  skipped: %d\n",
		len(result.Completed), len(result.Failed), len(result.Blocked), len(result.Skipped))
	fmt.Printf("iterations: %d  files: %d\n", result.TotalIterations, result.TotalFilesModified)
	if len(result.FileConflicts) > 0 {
		fmt.Printf("runtime conflicts: %s\n", strings.Join(result.FileConflicts, ", "))
	}
	for _, wave := range result.Waves {
		if wave.Failed() {
			fmt.Printf("wave %d verification failed: missing=%v validation=%v summaries=%v\n",
				wave.Wave, wave.MissingFiles, wave.ValidationErrors, wave.MissingSummaries)
		}
	}

	if !result.Success {
		return fmt.Errorf("plan did not complete cleanly")
	}
	return nil
}

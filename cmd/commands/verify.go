package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/rubenmavarezb/aidf-sub001/internal/contextloader"
	"github.com/rubenmavarezb/aidf-sub001/internal/secrets"
	"github.com/rubenmavarezb/aidf-sub001/internal/validate"
)

// NewVerifyCommand returns the verify subcommand: post-hoc verification
// of one task.
func NewVerifyCommand() *cli.Command {
	return &cli.Command{
		Name:      "verify",
		Usage:     "Verify a task's declared outputs after the fact",
		ArgsUsage: "<taskPath>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "scan-only", Usage: "Only scan declared files for secrets"},
		},
		Action: runVerify,
	}
}

func runVerify(ctx context.Context, cmd *cli.Command) error {
	taskPath := cmd.Args().First()
	if taskPath == "" {
		return fmt.Errorf("task path is required")
	}

	root, cfg, err := loadProject()
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(taskPath)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("read task: %w", err)
	}
	task, err := contextloader.ParseTask(abs, data)
	if err != nil {
		return err
	}

	problems := 0

	scanner := secrets.NewScanner(cfg.Secrets)
	for _, created := range task.Creates {
		full := filepath.Join(root, created)
		content, err := os.ReadFile(full)
		if err != nil {
			fmt.Printf("MISSING  %s\n", created)
			problems++
			continue
		}
		if findings := scanner.ScanFile(created, string(content)); len(findings) > 0 {
			fmt.Printf("SECRETS  %s (%s)\n", created, secrets.Describe(findings))
			problems++
			continue
		}
		fmt.Printf("OK       %s\n", created)
	}

	if !cmd.Bool("scan-only") && len(cfg.Validation.PreCommit) > 0 {
		runner := validate.NewRunner(root, cfg.Validation.CommandTimeout())
		summary, err := runner.Run(ctx, validate.PhasePreCommit, cfg.Validation.PreCommit)
		if err != nil {
			return err
		}
		for _, res := range summary.Results {
			mark := "OK      "
			if res.ExitCode != 0 {
				mark = "FAILED  "
				problems++
			}
			fmt.Printf("%s %s (exit %d)\n", mark, res.Command, res.ExitCode)
		}
	}

	if problems > 0 {
		return fmt.Errorf("verification found %d problem(s)", problems)
	}
	fmt.Println("verification passed")
	return nil
}

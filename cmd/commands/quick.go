package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/rubenmavarezb/aidf-sub001/internal/executor"
)

// NewQuickCommand returns the quick subcommand: a one-shot task built
// from a description instead of an authored task file.
func NewQuickCommand() *cli.Command {
	return &cli.Command{
		Name:      "quick",
		Usage:     "Run a one-shot task from a description",
		ArgsUsage: "\"<description>\"",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "full", Usage: "Include the full project context"},
			&cli.IntFlag{Name: "max-iterations", Usage: "Override the iteration limit"},
		},
		Action: runQuick,
	}
}

func runQuick(ctx context.Context, cmd *cli.Command) error {
	description := strings.TrimSpace(cmd.Args().First())
	if description == "" {
		return fmt.Errorf("a task description is required")
	}

	root, cfg, err := loadProject()
	if err != nil {
		return err
	}
	if n := int(cmd.Int("max-iterations")); n > 0 {
		cfg.Execution.MaxIterations = n
	}

	taskPath, cleanup, err := writeQuickTask(root, description, cmd.Bool("full"))
	if err != nil {
		return err
	}
	defer cleanup()

	exec := executor.New(cfg, root, executor.Options{OnAskUser: promptAskUser}, newDeps(root))
	result, runErr := exec.Run(ctx, taskPath)
	printResult(result)
	if runErr != nil {
		return runErr
	}
	if result.Status != executor.StatusCompleted {
		return fmt.Errorf("task finished with status %s", result.Status)
	}
	return nil
}

// writeQuickTask materializes a transient task file the loader can read.
// It lives under .ai/tasks/pending so relative conventions hold, and is
// removed when the run ends.
func writeQuickTask(root, description string, full bool) (string, func(), error) {
	title := description
	if len(title) > 60 {
		title = title[:60]
	}
	scopeBlock := "scope:\n  allowed:\n    - \"**\"\n"
	if !full {
		scopeBlock = "scope:\n  allowed:\n    - src/**\n    - lib/**\n    - \"*.md\"\n"
	}

	id := fmt.Sprintf("quick-%d", time.Now().Unix())
	content := fmt.Sprintf(`---
id: "%s"
title: %s
type: quick
status: pending
%s---

## Goal

%s

## Requirements

- Complete the described change.

## Definition of Done

- The described change is implemented and consistent with the project.
`, id, title, scopeBlock, description)

	dir := filepath.Join(root, ".ai", "tasks", "pending")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create tasks dir: %w", err)
	}
	path := filepath.Join(dir, id+".md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", nil, fmt.Errorf("write quick task: %w", err)
	}
	cleanup := func() {
		// The executor may have relocated the file; sweep all lifecycle dirs.
		for _, status := range []string{"pending", "completed", "blocked", "failed"} {
			_ = os.Remove(filepath.Join(root, ".ai", "tasks", status, id+".md"))
		}
	}
	return path, cleanup, nil
}

package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rubenmavarezb/aidf-sub001/internal/aidferr"
)

// AIDir is the conventional project directory name.
const AIDir = ".ai"

// FindRoot walks upward from cwd looking for the nearest .ai/AGENTS.md or
// .ai/config.yml. The first directory that has one is the project root;
// there is no merging across levels.
func FindRoot(cwd string) (string, error) {
	dir, err := filepath.Abs(cwd)
	if err != nil {
		return "", fmt.Errorf("resolve cwd: %w", err)
	}
	for {
		for _, marker := range []string{"AGENTS.md", "config.yml"} {
			if _, err := os.Stat(filepath.Join(dir, AIDir, marker)); err == nil {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", aidferr.New(aidferr.CategoryConfig, aidferr.CodeConfigMissing,
				fmt.Sprintf("no %s directory found walking up from %s", AIDir, cwd))
		}
		dir = parent
	}
}

// AIPath returns the .ai directory under a project root.
func AIPath(root string) string { return filepath.Join(root, AIDir) }

// ConfigPath returns the main config file under a project root.
func ConfigPath(root string) string { return filepath.Join(root, AIDir, "config.yml") }

// DotenvPath returns the .env file under a project root.
func DotenvPath(root string) string { return filepath.Join(root, AIDir, ".env") }

// TasksPath returns the task directory for a lifecycle status
// (pending, completed, blocked, failed).
func TasksPath(root, status string) string {
	return filepath.Join(root, AIDir, "tasks", status)
}

// PlansPath returns the plans directory under a project root.
func PlansPath(root string) string { return filepath.Join(root, AIDir, "plans") }

// SkillsPath returns the skills directory under a project root.
func SkillsPath(root string) string { return filepath.Join(root, AIDir, "skills") }

// RolesPath returns the roles directory under a project root.
func RolesPath(root string) string { return filepath.Join(root, AIDir, "roles") }

// SummariesPath returns the summaries directory under a project root.
func SummariesPath(root string) string { return filepath.Join(root, AIDir, "summaries") }

// ResearchPath returns the research directory under a project root.
func ResearchPath(root string) string { return filepath.Join(root, AIDir, "research") }

// ReportsPath returns the dated reports directory for a run.
func ReportsPath(root, date string) string {
	return filepath.Join(root, AIDir, "reports", date)
}

// rootFromConfigPath recovers the project root from a config file path
// (<root>/.ai/config.yml → <root>).
func rootFromConfigPath(path string) string {
	return filepath.Dir(filepath.Dir(path))
}

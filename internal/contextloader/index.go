package contextloader

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rubenmavarezb/aidf-sub001/internal/config"
)

// Task lifecycle directory names under .ai/tasks/.
var taskStatusDirs = []string{"pending", "completed", "blocked", "failed"}

// IndexEntry locates one known task.
type IndexEntry struct {
	Status   string // lifecycle directory name
	FilePath string
}

// LoadTaskIndex scans every task directory and builds the taskId → entry
// map used by dependency resolution. Files that fail to parse are indexed
// by filename stem so a broken dependency is still reported by id.
func LoadTaskIndex(root string) (map[string]IndexEntry, error) {
	index := make(map[string]IndexEntry)
	for _, status := range taskStatusDirs {
		dir := config.TasksPath(root, status)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue // missing lifecycle dirs are fine
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
				continue
			}
			path := filepath.Join(dir, e.Name())
			id := taskIDFor(path)
			index[id] = IndexEntry{Status: status, FilePath: path}
		}
	}
	return index, nil
}

// taskIDFor reads the task id, falling back to the <id>-<slug>.md filename
// convention.
func taskIDFor(path string) string {
	if data, err := os.ReadFile(path); err == nil {
		if t, err := ParseTask(path, data); err == nil && t.ID != "" {
			return t.ID
		}
	}
	base := strings.TrimSuffix(filepath.Base(path), ".md")
	if idx := strings.Index(base, "-"); idx > 0 {
		return base[:idx]
	}
	return base
}

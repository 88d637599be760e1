package parallel

import (
	"fmt"
	"sync"
)

// ErrConflict is returned to an executor whose claim lost to a running
// task. The scheduler cancels and requeues the loser.
type ErrConflict struct {
	Path       string // the contested file path
	WinnerTask string // the task already holding the claim
	LoserTask  string
}

func (e *ErrConflict) Error() string {
	return fmt.Sprintf("runtime conflict on %s: already claimed by %s", e.Path, e.WinnerTask)
}

// ClaimIndex is the shared path → task partition map. Claims are atomic
// check-and-set under one mutex; the index is owned by a single parallel
// run and torn down with it.
type ClaimIndex struct {
	mu     sync.Mutex
	claims map[string]string // path → task path
}

// NewClaimIndex creates an empty index.
func NewClaimIndex() *ClaimIndex {
	return &ClaimIndex{claims: make(map[string]string)}
}

// Claim attempts to claim every path for the task. On collision nothing
// is claimed and an ErrConflict for the first contested path is returned.
func (c *ClaimIndex) Claim(taskPath string, paths []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range paths {
		if owner, ok := c.claims[p]; ok && owner != taskPath {
			return &ErrConflict{Path: p, WinnerTask: owner, LoserTask: taskPath}
		}
	}
	for _, p := range paths {
		c.claims[p] = taskPath
	}
	return nil
}

// Release drops every claim held by the task.
func (c *ClaimIndex) Release(taskPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for p, owner := range c.claims {
		if owner == taskPath {
			delete(c.claims, p)
		}
	}
}

// Owner returns the task currently holding a path, if any.
func (c *ClaimIndex) Owner(path string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	owner, ok := c.claims[path]
	return owner, ok
}

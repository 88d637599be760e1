// Package executor runs one task end-to-end: preflight, the iteration
// loop, and postflight.
package executor

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/rubenmavarezb/aidf-sub001/internal/metrics"
	"github.com/rubenmavarezb/aidf-sub001/internal/scope"
)

// Status is the executor lifecycle state.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusRunning     Status = "running"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusBlocked     Status = "blocked"
	StatusFailed      Status = "failed"
	StatusNeedsReview Status = "needs_review"
)

// Termination reasons recorded on loop exit.
const (
	TerminationCompleted      = "completed"
	TerminationBlocked        = "blocked"
	TerminationMaxIterations  = "max_iterations"
	TerminationMaxFailures    = "max_failures"
	TerminationDryRun         = "dry_run"
	TerminationBudgetExceeded = "budget_exceeded"
)

// Breadcrumb is the resumable trail left in a blocked task file.
type Breadcrumb struct {
	Iteration     int      `json:"iteration"`
	FilesModified []string `json:"filesModified"`
	Reason        string   `json:"reason"`
}

// Encode renders the breadcrumb as its one-line JSON form.
func (b *Breadcrumb) Encode() string {
	data, _ := json.Marshal(b)
	return string(data)
}

// DecodeBreadcrumb parses the one-line JSON form.
func DecodeBreadcrumb(line string) (*Breadcrumb, error) {
	var b Breadcrumb
	if err := json.Unmarshal([]byte(line), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// State is the mutable per-run state. It is owned by one Executor and
// never shared across tasks.
type State struct {
	Status              Status
	Iteration           int
	ConsecutiveFailures int
	StartedAt           time.Time
	CompletedAt         time.Time
	LastError           string
	LastOutput          string
	Cancelled           bool
	TerminationReason   string
	BlockedReason       string

	TokenInput  int
	TokenOutput int
	Estimated   bool

	ConversationState any

	filesModified map[string]scope.FileChange
}

// NewState creates an idle state.
func NewState() *State {
	return &State{
		Status:        StatusIdle,
		filesModified: make(map[string]scope.FileChange),
	}
}

// AddFiles records modified files: the monotone union across iterations,
// minus anything later reverted.
func (s *State) AddFiles(changes []scope.FileChange) {
	for _, ch := range changes {
		s.filesModified[ch.Path] = ch
	}
}

// RemoveFiles drops reverted files from the modified set.
func (s *State) RemoveFiles(changes []scope.FileChange) {
	for _, ch := range changes {
		delete(s.filesModified, ch.Path)
	}
}

// FilesModified returns the sorted modified paths.
func (s *State) FilesModified() []string {
	paths := make([]string, 0, len(s.filesModified))
	for p := range s.filesModified {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// FileChanges returns the recorded changes.
func (s *State) FileChanges() []scope.FileChange {
	changes := make([]scope.FileChange, 0, len(s.filesModified))
	for _, ch := range s.filesModified {
		changes = append(changes, ch)
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes
}

// CreatedFiles returns only the created paths, for summaries and wave
// verification.
func (s *State) CreatedFiles() []string {
	var paths []string
	for p, ch := range s.filesModified {
		if ch.Kind == scope.KindCreated {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths
}

// Result is the per-task outcome returned by Run.
type Result struct {
	Status            Status
	Iteration         int
	FilesModified     []string
	Duration          time.Duration
	TokenUsage        metrics.TokenRecord
	ErrorCategory     string
	ErrorCode         string
	ErrorDetails      string
	TerminationReason string
	Report            *metrics.ExecutionReport
	Summary           *metrics.TaskSummary
}

// Package metrics collects per-run timings, token usage, and events, and
// assembles the execution report. The collector is passive: it performs no
// I/O of its own.
package metrics

import (
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Phase names tracked by the collector.
const (
	PhaseContextLoading = "contextLoading"
	PhaseAIExecution    = "aiExecution"
	PhaseScopeChecking  = "scopeChecking"
	PhaseValidation     = "validation"
	PhaseGitOperations  = "gitOperations"
	PhaseOther          = "other"
)

// Metadata identifies the run.
type Metadata struct {
	TaskPath string
	TaskGoal string
	TaskType string
	RoleName string
	Provider string
	Model    string
	Cwd      string
}

// IterationRecord is one loop iteration's outcome.
type IterationRecord struct {
	Iteration int
	Success   bool
	Signal    string
	Error     string
	Duration  time.Duration
}

// TokenRecord is one provider call's usage.
type TokenRecord struct {
	InputTokens  int
	OutputTokens int
	CacheRead    int
	CacheWrite   int
	Estimated    bool
}

// ValidationRecord is one validation phase outcome.
type ValidationRecord struct {
	Phase    string
	Passed   bool
	Command  string
	ExitCode int
}

// ScopeViolationRecord is one blocked/asked change set.
type ScopeViolationRecord struct {
	Verdict string
	Files   []string
}

// ErrorRecord is one categorized failure.
type ErrorRecord struct {
	Category string
	Code     string
	Message  string
}

// Collector accumulates everything a run report needs. Phase intervals
// are nestable: Start/End pairs for the same name accumulate total time.
type Collector struct {
	mu sync.Mutex

	runID     string
	startedAt time.Time
	meta      Metadata

	phaseTotals map[string]time.Duration
	phaseOpen   map[string]time.Time

	iterations  []IterationRecord
	tokens      TokenRecord
	validations []ValidationRecord
	violations  []ScopeViolationRecord
	files       map[string]bool
	errors      []ErrorRecord
}

// NewCollector creates a Collector with a fresh run ID.
func NewCollector(meta Metadata) *Collector {
	return &Collector{
		runID:       uuid.New().String(),
		startedAt:   time.Now(),
		meta:        meta,
		phaseTotals: make(map[string]time.Duration),
		phaseOpen:   make(map[string]time.Time),
		files:       make(map[string]bool),
	}
}

// RunID returns the run identifier.
func (c *Collector) RunID() string { return c.runID }

// StartPhase opens a phase interval.
func (c *Collector) StartPhase(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phaseOpen[name] = time.Now()
}

// EndPhase closes a phase interval, accumulating its duration.
func (c *Collector) EndPhase(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if start, ok := c.phaseOpen[name]; ok {
		c.phaseTotals[name] += time.Since(start)
		delete(c.phaseOpen, name)
	}
}

// RecordIteration appends one iteration record.
func (c *Collector) RecordIteration(rec IterationRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.iterations = append(c.iterations, rec)
}

// RecordTokenUsage accumulates token usage.
func (c *Collector) RecordTokenUsage(rec TokenRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens.InputTokens += rec.InputTokens
	c.tokens.OutputTokens += rec.OutputTokens
	c.tokens.CacheRead += rec.CacheRead
	c.tokens.CacheWrite += rec.CacheWrite
	c.tokens.Estimated = c.tokens.Estimated || rec.Estimated
}

// RecordValidation appends one validation outcome.
func (c *Collector) RecordValidation(rec ValidationRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.validations = append(c.validations, rec)
}

// RecordScopeViolation appends one scope event.
func (c *Collector) RecordScopeViolation(rec ScopeViolationRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.violations = append(c.violations, rec)
}

// RecordFileChange notes one modified path.
func (c *Collector) RecordFileChange(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[path] = true
}

// RecordError appends one categorized failure.
func (c *Collector) RecordError(category, code, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, ErrorRecord{Category: category, Code: code, Message: message})
}

// Outcome is the final run status fed into the report.
type Outcome struct {
	Status              string
	Iterations          int
	MaxIterations       int
	ConsecutiveFailures int
	Error               string
	BlockedReason       string
}

// ToReport assembles the execution report. AidfVersion is the release
// stamp; environment keys are read for enrichment only.
func (c *Collector) ToReport(outcome Outcome, cost CostBreakdown) *ExecutionReport {
	c.mu.Lock()
	defer c.mu.Unlock()

	timing := make(map[string]int64, len(c.phaseTotals)+1)
	for name, d := range c.phaseTotals {
		timing[name] = d.Milliseconds()
	}
	timing["total"] = time.Since(c.startedAt).Milliseconds()

	files := make([]string, 0, len(c.files))
	for path := range c.files {
		files = append(files, path)
	}

	return &ExecutionReport{
		RunID:               c.runID,
		Timestamp:           c.startedAt.UTC().Format(time.RFC3339),
		TaskPath:            c.meta.TaskPath,
		TaskGoal:            c.meta.TaskGoal,
		TaskType:            c.meta.TaskType,
		RoleName:            c.meta.RoleName,
		Provider:            c.meta.Provider,
		Cwd:                 c.meta.Cwd,
		AidfVersion:         Version,
		Status:              outcome.Status,
		Iterations:          outcome.Iterations,
		MaxIterations:       outcome.MaxIterations,
		ConsecutiveFailures: outcome.ConsecutiveFailures,
		Error:               outcome.Error,
		BlockedReason:       outcome.BlockedReason,
		Tokens:              c.tokens,
		Cost:                cost,
		Timing:              timing,
		Files:               files,
		Validation:          c.validations,
		Scope:               c.violations,
		Environment:         captureEnvironment(),
	}
}

// Tokens returns the accumulated usage.
func (c *Collector) Tokens() TokenRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens
}

// Version is the release stamp embedded in reports.
const Version = "0.9.0"

// ExecutionReport is the pure data record persisted by the report writer
// (an external collaborator). Key names are part of the on-disk contract.
type ExecutionReport struct {
	RunID               string                 `json:"runId"`
	Timestamp           string                 `json:"timestamp"`
	TaskPath            string                 `json:"taskPath"`
	TaskGoal            string                 `json:"taskGoal"`
	TaskType            string                 `json:"taskType"`
	RoleName            string                 `json:"roleName"`
	Provider            string                 `json:"provider"`
	Cwd                 string                 `json:"cwd"`
	AidfVersion         string                 `json:"aidfVersion"`
	Status              string                 `json:"status"`
	Iterations          int                    `json:"iterations"`
	MaxIterations       int                    `json:"maxIterations"`
	ConsecutiveFailures int                    `json:"consecutiveFailures"`
	Error               string                 `json:"error,omitempty"`
	BlockedReason       string                 `json:"blockedReason,omitempty"`
	Tokens              TokenRecord            `json:"tokens"`
	Cost                CostBreakdown          `json:"cost"`
	Timing              map[string]int64       `json:"timing"`
	Files               []string               `json:"files"`
	Validation          []ValidationRecord     `json:"validation"`
	Scope               []ScopeViolationRecord `json:"scope"`
	Environment         map[string]string      `json:"environment"`
}

// ciEnvKeys enrich reports; they are never a source of truth for behavior.
var ciEnvKeys = []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "BUILDKITE", "JENKINS_URL"}

func captureEnvironment() map[string]string {
	env := make(map[string]string)
	for _, key := range ciEnvKeys {
		if v := os.Getenv(key); v != "" {
			env[key] = v
		}
	}
	return env
}

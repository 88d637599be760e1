package metrics

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rubenmavarezb/aidf-sub001/internal/config"
)

func TestCollectorReportShape(t *testing.T) {
	c := NewCollector(Metadata{
		TaskPath: ".ai/tasks/pending/001-x.md",
		TaskGoal: "do the thing",
		TaskType: "feature",
		RoleName: "backend",
		Provider: "http-anthropic",
		Cwd:      "/work",
	})

	c.StartPhase(PhaseContextLoading)
	c.EndPhase(PhaseContextLoading)
	c.RecordIteration(IterationRecord{Iteration: 1, Success: true})
	c.RecordTokenUsage(TokenRecord{InputTokens: 1000, OutputTokens: 200})
	c.RecordValidation(ValidationRecord{Phase: "pre_commit", Passed: true, Command: "echo ok"})
	c.RecordScopeViolation(ScopeViolationRecord{Verdict: "BLOCK", Files: []string{".env"}})
	c.RecordFileChange("src/a.go")
	c.RecordError("git", "PUSH_FAILED", "no upstream")

	report := c.ToReport(Outcome{Status: "completed", Iterations: 1, MaxIterations: 10},
		EstimateCost("claude-sonnet-4-5", c.Tokens(), config.CostConfig{}))

	if report.RunID == "" {
		t.Error("runId missing")
	}
	if report.Status != "completed" || report.Iterations != 1 {
		t.Errorf("outcome = %+v", report)
	}
	if report.Tokens.InputTokens != 1000 {
		t.Errorf("tokens = %+v", report.Tokens)
	}
	if _, ok := report.Timing["contextLoading"]; !ok {
		t.Error("timing missing contextLoading")
	}
	if _, ok := report.Timing["total"]; !ok {
		t.Error("timing missing total")
	}
	if len(report.Files) != 1 || report.Files[0] != "src/a.go" {
		t.Errorf("files = %v", report.Files)
	}

	// The JSON key set is the on-disk contract.
	data, err := json.Marshal(report)
	if err != nil {
		t.Fatal(err)
	}
	var keys map[string]any
	if err := json.Unmarshal(data, &keys); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"runId", "timestamp", "taskPath", "taskGoal", "taskType", "roleName",
		"provider", "cwd", "aidfVersion", "status", "iterations", "maxIterations",
		"consecutiveFailures", "tokens", "cost", "timing", "files", "validation",
		"scope", "environment",
	} {
		if _, ok := keys[want]; !ok {
			t.Errorf("report JSON missing key %q", want)
		}
	}
}

func TestPhaseNesting(t *testing.T) {
	c := NewCollector(Metadata{})
	c.StartPhase(PhaseAIExecution)
	time.Sleep(5 * time.Millisecond)
	c.StartPhase(PhaseScopeChecking)
	time.Sleep(5 * time.Millisecond)
	c.EndPhase(PhaseScopeChecking)
	c.EndPhase(PhaseAIExecution)

	report := c.ToReport(Outcome{Status: "completed"}, CostBreakdown{})
	if report.Timing[PhaseAIExecution] < report.Timing[PhaseScopeChecking] {
		t.Errorf("outer phase %dms should cover inner %dms",
			report.Timing[PhaseAIExecution], report.Timing[PhaseScopeChecking])
	}
}

func TestEstimateCost(t *testing.T) {
	tokens := TokenRecord{InputTokens: 1_000_000, OutputTokens: 1_000_000}
	cost := EstimateCost("claude-sonnet-4-5", tokens, config.CostConfig{})
	if cost.InputUSD != 3.0 || cost.OutputUSD != 15.0 || cost.TotalUSD != 18.0 {
		t.Errorf("cost = %+v", cost)
	}

	override := config.CostConfig{Rates: map[string]config.CostRate{
		"sonnet": {Input: 1.0, Output: 2.0},
	}}
	cost = EstimateCost("claude-sonnet-4-5", tokens, override)
	if cost.TotalUSD != 3.0 {
		t.Errorf("override cost = %+v", cost)
	}

	cost = EstimateCost("unknown-model", tokens, config.CostConfig{})
	if cost.TotalUSD != 0 {
		t.Errorf("unknown model cost = %+v", cost)
	}
}

func TestExtractDecisions(t *testing.T) {
	output := `Looking at the options, I decided to keep the existing router.
We are using pgx because the standard driver lacks batch support.
I chose zap over slog for compatibility.
Just a normal sentence with no decision.`
	decisions := ExtractDecisions(output)
	if len(decisions) != 3 {
		t.Fatalf("decisions = %v", decisions)
	}
}

func TestExtractDecisionsPrefersSilence(t *testing.T) {
	if got := ExtractDecisions("refactored the handler and added tests"); len(got) != 0 {
		t.Errorf("no decision statements should yield none, got %v", got)
	}
}

func TestTaskSummaryRender(t *testing.T) {
	s := &TaskSummary{
		TaskPath:      ".ai/tasks/pending/010-a.md",
		TaskName:      "Add rate limits",
		Status:        "completed",
		FilesModified: []string{"src/limits.go"},
		FilesCreated:  []string{"src/limits_test.go"},
		Decisions:     []string{"using a token bucket because it is simpler"},
		Iterations:    2,
		CompletedAt:   time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC),
	}
	md := s.Render()
	if !strings.Contains(md, "## Add rate limits (completed)") {
		t.Errorf("render = %q", md)
	}
	if !strings.Contains(md, "src/limits.go") {
		t.Error("modified file missing")
	}
	if lines := strings.Count(md, "\n"); lines > 30 {
		t.Errorf("summary is %d lines, cap is 30", lines)
	}
}

func TestTaskSummaryRenderCaps(t *testing.T) {
	s := &TaskSummary{TaskName: "big", Status: "completed"}
	for i := 0; i < 100; i++ {
		s.FilesModified = append(s.FilesModified, strings.Repeat("x", 10))
	}
	md := s.Render()
	if lines := strings.Count(md, "\n"); lines > 30 {
		t.Errorf("summary is %d lines, cap is 30", lines)
	}
	if !strings.Contains(md, "truncated") {
		t.Error("truncation marker missing")
	}
}

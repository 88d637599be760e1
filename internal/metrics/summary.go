package metrics

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// TaskSummary is the compact post-hoc record of one task, rendered as
// markdown for injection into later waves' contexts.
type TaskSummary struct {
	TaskPath      string
	TaskName      string
	Status        string
	FilesModified []string
	FilesCreated  []string
	Decisions     []string
	KeyChanges    []string
	Warnings      []string
	Iterations    int
	CompletedAt   time.Time
}

// decisionPatterns extract explicit decision statements from AI output.
// They are deliberately narrow: when unsure, prefer silence over
// fabrication.
var decisionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?im)^.*\bI decided\b[^.\n]*[.\n]`),
	regexp.MustCompile(`(?im)^.*\bchose\s+\S+\s+over\s+\S+[^.\n]*[.\n]`),
	regexp.MustCompile(`(?im)^.*\busing\s+\S+\s+because\b[^.\n]*[.\n]`),
}

const maxDecisions = 5

// ExtractDecisions pulls decision statements from output via the fixed
// lexical patterns.
func ExtractDecisions(output string) []string {
	var decisions []string
	seen := map[string]bool{}
	for _, re := range decisionPatterns {
		for _, m := range re.FindAllString(output, -1) {
			d := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(m), "."))
			if d == "" || seen[d] {
				continue
			}
			seen[d] = true
			decisions = append(decisions, d)
			if len(decisions) >= maxDecisions {
				return decisions
			}
		}
	}
	return decisions
}

// summaryMaxLines caps the rendered markdown so a summary never crowds a
// later context window.
const summaryMaxLines = 30

// Render produces the markdown form.
func (s *TaskSummary) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s (%s)\n", s.TaskName, s.Status)
	fmt.Fprintf(&b, "- Task: `%s`\n", s.TaskPath)
	fmt.Fprintf(&b, "- Iterations: %d\n", s.Iterations)
	if !s.CompletedAt.IsZero() {
		fmt.Fprintf(&b, "- Completed: %s\n", s.CompletedAt.UTC().Format(time.RFC3339))
	}
	writeSummaryList(&b, "Files modified", s.FilesModified)
	writeSummaryList(&b, "Files created", s.FilesCreated)
	writeSummaryList(&b, "Decisions", s.Decisions)
	writeSummaryList(&b, "Key changes", s.KeyChanges)
	writeSummaryList(&b, "Warnings", s.Warnings)

	lines := strings.Split(strings.TrimRight(b.String(), "\n"), "\n")
	if len(lines) > summaryMaxLines {
		lines = append(lines[:summaryMaxLines-1], "- … (truncated)")
	}
	return strings.Join(lines, "\n") + "\n"
}

func writeSummaryList(b *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "- %s:\n", label)
	for _, item := range items {
		fmt.Fprintf(b, "  - %s\n", item)
	}
}

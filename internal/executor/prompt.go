package executor

import (
	"fmt"
	"strings"

	"github.com/rubenmavarezb/aidf-sub001/internal/contextloader"
	"github.com/rubenmavarezb/aidf-sub001/internal/validate"
)

// signalInstructions tell the agent how to terminate the loop.
const signalInstructions = `When the task meets its definition of done, end your reply with the literal token <TASK_COMPLETE>.
If you cannot proceed, end with <TASK_BLOCKED: reason>.
Only modify files inside the task's allowed scope.`

// buildInitialPrompt assembles the full context bundle for iteration 1 (or
// whenever session continuation is unavailable).
func buildInitialPrompt(lc *contextloader.LoadedContext) string {
	var b strings.Builder

	if lc.Agents != "" {
		b.WriteString("# Project\n\n")
		b.WriteString(lc.Agents)
		b.WriteString("\n\n")
	}
	if lc.Role != "" {
		b.WriteString("# Your Role\n\n")
		b.WriteString(lc.Role)
		b.WriteString("\n\n")
	}

	task := lc.Task
	fmt.Fprintf(&b, "# Task: %s\n\n", task.Title)
	if task.Goal != "" {
		fmt.Fprintf(&b, "## Goal\n\n%s\n\n", task.Goal)
	}
	if task.Requirements != "" {
		fmt.Fprintf(&b, "## Requirements\n\n%s\n\n", task.Requirements)
	}
	if task.DefinitionOfDone != "" {
		fmt.Fprintf(&b, "## Definition of Done\n\n%s\n\n", task.DefinitionOfDone)
	}
	if len(task.Scope.Allowed) > 0 {
		fmt.Fprintf(&b, "## Scope\n\nAllowed paths:\n")
		for _, g := range task.Scope.Allowed {
			fmt.Fprintf(&b, "- %s\n", g)
		}
		for _, g := range task.Scope.Forbidden {
			fmt.Fprintf(&b, "- (forbidden) %s\n", g)
		}
		b.WriteString("\n")
	}

	if lc.Plan != nil && lc.Plan.Title != "" {
		fmt.Fprintf(&b, "# Active Plan: %s\n\n", lc.Plan.Title)
	}
	for _, skill := range lc.Skills {
		fmt.Fprintf(&b, "# Skill: %s\n\n%s\n\n", skill.Name, skill.Body)
	}
	if lc.State != "" {
		b.WriteString("# Project State\n\n")
		b.WriteString(lc.State)
		b.WriteString("\n\n")
	}
	if lc.Research != "" {
		b.WriteString("# Research Context\n\n")
		b.WriteString(lc.Research)
		b.WriteString("\n\n")
	}
	if len(lc.PreviousResults) > 0 {
		b.WriteString("# Previous Task Results\n\n")
		for _, summary := range lc.PreviousResults {
			b.WriteString(summary)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("# Instructions\n\n")
	b.WriteString(signalInstructions)
	return b.String()
}

// buildContinuationPrompt is the short iteration ≥ 2 prompt, carrying the
// previous iteration's validation failure output verbatim when present.
func buildContinuationPrompt(lastValidation *validate.Summary) string {
	var b strings.Builder
	b.WriteString("Continue working on the task.\n")
	if lastValidation != nil && lastValidation.FirstFailure != nil {
		f := lastValidation.FirstFailure
		fmt.Fprintf(&b, "\nThe previous attempt failed %s validation. Command %q exited %s.\nOutput:\n%s\n",
			lastValidation.Phase, f.Context["command"], f.Context["exit_code"], f.Context["output"])
		b.WriteString("\nFix the underlying problem before signaling completion again.\n")
	}
	b.WriteString("\n")
	b.WriteString(signalInstructions)
	return b.String()
}

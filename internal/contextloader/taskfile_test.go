package contextloader

import (
	"reflect"
	"strings"
	"testing"

	"github.com/rubenmavarezb/aidf-sub001/internal/aidferr"
)

const sampleTask = `---
id: "042"
title: Add request logging middleware
type: feature
status: pending
priority: high
depends_on:
  - "040"
  - "041"
roles:
  - backend
scope:
  allowed:
    - src/middleware/**
    - src/server.ts
  forbidden:
    - config/**
  ask_before:
    - src/server.ts
tags: [logging, middleware]
created: 2026-07-01
---

# Add request logging middleware

## Goal

Every inbound request is logged with method, path, and latency.

## Requirements

- Use the existing logger instance
- No new dependencies

## Definition of Done

- Middleware registered in server.ts
- Unit tests pass

## Creates

- ` + "`src/middleware/logging.ts`" + `

## Needs

- ` + "`src/logger.ts`" + `
`

func TestParseTaskFrontmatter(t *testing.T) {
	task, err := ParseTask("tasks/pending/042-logging.md", []byte(sampleTask))
	if err != nil {
		t.Fatalf("ParseTask: %v", err)
	}
	if task.ID != "042" {
		t.Errorf("id = %q", task.ID)
	}
	if task.Title != "Add request logging middleware" {
		t.Errorf("title = %q", task.Title)
	}
	if task.Type != "feature" || task.Priority != "high" {
		t.Errorf("type/priority = %q/%q", task.Type, task.Priority)
	}
	if !reflect.DeepEqual(task.DependsOn, []string{"040", "041"}) {
		t.Errorf("depends_on = %v", task.DependsOn)
	}
	if !reflect.DeepEqual(task.Tags, []string{"logging", "middleware"}) {
		t.Errorf("tags = %v", task.Tags)
	}
	if !reflect.DeepEqual(task.Scope.Allowed, []string{"src/middleware/**", "src/server.ts"}) {
		t.Errorf("scope.allowed = %v", task.Scope.Allowed)
	}
	if !reflect.DeepEqual(task.Scope.Forbidden, []string{"config/**"}) {
		t.Errorf("scope.forbidden = %v", task.Scope.Forbidden)
	}
	if task.Legacy {
		t.Error("frontmatter form should not be marked legacy")
	}
	if !strings.Contains(task.Goal, "logged with method") {
		t.Errorf("goal = %q", task.Goal)
	}
	if !strings.Contains(task.Requirements, "existing logger") {
		t.Errorf("requirements = %q", task.Requirements)
	}
	if !strings.Contains(task.DefinitionOfDone, "Unit tests pass") {
		t.Errorf("dod = %q", task.DefinitionOfDone)
	}
	if !reflect.DeepEqual(task.Creates, []string{"src/middleware/logging.ts"}) {
		t.Errorf("creates = %v", task.Creates)
	}
	if !reflect.DeepEqual(task.Needs, []string{"src/logger.ts"}) {
		t.Errorf("needs = %v", task.Needs)
	}
}

func TestParseTaskLegacyForm(t *testing.T) {
	legacy := `# Fix flaky cache test

## Goal

Make the cache eviction test deterministic.

## Requirements

- Seed the clock

## Definition of Done

- Test passes 100 consecutive runs
`
	task, err := ParseTask("tasks/pending/legacy.md", []byte(legacy))
	if err != nil {
		t.Fatalf("ParseTask: %v", err)
	}
	if !task.Legacy {
		t.Error("section-only form should be marked legacy")
	}
	if task.Title != "Fix flaky cache test" {
		t.Errorf("title = %q", task.Title)
	}
	if !strings.Contains(task.Goal, "deterministic") {
		t.Errorf("goal = %q", task.Goal)
	}
}

func TestParseTaskRejectsDeepNesting(t *testing.T) {
	bad := `---
id: "001"
title: t
metadata:
  nested: true
---

## Goal

g
`
	_, err := ParseTask("t.md", []byte(bad))
	ae, ok := aidferr.As(err)
	if !ok || ae.Code != aidferr.CodeConfigParseError {
		t.Fatalf("want config.PARSE_ERROR, got %v", err)
	}
	if ae.Context["line"] == "" {
		t.Error("parse error should carry line info")
	}
}

func TestParseTaskRejectsUnknownScopeKey(t *testing.T) {
	bad := "---\nid: \"001\"\nscope:\n  everywhere:\n    - '**'\n---\n\n## Goal\n\ng\n"
	_, err := ParseTask("t.md", []byte(bad))
	ae, ok := aidferr.As(err)
	if !ok || ae.Code != aidferr.CodeConfigParseError {
		t.Fatalf("want config.PARSE_ERROR, got %v", err)
	}
}

func TestRenderParseRoundTrip(t *testing.T) {
	task, err := ParseTask("t.md", []byte(sampleTask))
	if err != nil {
		t.Fatal(err)
	}
	again, err := ParseTask("t.md", []byte(task.Render()))
	if err != nil {
		t.Fatalf("reparse rendered: %v", err)
	}
	if again.ID != task.ID || again.Title != task.Title || again.Type != task.Type {
		t.Errorf("identity fields changed: %+v vs %+v", again, task)
	}
	if !reflect.DeepEqual(again.DependsOn, task.DependsOn) {
		t.Errorf("depends_on changed: %v vs %v", again.DependsOn, task.DependsOn)
	}
	if !reflect.DeepEqual(again.Scope, task.Scope) {
		t.Errorf("scope changed: %+v vs %+v", again.Scope, task.Scope)
	}
	if !reflect.DeepEqual(again.Creates, task.Creates) || !reflect.DeepEqual(again.Needs, task.Needs) {
		t.Errorf("creates/needs changed")
	}
	if strings.TrimSpace(again.Goal) != strings.TrimSpace(task.Goal) {
		t.Errorf("goal changed: %q vs %q", again.Goal, task.Goal)
	}
}

func TestMatchesTags(t *testing.T) {
	task := &Task{Title: "Improve API logging", Goal: "structured output", Tags: []string{"observability"}}
	if !task.MatchesTags([]string{"logging"}) {
		t.Error("title word should match")
	}
	if !task.MatchesTags([]string{"observability"}) {
		t.Error("tag should match")
	}
	if task.MatchesTags([]string{"log"}) {
		t.Error("partial word must not match")
	}
	if task.MatchesTags([]string{"database"}) {
		t.Error("unrelated needle must not match")
	}
}

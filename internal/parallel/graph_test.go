package parallel

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rubenmavarezb/aidf-sub001/internal/contextloader"
)

// writeTask creates a task file and returns its path.
func writeTask(t *testing.T, root, name, frontmatter, body string) string {
	t.Helper()
	dir := filepath.Join(root, ".ai", "tasks", "pending")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	content := "---\n" + frontmatter + "---\n\n## Goal\n\ng\n" + body
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestBuildGraphDependsOnWaves(t *testing.T) {
	root := t.TempDir()
	a := writeTask(t, root, "010-a.md", "id: \"010\"\ntitle: A\nscope:\n  allowed:\n    - src/a/**\n", "")
	b := writeTask(t, root, "020-b.md", "id: \"020\"\ntitle: B\ndepends_on:\n  - \"010\"\nscope:\n  allowed:\n    - src/b/**\n", "")
	c := writeTask(t, root, "030-c.md", "id: \"030\"\ntitle: C\ndepends_on:\n  - \"020\"\nscope:\n  allowed:\n    - src/c/**\n", "")

	g, err := BuildGraph(root, BuildInput{Paths: []string{a, b, c}}, nil)
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	if g.Node(a).Wave != 1 || g.Node(b).Wave != 2 || g.Node(c).Wave != 3 {
		t.Errorf("waves = %d/%d/%d, want 1/2/3", g.Node(a).Wave, g.Node(b).Wave, g.Node(c).Wave)
	}
	waves := g.Waves()
	if len(waves) != 3 {
		t.Fatalf("wave count = %d", len(waves))
	}
}

func TestBuildGraphCreatesNeeds(t *testing.T) {
	root := t.TempDir()
	producer := writeTask(t, root, "010-p.md",
		"id: \"010\"\ntitle: Producer\nscope:\n  allowed:\n    - gen/**\n",
		"\n## Creates\n\n- `gen/schema.json`\n")
	consumer := writeTask(t, root, "020-c.md",
		"id: \"020\"\ntitle: Consumer\nscope:\n  allowed:\n    - src/**\n",
		"\n## Needs\n\n- `gen/schema.json`\n")

	g, err := BuildGraph(root, BuildInput{Paths: []string{producer, consumer}}, nil)
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	if g.Node(producer).Wave != 1 || g.Node(consumer).Wave != 2 {
		t.Errorf("producer/consumer waves = %d/%d", g.Node(producer).Wave, g.Node(consumer).Wave)
	}
}

func TestBuildGraphScopeOverlapSerializes(t *testing.T) {
	root := t.TempDir()
	a := writeTask(t, root, "010-a.md", "id: \"010\"\ntitle: A\nscope:\n  allowed:\n    - src/shared/**\n", "")
	b := writeTask(t, root, "020-b.md", "id: \"020\"\ntitle: B\nscope:\n  allowed:\n    - src/shared/**\n", "")

	g, err := BuildGraph(root, BuildInput{Paths: []string{a, b}}, nil)
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	if g.Node(a).Wave == g.Node(b).Wave {
		t.Errorf("overlapping scopes must serialize, both in wave %d", g.Node(a).Wave)
	}
}

func TestBuildGraphDisjointScopesShareWave(t *testing.T) {
	root := t.TempDir()
	a := writeTask(t, root, "010-a.md", "id: \"010\"\ntitle: A\nscope:\n  allowed:\n    - src/api/**\n", "")
	b := writeTask(t, root, "020-b.md", "id: \"020\"\ntitle: B\nscope:\n  allowed:\n    - src/web/**\n", "")

	g, err := BuildGraph(root, BuildInput{Paths: []string{a, b}}, nil)
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	if g.Node(a).Wave != 1 || g.Node(b).Wave != 1 {
		t.Errorf("disjoint tasks should share wave 1, got %d/%d", g.Node(a).Wave, g.Node(b).Wave)
	}
}

func TestBuildGraphCycle(t *testing.T) {
	root := t.TempDir()
	a := writeTask(t, root, "010-a.md", "id: \"010\"\ntitle: A\ndepends_on:\n  - \"020\"\nscope:\n  allowed:\n    - src/a/**\n", "")
	b := writeTask(t, root, "020-b.md", "id: \"020\"\ntitle: B\ndepends_on:\n  - \"010\"\nscope:\n  allowed:\n    - src/b/**\n", "")

	_, err := BuildGraph(root, BuildInput{Paths: []string{a, b}}, nil)
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Errorf("err = %v, want cycle named", err)
	}
	if !strings.Contains(err.Error(), "010") || !strings.Contains(err.Error(), "020") {
		t.Errorf("cycle members not named: %v", err)
	}
}

func TestBuildGraphUnmetExternalDependency(t *testing.T) {
	root := t.TempDir()
	x := writeTask(t, root, "090-x.md", "id: \"090\"\ntitle: X\ndepends_on:\n  - \"080\"\nscope:\n  allowed:\n    - src/**\n", "")

	index := map[string]contextloader.IndexEntry{
		"080": {Status: "pending", FilePath: "somewhere"},
	}
	_, err := BuildGraph(root, BuildInput{Paths: []string{x}}, index)
	if err == nil {
		t.Fatal("expected unmet dependency error")
	}
	if !strings.Contains(err.Error(), "090 depends on 080 which is not completed") {
		t.Errorf("err = %v", err)
	}
}

func TestBuildGraphExternalDependencyCompleted(t *testing.T) {
	root := t.TempDir()
	x := writeTask(t, root, "090-x.md", "id: \"090\"\ntitle: X\ndepends_on:\n  - \"080\"\nscope:\n  allowed:\n    - src/**\n", "")

	index := map[string]contextloader.IndexEntry{
		"080": {Status: "completed", FilePath: "done"},
	}
	g, err := BuildGraph(root, BuildInput{Paths: []string{x}}, index)
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	if g.Node(x).Wave != 1 {
		t.Errorf("wave = %d", g.Node(x).Wave)
	}
}

func TestBuildGraphExplicitWaveOverride(t *testing.T) {
	root := t.TempDir()
	a := writeTask(t, root, "010-a.md", "id: \"010\"\ntitle: A\nscope:\n  allowed:\n    - src/a/**\n", "")
	b := writeTask(t, root, "020-b.md", "id: \"020\"\ntitle: B\nscope:\n  allowed:\n    - src/b/**\n", "")

	g, err := BuildGraph(root, BuildInput{
		Paths:         []string{a, b},
		ExplicitWaves: map[string]int{b: 3},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if g.Node(b).Wave != 3 {
		t.Errorf("explicit wave = %d, want 3", g.Node(b).Wave)
	}

	// Declaring a wave below what predecessors require is rejected.
	c := writeTask(t, root, "030-c.md", "id: \"030\"\ntitle: C\ndepends_on:\n  - \"010\"\nscope:\n  allowed:\n    - src/c/**\n", "")
	_, err = BuildGraph(root, BuildInput{
		Paths:         []string{a, c},
		ExplicitWaves: map[string]int{c: 1, a: 1},
	}, nil)
	if err == nil {
		t.Fatal("expected explicit-wave validation error")
	}
}

func TestClaimIndex(t *testing.T) {
	c := NewClaimIndex()
	if err := c.Claim("taskA", []string{"src/x.go", "src/y.go"}); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	// Re-claim by the same owner is fine.
	if err := c.Claim("taskA", []string{"src/x.go"}); err != nil {
		t.Fatalf("self re-claim: %v", err)
	}
	err := c.Claim("taskB", []string{"src/x.go"})
	if err == nil {
		t.Fatal("conflicting claim should fail")
	}
	conflict, ok := err.(*ErrConflict)
	if !ok || conflict.Path != "src/x.go" || conflict.WinnerTask != "taskA" {
		t.Errorf("conflict = %+v", err)
	}

	c.Release("taskA")
	if err := c.Claim("taskB", []string{"src/x.go"}); err != nil {
		t.Errorf("claim after release: %v", err)
	}
}

func TestClaimIndexAtomicity(t *testing.T) {
	c := NewClaimIndex()
	if err := c.Claim("taskA", []string{"a"}); err != nil {
		t.Fatal(err)
	}
	// A multi-path claim that collides on any path claims nothing.
	if err := c.Claim("taskB", []string{"b", "a"}); err == nil {
		t.Fatal("expected conflict")
	}
	if owner, ok := c.Owner("b"); ok {
		t.Errorf("path b should be unclaimed after failed batch, owner=%s", owner)
	}
}

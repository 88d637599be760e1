// Package parallel schedules many task executors in dependency-ordered
// waves with runtime file-conflict detection.
package parallel

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rubenmavarezb/aidf-sub001/internal/contextloader"
	"github.com/rubenmavarezb/aidf-sub001/internal/scope"
)

// Node is one task in the dependency graph.
type Node struct {
	Path         string
	Task         *contextloader.Task
	Wave         int // assigned by layering
	ExplicitWave int // declared in the plan entry (0 = none)

	preds []string // node paths this task depends on
}

// Preds returns the predecessor paths.
func (n *Node) Preds() []string { return n.preds }

// Graph is the DAG over the run's tasks.
type Graph struct {
	nodes map[string]*Node
	order []string // topological order of paths
}

// Nodes returns nodes in topological order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, p := range g.order {
		out = append(out, g.nodes[p])
	}
	return out
}

// Node returns the node for a path.
func (g *Graph) Node(path string) *Node { return g.nodes[path] }

// Waves groups node paths by wave number, ascending.
func (g *Graph) Waves() [][]string {
	byWave := map[int][]string{}
	maxWave := 0
	for _, n := range g.nodes {
		byWave[n.Wave] = append(byWave[n.Wave], n.Path)
		if n.Wave > maxWave {
			maxWave = n.Wave
		}
	}
	waves := make([][]string, 0, maxWave)
	for w := 1; w <= maxWave; w++ {
		paths := byWave[w]
		sort.Strings(paths)
		waves = append(waves, paths)
	}
	return waves
}

// BuildInput carries the run's task set plus per-path plan declarations.
type BuildInput struct {
	Paths         []string
	ExplicitWaves map[string]int      // task path → declared wave
	ExtraDeps     map[string][]string // task path → extra depends_on ids from the plan
}

// BuildGraph parses the tasks, derives edges from depends_on,
// creates∩needs, and conservative scope overlap, rejects cycles and unmet
// external dependencies, and assigns waves by longest-path layering.
func BuildGraph(root string, input BuildInput, index map[string]contextloader.IndexEntry) (*Graph, error) {
	g := &Graph{nodes: make(map[string]*Node, len(input.Paths))}
	byID := map[string]string{} // task id → path

	for _, path := range input.Paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read task %s: %w", path, err)
		}
		task, err := contextloader.ParseTask(path, data)
		if err != nil {
			return nil, err
		}
		node := &Node{Path: path, Task: task, ExplicitWave: input.ExplicitWaves[path]}
		g.nodes[path] = node
		if task.ID != "" {
			byID[task.ID] = path
		}
	}

	// Edges. predSet avoids duplicate edges from multiple rules.
	for _, node := range g.nodes {
		predSet := map[string]bool{}

		deps := append([]string{}, node.Task.DependsOn...)
		deps = append(deps, input.ExtraDeps[node.Path]...)
		for _, depID := range deps {
			if depPath, ok := byID[depID]; ok {
				predSet[depPath] = true
				continue
			}
			// Dependency outside the run: it must already be completed.
			entry, known := index[depID]
			if !known || entry.Status != "completed" {
				return nil, fmt.Errorf("%s depends on %s which is not completed", taskName(node), depID)
			}
		}

		for _, other := range g.nodes {
			if other.Path == node.Path {
				continue
			}
			// creates ∩ needs: the producer runs first.
			if intersects(other.Task.Creates, node.Task.Needs) {
				predSet[other.Path] = true
			}
			// Conservative scope overlap: serialize by id order so the
			// relation stays acyclic.
			if other.Path < node.Path && scopesOverlap(other.Task, node.Task) {
				predSet[other.Path] = true
			}
		}

		for p := range predSet {
			node.preds = append(node.preds, p)
		}
		sort.Strings(node.preds)
	}

	if err := g.topoSort(); err != nil {
		return nil, err
	}
	if err := g.assignWaves(); err != nil {
		return nil, err
	}
	return g, nil
}

// topoSort runs Kahn's algorithm; a cycle fails the whole plan with the
// cycle members named.
func (g *Graph) topoSort() error {
	inDegree := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes))
	for path, node := range g.nodes {
		inDegree[path] += 0
		for _, pred := range node.preds {
			inDegree[path]++
			dependents[pred] = append(dependents[pred], path)
		}
	}

	var queue []string
	for path, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, path)
		}
	}
	sort.Strings(queue)

	var order []string
	for len(queue) > 0 {
		path := queue[0]
		queue = queue[1:]
		order = append(order, path)

		next := dependents[path]
		sort.Strings(next)
		for _, dep := range next {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(order) != len(g.nodes) {
		var cycle []string
		for path, deg := range inDegree {
			if deg > 0 {
				cycle = append(cycle, taskName(g.nodes[path]))
			}
		}
		sort.Strings(cycle)
		return fmt.Errorf("dependency cycle between tasks: %s", strings.Join(cycle, ", "))
	}
	g.order = order
	return nil
}

// assignWaves layers by longest path: wave = 1 + max(predecessor waves).
// Explicit declarations override upward only.
func (g *Graph) assignWaves() error {
	for _, path := range g.order {
		node := g.nodes[path]
		wave := 1
		for _, pred := range node.preds {
			if pw := g.nodes[pred].Wave; pw >= wave {
				wave = pw + 1
			}
		}
		if node.ExplicitWave > 0 {
			if node.ExplicitWave < wave {
				return fmt.Errorf("%s declares wave %d but its predecessors require wave %d",
					taskName(node), node.ExplicitWave, wave)
			}
			wave = node.ExplicitWave
		}
		node.Wave = wave
	}
	return nil
}

// scopesOverlap conservatively detects that two tasks can touch the same
// paths: A.allowed against B.allowed and B.forbidden.
func scopesOverlap(a, b *contextloader.Task) bool {
	if len(a.Scope.Allowed) == 0 || (len(b.Scope.Allowed) == 0 && len(b.Scope.Forbidden) == 0) {
		return false
	}
	return scope.PatternsOverlap(a.Scope.Allowed, b.Scope.Allowed) ||
		scope.PatternsOverlap(a.Scope.Allowed, b.Scope.Forbidden)
}

func intersects(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if set[s] {
			return true
		}
	}
	return false
}

func taskName(n *Node) string {
	if n.Task.ID != "" {
		return n.Task.ID
	}
	return n.Path
}

package contextloader

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rubenmavarezb/aidf-sub001/internal/aidferr"
	"github.com/rubenmavarezb/aidf-sub001/internal/config"
)

// Skill is one loaded SKILL.md.
type Skill struct {
	Name        string
	Description string
	Tags        []string
	Body        string
}

// LoadedContext is the immutable bundle a task execution starts from.
type LoadedContext struct {
	Agents          string
	Role            string
	RoleName        string
	Task            *Task
	Plan            *Plan
	Skills          []Skill
	State           string
	PreviousResults []string
	Research        string

	EstimatedTokens int
	Breakdown       map[string]int
}

// Options tunes Load.
type Options struct {
	RoleOverride      string
	PreviousSummaries []string
	IncludeResearch   bool
}

// Load reads the project context for one task: agents overview, the task
// file, the matching role, the active plan, relevant skills, persistent
// state, and optional previous-wave summaries.
func Load(root, taskPath string, opts Options) (*LoadedContext, error) {
	data, err := os.ReadFile(taskPath)
	if err != nil {
		return nil, aidferr.New(aidferr.CategoryConfig, aidferr.CodeConfigMissing,
			fmt.Sprintf("task file not found: %s", taskPath)).WithCause(err)
	}
	task, err := ParseTask(taskPath, data)
	if err != nil {
		return nil, err
	}

	lc := &LoadedContext{
		Task:            task,
		PreviousResults: opts.PreviousSummaries,
		Breakdown:       make(map[string]int),
	}

	lc.Agents = readOptional(filepath.Join(config.AIPath(root), "AGENTS.md"))
	lc.State = readOptional(filepath.Join(config.AIPath(root), "STATE.md"))

	lc.RoleName, lc.Role = loadRole(root, task, opts.RoleOverride)
	lc.Plan = loadActivePlan(root)
	lc.Skills = loadRelevantSkills(root, task)

	if opts.IncludeResearch || task.ResearchContext != "" {
		lc.Research = loadResearch(root, task)
	}

	lc.estimateSize()
	return lc, nil
}

// readOptional returns the file content or "" when absent.
func readOptional(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

// loadRole resolves the role: explicit override, first task role, then a
// role named "default".
func loadRole(root string, task *Task, override string) (string, string) {
	var candidates []string
	if override != "" {
		candidates = append(candidates, override)
	}
	candidates = append(candidates, task.Roles...)
	candidates = append(candidates, "default")

	for _, name := range candidates {
		content := readOptional(filepath.Join(config.RolesPath(root), name+".md"))
		if content != "" {
			return name, content
		}
	}
	return "", ""
}

// loadActivePlan returns the plan with status active, or the newest plan.
func loadActivePlan(root string) *Plan {
	entries, err := os.ReadDir(config.PlansPath(root))
	if err != nil {
		return nil
	}

	var newest *Plan
	var newestMod int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		path := filepath.Join(config.PlansPath(root), e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		plan, err := ParsePlan(path, data)
		if err != nil {
			continue
		}
		if plan.Status == "active" {
			return plan
		}
		if info, err := e.Info(); err == nil && info.ModTime().UnixNano() >= newestMod {
			newest = plan
			newestMod = info.ModTime().UnixNano()
		}
	}
	return newest
}

// loadRelevantSkills returns skills whose name or tags match the task.
func loadRelevantSkills(root string, task *Task) []Skill {
	entries, err := os.ReadDir(config.SkillsPath(root))
	if err != nil {
		return nil
	}

	var skills []Skill
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(config.SkillsPath(root), e.Name(), "SKILL.md")
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		skill, err := parseSkill(e.Name(), data)
		if err != nil {
			continue
		}
		needles := append([]string{skill.Name}, skill.Tags...)
		if task.MatchesTags(needles) {
			skills = append(skills, *skill)
		}
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })
	return skills
}

// parseSkill reads a SKILL.md: YAML frontmatter {name, description, tags}
// plus the markdown body.
func parseSkill(dirName string, data []byte) (*Skill, error) {
	raw := string(data)
	skill := &Skill{Name: dirName}

	body := raw
	if m := frontmatterRe.FindStringSubmatch(raw); m != nil {
		var fm struct {
			Name        string   `yaml:"name"`
			Description string   `yaml:"description"`
			Tags        []string `yaml:"tags"`
		}
		if err := yaml.Unmarshal([]byte(m[1]), &fm); err != nil {
			return nil, fmt.Errorf("parse skill frontmatter: %w", err)
		}
		if fm.Name != "" {
			skill.Name = fm.Name
		}
		skill.Description = fm.Description
		skill.Tags = fm.Tags
		body = raw[len(m[0]):]
	}
	skill.Body = strings.TrimSpace(body)
	return skill, nil
}

// loadResearch concatenates research findings whose topic matches the task.
func loadResearch(root string, task *Task) string {
	entries, err := os.ReadDir(config.ResearchPath(root))
	if err != nil {
		return ""
	}
	var b strings.Builder
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		topic := strings.TrimSuffix(e.Name(), "-findings.md")
		if !task.MatchesTags([]string{topic}) {
			continue
		}
		content := readOptional(filepath.Join(config.ResearchPath(root), e.Name()))
		if content != "" {
			b.WriteString(content)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// estimateSize fills EstimatedTokens and the per-layer Breakdown using the
// chars/4 heuristic.
func (lc *LoadedContext) estimateSize() {
	layer := func(name, content string) {
		tokens := len(content) / 4
		lc.Breakdown[name] = tokens
		lc.EstimatedTokens += tokens
	}
	layer("agents", lc.Agents)
	layer("role", lc.Role)
	layer("task", lc.Task.Raw)
	if lc.Plan != nil {
		layer("plan", lc.Plan.Raw)
	} else {
		lc.Breakdown["plan"] = 0
	}
	var skillText strings.Builder
	for _, s := range lc.Skills {
		skillText.WriteString(s.Body)
	}
	layer("skills", skillText.String())
	layer("state", lc.State)
	layer("previousResults", strings.Join(lc.PreviousResults, "\n"))
	layer("research", lc.Research)
}

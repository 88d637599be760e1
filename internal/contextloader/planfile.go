package contextloader

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rubenmavarezb/aidf-sub001/internal/aidferr"
)

// Plan is a parsed plan file: declared phases plus the executable ## Tasks
// entries.
type Plan struct {
	Title   string
	Version string
	Status  string
	Created string
	Phases  []PlanPhase
	Entries []PlanEntry

	FilePath string
	Raw      string
}

// PlanPhase is one declared phase with its task labels.
type PlanPhase struct {
	Name  string
	Tasks []string
}

// PlanEntry is one checkbox line under ## Tasks.
type PlanEntry struct {
	Checked     bool
	TaskPath    string
	Description string
	Wave        int // 0 = not declared
	DependsOn   []string
	Line        int // 1-based line in the plan file
}

// planEntryRe matches: - [ ] `path/to/task.md` — description (wave: 2, depends: 010, 020)
// The em/en dash, description, and parenthesized attributes are optional.
var planEntryRe = regexp.MustCompile("^\\s*-\\s*\\[( |x|X)\\]\\s*`([^`]+)`\\s*(?:[—–-]+\\s*(.*?))?\\s*$")

var planAttrRe = regexp.MustCompile(`\(([^)]*)\)\s*$`)

// ParsePlan parses a plan file: frontmatter, phases, and ## Tasks entries.
func ParsePlan(path string, data []byte) (*Plan, error) {
	raw := string(data)
	p := &Plan{FilePath: path, Raw: raw}

	body := raw
	if m := frontmatterRe.FindStringSubmatch(raw); m != nil {
		if err := parsePlanFrontmatter(p, path, m[1]); err != nil {
			return nil, err
		}
		body = raw[len(m[0]):]
	}

	// Entry lines are scanned over the whole body; only ## Tasks sections
	// contain the backtick-path checkbox form the regex requires.
	offset := strings.Count(raw[:len(raw)-len(body)], "\n")
	for i, line := range strings.Split(body, "\n") {
		m := planEntryRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		entry := PlanEntry{
			Checked:  m[1] == "x" || m[1] == "X",
			TaskPath: m[2],
			Line:     offset + i + 1,
		}
		desc := strings.TrimSpace(m[3])
		if am := planAttrRe.FindStringSubmatch(desc); am != nil {
			parsePlanAttrs(&entry, am[1])
			desc = strings.TrimSpace(strings.TrimSuffix(desc, am[0]))
		}
		entry.Description = desc
		p.Entries = append(p.Entries, entry)
	}
	return p, nil
}

func parsePlanFrontmatter(p *Plan, path, fm string) error {
	var raw struct {
		Title   string `yaml:"title"`
		Version string `yaml:"version"`
		Status  string `yaml:"status"`
		Created string `yaml:"created"`
		Phases  []struct {
			Name  string   `yaml:"name"`
			Tasks []string `yaml:"tasks"`
		} `yaml:"phases"`
	}
	if err := yaml.Unmarshal([]byte(fm), &raw); err != nil {
		return aidferr.New(aidferr.CategoryConfig, aidferr.CodeConfigParseError,
			fmt.Sprintf("parse plan frontmatter of %s: %v", path, err)).WithCause(err)
	}
	p.Title = raw.Title
	p.Version = raw.Version
	p.Status = raw.Status
	p.Created = raw.Created
	for _, ph := range raw.Phases {
		p.Phases = append(p.Phases, PlanPhase{Name: ph.Name, Tasks: ph.Tasks})
	}
	return nil
}

// parsePlanAttrs reads the "(wave: N, depends: a, b)" suffix.
func parsePlanAttrs(entry *PlanEntry, attrs string) {
	// depends may itself contain commas, so scan key-first.
	for _, part := range splitAttrs(attrs) {
		key, value, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		switch key {
		case "wave":
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				entry.Wave = n
			}
		case "depends":
			for _, id := range strings.Split(value, ",") {
				if id = strings.TrimSpace(id); id != "" {
					entry.DependsOn = append(entry.DependsOn, id)
				}
			}
		}
	}
}

// splitAttrs splits on commas that begin a new "key:" segment.
func splitAttrs(attrs string) []string {
	var parts []string
	current := strings.Builder{}
	segments := strings.Split(attrs, ",")
	for _, seg := range segments {
		if strings.Contains(seg, ":") && current.Len() > 0 {
			parts = append(parts, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString(",")
		}
		current.WriteString(seg)
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}

// MarkCompleted rewrites the single checkbox line for taskPath from [ ] to
// [x], returning the updated content and whether a rewrite happened. The
// update is line-scoped: nothing else in the file changes.
func MarkCompleted(content, taskPath string) (string, bool) {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		m := planEntryRe.FindStringSubmatch(line)
		if m == nil || m[2] != taskPath {
			continue
		}
		if m[1] == "x" || m[1] == "X" {
			return content, false
		}
		lines[i] = strings.Replace(line, "[ ]", "[x]", 1)
		return strings.Join(lines, "\n"), true
	}
	return content, false
}

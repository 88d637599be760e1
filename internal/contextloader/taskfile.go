// Package contextloader reads the .ai project tree into the immutable
// context bundle a task execution starts from.
package contextloader

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rubenmavarezb/aidf-sub001/internal/aidferr"
	"github.com/rubenmavarezb/aidf-sub001/internal/scope"
)

// Task is the parsed task file.
type Task struct {
	ID        string
	Title     string
	Type      string
	Status    string
	Priority  string
	Version   string
	Phase     string
	DependsOn []string
	Roles     []string
	Scope     scope.TaskScope
	Tags      []string
	Created   string

	Goal             string
	Requirements     string
	DefinitionOfDone string
	Creates          []string
	Needs            []string
	ResearchContext  string

	FilePath string
	Legacy   bool // parsed from the section-only form
	Raw      string
}

var frontmatterRe = regexp.MustCompile(`(?s)\A---\n(.*?)\n---\n?`)

// ParseTask parses a task file in either the YAML-frontmatter form or the
// legacy section-only form (which still parses, with a deprecation
// warning).
func ParseTask(path string, data []byte) (*Task, error) {
	raw := string(data)
	t := &Task{FilePath: path, Raw: raw}

	m := frontmatterRe.FindStringSubmatch(raw)
	if m == nil {
		t.Legacy = true
		slog.Warn("task file has no frontmatter; the legacy section-only form is deprecated", "path", path)
		parseTaskBody(t, raw)
		if t.Title == "" {
			t.Title = firstHeading(raw)
		}
		return t, nil
	}

	if err := parseTaskFrontmatter(t, path, m[1]); err != nil {
		return nil, err
	}
	parseTaskBody(t, raw[len(m[0]):])
	return t, nil
}

// parseTaskFrontmatter decodes the restricted YAML subset: flat scalar
// keys, simple lists, and exactly one nested mapping level for scope.
// Anything deeper is rejected with line information.
func parseTaskFrontmatter(t *Task, path, fm string) error {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(fm), &doc); err != nil {
		return aidferr.New(aidferr.CategoryConfig, aidferr.CodeConfigParseError,
			fmt.Sprintf("parse frontmatter of %s: %v", path, err)).WithCause(err)
	}
	if len(doc.Content) == 0 {
		return nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return parseErrAt(path, root.Line, "frontmatter must be a mapping")
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		key := root.Content[i]
		val := root.Content[i+1]
		switch key.Value {
		case "id":
			t.ID = scalarValue(val)
		case "title":
			t.Title = scalarValue(val)
		case "type":
			t.Type = scalarValue(val)
		case "status":
			t.Status = scalarValue(val)
		case "priority":
			t.Priority = scalarValue(val)
		case "version":
			t.Version = scalarValue(val)
		case "phase":
			t.Phase = scalarValue(val)
		case "created":
			t.Created = scalarValue(val)
		case "depends_on":
			list, err := stringList(path, val)
			if err != nil {
				return err
			}
			t.DependsOn = list
		case "roles":
			list, err := stringList(path, val)
			if err != nil {
				return err
			}
			t.Roles = list
		case "tags":
			list, err := stringList(path, val)
			if err != nil {
				return err
			}
			t.Tags = list
		case "scope":
			s, err := parseScopeNode(path, val)
			if err != nil {
				return err
			}
			t.Scope = s
		default:
			// Unknown flat keys are tolerated; deeper structure is not.
			if val.Kind == yaml.MappingNode {
				return parseErrAt(path, val.Line, fmt.Sprintf("nested mapping under %q is not supported", key.Value))
			}
		}
	}
	return nil
}

// parseScopeNode decodes the single supported nesting level.
func parseScopeNode(path string, node *yaml.Node) (scope.TaskScope, error) {
	var s scope.TaskScope
	if node.Kind != yaml.MappingNode {
		return s, parseErrAt(path, node.Line, "scope must be a mapping")
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i]
		val := node.Content[i+1]
		list, err := stringList(path, val)
		if err != nil {
			return s, err
		}
		switch key.Value {
		case "allowed":
			s.Allowed = list
		case "forbidden":
			s.Forbidden = list
		case "ask_before":
			s.AskBefore = list
		case "constraints":
			s.Constraints = list
		case "allow_implicit_forbidden":
			s.AllowImplicitForbidden = list
		default:
			return s, parseErrAt(path, key.Line, fmt.Sprintf("unknown scope key %q", key.Value))
		}
	}
	return s, nil
}

// stringList accepts a scalar, an inline list, or a dashed list of
// scalars. Nested structure inside a list is rejected.
func stringList(path string, node *yaml.Node) ([]string, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Value == "" {
			return nil, nil
		}
		return []string{node.Value}, nil
	case yaml.SequenceNode:
		out := make([]string, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return nil, parseErrAt(path, item.Line, "list items must be scalars")
			}
			out = append(out, item.Value)
		}
		return out, nil
	default:
		return nil, parseErrAt(path, node.Line, "expected a scalar or list")
	}
}

func scalarValue(node *yaml.Node) string {
	if node.Kind != yaml.ScalarNode {
		return ""
	}
	return node.Value
}

func parseErrAt(path string, line int, msg string) *aidferr.Error {
	return aidferr.New(aidferr.CategoryConfig, aidferr.CodeConfigParseError,
		fmt.Sprintf("%s:%d: %s", path, line, msg)).
		WithContext("line", fmt.Sprintf("%d", line))
}

// sectionRe matches second-level markdown headings.
var sectionRe = regexp.MustCompile(`(?m)^##\s+(.+)$`)

// parseTaskBody extracts the conventional sections from the markdown body.
func parseTaskBody(t *Task, body string) {
	sections := splitSections(body)
	t.Goal = sections["goal"]
	t.Requirements = sections["requirements"]
	t.DefinitionOfDone = sections["definition of done"]
	t.ResearchContext = sections["research context"]
	t.Creates = bulletPaths(sections["creates"])
	t.Needs = bulletPaths(sections["needs"])
}

// splitSections maps lowercased heading text to trimmed section content.
func splitSections(body string) map[string]string {
	sections := make(map[string]string)
	matches := sectionRe.FindAllStringSubmatchIndex(body, -1)
	for i, m := range matches {
		name := strings.ToLower(strings.TrimSpace(body[m[2]:m[3]]))
		start := m[1]
		end := len(body)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		sections[name] = strings.TrimSpace(body[start:end])
	}
	return sections
}

// bulletPaths extracts paths from a bulleted list, tolerating backticks.
func bulletPaths(section string) []string {
	if section == "" {
		return nil
	}
	var paths []string
	for _, line := range strings.Split(section, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "*") {
			continue
		}
		line = strings.TrimSpace(strings.TrimLeft(line, "-* "))
		line = strings.Trim(line, "`")
		if line != "" {
			paths = append(paths, line)
		}
	}
	return paths
}

// firstHeading returns the first top-level heading text, used as a title
// fallback for legacy files.
func firstHeading(body string) string {
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "# "))
		}
	}
	return ""
}

// Render re-emits a task as frontmatter plus body. Parsing the rendered
// form yields an equivalent task (modulo whitespace normalization).
func (t *Task) Render() string {
	var b strings.Builder
	b.WriteString("---\n")
	writeScalar(&b, "id", t.ID)
	writeScalar(&b, "title", t.Title)
	writeScalar(&b, "type", t.Type)
	writeScalar(&b, "status", t.Status)
	writeScalar(&b, "priority", t.Priority)
	writeScalar(&b, "version", t.Version)
	writeScalar(&b, "phase", t.Phase)
	writeList(&b, "depends_on", t.DependsOn)
	writeList(&b, "roles", t.Roles)
	if len(t.Scope.Allowed)+len(t.Scope.Forbidden)+len(t.Scope.AskBefore)+len(t.Scope.Constraints)+len(t.Scope.AllowImplicitForbidden) > 0 {
		b.WriteString("scope:\n")
		writeNestedList(&b, "allowed", t.Scope.Allowed)
		writeNestedList(&b, "forbidden", t.Scope.Forbidden)
		writeNestedList(&b, "ask_before", t.Scope.AskBefore)
		writeNestedList(&b, "constraints", t.Scope.Constraints)
		writeNestedList(&b, "allow_implicit_forbidden", t.Scope.AllowImplicitForbidden)
	}
	writeList(&b, "tags", t.Tags)
	writeScalar(&b, "created", t.Created)
	b.WriteString("---\n\n")

	fmt.Fprintf(&b, "# %s\n", t.Title)
	writeSection(&b, "Goal", t.Goal)
	writeSection(&b, "Requirements", t.Requirements)
	writeSection(&b, "Definition of Done", t.DefinitionOfDone)
	if len(t.Creates) > 0 {
		writeSection(&b, "Creates", renderBullets(t.Creates))
	}
	if len(t.Needs) > 0 {
		writeSection(&b, "Needs", renderBullets(t.Needs))
	}
	if t.ResearchContext != "" {
		writeSection(&b, "Research Context", t.ResearchContext)
	}
	return b.String()
}

func writeScalar(b *strings.Builder, key, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(b, "%s: %s\n", key, value)
}

func writeList(b *strings.Builder, key string, values []string) {
	if len(values) == 0 {
		return
	}
	fmt.Fprintf(b, "%s:\n", key)
	for _, v := range values {
		fmt.Fprintf(b, "  - %s\n", v)
	}
}

func writeNestedList(b *strings.Builder, key string, values []string) {
	if len(values) == 0 {
		return
	}
	fmt.Fprintf(b, "  %s:\n", key)
	for _, v := range values {
		fmt.Fprintf(b, "    - %s\n", v)
	}
}

func writeSection(b *strings.Builder, heading, content string) {
	if content == "" {
		return
	}
	fmt.Fprintf(b, "\n## %s\n\n%s\n", heading, content)
}

func renderBullets(paths []string) string {
	var b strings.Builder
	for i, p := range paths {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "- `%s`", p)
	}
	return b.String()
}

// MatchesTags reports whether any of the needles appears in the task's
// title, goal, or tags (case-insensitive word match).
func (t *Task) MatchesTags(needles []string) bool {
	haystack := strings.ToLower(t.Title + " " + t.Goal + " " + strings.Join(t.Tags, " "))
	for _, n := range needles {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" {
			continue
		}
		if containsWord(haystack, n) {
			return true
		}
	}
	return false
}

func containsWord(haystack, word string) bool {
	idx := 0
	for {
		i := strings.Index(haystack[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		beforeOK := start == 0 || !isWordChar(haystack[start-1])
		afterOK := end == len(haystack) || !isWordChar(haystack[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordChar(c byte) bool {
	return c == '_' || c == '-' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}


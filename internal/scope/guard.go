// Package scope decides whether file changes reported by a provider fall
// inside the task's declared boundaries.
package scope

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/rubenmavarezb/aidf-sub001/internal/aidferr"
)

// ChangeKind classifies what happened to a file.
type ChangeKind string

const (
	KindCreated  ChangeKind = "created"
	KindModified ChangeKind = "modified"
	KindDeleted  ChangeKind = "deleted"
)

// FileChange is one observed working-tree mutation.
type FileChange struct {
	Path string
	Kind ChangeKind
}

// Mode mirrors config.scope_enforcement.
type Mode string

const (
	ModeStrict     Mode = "strict"
	ModeAsk        Mode = "ask"
	ModePermissive Mode = "permissive"
)

// TaskScope is the per-task boundary declaration from the task file.
type TaskScope struct {
	Allowed               []string
	Forbidden             []string
	AskBefore             []string
	Constraints           []string
	AllowImplicitForbidden []string
}

// Verdict is the decision kind for a change set.
type Verdict string

const (
	VerdictAllow   Verdict = "ALLOW"
	VerdictAskUser Verdict = "ASK_USER"
	VerdictBlock   Verdict = "BLOCK"
)

// Decision is the outcome of checking a change set. Block decisions carry a
// categorized scope error; AskUser carries the paths needing approval.
type Decision struct {
	Verdict Verdict
	Files   []string
	Reason  string
	Err     *aidferr.Error
}

// implicitForbidden is always evaluated before the task scope: secret
// material is off-limits no matter what the task declares.
var implicitForbidden = []string{
	".env*",
	"**/.env*",
	"*.pem",
	"**/*.pem",
	"*.key",
	"**/*.key",
	"credentials.json",
	"**/credentials.json",
	"id_rsa*",
	"**/id_rsa*",
	"*.p12",
	"**/*.p12",
	"secrets.yml",
	"secrets.yaml",
	"**/secrets.yml",
	"**/secrets.yaml",
}

// exemptSuffixes mark template files that legitimately resemble secrets.
var exemptSuffixes = []string{".example", ".sample", ".template"}

// Guard evaluates file changes against one task's scope. Approvals granted
// through Approve persist for the rest of the run.
type Guard struct {
	scope    TaskScope
	mode     Mode
	approved map[string]bool
}

// NewGuard builds a Guard for one task.
func NewGuard(scope TaskScope, mode Mode) *Guard {
	if mode == "" {
		mode = ModeStrict
	}
	return &Guard{scope: scope, mode: mode, approved: make(map[string]bool)}
}

// Mode returns the enforcement mode.
func (g *Guard) Mode() Mode { return g.mode }

// Check classifies a change set. Blocked files dominate the verdict; files
// needing approval come next; only a fully clean set yields ALLOW.
func (g *Guard) Check(changes []FileChange) Decision {
	var blocked, ask []string
	var blockCode aidferr.Code

	for _, ch := range changes {
		verdict, code := g.checkOne(ch.Path)
		switch verdict {
		case VerdictBlock:
			blocked = append(blocked, ch.Path)
			if blockCode == "" || code == aidferr.CodeScopeForbidden {
				blockCode = code
			}
		case VerdictAskUser:
			ask = append(ask, ch.Path)
		}
	}

	if len(blocked) > 0 {
		sort.Strings(blocked)
		reason := fmt.Sprintf("%d file(s) outside task scope", len(blocked))
		if blockCode == aidferr.CodeScopeForbidden {
			reason = fmt.Sprintf("%d forbidden file(s)", len(blocked))
		}
		err := aidferr.New(aidferr.CategoryScope, blockCode, reason).
			WithContext("files", strings.Join(blocked, ",")).
			WithContext("mode", string(g.mode))
		return Decision{Verdict: VerdictBlock, Files: blocked, Reason: reason, Err: err}
	}
	if len(ask) > 0 {
		sort.Strings(ask)
		return Decision{Verdict: VerdictAskUser, Files: ask}
	}
	return Decision{Verdict: VerdictAllow}
}

// checkOne runs the decision procedure for one path, in order: implicit
// forbidden, forbidden, ask_before, allowed, outside-allowed fallback.
func (g *Guard) checkOne(path string) (Verdict, aidferr.Code) {
	if g.matchesImplicitForbidden(path) {
		if g.mode == ModeAsk {
			if g.approved[path] {
				return VerdictAllow, ""
			}
			return VerdictAskUser, ""
		}
		return VerdictBlock, aidferr.CodeScopeForbidden
	}

	if matchAny(g.scope.Forbidden, path) {
		return VerdictBlock, aidferr.CodeScopeForbidden
	}

	if matchAny(g.scope.AskBefore, path) {
		if g.approved[path] {
			return VerdictAllow, ""
		}
		return VerdictAskUser, ""
	}

	if matchAny(g.scope.Allowed, path) {
		return VerdictAllow, ""
	}

	// Outside the allowed set.
	switch g.mode {
	case ModeAsk:
		if g.approved[path] {
			return VerdictAllow, ""
		}
		return VerdictAskUser, ""
	case ModePermissive:
		return VerdictAllow, ""
	default:
		return VerdictBlock, aidferr.CodeScopeOutsideAllowed
	}
}

// matchesImplicitForbidden applies the implicit list with its exemptions.
func (g *Guard) matchesImplicitForbidden(path string) bool {
	for _, suffix := range exemptSuffixes {
		if strings.HasSuffix(path, suffix) {
			return false
		}
	}
	if matchAny(g.scope.AllowImplicitForbidden, path) {
		return false
	}
	return matchAny(implicitForbidden, path)
}

// Approve whitelists paths previously gated by ASK_USER for the rest of
// the run.
func (g *Guard) Approve(paths []string) {
	for _, p := range paths {
		g.approved[p] = true
	}
}

// IsApproved reports whether a path was explicitly approved.
func (g *Guard) IsApproved(path string) bool { return g.approved[path] }

// ChangesToRevert returns only the changes that must be undone: those the
// decision procedure blocks outright. ASK_USER files are surfaced to the
// orchestrator instead.
func (g *Guard) ChangesToRevert(changes []FileChange) []FileChange {
	var revert []FileChange
	for _, ch := range changes {
		if v, _ := g.checkOne(ch.Path); v == VerdictBlock {
			revert = append(revert, ch)
		}
	}
	return revert
}

// matchAny reports whether path matches any glob. Path matching is
// case-sensitive and paths are evaluated as written; ** crosses directory
// separators, * does not.
func matchAny(globs []string, path string) bool {
	for _, g := range globs {
		if ok, err := doublestar.Match(g, path); err == nil && ok {
			return true
		}
	}
	return false
}

// PatternsOverlap conservatively reports whether two glob sets can match a
// common path. Exact pattern equality, one pattern matching the other as a
// literal, or a shared non-wildcard directory prefix all count as overlap;
// when uncertain, it assumes overlap for patterns rooted at the same
// top-level segment.
func PatternsOverlap(a, b []string) bool {
	for _, pa := range a {
		for _, pb := range b {
			if patternPairOverlaps(pa, pb) {
				return true
			}
		}
	}
	return false
}

func patternPairOverlaps(a, b string) bool {
	if a == b {
		return true
	}
	// One pattern's literal prefix may fall inside the other pattern.
	prefixA := strings.TrimSuffix(literalPrefix(a), "/")
	prefixB := strings.TrimSuffix(literalPrefix(b), "/")
	if prefixB != "" {
		if ok, err := doublestar.Match(a, prefixB); err == nil && ok {
			return true
		}
	}
	if prefixA != "" {
		if ok, err := doublestar.Match(b, prefixA); err == nil && ok {
			return true
		}
	}
	pa, pb := literalPrefix(a), literalPrefix(b)
	if pa == "" || pb == "" {
		// A rootless wildcard pattern can reach anywhere: assume overlap.
		return true
	}
	return strings.HasPrefix(pa, pb) || strings.HasPrefix(pb, pa)
}

// literalPrefix returns the leading path segments of a glob before the
// first wildcard, e.g. "src/api/**/*.go" → "src/api/".
func literalPrefix(glob string) string {
	idx := strings.IndexAny(glob, "*?[{")
	if idx < 0 {
		return glob
	}
	prefix := glob[:idx]
	if slash := strings.LastIndex(prefix, "/"); slash >= 0 {
		return prefix[:slash+1]
	}
	return prefix
}

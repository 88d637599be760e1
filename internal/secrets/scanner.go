// Package secrets detects credential material in text and file content.
package secrets

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/rubenmavarezb/aidf-sub001/internal/config"
)

// Finding is one detected secret occurrence.
type Finding struct {
	Kind  string // rule name or "entropy"
	Match string // the matched text
	Line  int    // 1-based line number
}

// secretRule is a named detection pattern.
type secretRule struct {
	name    string
	pattern *regexp.Regexp
}

// secretPatterns is the compiled detection rule set.
var secretPatterns []secretRule

func init() {
	raw := []struct {
		name    string
		pattern string
	}{
		{"aws-access-key", `\bAKIA[0-9A-Z]{16}\b`},
		{"private-key-header", `-----BEGIN (?:RSA |EC |OPENSSH |DSA )?PRIVATE KEY-----`},
		{"sk-style-key", `\bsk-[A-Za-z0-9_-]{20,}\b`},
		{"github-token", `\bgh[pousr]_[A-Za-z0-9]{36,}\b`},
		{"bearer-token", `(?i)\bbearer\s+[A-Za-z0-9._~+/-]{20,}=*`},
		{"assignment", `(?i)\b(?:api[_-]?key|secret|token|password|passwd)\s*[:=]\s*['"]?[A-Za-z0-9_/+.-]{16,}['"]?`},
	}
	secretPatterns = make([]secretRule, len(raw))
	for i, r := range raw {
		secretPatterns[i] = secretRule{name: r.name, pattern: regexp.MustCompile(r.pattern)}
	}
}

// entropy detection bounds: tokens shorter than this carry too little
// signal, and below the bit threshold random-looking strings are common.
const (
	entropyMinTokenLen = 20
	entropyThreshold   = 4.0
)

// entropyTokenRe matches candidate tokens for entropy analysis.
var entropyTokenRe = regexp.MustCompile(`[A-Za-z0-9+/_=-]{20,}`)

// Scanner detects and optionally redacts secrets per the configured mode.
type Scanner struct {
	Mode             string // warn | block | redact
	EntropyDetection bool
	AllowedFiles     []string
	allowedPatterns  []*regexp.Regexp
}

// NewScanner builds a Scanner from config. Invalid allowed_patterns entries
// are skipped rather than failing the run.
func NewScanner(cfg config.SecretsConfig) *Scanner {
	s := &Scanner{
		Mode:             cfg.Mode,
		EntropyDetection: cfg.IsEntropyDetection(),
		AllowedFiles:     cfg.AllowedFiles,
	}
	if s.Mode == "" {
		s.Mode = config.SecretsWarn
	}
	for _, p := range cfg.AllowedPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		s.allowedPatterns = append(s.allowedPatterns, re)
	}
	return s
}

// Scan returns every secret finding in text, pattern rules first, then
// entropy candidates not already covered by a pattern match.
func (s *Scanner) Scan(text string) []Finding {
	var findings []Finding
	covered := map[string]bool{}

	for lineNo, line := range strings.Split(text, "\n") {
		for _, rule := range secretPatterns {
			for _, m := range rule.pattern.FindAllString(line, -1) {
				if s.isAllowedMatch(m) {
					continue
				}
				findings = append(findings, Finding{Kind: rule.name, Match: m, Line: lineNo + 1})
				covered[m] = true
			}
		}
		if !s.EntropyDetection {
			continue
		}
		for _, tok := range entropyTokenRe.FindAllString(line, -1) {
			if covered[tok] || s.isAllowedMatch(tok) {
				continue
			}
			if len(tok) >= entropyMinTokenLen && ShannonEntropy(tok) >= entropyThreshold {
				findings = append(findings, Finding{Kind: "entropy", Match: tok, Line: lineNo + 1})
			}
		}
	}
	return findings
}

// ScanFile scans file content, honoring the allowed_files globs.
func (s *Scanner) ScanFile(path, content string) []Finding {
	for _, g := range s.AllowedFiles {
		if ok, err := doublestar.Match(g, path); err == nil && ok {
			return nil
		}
	}
	return s.Scan(content)
}

// Redact masks every finding in text with asterisks, keeping a short
// identifying prefix.
func (s *Scanner) Redact(text string) string {
	findings := s.Scan(text)
	for _, f := range findings {
		text = strings.ReplaceAll(text, f.Match, mask(f.Match))
	}
	return text
}

func (s *Scanner) isAllowedMatch(m string) bool {
	for _, re := range s.allowedPatterns {
		if re.MatchString(m) {
			return true
		}
	}
	return false
}

// mask keeps the first four characters so logs stay diagnosable.
func mask(m string) string {
	if len(m) <= 4 {
		return "****"
	}
	return m[:4] + strings.Repeat("*", 8)
}

// Describe renders findings for a one-line warning.
func Describe(findings []Finding) string {
	if len(findings) == 0 {
		return ""
	}
	kinds := make([]string, 0, len(findings))
	seen := map[string]bool{}
	for _, f := range findings {
		if !seen[f.Kind] {
			kinds = append(kinds, f.Kind)
			seen[f.Kind] = true
		}
	}
	return fmt.Sprintf("%d finding(s): %s", len(findings), strings.Join(kinds, ", "))
}

// ShannonEntropy returns the per-character entropy of s in bits.
// Single-character strings (and empty strings) have zero entropy.
func ShannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	counts := make(map[rune]int)
	total := 0
	for _, r := range s {
		counts[r]++
		total++
	}
	var entropy float64
	for _, c := range counts {
		p := float64(c) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}

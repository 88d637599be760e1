// Package provider abstracts the AI backends: subprocess CLI agents and
// tool-calling HTTP APIs behind one interface.
package provider

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/rubenmavarezb/aidf-sub001/internal/conversation"
	"github.com/rubenmavarezb/aidf-sub001/internal/ratelimit"
	"github.com/rubenmavarezb/aidf-sub001/internal/scope"
)

// SignalKind is the completion signal the AI may embed in its output.
type SignalKind string

const (
	SignalComplete SignalKind = "TASK_COMPLETE"
	SignalBlocked  SignalKind = "TASK_BLOCKED"
)

// Signal is a parsed completion signal.
type Signal struct {
	Kind   SignalKind
	Reason string // for TASK_BLOCKED
}

var blockedSignalRe = regexp.MustCompile(`<TASK_BLOCKED(?::\s*([^>]*))?>`)

// ParseSignal extracts the literal completion token from AI output. Any
// other output does not terminate the loop.
func ParseSignal(output string) *Signal {
	if strings.Contains(output, "<TASK_COMPLETE>") {
		return &Signal{Kind: SignalComplete}
	}
	if m := blockedSignalRe.FindStringSubmatch(output); m != nil {
		return &Signal{Kind: SignalBlocked, Reason: strings.TrimSpace(m[1])}
	}
	return nil
}

// TokenUsage is the per-call token accounting.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	Estimated    bool // true when derived from char counts
	CacheRead    int
	CacheWrite   int
}

// ExecutionResult is what one provider call produced. A nil-error Execute
// always returns a result with non-empty Output; failures return a
// categorized error instead.
type ExecutionResult struct {
	Output              string
	FilesChanged        []scope.FileChange
	Signal              *Signal
	TokenUsage          *TokenUsage
	ConversationMetrics *conversation.Metrics
	// ConversationState is an opaque handle the caller passes back on the
	// next call to continue the same conversation.
	ConversationState any
}

// Options parameterizes one Execute call.
type Options struct {
	Timeout           time.Duration
	Model             string
	ConversationState any
	Continuation      bool // iteration ≥ 2 short-prompt mode
	OnOutput          func(chunk string)
	OnRetry           ratelimit.RetryFunc
}

// Provider is the uniform interface over subprocess and API backends.
type Provider interface {
	Execute(ctx context.Context, prompt string, opts Options) (*ExecutionResult, error)
	IsAvailable(ctx context.Context) bool
}

// EstimateTokens applies the chars/4 heuristic used when a backend does
// not report real usage.
func EstimateTokens(text string) int {
	return len(text) / 4
}

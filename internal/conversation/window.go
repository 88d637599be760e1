// Package conversation trims multi-turn message history to a sliding
// window, optionally summarizing evicted turns.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/cloudwego/eino/schema"
)

// SummarizeFunc performs a non-streaming LLM call for summarization of
// evicted conversation text.
type SummarizeFunc func(ctx context.Context, text string) (string, error)

// summarizeSpacing is the minimum number of messages processed between two
// summarization calls.
const summarizeSpacing = 10

// charsPerToken is the estimation heuristic shared across the system.
const charsPerToken = 4

// Metrics describes one trim pass.
type Metrics struct {
	TotalMessages     int
	PreservedMessages int
	EvictedMessages   int
	EstimatedTokens   int
}

// Config parameterizes a Window.
type Config struct {
	MaxMessages     int
	PreserveFirst   int // default 1, the system/context seed
	PreserveLast    int // default 20
	SummarizeOnTrim bool
	Summarize       SummarizeFunc
}

// Window is a provider-agnostic sliding-window trimmer.
type Window struct {
	maxMessages     int
	preserveFirst   int
	preserveLast    int
	summarizeOnTrim bool
	summarize       SummarizeFunc

	sinceSummarize int
	degenerateWarn sync.Once
}

// NewWindow creates a Window with defaults applied for zero values.
func NewWindow(cfg Config) *Window {
	w := &Window{
		maxMessages:     cfg.MaxMessages,
		preserveFirst:   cfg.PreserveFirst,
		preserveLast:    cfg.PreserveLast,
		summarizeOnTrim: cfg.SummarizeOnTrim,
		summarize:       cfg.Summarize,
		sinceSummarize:  summarizeSpacing, // first trim may summarize
	}
	if w.maxMessages <= 0 {
		w.maxMessages = 50
	}
	if w.preserveFirst <= 0 {
		w.preserveFirst = 1
	}
	if w.preserveLast <= 0 {
		w.preserveLast = 20
	}
	return w
}

// Trim applies the sliding window. The first preserveFirst and last
// preserveLast messages always survive; the newest part of the middle fills
// the remaining budget. Evicted turns may be replaced by a single synthetic
// summary message.
func (w *Window) Trim(ctx context.Context, messages []*schema.Message) ([]*schema.Message, Metrics) {
	total := len(messages)
	if total <= w.maxMessages {
		return messages, Metrics{
			TotalMessages:     total,
			PreservedMessages: total,
			EstimatedTokens:   EstimateTokens(messages),
		}
	}

	if w.preserveFirst+w.preserveLast >= w.maxMessages {
		// Degenerate configuration: only head and tail survive.
		w.degenerateWarn.Do(func() {
			slog.Warn("conversation window smaller than preserved head+tail, keeping only head and tail",
				"max_messages", w.maxMessages,
				"preserve_first", w.preserveFirst,
				"preserve_last", w.preserveLast,
			)
		})
		head := messages[:w.preserveFirst]
		tail := messages[total-w.preserveLast:]
		trimmed := append(append([]*schema.Message{}, head...), tail...)
		return trimmed, w.metrics(total, trimmed)
	}

	keepMiddle := w.maxMessages - w.preserveFirst - w.preserveLast
	head := messages[:w.preserveFirst]
	tail := messages[total-w.preserveLast:]
	middle := messages[w.preserveFirst : total-w.preserveLast]
	evicted := middle[:len(middle)-keepMiddle]
	kept := middle[len(middle)-keepMiddle:]

	trimmed := make([]*schema.Message, 0, w.maxMessages+1)
	trimmed = append(trimmed, head...)

	w.sinceSummarize += total
	if summary := w.maybeSummarize(ctx, evicted); summary != nil {
		trimmed = append(trimmed, summary)
	}

	trimmed = append(trimmed, kept...)
	trimmed = append(trimmed, tail...)
	return trimmed, w.metrics(total, trimmed)
}

// maybeSummarize summarizes evicted text when enabled, meaningful, and not
// rate-limited. Summarizer failure falls back to plain eviction.
func (w *Window) maybeSummarize(ctx context.Context, evicted []*schema.Message) *schema.Message {
	if !w.summarizeOnTrim || w.summarize == nil {
		return nil
	}
	if w.sinceSummarize < summarizeSpacing {
		return nil
	}
	text := meaningfulText(evicted)
	if text == "" {
		return nil
	}

	summary, err := w.summarize(ctx, text)
	if err != nil || strings.TrimSpace(summary) == "" {
		slog.Warn("conversation summarization failed, evicting without summary", "error", err)
		return nil
	}
	w.sinceSummarize = 0
	return &schema.Message{
		Role:    schema.Assistant,
		Content: fmt.Sprintf("[Conversation Summary] %s", summary),
	}
}

// meaningfulText joins evicted content that is worth summarizing: anything
// that is not only tool results.
func meaningfulText(evicted []*schema.Message) string {
	var b strings.Builder
	for _, msg := range evicted {
		if msg.Role == schema.Tool {
			continue
		}
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		fmt.Fprintf(&b, "[%s]: %s\n", msg.Role, msg.Content)
	}
	return b.String()
}

func (w *Window) metrics(total int, trimmed []*schema.Message) Metrics {
	return Metrics{
		TotalMessages:     total,
		PreservedMessages: len(trimmed),
		EvictedMessages:   total - len(trimmed),
		EstimatedTokens:   EstimateTokens(trimmed),
	}
}

// EstimateTokens returns the chars/4 heuristic over stringified content,
// plus a small per-message overhead.
func EstimateTokens(messages []*schema.Message) int {
	total := 0
	for _, msg := range messages {
		total += len(msg.Content)/charsPerToken + 4
	}
	return total
}

package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"
)

func makeMessages(n int) []*schema.Message {
	msgs := make([]*schema.Message, n)
	for i := range msgs {
		role := schema.User
		if i%2 == 1 {
			role = schema.Assistant
		}
		msgs[i] = &schema.Message{Role: role, Content: fmt.Sprintf("message %d", i)}
	}
	return msgs
}

func TestTrimNoop(t *testing.T) {
	w := NewWindow(Config{MaxMessages: 10})
	msgs := makeMessages(5)
	trimmed, m := w.Trim(context.Background(), msgs)
	if len(trimmed) != 5 {
		t.Errorf("len = %d, want 5", len(trimmed))
	}
	if m.TotalMessages != 5 || m.PreservedMessages != 5 || m.EvictedMessages != 0 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestTrimPreservesHeadAndTail(t *testing.T) {
	w := NewWindow(Config{MaxMessages: 10, PreserveFirst: 1, PreserveLast: 5})
	msgs := makeMessages(30)
	trimmed, m := w.Trim(context.Background(), msgs)

	if len(trimmed) != 10 {
		t.Fatalf("len = %d, want 10", len(trimmed))
	}
	if trimmed[0].Content != "message 0" {
		t.Errorf("head not preserved: %q", trimmed[0].Content)
	}
	for i := 0; i < 5; i++ {
		want := fmt.Sprintf("message %d", 25+i)
		if trimmed[len(trimmed)-5+i].Content != want {
			t.Errorf("tail[%d] = %q, want %q", i, trimmed[len(trimmed)-5+i].Content, want)
		}
	}
	// Middle keeps the newest part of the middle region.
	if trimmed[1].Content != "message 21" {
		t.Errorf("kept middle starts at %q, want message 21", trimmed[1].Content)
	}
	if m.TotalMessages != 30 || m.PreservedMessages != 10 || m.EvictedMessages != 20 {
		t.Errorf("metrics = %+v", m)
	}
	if m.EvictedMessages != m.TotalMessages-len(trimmed) {
		t.Error("evicted must equal len − len(trimmed)")
	}
}

func TestTrimDegenerateHeadTailOnly(t *testing.T) {
	w := NewWindow(Config{MaxMessages: 5, PreserveFirst: 3, PreserveLast: 3})
	msgs := makeMessages(20)
	trimmed, m := w.Trim(context.Background(), msgs)
	if len(trimmed) != 6 {
		t.Fatalf("len = %d, want head(3)+tail(3)=6", len(trimmed))
	}
	if trimmed[0].Content != "message 0" || trimmed[5].Content != "message 19" {
		t.Errorf("head/tail wrong: first=%q last=%q", trimmed[0].Content, trimmed[5].Content)
	}
	if m.EvictedMessages != 14 {
		t.Errorf("evicted = %d, want 14", m.EvictedMessages)
	}
}

func TestTrimWithSummarizer(t *testing.T) {
	var summarized string
	w := NewWindow(Config{
		MaxMessages:     10,
		PreserveFirst:   1,
		PreserveLast:    5,
		SummarizeOnTrim: true,
		Summarize: func(_ context.Context, text string) (string, error) {
			summarized = text
			return "the user iterated on the parser", nil
		},
	})
	msgs := makeMessages(30)
	trimmed, _ := w.Trim(context.Background(), msgs)

	if summarized == "" {
		t.Fatal("summarizer was not invoked")
	}
	// Summary sits between head and retained middle.
	if !strings.HasPrefix(trimmed[1].Content, "[Conversation Summary]") {
		t.Errorf("trimmed[1] = %q, want summary message", trimmed[1].Content)
	}
	if trimmed[1].Role != schema.Assistant {
		t.Errorf("summary role = %s, want assistant", trimmed[1].Role)
	}
}

func TestTrimSummarizerFailureFallsBack(t *testing.T) {
	w := NewWindow(Config{
		MaxMessages:     10,
		PreserveFirst:   1,
		PreserveLast:    5,
		SummarizeOnTrim: true,
		Summarize: func(_ context.Context, _ string) (string, error) {
			return "", errors.New("model down")
		},
	})
	trimmed, _ := w.Trim(context.Background(), makeMessages(30))
	if len(trimmed) != 10 {
		t.Errorf("len = %d, want plain eviction to 10", len(trimmed))
	}
	for _, msg := range trimmed {
		if strings.HasPrefix(msg.Content, "[Conversation Summary]") {
			t.Error("no summary message expected on summarizer failure")
		}
	}
}

func TestTrimToolOnlyEvictionsNotSummarized(t *testing.T) {
	calls := 0
	w := NewWindow(Config{
		MaxMessages:     10,
		PreserveFirst:   1,
		PreserveLast:    5,
		SummarizeOnTrim: true,
		Summarize: func(_ context.Context, _ string) (string, error) {
			calls++
			return "summary", nil
		},
	})
	msgs := makeMessages(30)
	// Make the evicted region (indices 1..20) tool results only.
	for i := 1; i < 21; i++ {
		msgs[i] = &schema.Message{Role: schema.Tool, Content: `{"exit_code":0}`}
	}
	w.Trim(context.Background(), msgs)
	if calls != 0 {
		t.Errorf("summarizer called %d times for tool-only evictions", calls)
	}
}

func TestEstimateTokens(t *testing.T) {
	msgs := []*schema.Message{{Role: schema.User, Content: strings.Repeat("a", 400)}}
	got := EstimateTokens(msgs)
	if got != 104 { // 400/4 + 4 overhead
		t.Errorf("EstimateTokens = %d, want 104", got)
	}
}

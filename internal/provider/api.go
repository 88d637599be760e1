package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/rubenmavarezb/aidf-sub001/internal/aidferr"
	"github.com/rubenmavarezb/aidf-sub001/internal/conversation"
	"github.com/rubenmavarezb/aidf-sub001/internal/ratelimit"
)

// maxToolRounds bounds the internal tool-call loop of one Execute call.
const maxToolRounds = 25

// APIProvider drives a tool-calling HTTP chat model. The tool loop runs
// inside one Execute call; only the outer model call is retried, never the
// enclosing loop.
type APIProvider struct {
	chat    model.ToolCallingChatModel
	handler *ToolHandler
	window  *conversation.Window
	limiter *ratelimit.Limiter
	dedup   *ratelimit.DedupCache
}

// APIConfig wires an APIProvider.
type APIConfig struct {
	Chat    model.ToolCallingChatModel
	Handler *ToolHandler
	Window  *conversation.Window
	Limiter *ratelimit.Limiter
	Dedup   *ratelimit.DedupCache
}

// NewAPI creates an API provider with the fixed tool schema bound to the
// chat model.
func NewAPI(cfg APIConfig) (*APIProvider, error) {
	chat, err := cfg.Chat.WithTools(cfg.Handler.Tools())
	if err != nil {
		return nil, fmt.Errorf("bind tools: %w", err)
	}
	p := &APIProvider{
		chat:    chat,
		handler: cfg.Handler,
		window:  cfg.Window,
		limiter: cfg.Limiter,
		dedup:   cfg.Dedup,
	}
	if p.window == nil {
		p.window = conversation.NewWindow(conversation.Config{})
	}
	if p.limiter == nil {
		p.limiter = ratelimit.NewLimiter(0, 0, 0)
	}
	if p.dedup == nil {
		p.dedup = ratelimit.NewDedupCache(0)
	}
	return p, nil
}

// IsAvailable is true when the chat model is configured.
func (p *APIProvider) IsAvailable(_ context.Context) bool {
	return p.chat != nil
}

// Execute runs the tool-call loop for one prompt.
func (p *APIProvider) Execute(ctx context.Context, prompt string, opts Options) (*ExecutionResult, error) {
	if cached := p.dedup.Check(prompt); cached != nil {
		slog.Debug("dedup cache hit, short-circuiting call", "error", cached)
		return nil, cached
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	messages := p.seedMessages(prompt, opts)

	usage := &TokenUsage{}
	var outputs []string
	var signal *Signal
	var lastMetrics conversation.Metrics

	for round := 0; round < maxToolRounds && signal == nil; round++ {
		var trimmed []*schema.Message
		trimmed, lastMetrics = p.window.Trim(ctx, messages)
		messages = trimmed

		resp, err := p.generate(ctx, messages, opts)
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				err = aidferr.New(aidferr.CategoryTimeout, aidferr.CodeIterationTimeout,
					"API call exceeded the iteration timeout").WithCause(err)
			}
			p.dedup.Record(prompt, err)
			return nil, err
		}

		if resp.ResponseMeta != nil && resp.ResponseMeta.Usage != nil {
			usage.InputTokens += resp.ResponseMeta.Usage.PromptTokens
			usage.OutputTokens += resp.ResponseMeta.Usage.CompletionTokens
		}

		messages = append(messages, resp)
		if resp.Content != "" {
			outputs = append(outputs, resp.Content)
			if opts.OnOutput != nil {
				opts.OnOutput(resp.Content)
			}
		}

		if len(resp.ToolCalls) == 0 {
			break
		}

		for _, tc := range resp.ToolCalls {
			toolMsg, sig := p.dispatch(ctx, tc)
			messages = append(messages, toolMsg)
			if sig != nil {
				signal = sig
				break
			}
		}
	}

	output := strings.Join(outputs, "\n")
	if signal != nil {
		output = appendSignalToken(output, signal)
	}
	if output == "" {
		return nil, aidferr.New(aidferr.CategoryProvider, aidferr.CodeProviderCrash,
			"model returned no output")
	}

	return &ExecutionResult{
		Output:              output,
		FilesChanged:        p.handler.Changed(),
		Signal:              signal,
		TokenUsage:          usage,
		ConversationMetrics: &lastMetrics,
		ConversationState:   messages,
	}, nil
}

// seedMessages builds the message array: a continuation reuses the prior
// conversation state, a fresh task starts clean.
func (p *APIProvider) seedMessages(prompt string, opts Options) []*schema.Message {
	var messages []*schema.Message
	if opts.Continuation {
		if prior, ok := opts.ConversationState.([]*schema.Message); ok {
			messages = append(messages, prior...)
		}
	}
	return append(messages, &schema.Message{Role: schema.User, Content: prompt})
}

// generate wraps one model call in the rate limiter.
func (p *APIProvider) generate(ctx context.Context, messages []*schema.Message, opts Options) (*schema.Message, error) {
	var resp *schema.Message
	err := p.limiter.Do(ctx, func() error {
		var callErr error
		resp, callErr = p.chat.Generate(ctx, messages)
		return MapModelError(callErr)
	}, ratelimit.ClassifyCategorized, opts.OnRetry)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// dispatch executes one tool call. The two signal tools terminate the
// round; the rest go through the handler.
func (p *APIProvider) dispatch(ctx context.Context, tc schema.ToolCall) (*schema.Message, *Signal) {
	toolMsg := func(content string) *schema.Message {
		return &schema.Message{Role: schema.Tool, ToolCallID: tc.ID, Content: content}
	}

	switch tc.Function.Name {
	case ToolTaskComplete:
		return toolMsg(`{"status":"acknowledged"}`), &Signal{Kind: SignalComplete}
	case ToolTaskBlocked:
		var input struct {
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
		return toolMsg(`{"status":"acknowledged"}`), &Signal{Kind: SignalBlocked, Reason: input.Reason}
	}

	result, err := p.handler.Invoke(ctx, tc.Function.Name, tc.Function.Arguments)
	if err != nil {
		// Malformed arguments and unknown tools go back to the model.
		return toolMsg(toolError(err.Error())), nil
	}
	return toolMsg(result), nil
}

// appendSignalToken keeps the literal token in Output so downstream
// consumers see the same contract as subprocess providers.
func appendSignalToken(output string, signal *Signal) string {
	var token string
	switch signal.Kind {
	case SignalComplete:
		token = "<TASK_COMPLETE>"
	case SignalBlocked:
		token = fmt.Sprintf("<TASK_BLOCKED: %s>", signal.Reason)
	}
	if output == "" {
		return token
	}
	return output + "\n" + token
}

var _ Provider = (*APIProvider)(nil)

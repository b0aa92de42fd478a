package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// EngineResult is the outcome of one atomic LLM call: every analytical call
// the workflow makes flows through RunEngineCall and returns one of these.
type EngineResult struct {
	Content         string
	ModelUsed       string
	InputTokens     int
	OutputTokens    int
	ThinkingChars   int
	Duration        time.Duration
	Retries         int
	Partial         bool
	ConnectionError string
}

// ModelKey selects one of the fixed model/effort/token-budget profiles an
// engine call can run under.
type ModelKey string

const (
	ModelOpus   ModelKey = "opus"
	ModelSonnet ModelKey = "sonnet"
	ModelHaiku  ModelKey = "haiku"
)

type modelProfile struct {
	model          string
	maxTokens      int64
	thinkingBudget int64 // 0 disables extended thinking
}

// modelProfiles maps each model key to its provider model, output budget
// and extended-thinking budget: Opus and Sonnet each get a 32K thinking
// budget (scaled down for large inputs by adaptiveThinkingBudget), Haiku
// gets no thinking budget at all.
var modelProfiles = map[ModelKey]modelProfile{
	ModelOpus:   {model: "claude-opus-4-6", maxTokens: 64000, thinkingBudget: 32000},
	ModelSonnet: {model: "claude-sonnet-4-6", maxTokens: 64000, thinkingBudget: 32000},
	ModelHaiku:  {model: "claude-haiku-4-5-20251001", maxTokens: 16000, thinkingBudget: 0},
}

// phaseModelDefaults is the default model key per phase number, used when a
// call site supplies no explicit override.
var phaseModelDefaults = map[float64]ModelKey{
	1.0: ModelOpus,
	1.5: ModelSonnet,
	2.0: ModelSonnet,
	3.0: ModelOpus,
	4.0: ModelOpus,
}

const (
	maxRetries       = 5
	heartbeatTimeout = 120 * time.Second
	// minSalvageableChars is the floor below which a dropped connection is
	// treated as a failed attempt rather than a partial success worth
	// returning — a few hundred characters aren't worth keeping and retrying
	// from scratch is cheaper than stitching together a tiny fragment.
	minSalvageableChars = 5000
	// largePromptChars auto-enables the 1M context beta even when the
	// caller didn't ask for it, so a phase that happens to accumulate a
	// very large prompt doesn't hit the standard 200K-token context limit.
	largePromptChars = 600_000
	// thinking effort is downgraded, then disabled, as input grows: extended
	// thinking over very large inputs burns many minutes of latency with
	// little quality benefit for extraction-style tasks.
	thinkingLowChars     = 200_000
	thinkingDisableChars = 400_000
)

var retryDelays = []time.Duration{30 * time.Second, 60 * time.Second, 90 * time.Second, 120 * time.Second, 180 * time.Second}

// NonRetryableError wraps an engine-call failure the caller should not
// retry: authentication failures and prompt-too-large errors won't resolve
// themselves on a later attempt.
type NonRetryableError struct{ err error }

func (e *NonRetryableError) Error() string { return e.err.Error() }
func (e *NonRetryableError) Unwrap() error { return e.err }

// CancelledError is returned when cancellation_check reports true, either
// before a retry attempt or mid-stream. It is never retried.
type CancelledError struct{ Label string }

func (e *CancelledError) Error() string { return fmt.Sprintf("[%s] cancelled", e.Label) }

// EngineCallOptions configures one RunEngineCall invocation.
type EngineCallOptions struct {
	PhaseNumber           float64
	ModelHint             ModelKey // empty defers to phase default
	RequiresFullDocuments bool
	CancellationCheck     func() bool
	Label                 string
}

// resolveModelProfile picks the model/effort profile for a call: an
// explicit hint wins, then the phase's default, then sonnet.
func resolveModelProfile(opts EngineCallOptions) modelProfile {
	key := opts.ModelHint
	if key == "" {
		if def, ok := phaseModelDefaults[opts.PhaseNumber]; ok {
			key = def
		} else {
			key = ModelSonnet
		}
	}
	profile, ok := modelProfiles[key]
	if !ok {
		profile = modelProfiles[ModelSonnet]
	}
	return profile
}

// EngineRunner executes streaming Anthropic calls with retry, heartbeat
// monitoring, and partial-output salvage. It is the sole path every
// analytical LLM call in the pipeline runs through.
type EngineRunner struct {
	client anthropic.Client
}

func NewEngineRunner(apiKey string, opts ...option.RequestOption) *EngineRunner {
	reqOpts := append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &EngineRunner{client: anthropic.NewClient(reqOpts...)}
}

// RunEngineCall executes a single LLM call, making up to maxRetries attempts
// with the increasing retryDelays between them on retryable failures, and
// refusing to retry authentication and prompt-size errors.
func (r *EngineRunner) RunEngineCall(ctx context.Context, systemPrompt, userMessage string, opts EngineCallOptions) (*EngineResult, error) {
	label := opts.Label
	if label == "" {
		label = fmt.Sprintf("Phase %v", opts.PhaseNumber)
	}

	profile := resolveModelProfile(opts)
	totalChars := len(systemPrompt) + len(userMessage)

	slog.InfoContext(ctx, "starting llm call", "label", label, "model", profile.model,
		"total_chars", totalChars, "approx_tokens", totalChars/4)

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if opts.CancellationCheck != nil && opts.CancellationCheck() {
			return nil, &CancelledError{Label: label}
		}

		if attempt > 0 {
			delay := retryDelays[minInt(attempt-1, len(retryDelays)-1)]
			slog.WarnContext(ctx, "retrying llm call", "label", label, "attempt", attempt, "delay", delay, "last_error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		result, err := r.executeStreamingCall(ctx, systemPrompt, userMessage, profile, totalChars, opts.RequiresFullDocuments, label, opts.CancellationCheck)
		if err == nil {
			result.Retries = attempt
			slog.InfoContext(ctx, "llm call completed", "label", label,
				"input_tokens", result.InputTokens, "output_tokens", result.OutputTokens,
				"thinking_chars", result.ThinkingChars, "duration", result.Duration)
			return result, nil
		}

		var cancelled *CancelledError
		if errors.As(err, &cancelled) {
			return nil, err
		}
		var nonRetryable *NonRetryableError
		if errors.As(err, &nonRetryable) {
			return nil, err
		}

		lastErr = err
		slog.ErrorContext(ctx, "llm call attempt failed", "label", label, "attempt", attempt, "error", err)
	}

	return nil, fmt.Errorf("[%s] failed after %d attempts: %w", label, maxRetries, lastErr)
}

func (r *EngineRunner) executeStreamingCall(
	ctx context.Context,
	systemPrompt, userMessage string,
	profile modelProfile,
	totalChars int,
	requiresFullDocuments bool,
	label string,
	cancellationCheck func() bool,
) (*EngineResult, error) {
	start := time.Now()

	thinkingBudget := adaptiveThinkingBudget(profile.thinkingBudget, totalChars)
	useBeta := requiresFullDocuments || totalChars > largePromptChars

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(profile.model),
		MaxTokens: profile.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userMessage)),
		},
	}
	if thinkingBudget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamUnion{
			OfEnabled: &anthropic.ThinkingConfigEnabledParam{BudgetTokens: thinkingBudget},
		}
	}

	var reqOpts []option.RequestOption
	if useBeta {
		slog.InfoContext(ctx, "auto-enabling 1M context", "label", label, "total_chars", totalChars)
		reqOpts = append(reqOpts, option.WithHeader("anthropic-beta", "context-1m-2025-08-07"))
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream := r.client.Messages.NewStreaming(streamCtx, params, reqOpts...)

	type streamEvent struct {
		event anthropic.MessageStreamEventUnion
		err   error
		done  bool
	}
	events := make(chan streamEvent, 1)
	go func() {
		for stream.Next() {
			events <- streamEvent{event: stream.Current()}
		}
		if err := stream.Err(); err != nil {
			events <- streamEvent{err: err}
			return
		}
		events <- streamEvent{done: true}
	}()

	var (
		message      anthropic.Message
		rawText      strings.Builder
		thinkingText strings.Builder
		chunkCount   int
	)
	lastHeartbeatLog := start

	var streamErr error
drain:
	for {
		select {
		case ev := <-events:
			if ev.err != nil {
				streamErr = ev.err
				break drain
			}
			if ev.done {
				break drain
			}
			chunkCount++
			message.Accumulate(ev.event)

			switch delta := ev.event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch d := delta.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					rawText.WriteString(d.Text)
				case anthropic.ThinkingDelta:
					thinkingText.WriteString(d.Thinking)
				}
			}

			if cancellationCheck != nil && cancellationCheck() {
				cancel()
				return nil, &CancelledError{Label: label}
			}

			if time.Since(lastHeartbeatLog) > 30*time.Second {
				slog.InfoContext(ctx, "still streaming", "label", label, "chunks", chunkCount,
					"elapsed", time.Since(start), "text_chars", rawText.Len())
				lastHeartbeatLog = time.Now()
			}

		case <-time.After(heartbeatTimeout):
			cancel()
			streamErr = fmt.Errorf("[%s] no data received for %s — connection stalled", label, heartbeatTimeout)
			break drain

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	duration := time.Since(start)

	if streamErr != nil {
		if rawText.Len() >= minSalvageableChars {
			slog.WarnContext(ctx, "salvaging partial llm output after connection error", "label", label,
				"chars", rawText.Len(), "error", streamErr)
			inputTokens := int(message.Usage.InputTokens)
			if inputTokens == 0 {
				inputTokens = totalChars / 4
			}
			outputTokens := int(message.Usage.OutputTokens)
			if outputTokens == 0 {
				outputTokens = rawText.Len() / 4
			}
			return &EngineResult{
				Content:         strings.TrimSpace(rawText.String()),
				ModelUsed:       profile.model,
				InputTokens:     inputTokens,
				OutputTokens:    outputTokens,
				ThinkingChars:   thinkingText.Len(),
				Duration:        duration,
				Partial:         true,
				ConnectionError: streamErr.Error(),
			}, nil
		}
		return nil, classifyError(label, streamErr)
	}

	finalText := rawText.String()
	for _, block := range message.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok && len(tb.Text) >= len(finalText) {
			finalText = tb.Text
		}
	}

	if strings.TrimSpace(finalText) == "" {
		return nil, fmt.Errorf("[%s] empty response from %s", label, profile.model)
	}

	return &EngineResult{
		Content:       strings.TrimSpace(finalText),
		ModelUsed:     profile.model,
		InputTokens:   int(message.Usage.InputTokens),
		OutputTokens:  int(message.Usage.OutputTokens),
		ThinkingChars: thinkingText.Len(),
		Duration:      duration,
	}, nil
}

// adaptiveThinkingBudget scales (or disables) the thinking budget down as
// input size grows: extended thinking over very large inputs adds latency
// with little benefit for extraction-style analytical tasks.
func adaptiveThinkingBudget(base int64, totalChars int) int64 {
	if base == 0 {
		return 0
	}
	switch {
	case totalChars > thinkingDisableChars:
		return 0
	case totalChars > thinkingLowChars:
		return base / 4
	default:
		return base
	}
}

// classifyError wraps errors the original executor never retried —
// authentication failures and prompt/response-size errors won't succeed on
// a later attempt — in NonRetryableError; everything else is left bare so
// the retry loop keeps trying.
func classifyError(label string, err error) error {
	msg := strings.ToLower(err.Error())
	nonRetryableMarkers := []string{
		"invalid_api_key", "authentication",
		"context_length_exceeded", "too many tokens",
		"prompt is too long",
	}
	for _, marker := range nonRetryableMarkers {
		if strings.Contains(msg, marker) {
			return &NonRetryableError{err: fmt.Errorf("[%s] %w", label, err)}
		}
	}
	if strings.Contains(msg, "max_tokens") && strings.Contains(msg, "maximum allowed") {
		return &NonRetryableError{err: fmt.Errorf("[%s] %w", label, err)}
	}
	return fmt.Errorf("[%s] %w", label, err)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

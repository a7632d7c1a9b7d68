package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/patchbay-audio/patchbay/internal/events"
	"github.com/patchbay-audio/patchbay/internal/llm"
	"github.com/patchbay-audio/patchbay/internal/mcp"
)

// DefaultMaxIterations bounds how many model→tool rounds one run may
// take before the loop gives up and answers with what it has.
const DefaultMaxIterations = 10

// Reply fallbacks applied at termination, in order: accumulated text,
// a synthesized completion quoting the last tool result, the fixed
// sentinel. The reply is never empty — an empty reply would be
// indistinguishable from a silent crash to the end user.
const (
	sentinelReply     = "No response generated."
	completedReplyFmt = "Operation completed. Last tool result: %s"
)

// ToolInvoker executes one gateway tool. *mcp.Client satisfies it.
type ToolInvoker interface {
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.Result, error)
}

// ToolRecord describes one tool invocation made during a run.
type ToolRecord struct {
	Tool      string
	Arguments map[string]any
	Result    string
	IsError   bool
	Duration  time.Duration
}

// Outcome is what one loop run produces.
type Outcome struct {
	// Reply is the user-facing answer. Never empty.
	Reply string

	// Turns is the caller's turn sequence extended with everything the
	// run appended: model turns, tool feedback turns.
	Turns []llm.Message

	// Iterations counts model calls made.
	Iterations int

	// Exhausted is set when the run stopped at the iteration valve
	// with the model still requesting tools.
	Exhausted bool

	ToolRecords  []ToolRecord
	InputTokens  int
	OutputTokens int
}

// LoopConfig assembles one run of the loop. Backend and Gateway are
// required; zero values elsewhere fall back to defaults.
type LoopConfig struct {
	Backend       llm.Client
	Gateway       ToolInvoker
	Model         string
	Tools         []map[string]any
	SystemPrompt  string
	MaxIterations int
	Logger        *slog.Logger
	Bus           *events.Bus
	RunID         string
}

// Loop drives rounds of model call → tool dispatch → model call for a
// single request. The state machine is provider-neutral: provider
// differences live entirely in the llm clients' turn serialization,
// never here.
type Loop struct {
	backend llm.Client
	gateway ToolInvoker
	model   string
	tools   []map[string]any
	system  string
	maxIter int
	logger  *slog.Logger
	bus     *events.Bus
	runID   string
}

// NewLoop creates a loop for one run.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		backend: cfg.Backend,
		gateway: cfg.Gateway,
		model:   cfg.Model,
		tools:   cfg.Tools,
		system:  cfg.SystemPrompt,
		maxIter: cfg.MaxIterations,
		logger:  logger,
		bus:     cfg.Bus,
		runID:   cfg.RunID,
	}
}

// Run executes the loop over the given turns and returns the final
// reply with the extended turn sequence. The input slice is not
// mutated. Tool failures are folded into the conversation as error
// results; only model-call failures and cancellation are returned as
// errors.
func (l *Loop) Run(ctx context.Context, turns []llm.Message) (*Outcome, error) {
	messages := make([]llm.Message, 0, len(turns)+2)
	if l.system != "" {
		messages = append(messages, llm.Message{Role: "system", Content: l.system})
	}
	messages = append(messages, turns...)

	var (
		textParts   []string
		records     []ToolRecord
		lastResult  string
		totalInput  int
		totalOutput int
		iterations  int
	)

	exhausted := true
	for i := range l.maxIter {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("run cancelled (iter %d): %w", i, err)
		}
		iterations = i + 1
		iterStart := time.Now()

		l.logger.Info("model call",
			"run_id", l.runID,
			"iter", i,
			"model", l.model,
			"msgs", len(messages),
		)
		l.publish(events.KindLLMCall, map[string]any{
			"run_id": l.runID, "iter": i, "model": l.model,
		})

		resp, err := l.backend.Chat(ctx, l.model, messages, l.tools)
		if err != nil {
			return nil, fmt.Errorf("model call failed (iter %d): %w", i, err)
		}
		totalInput += resp.InputTokens
		totalOutput += resp.OutputTokens

		l.logger.Info("model response",
			"run_id", l.runID,
			"iter", i,
			"stop_reason", resp.StopReason,
			"input_tokens", resp.InputTokens,
			"output_tokens", resp.OutputTokens,
			"tool_calls", len(resp.Message.ToolCalls),
			"elapsed", time.Since(iterStart).Round(time.Millisecond),
		)
		l.publish(events.KindLLMResponse, map[string]any{
			"run_id": l.runID, "iter": i, "model": l.model,
			"tokens_in": resp.InputTokens, "tokens_out": resp.OutputTokens,
			"tool_calls": len(resp.Message.ToolCalls),
		})

		if resp.Message.Content != "" {
			textParts = append(textParts, resp.Message.Content)
		}
		messages = append(messages, resp.Message)

		if len(resp.Message.ToolCalls) == 0 {
			exhausted = false
			break
		}

		// Dispatch every requested tool in the order received. All
		// results join the conversation before the next model call.
		for _, tc := range resp.Message.ToolCalls {
			rec, msg := l.invokeTool(ctx, i, tc)
			records = append(records, rec)
			lastResult = rec.Result
			messages = append(messages, msg)
		}
	}

	if exhausted {
		l.logger.Warn("max iterations reached",
			"run_id", l.runID,
			"max_iter", l.maxIter,
		)
	}

	reply := strings.Join(textParts, "\n")
	if reply == "" {
		if len(records) > 0 {
			reply = fmt.Sprintf(completedReplyFmt, lastResult)
		} else {
			reply = sentinelReply
		}
	}

	outTurns := messages
	if l.system != "" {
		outTurns = messages[1:]
	}

	return &Outcome{
		Reply:        reply,
		Turns:        outTurns,
		Iterations:   iterations,
		Exhausted:    exhausted,
		ToolRecords:  records,
		InputTokens:  totalInput,
		OutputTokens: totalOutput,
	}, nil
}

// invokeTool dispatches one requested tool and shapes its feedback
// turn. Failures never propagate: a transport error and a tool-side
// error both become model-readable text flagged as an error result, so
// the model can react on the next round.
func (l *Loop) invokeTool(ctx context.Context, iter int, tc llm.ToolCall) (ToolRecord, llm.Message) {
	name := tc.Function.Name
	start := time.Now()

	l.logger.Info("tool exec",
		"run_id", l.runID,
		"iter", iter,
		"tool", name,
	)
	l.publish(events.KindToolCall, map[string]any{
		"run_id": l.runID, "tool": name,
	})

	msg := llm.Message{Role: "tool", ToolCallID: tc.ID, ToolName: name}

	result, err := l.gateway.CallTool(ctx, name, tc.Function.Arguments)
	switch {
	case err != nil:
		msg.Content = "Error: " + err.Error()
		msg.IsError = true
		l.logger.Error("tool exec failed",
			"run_id", l.runID,
			"tool", name,
			"error", err,
		)
	case result.IsError:
		msg.Content = result.Text
		if msg.Content == "" {
			msg.Content = fmt.Sprintf("Error: tool %s reported a failure with no detail", name)
		}
		msg.IsError = true
		l.logger.Warn("tool returned error",
			"run_id", l.runID,
			"tool", name,
			"result", truncate(msg.Content, 200),
		)
	default:
		msg.Content = result.Text
		l.logger.Debug("tool exec done",
			"run_id", l.runID,
			"tool", name,
			"result_len", len(msg.Content),
			"elapsed", time.Since(start).Round(time.Millisecond),
		)
	}

	elapsed := time.Since(start)
	l.publish(events.KindToolDone, map[string]any{
		"run_id": l.runID, "tool": name,
		"ok": !msg.IsError, "duration_ms": elapsed.Milliseconds(),
	})

	return ToolRecord{
		Tool:      name,
		Arguments: tc.Function.Arguments,
		Result:    msg.Content,
		IsError:   msg.IsError,
		Duration:  elapsed,
	}, msg
}

// publish emits one loop event on the bus.
func (l *Loop) publish(kind string, data map[string]any) {
	l.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAgent,
		Kind:      kind,
		Data:      data,
	})
}

// truncate shortens a string to maxLen characters, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

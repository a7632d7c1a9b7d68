// Package agent implements the provider-agnostic tool-calling
// orchestration engine: one request becomes a session, an optional
// style-disambiguation hint, and a bounded loop of model calls and
// gateway tool executions that always ends in a user-facing reply.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/patchbay-audio/patchbay/internal/events"
	"github.com/patchbay-audio/patchbay/internal/intent"
	"github.com/patchbay-audio/patchbay/internal/llm"
	"github.com/patchbay-audio/patchbay/internal/prompts"
	"github.com/patchbay-audio/patchbay/internal/session"
	"github.com/patchbay-audio/patchbay/internal/transcript"
)

// SessionProvider yields a ready session for a request. Implemented by
// *session.Manager.
type SessionProvider interface {
	Ensure(ctx context.Context, req session.Request) (*session.Session, error)
}

// TranscriptRecorder persists finished runs. Implemented by
// *transcript.Store.
type TranscriptRecorder interface {
	Record(ctx context.Context, run *transcript.Run) error
}

// Config tunes the engine.
type Config struct {
	// MaxIterations caps model→tool rounds per run; 0 means the
	// default.
	MaxIterations int

	// SystemPrompt overrides the compiled-in system prompt.
	SystemPrompt string
}

// Request is one user turn with its session parameters.
type Request struct {
	// Prompt is the newest user utterance. Required.
	Prompt string

	// History carries the caller-owned prior turns. The engine appends
	// to a copy; it never persists history itself.
	History []llm.Message

	Provider    string
	APIKey      string
	ProjectURL  string
	Credentials *session.Credentials
}

// Result is the engine's answer for one request.
type Result struct {
	RunID        string
	Reply        string
	Turns        []llm.Message
	Provider     string
	Model        string
	Iterations   int
	InputTokens  int
	OutputTokens int
}

// Engine wires the session manager, intent router, loop, and
// transcript store into the request path.
type Engine struct {
	sessions    SessionProvider
	transcripts TranscriptRecorder
	bus         *events.Bus
	logger      *slog.Logger
	cfg         Config
}

// NewEngine creates the engine. transcripts and bus may be nil; runs
// then go unrecorded and unannounced.
func NewEngine(sessions SessionProvider, transcripts TranscriptRecorder, bus *events.Bus, logger *slog.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = prompts.StudioSystemPrompt()
	}
	return &Engine{
		sessions:    sessions,
		transcripts: transcripts,
		bus:         bus,
		logger:      logger,
		cfg:         cfg,
	}
}

// Run executes one user request end to end: ensure a session, resolve
// vague style intent, run the tool-calling loop, record the
// transcript. Session and model failures are returned as errors; tool
// failures never are — they surface to the model as error results
// inside the loop.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating run id: %w", err)
	}
	runID := id.String()
	start := time.Now()

	sess, err := e.sessions.Ensure(ctx, session.Request{
		Target:      req.ProjectURL,
		Provider:    req.Provider,
		APIKey:      req.APIKey,
		Credentials: req.Credentials,
	})
	if err != nil {
		return nil, fmt.Errorf("establishing session: %w", err)
	}

	e.logger.Info("run started",
		"run_id", runID,
		"provider", sess.Provider,
		"model", sess.Model,
		"prompt", truncate(req.Prompt, 200),
		"history", len(req.History),
	)
	e.publish(events.KindRequestStart, map[string]any{
		"run_id": runID, "provider": sess.Provider, "model": sess.Model,
	})

	// Vague style requests get one best-effort disambiguation call;
	// its result rides along as a hint turn. A failed resolution just
	// means no hint.
	hint := ""
	if intent.NeedsStyleResolution(req.Prompt) {
		resolver := intent.NewResolver(sess.Gateway, e.logger)
		if rec, ok := resolver.Resolve(ctx, req.Prompt); ok {
			hint = intent.Hint(rec)
			e.publish(events.KindStyleHint, map[string]any{
				"run_id": runID, "recommendation": rec,
			})
		}
	}

	turns := make([]llm.Message, 0, len(req.History)+2)
	turns = append(turns, req.History...)
	turns = append(turns, llm.Message{Role: "user", Content: req.Prompt})
	if hint != "" {
		// Backends reject system-authored mid-conversation turns, so
		// the hint travels as a user turn, placed just before the
		// first submission.
		turns = append(turns, llm.Message{Role: "user", Content: hint})
	}

	loop := NewLoop(LoopConfig{
		Backend:       sess.LLM,
		Gateway:       sess.Gateway,
		Model:         sess.Model,
		Tools:         sess.ModelTools(),
		SystemPrompt:  e.cfg.SystemPrompt,
		MaxIterations: e.cfg.MaxIterations,
		Logger:        e.logger,
		Bus:           e.bus,
		RunID:         runID,
	})

	outcome, err := loop.Run(ctx, turns)
	elapsed := time.Since(start)
	if err != nil {
		e.logger.Error("run failed",
			"run_id", runID,
			"error", err,
			"elapsed", elapsed.Round(time.Millisecond),
		)
		e.record(ctx, runID, sess, req, hint, nil, err, start)
		return nil, err
	}

	e.logger.Info("run completed",
		"run_id", runID,
		"iterations", outcome.Iterations,
		"exhausted", outcome.Exhausted,
		"input_tokens", outcome.InputTokens,
		"output_tokens", outcome.OutputTokens,
		"reply_len", len(outcome.Reply),
		"elapsed", elapsed.Round(time.Millisecond),
	)
	e.publish(events.KindRequestComplete, map[string]any{
		"run_id":           runID,
		"model":            sess.Model,
		"iterations":       outcome.Iterations,
		"total_tokens_in":  outcome.InputTokens,
		"total_tokens_out": outcome.OutputTokens,
		"elapsed_ms":       elapsed.Milliseconds(),
	})

	e.record(ctx, runID, sess, req, hint, outcome, nil, start)

	return &Result{
		RunID:        runID,
		Reply:        outcome.Reply,
		Turns:        outcome.Turns,
		Provider:     sess.Provider,
		Model:        sess.Model,
		Iterations:   outcome.Iterations,
		InputTokens:  outcome.InputTokens,
		OutputTokens: outcome.OutputTokens,
	}, nil
}

// record persists the finished run. Best-effort: storage failures are
// logged, never surfaced to the caller.
func (e *Engine) record(ctx context.Context, runID string, sess *session.Session, req Request, hint string, outcome *Outcome, runErr error, start time.Time) {
	if e.transcripts == nil {
		return
	}

	now := time.Now()
	run := &transcript.Run{
		ID:          runID,
		StartedAt:   start,
		CompletedAt: now,
		Provider:    sess.Provider,
		Model:       sess.Model,
		Prompt:      req.Prompt,
		Hint:        hint,
		DurationMs:  now.Sub(start).Milliseconds(),
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if outcome != nil {
		run.Reply = outcome.Reply
		run.Iterations = outcome.Iterations
		for i, tr := range outcome.ToolRecords {
			args := "{}"
			if b, err := json.Marshal(tr.Arguments); err == nil {
				args = string(b)
			}
			run.ToolCalls = append(run.ToolCalls, transcript.ToolCall{
				Seq:        i,
				Tool:       tr.Tool,
				Arguments:  args,
				Result:     tr.Result,
				IsError:    tr.IsError,
				DurationMs: tr.Duration.Milliseconds(),
			})
		}
		for i, turn := range outcome.Turns {
			run.Turns = append(run.Turns, transcript.Turn{
				Seq:     i,
				Role:    turn.Role,
				Content: turn.Content,
			})
		}
	}

	if err := e.transcripts.Record(ctx, run); err != nil {
		e.logger.Warn("failed to persist transcript",
			"run_id", runID,
			"error", err,
		)
	}
}

// publish emits one engine event on the bus.
func (e *Engine) publish(kind string, data map[string]any) {
	e.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAgent,
		Kind:      kind,
		Data:      data,
	})
}

// Package intent decides whether an utterance needs style
// disambiguation before the main loop runs.
//
// The gate is a heuristic phrase match, not a classifier: false
// negatives skip disambiguation, false positives cost one extra tool
// round. Both are acceptable, so there is no scoring and no state.
package intent

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/patchbay-audio/patchbay/internal/mcp"
	"github.com/patchbay-audio/patchbay/internal/tools"
)

// stylePattern matches vague stylistic requests ("sounds like X",
// "in the style of Y") anywhere in the utterance.
var stylePattern = regexp.MustCompile(`(?i)\b(sound(?:s)? like|style of|genre|vibe|make it|inspired by)\b`)

// DefaultResolveTimeout bounds the disambiguation tool call. The call
// is best-effort; a slow gateway must not stall the whole request.
const DefaultResolveTimeout = 15 * time.Second

// NeedsStyleResolution reports whether the utterance reads like a
// vague style request that deserves a disambiguation call.
func NeedsStyleResolution(utterance string) bool {
	return stylePattern.MatchString(utterance)
}

// Invoker invokes a single gateway tool. *mcp.Client satisfies it.
type Invoker interface {
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.Result, error)
}

// Resolver issues the disambiguation call against the gateway.
type Resolver struct {
	gateway Invoker
	timeout time.Duration
	logger  *slog.Logger
}

// NewResolver creates a resolver bound to a gateway.
func NewResolver(gateway Invoker, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		gateway: gateway,
		timeout: DefaultResolveTimeout,
		logger:  logger,
	}
}

// Resolve asks the gateway's recommendation tool to map the style
// description to a concrete entity. Failures of any kind — transport
// errors, tool-reported errors, timeouts — are logged and swallowed:
// the loop runs without a hint rather than not at all.
func (r *Resolver) Resolve(ctx context.Context, query string) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := r.gateway.CallTool(ctx, tools.RecommendForStyleTool, map[string]any{
		"description": query,
	})
	if err != nil {
		r.logger.Warn("style resolution failed", "error", err)
		return "", false
	}
	if result.IsError {
		r.logger.Warn("style resolution tool reported an error", "result", result.Text)
		return "", false
	}

	r.logger.Debug("style resolved", "recommendation", result.Text)
	return result.Text, true
}

// Hint renders a recommendation as the conversation turn injected
// before the first model submission. It is attributed to the user role
// because some backends reject system-authored mid-conversation turns.
func Hint(recommendation string) string {
	return fmt.Sprintf(
		"[system hint] The %s tool returned: %s. Use this recommendation when deciding which entity to add.",
		tools.RecommendForStyleTool, recommendation,
	)
}

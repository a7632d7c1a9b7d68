package transcript

import (
	"bytes"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/yuin/goldmark"
)

// RenderHTML renders a run as a self-contained HTML page with no
// external resources. The reply is rendered as markdown; every other
// field is escaped verbatim. Goldmark's default renderer drops raw
// HTML, so tool output cannot inject markup through the reply either.
func RenderHTML(run *Run) ([]byte, error) {
	var reply bytes.Buffer
	if err := goldmark.Convert([]byte(run.Reply), &reply); err != nil {
		return nil, fmt.Errorf("render reply markdown: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Run %s</title></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5; max-width: 60em; margin: 2em auto;">
`, html.EscapeString(run.ID))

	fmt.Fprintf(&b, "<h1 style=\"font-size: 18px;\">Run %s</h1>\n", html.EscapeString(run.ID))
	fmt.Fprintf(&b, "<p style=\"color: #666;\">%s / %s &middot; %s &middot; %s &middot; %d iteration(s)</p>\n",
		html.EscapeString(run.Provider),
		html.EscapeString(run.Model),
		run.StartedAt.UTC().Format(time.RFC3339),
		(time.Duration(run.DurationMs) * time.Millisecond).String(),
		run.Iterations,
	)

	if run.Error != "" {
		fmt.Fprintf(&b, "<p style=\"color: #b00020;\"><strong>Error:</strong> %s</p>\n",
			html.EscapeString(run.Error))
	}

	b.WriteString("<h2 style=\"font-size: 15px;\">Prompt</h2>\n")
	fmt.Fprintf(&b, "<pre style=\"white-space: pre-wrap; background: #f4f4f4; padding: 0.5em;\">%s</pre>\n",
		html.EscapeString(run.Prompt))

	if run.Hint != "" {
		b.WriteString("<h2 style=\"font-size: 15px;\">Hint</h2>\n")
		fmt.Fprintf(&b, "<pre style=\"white-space: pre-wrap; background: #f4f4f4; padding: 0.5em;\">%s</pre>\n",
			html.EscapeString(run.Hint))
	}

	b.WriteString("<h2 style=\"font-size: 15px;\">Reply</h2>\n")
	b.WriteString("<div>\n")
	b.Write(reply.Bytes())
	b.WriteString("</div>\n")

	if len(run.ToolCalls) > 0 {
		b.WriteString("<h2 style=\"font-size: 15px;\">Tool Calls</h2>\n")
		for _, tc := range run.ToolCalls {
			label := html.EscapeString(tc.Tool)
			if tc.IsError {
				label += " <span style=\"color: #b00020;\">(error)</span>"
			}
			fmt.Fprintf(&b, "<p><strong>%d. %s</strong> &middot; %s</p>\n",
				tc.Seq+1, label, (time.Duration(tc.DurationMs) * time.Millisecond).String())
			fmt.Fprintf(&b, "<pre style=\"white-space: pre-wrap; background: #f4f4f4; padding: 0.5em;\">%s</pre>\n",
				html.EscapeString(tc.Arguments))
			fmt.Fprintf(&b, "<pre style=\"white-space: pre-wrap; background: #f9f4e8; padding: 0.5em;\">%s</pre>\n",
				html.EscapeString(tc.Result))
		}
	}

	if len(run.Turns) > 0 {
		b.WriteString("<h2 style=\"font-size: 15px;\">Conversation</h2>\n")
		for _, turn := range run.Turns {
			fmt.Fprintf(&b, "<p><strong>%s</strong></p>\n", html.EscapeString(turn.Role))
			fmt.Fprintf(&b, "<pre style=\"white-space: pre-wrap; background: #f4f4f4; padding: 0.5em;\">%s</pre>\n",
				html.EscapeString(turn.Content))
		}
	}

	b.WriteString("</body></html>\n")
	return []byte(b.String()), nil
}

// Package session owns the tool execution gateway connection and
// decides when it may be reused across requests.
//
// Exactly one gateway is live at a time. A request is served by the
// cached gateway when its identity — target project, model provider,
// credential fingerprint — matches the one the gateway was built for
// and the connection still looks usable; otherwise the old gateway is
// torn down and a new one is built, handshaken, and cached in its
// place. Replacement is mutually exclusive across requests.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/patchbay-audio/patchbay/internal/llm"
	"github.com/patchbay-audio/patchbay/internal/mcp"
	"github.com/patchbay-audio/patchbay/internal/tools"
)

// Identity is the equality key deciding gateway reuse. Any difference
// between the cached identity and the request's forces a replacement.
// The raw API key never appears here, only its fingerprint.
type Identity struct {
	// Target is the project URL the session is bound to; empty for
	// unauthenticated sessions.
	Target string

	// Provider is the canonical model provider name.
	Provider string

	// Fingerprint is a short digest of the model API key; empty when
	// the configured credential is in use.
	Fingerprint string
}

// NewIdentity derives the reuse key for a request.
func NewIdentity(target, provider, apiKey string) Identity {
	return Identity{
		Target:      target,
		Provider:    llm.NormalizeProvider(provider),
		Fingerprint: Fingerprint(apiKey),
	}
}

// Fingerprint returns a short non-reversible digest of an API key,
// safe for logs and identity comparison. Empty keys map to "".
func Fingerprint(apiKey string) string {
	if apiKey == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])[:12]
}

// Credentials carries the caller's authenticated-session tokens,
// handed to the gateway's initialize-session tool on a fresh
// connection. They are forwarded verbatim and never stored.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64
	ClientID     string
	RedirectURL  string
	Scope        string
}

// present reports whether there is anything to hand to the gateway.
func (c *Credentials) present() bool {
	return c != nil && c.AccessToken != ""
}

// Gateway is the manager's view of the MCP client. *mcp.Client
// satisfies it; tests substitute fakes.
type Gateway interface {
	Initialize(ctx context.Context) error
	ListTools(ctx context.Context) ([]mcp.ToolDefinition, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.Result, error)
	Alive() bool
	Close() error
}

// Session bundles one ready gateway with the tool catalog discovered
// on it and the model client bound to the same identity. It stays
// valid until the manager replaces it.
type Session struct {
	Gateway  Gateway
	Tools    *tools.Set
	LLM      llm.Client
	Provider string
	Model    string
}

// ModelTools renders the toolset offered to the model, with the
// reserved session operations withheld.
func (s *Session) ModelTools() []map[string]any {
	return s.Tools.Exclude(tools.Reserved()...).ForModel()
}

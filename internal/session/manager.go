package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/patchbay-audio/patchbay/internal/events"
	"github.com/patchbay-audio/patchbay/internal/llm"
	"github.com/patchbay-audio/patchbay/internal/mcp"
	"github.com/patchbay-audio/patchbay/internal/tools"
)

const (
	// gatewayName labels the MCP client in logs.
	gatewayName = "studio-gateway"

	// teardownTimeout bounds how long a replaced gateway gets to close
	// cleanly before the manager moves on without it.
	teardownTimeout = 5 * time.Second

	// handshakeTimeout bounds the initialize-session call on a fresh
	// authenticated gateway.
	handshakeTimeout = 10 * time.Second
)

// GatewayConfig describes how to reach the studio gateway. Exactly one
// of URL, Command, or Script should be set; URL wins over Command,
// Command over Script.
type GatewayConfig struct {
	// Script is a path to a gateway program whose interpreter is
	// inferred from the file extension (.py, .js, .ts).
	Script string

	// Command is an explicit executable to launch over stdio.
	Command string

	// Args are extra command-line arguments for Command or Script.
	Args []string

	// Env are additional environment variables for the gateway
	// subprocess (format: "KEY=VALUE").
	Env []string

	// URL is a streamable HTTP gateway endpoint.
	URL string

	// Headers are sent with every request to URL.
	Headers map[string]string
}

// Request carries the per-request fields that determine which session
// serves it.
type Request struct {
	// Target is the project URL the caller wants to work on. It only
	// binds the session when Credentials are present.
	Target string

	// Provider selects the model provider; empty means the default.
	Provider string

	// APIKey optionally overrides the configured model credential.
	APIKey string

	// Credentials, when present, authenticate the gateway session
	// against Target.
	Credentials *Credentials
}

// Manager caches a single live session and replaces it whenever a
// request's identity or a dead connection demands it. All methods are
// safe for concurrent use; replacement is serialized so two requests
// can never race a build against a teardown.
type Manager struct {
	cfg     GatewayConfig
	factory *llm.Factory
	bus     *events.Bus
	logger  *slog.Logger

	// build constructs a fresh gateway connection. Overridable in
	// tests.
	build func(ctx context.Context) (Gateway, error)

	mu       sync.Mutex
	current  *Session
	identity Identity
}

// NewManager creates a session manager for the configured gateway.
func NewManager(cfg GatewayConfig, factory *llm.Factory, bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:     cfg,
		factory: factory,
		bus:     bus,
		logger:  logger,
	}
	m.build = m.buildGateway
	return m
}

// Ensure returns a session matching the request, reusing the cached
// one when its identity matches and the connection is still usable,
// and building a replacement otherwise. On any build or handshake
// failure nothing is cached and the error is returned; a later request
// starts from scratch.
func (m *Manager) Ensure(ctx context.Context, req Request) (*Session, error) {
	apiKey := strings.TrimSpace(req.APIKey)

	// The target only distinguishes sessions when the caller can
	// actually authenticate against it. An unauthenticated request
	// for a project gets the same anonymous session as any other.
	target := ""
	authenticated := req.Credentials.present() && req.Target != ""
	if authenticated {
		target = req.Target
	}
	id := NewIdentity(target, m.factory.Normalize(req.Provider), apiKey)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && m.identity == id && m.current.Gateway.Alive() {
		m.logger.Debug("reusing gateway session",
			"target", id.Target,
			"provider", id.Provider)
		m.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceSession,
			Kind:      events.KindGatewayReused,
			Data:      map[string]any{"target": id.Target},
		})
		return m.current, nil
	}

	reason := m.replaceReason()
	m.teardownLocked(reason)

	client, model, err := m.factory.New(ctx, req.Provider, apiKey)
	if err != nil {
		return nil, fmt.Errorf("creating model client: %w", err)
	}

	m.logger.Info("building gateway session",
		"reason", reason,
		"target", id.Target,
		"provider", id.Provider,
		"model", model)

	gw, err := m.build(ctx)
	if err != nil {
		return nil, fmt.Errorf("connecting to gateway: %w", err)
	}

	if err := gw.Initialize(ctx); err != nil {
		m.discard(gw)
		return nil, fmt.Errorf("initializing gateway: %w", err)
	}

	defs, err := gw.ListTools(ctx)
	if err != nil {
		m.discard(gw)
		return nil, fmt.Errorf("listing gateway tools: %w", err)
	}

	if authenticated {
		if err := m.initializeSession(ctx, gw, req, apiKey); err != nil {
			m.discard(gw)
			m.bus.Publish(events.Event{
				Timestamp: time.Now(),
				Source:    events.SourceSession,
				Kind:      events.KindHandshakeFailed,
				Data:      map[string]any{"target": id.Target, "error": err.Error()},
			})
			return nil, err
		}
	}

	sess := &Session{
		Gateway:  gw,
		Tools:    tools.FromGateway(defs),
		LLM:      client,
		Provider: id.Provider,
		Model:    model,
	}
	m.current = sess
	m.identity = id

	m.logger.Info("gateway session ready",
		"target", id.Target,
		"provider", id.Provider,
		"model", model,
		"tools", sess.Tools.Len(),
		"authenticated", authenticated)
	m.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceSession,
		Kind:      events.KindGatewayReplaced,
		Data:      map[string]any{"target": id.Target, "reason": reason},
	})
	return sess, nil
}

// replaceReason explains why the cached session cannot serve the
// current request. Callers must hold m.mu.
func (m *Manager) replaceReason() string {
	switch {
	case m.current == nil:
		return "no existing gateway"
	case !m.current.Gateway.Alive():
		return "gateway connection unusable"
	default:
		return "session identity changed"
	}
}

// teardownLocked closes the cached gateway, bounded by
// teardownTimeout. Close failures are logged, never propagated: the
// old session is being abandoned either way, and the caller's request
// must not fail because a dying subprocess hung. Callers must hold
// m.mu.
func (m *Manager) teardownLocked(reason string) {
	if m.current == nil {
		return
	}
	gw := m.current.Gateway
	m.current = nil
	m.identity = Identity{}

	done := make(chan error, 1)
	go func() { done <- gw.Close() }()
	select {
	case err := <-done:
		if err != nil {
			m.logger.Warn("gateway teardown failed", "reason", reason, "error", err)
			return
		}
		m.logger.Debug("gateway closed", "reason", reason)
	case <-time.After(teardownTimeout):
		m.logger.Warn("gateway teardown timed out", "reason", reason, "timeout", teardownTimeout)
	}
}

// discard closes a half-built gateway that never made it into the
// cache.
func (m *Manager) discard(gw Gateway) {
	if err := gw.Close(); err != nil {
		m.logger.Warn("closing failed gateway", "error", err)
	}
}

// initializeSession performs the authenticated-session handshake on a
// fresh gateway. A tool-level rejection is just as fatal as a
// transport failure: a gateway that refused the credentials must not
// serve authenticated traffic.
func (m *Manager) initializeSession(ctx context.Context, gw Gateway, req Request, apiKey string) error {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	creds := req.Credentials
	args := map[string]any{
		"access_token":  creds.AccessToken,
		"expires_at":    creds.ExpiresAt,
		"client_id":     creds.ClientID,
		"redirect_url":  creds.RedirectURL,
		"scope":         creds.Scope,
		"project_url":   req.Target,
		"refresh_token": creds.RefreshToken,
	}
	result, err := gw.CallTool(ctx, tools.InitializeSessionTool, args)
	if err != nil {
		return fmt.Errorf("session handshake: %w", err)
	}
	if result.IsError {
		return fmt.Errorf("session handshake rejected: %s", result.Text)
	}
	m.logger.Debug("gateway session authenticated",
		"target", req.Target,
		"key_fingerprint", Fingerprint(apiKey))
	return nil
}

// buildGateway constructs the configured transport and wraps it in an
// MCP client.
func (m *Manager) buildGateway(ctx context.Context) (Gateway, error) {
	switch {
	case m.cfg.URL != "":
		transport := mcp.NewHTTPTransport(mcp.HTTPConfig{
			URL:     m.cfg.URL,
			Headers: m.cfg.Headers,
			Logger:  m.logger,
		})
		return mcp.NewClient(gatewayName, transport, m.logger), nil

	case m.cfg.Command != "":
		transport := mcp.NewStdioTransport(mcp.StdioConfig{
			Command: m.cfg.Command,
			Args:    m.cfg.Args,
			Env:     m.cfg.Env,
			Logger:  m.logger,
		})
		return mcp.NewClient(gatewayName, transport, m.logger), nil

	case m.cfg.Script != "":
		command, args, err := mcp.StdioCommand(m.cfg.Script)
		if err != nil {
			return nil, err
		}
		transport := mcp.NewStdioTransport(mcp.StdioConfig{
			Command: command,
			Args:    append(args, m.cfg.Args...),
			Env:     m.cfg.Env,
			Logger:  m.logger,
		})
		return mcp.NewClient(gatewayName, transport, m.logger), nil

	default:
		return nil, fmt.Errorf("no gateway configured: set gateway.script, gateway.command, or gateway.url")
	}
}

// Active reports whether a session is currently cached.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil
}

// Close tears down the cached session, if any. Called on shutdown.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked("shutdown")
	return nil
}

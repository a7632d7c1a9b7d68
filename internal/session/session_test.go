package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/patchbay-audio/patchbay/internal/llm"
	"github.com/patchbay-audio/patchbay/internal/mcp"
	"github.com/patchbay-audio/patchbay/internal/tools"
)

// fakeGateway records the manager's interactions with one built
// gateway.
type fakeGateway struct {
	mu          sync.Mutex
	alive       bool
	initialized bool
	closed      bool
	toolCalls   []toolCall
	defs        []mcp.ToolDefinition

	initErr  error
	listErr  error
	callErr  error
	closeErr error
	result   *mcp.Result
}

type toolCall struct {
	name string
	args map[string]any
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		alive:  true,
		result: &mcp.Result{Text: "ok"},
		defs: []mcp.ToolDefinition{
			{Name: "add-entity", Description: "Add an entity"},
			{Name: tools.InitializeSessionTool, Description: "Start a session"},
			{Name: tools.RecommendForStyleTool, Description: "Recommend"},
		},
	}
}

func (g *fakeGateway) Initialize(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.initErr != nil {
		return g.initErr
	}
	g.initialized = true
	return nil
}

func (g *fakeGateway) ListTools(ctx context.Context) ([]mcp.ToolDefinition, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listErr != nil {
		return nil, g.listErr
	}
	return g.defs, nil
}

func (g *fakeGateway) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.toolCalls = append(g.toolCalls, toolCall{name: name, args: args})
	if g.callErr != nil {
		return nil, g.callErr
	}
	return g.result, nil
}

func (g *fakeGateway) Alive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.alive
}

func (g *fakeGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return g.closeErr
}

// testManager wires a Manager to a build seam that hands out the given
// gateways in order and counts how many were built.
func testManager(t *testing.T, gateways ...*fakeGateway) (*Manager, *int) {
	t.Helper()
	factory := llm.NewFactory(llm.FactoryConfig{
		AnthropicKey: "configured-key",
		GeminiAPIKey: "configured-gemini-key",
	}, slog.Default())
	m := NewManager(GatewayConfig{Script: "gateway.py"}, factory, nil, slog.Default())

	builds := 0
	m.build = func(ctx context.Context) (Gateway, error) {
		if builds >= len(gateways) {
			t.Fatalf("build called %d times, only %d gateways provided", builds+1, len(gateways))
		}
		gw := gateways[builds]
		builds++
		return gw, nil
	}
	return m, &builds
}

func anthropicRequest() Request {
	return Request{Provider: "anthropic"}
}

func TestEnsureBuildsFirstSession(t *testing.T) {
	gw := newFakeGateway()
	m, builds := testManager(t, gw)

	sess, err := m.Ensure(context.Background(), anthropicRequest())
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if *builds != 1 {
		t.Errorf("builds = %d, want 1", *builds)
	}
	if !gw.initialized {
		t.Error("gateway was not initialized")
	}
	if sess.Provider != "anthropic" {
		t.Errorf("Provider = %q, want %q", sess.Provider, "anthropic")
	}
	if sess.Model != llm.DefaultAnthropicModel {
		t.Errorf("Model = %q, want %q", sess.Model, llm.DefaultAnthropicModel)
	}
	if sess.Tools.Len() != 3 {
		t.Errorf("Tools.Len() = %d, want 3", sess.Tools.Len())
	}
	if !m.Active() {
		t.Error("Active() = false after successful Ensure")
	}
}

func TestEnsureReusesMatchingSession(t *testing.T) {
	gw := newFakeGateway()
	m, builds := testManager(t, gw)

	first, err := m.Ensure(context.Background(), anthropicRequest())
	if err != nil {
		t.Fatalf("first Ensure: %v", err)
	}
	second, err := m.Ensure(context.Background(), anthropicRequest())
	if err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if first != second {
		t.Error("matching request built a new session instead of reusing")
	}
	if *builds != 1 {
		t.Errorf("builds = %d, want 1", *builds)
	}
	if gw.closed {
		t.Error("reused gateway was closed")
	}
}

func TestEnsureReplacesOnProviderChange(t *testing.T) {
	old, fresh := newFakeGateway(), newFakeGateway()
	m, builds := testManager(t, old, fresh)

	if _, err := m.Ensure(context.Background(), anthropicRequest()); err != nil {
		t.Fatalf("first Ensure: %v", err)
	}
	req := anthropicRequest()
	req.Provider = "Anthropic" // same canonical provider, still reused
	if _, err := m.Ensure(context.Background(), req); err != nil {
		t.Fatalf("case-variant Ensure: %v", err)
	}
	if *builds != 1 {
		t.Fatalf("builds after case variant = %d, want 1", *builds)
	}

	req.Provider = "gemini"
	sess, err := m.Ensure(context.Background(), req)
	if err != nil {
		t.Fatalf("gemini Ensure: %v", err)
	}
	if *builds != 2 {
		t.Errorf("builds = %d, want 2", *builds)
	}
	if !old.closed {
		t.Error("replaced gateway was not closed")
	}
	if sess.Provider != "gemini" {
		t.Errorf("Provider = %q, want %q", sess.Provider, "gemini")
	}
	if sess.Model != llm.DefaultGeminiModel {
		t.Errorf("Model = %q, want %q", sess.Model, llm.DefaultGeminiModel)
	}
	if sess.Gateway != Gateway(fresh) {
		t.Error("session not bound to the fresh gateway")
	}
}

func TestEnsureReplacesOnKeyChange(t *testing.T) {
	old, fresh := newFakeGateway(), newFakeGateway()
	m, builds := testManager(t, old, fresh, newFakeGateway())

	if _, err := m.Ensure(context.Background(), anthropicRequest()); err != nil {
		t.Fatalf("first Ensure: %v", err)
	}

	req := anthropicRequest()
	req.APIKey = "sk-other"
	sess, err := m.Ensure(context.Background(), req)
	if err != nil {
		t.Fatalf("keyed Ensure: %v", err)
	}
	if *builds != 2 {
		t.Errorf("builds = %d, want 2", *builds)
	}
	if !old.closed {
		t.Error("replaced gateway was not closed")
	}
	if sess.Gateway != Gateway(fresh) {
		t.Error("session not bound to the fresh gateway")
	}

	// Whitespace-only keys count as absent, matching the original
	// identity again.
	req.APIKey = "   "
	if _, err := m.Ensure(context.Background(), req); err != nil {
		t.Fatalf("blank-key Ensure: %v", err)
	}
	if *builds != 3 {
		t.Errorf("builds after blank key = %d, want 3", *builds)
	}
}

func TestEnsureReplacesOnTargetChange(t *testing.T) {
	gws := []*fakeGateway{newFakeGateway(), newFakeGateway(), newFakeGateway()}
	m, builds := testManager(t, gws...)

	creds := &Credentials{AccessToken: "tok", ExpiresAt: 1924992000}

	req := anthropicRequest()
	req.Target = "https://studio.example/projects/alpha"
	req.Credentials = creds
	if _, err := m.Ensure(context.Background(), req); err != nil {
		t.Fatalf("alpha Ensure: %v", err)
	}

	req.Target = "https://studio.example/projects/beta"
	if _, err := m.Ensure(context.Background(), req); err != nil {
		t.Fatalf("beta Ensure: %v", err)
	}
	if *builds != 2 {
		t.Errorf("builds = %d, want 2", *builds)
	}
	if !gws[0].closed {
		t.Error("alpha gateway not closed after target change")
	}

	// Dropping credentials collapses the target to the anonymous
	// session, which is again a different identity.
	req.Credentials = nil
	if _, err := m.Ensure(context.Background(), req); err != nil {
		t.Fatalf("anonymous Ensure: %v", err)
	}
	if *builds != 3 {
		t.Errorf("builds = %d, want 3", *builds)
	}
}

func TestEnsureIgnoresTargetWithoutCredentials(t *testing.T) {
	gw := newFakeGateway()
	m, builds := testManager(t, gw)

	req := anthropicRequest()
	req.Target = "https://studio.example/projects/alpha"
	if _, err := m.Ensure(context.Background(), req); err != nil {
		t.Fatalf("first Ensure: %v", err)
	}

	// No credentials: target changes must not invalidate.
	req.Target = "https://studio.example/projects/beta"
	if _, err := m.Ensure(context.Background(), req); err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if *builds != 1 {
		t.Errorf("builds = %d, want 1", *builds)
	}
	if len(gw.toolCalls) != 0 {
		t.Errorf("unauthenticated session called %d tools, want 0", len(gw.toolCalls))
	}
}

func TestEnsureReplacesDeadGateway(t *testing.T) {
	old, fresh := newFakeGateway(), newFakeGateway()
	m, builds := testManager(t, old, fresh)

	if _, err := m.Ensure(context.Background(), anthropicRequest()); err != nil {
		t.Fatalf("first Ensure: %v", err)
	}

	old.mu.Lock()
	old.alive = false
	old.mu.Unlock()

	sess, err := m.Ensure(context.Background(), anthropicRequest())
	if err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if *builds != 2 {
		t.Errorf("builds = %d, want 2", *builds)
	}
	if sess.Gateway != Gateway(fresh) {
		t.Error("session still bound to the dead gateway")
	}
}

func TestEnsureHandshakeArgs(t *testing.T) {
	gw := newFakeGateway()
	m, _ := testManager(t, gw)

	req := Request{
		Target:   "https://studio.example/projects/alpha",
		Provider: "anthropic",
		Credentials: &Credentials{
			AccessToken:  "tok-123",
			RefreshToken: "ref-456",
			ExpiresAt:    1924992000,
			ClientID:     "client-1",
			RedirectURL:  "https://app.example/callback",
			Scope:        "studio.write",
		},
	}
	if _, err := m.Ensure(context.Background(), req); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	if len(gw.toolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(gw.toolCalls))
	}
	call := gw.toolCalls[0]
	if call.name != tools.InitializeSessionTool {
		t.Errorf("tool = %q, want %q", call.name, tools.InitializeSessionTool)
	}
	want := map[string]any{
		"access_token":  "tok-123",
		"refresh_token": "ref-456",
		"expires_at":    int64(1924992000),
		"client_id":     "client-1",
		"redirect_url":  "https://app.example/callback",
		"scope":         "studio.write",
		"project_url":   "https://studio.example/projects/alpha",
	}
	for k, v := range want {
		if call.args[k] != v {
			t.Errorf("args[%q] = %v, want %v", k, call.args[k], v)
		}
	}
}

func TestEnsureHandshakeFailureCachesNothing(t *testing.T) {
	gw := newFakeGateway()
	gw.callErr = errors.New("pipe broken")
	m, _ := testManager(t, gw)

	req := anthropicRequest()
	req.Target = "https://studio.example/projects/alpha"
	req.Credentials = &Credentials{AccessToken: "tok"}

	_, err := m.Ensure(context.Background(), req)
	if err == nil {
		t.Fatal("expected handshake error")
	}
	if !strings.Contains(err.Error(), "session handshake") {
		t.Errorf("error = %q, want session handshake context", err)
	}
	if !gw.closed {
		t.Error("failed gateway was not closed")
	}
	if m.Active() {
		t.Error("failed session was cached")
	}
}

func TestEnsureHandshakeRejectionIsFatal(t *testing.T) {
	gw := newFakeGateway()
	gw.result = &mcp.Result{Text: "token expired", IsError: true}
	m, _ := testManager(t, gw)

	req := anthropicRequest()
	req.Target = "https://studio.example/projects/alpha"
	req.Credentials = &Credentials{AccessToken: "tok"}

	_, err := m.Ensure(context.Background(), req)
	if err == nil {
		t.Fatal("expected rejection error")
	}
	if !strings.Contains(err.Error(), "token expired") {
		t.Errorf("error = %q, want gateway's rejection text", err)
	}
	if m.Active() {
		t.Error("rejected session was cached")
	}
}

func TestEnsureInitializeFailureDiscards(t *testing.T) {
	gw := newFakeGateway()
	gw.initErr = errors.New("handshake refused")
	m, _ := testManager(t, gw)

	if _, err := m.Ensure(context.Background(), anthropicRequest()); err == nil {
		t.Fatal("expected initialize error")
	}
	if !gw.closed {
		t.Error("uninitialized gateway was not closed")
	}
	if m.Active() {
		t.Error("uninitialized session was cached")
	}
}

func TestEnsureFactoryErrorBeforeBuild(t *testing.T) {
	m, builds := testManager(t)

	req := Request{Provider: "openai"}
	if _, err := m.Ensure(context.Background(), req); err == nil {
		t.Fatal("expected unknown-provider error")
	}
	if *builds != 0 {
		t.Errorf("builds = %d, want 0: gateway must not start for a bad provider", *builds)
	}
}

func TestEnsureTeardownErrorSwallowed(t *testing.T) {
	old, fresh := newFakeGateway(), newFakeGateway()
	old.closeErr = errors.New("kill failed")
	m, builds := testManager(t, old, fresh)

	if _, err := m.Ensure(context.Background(), anthropicRequest()); err != nil {
		t.Fatalf("first Ensure: %v", err)
	}
	req := anthropicRequest()
	req.APIKey = "sk-fresh"
	if _, err := m.Ensure(context.Background(), req); err != nil {
		t.Fatalf("replacement Ensure must not fail on teardown: %v", err)
	}
	if *builds != 2 {
		t.Errorf("builds = %d, want 2", *builds)
	}
}

func TestEnsureConcurrentSameIdentity(t *testing.T) {
	gw := newFakeGateway()
	m, builds := testManager(t, gw)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Ensure(context.Background(), anthropicRequest())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Ensure %d: %v", i, err)
		}
	}
	if *builds != 1 {
		t.Errorf("builds = %d, want 1", *builds)
	}
}

func TestManagerClose(t *testing.T) {
	gw := newFakeGateway()
	m, _ := testManager(t, gw)

	if _, err := m.Ensure(context.Background(), anthropicRequest()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !gw.closed {
		t.Error("gateway not closed on shutdown")
	}
	if m.Active() {
		t.Error("Active() = true after Close")
	}
}

func TestSessionModelTools(t *testing.T) {
	gw := newFakeGateway()
	m, _ := testManager(t, gw)

	sess, err := m.Ensure(context.Background(), anthropicRequest())
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	modelTools := sess.ModelTools()
	names := make([]string, 0, len(modelTools))
	for _, mt := range modelTools {
		fn := mt["function"].(map[string]any)
		names = append(names, fn["name"].(string))
	}
	if len(names) != 2 {
		t.Fatalf("model tools = %v, want 2 entries", names)
	}
	for _, name := range names {
		if name == tools.InitializeSessionTool || name == tools.OpenDocumentTool {
			t.Errorf("reserved tool %q offered to the model", name)
		}
	}
	found := false
	for _, name := range names {
		if name == tools.RecommendForStyleTool {
			found = true
		}
	}
	if !found {
		t.Errorf("%s missing from model toolset", tools.RecommendForStyleTool)
	}
}

func TestNewIdentity(t *testing.T) {
	a := NewIdentity("https://p", "Anthropic", "sk-1")
	b := NewIdentity("https://p", "anthropic", "sk-1")
	if a != b {
		t.Error("provider normalization should make identities equal")
	}
	c := NewIdentity("https://p", "anthropic", "sk-2")
	if a == c {
		t.Error("different keys must differ in identity")
	}
	if a.Fingerprint == "sk-1" {
		t.Error("identity must not carry the raw key")
	}
	if len(a.Fingerprint) != 12 {
		t.Errorf("fingerprint length = %d, want 12", len(a.Fingerprint))
	}
	if Fingerprint("") != "" {
		t.Errorf("Fingerprint(\"\") = %q, want empty", Fingerprint(""))
	}
}

func TestCredentialsPresent(t *testing.T) {
	var nilCreds *Credentials
	if nilCreds.present() {
		t.Error("nil credentials reported present")
	}
	if (&Credentials{}).present() {
		t.Error("empty credentials reported present")
	}
	if !(&Credentials{AccessToken: "tok"}).present() {
		t.Error("token-bearing credentials reported absent")
	}
}

func TestBuildGatewayUnconfigured(t *testing.T) {
	factory := llm.NewFactory(llm.FactoryConfig{AnthropicKey: "k"}, slog.Default())
	m := NewManager(GatewayConfig{}, factory, nil, slog.Default())

	_, err := m.Ensure(context.Background(), anthropicRequest())
	if err == nil {
		t.Fatal("expected error for unconfigured gateway")
	}
	if !strings.Contains(err.Error(), "no gateway configured") {
		t.Errorf("error = %q, want configuration guidance", err)
	}
}

var _ Gateway = (*mcp.Client)(nil)
var _ Gateway = (*fakeGateway)(nil)

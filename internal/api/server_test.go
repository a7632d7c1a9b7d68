package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	_ "modernc.org/sqlite"

	"github.com/patchbay-audio/patchbay/internal/agent"
	"github.com/patchbay-audio/patchbay/internal/events"
	"github.com/patchbay-audio/patchbay/internal/transcript"
)

type stubRunner struct {
	res  *agent.Result
	err  error
	reqs []agent.Request
}

func (s *stubRunner) Run(ctx context.Context, req agent.Request) (*agent.Result, error) {
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return nil, s.err
	}
	return s.res, nil
}

func newTestServer(runner AgentRunner) *Server {
	return NewServer("127.0.0.1", 0, runner, slog.Default())
}

func postRun(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/agent/run", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRunEndpoint(t *testing.T) {
	runner := &stubRunner{res: &agent.Result{RunID: "run-1", Reply: "Added the pad."}}
	h := newTestServer(runner).Handler()

	w := postRun(t, h, `{
		"prompt": "add a warm pad",
		"messages": [{"role": "user", "content": "hello"}, {"role": "assistant", "content": "Hi."}],
		"llmProvider": "gemini",
		"llmApiKey": "user-key",
		"projectUrl": "https://studio.example/p/42",
		"authTokens": {
			"accessToken": "tok-abc",
			"expiresAt": 1924992000,
			"clientId": "panel",
			"redirectUrl": "https://studio.example/cb",
			"scope": "project.write",
			"refreshToken": "ref-xyz"
		}
	}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp RunResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Reply != "Added the pad." {
		t.Errorf("reply = %q", resp.Reply)
	}
	if resp.RunID != "run-1" {
		t.Errorf("runId = %q, want 'run-1'", resp.RunID)
	}

	if len(runner.reqs) != 1 {
		t.Fatalf("runner calls = %d, want 1", len(runner.reqs))
	}
	got := runner.reqs[0]
	if got.Prompt != "add a warm pad" {
		t.Errorf("prompt = %q", got.Prompt)
	}
	if len(got.History) != 2 || got.History[1].Content != "Hi." {
		t.Errorf("history = %+v", got.History)
	}
	if got.Provider != "gemini" || got.APIKey != "user-key" {
		t.Errorf("provider/key = %q/%q", got.Provider, got.APIKey)
	}
	if got.ProjectURL != "https://studio.example/p/42" {
		t.Errorf("project url = %q", got.ProjectURL)
	}
	if got.Credentials == nil {
		t.Fatal("credentials not mapped")
	}
	if got.Credentials.AccessToken != "tok-abc" || got.Credentials.ExpiresAt != 1924992000 {
		t.Errorf("credentials = %+v", got.Credentials)
	}
	if got.Credentials.RefreshToken != "ref-xyz" || got.Credentials.Scope != "project.write" {
		t.Errorf("credentials = %+v", got.Credentials)
	}
}

func TestRunEndpointAgentErrorStays200(t *testing.T) {
	runner := &stubRunner{err: errors.New("establishing session: connecting to gateway: connection refused")}
	h := newTestServer(runner).Handler()

	w := postRun(t, h, `{"prompt": "add a pad"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 even on agent failure", w.Code)
	}
	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	reply, _ := resp["reply"].(string)
	if reply != "Agent error: establishing session: connecting to gateway: connection refused" {
		t.Errorf("reply = %q", reply)
	}
	if _, ok := resp["runId"]; ok {
		t.Error("runId should be omitted on failure")
	}
}

func TestRunEndpointMalformedJSON(t *testing.T) {
	runner := &stubRunner{res: &agent.Result{Reply: "unused"}}
	h := newTestServer(runner).Handler()

	w := postRun(t, h, `{"prompt": `)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if len(runner.reqs) != 0 {
		t.Error("runner should not be called for malformed bodies")
	}
}

func TestRunEndpointWithoutOptionalFields(t *testing.T) {
	runner := &stubRunner{res: &agent.Result{RunID: "run-2", Reply: "ok"}}
	h := newTestServer(runner).Handler()

	w := postRun(t, h, `{"prompt": "list entities"}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	got := runner.reqs[0]
	if got.Credentials != nil {
		t.Errorf("credentials = %+v, want nil", got.Credentials)
	}
	if got.Provider != "" || got.APIKey != "" {
		t.Errorf("provider/key should be empty, got %q/%q", got.Provider, got.APIKey)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newTestServer(&stubRunner{}).Handler()

	req := httptest.NewRequest(http.MethodOptions, "/agent/run", nil)
	req.Header.Set("Origin", allowedOrigin)
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://127.0.0.1:5173" {
		t.Errorf("allow-origin = %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("allow-credentials = %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, "POST") {
		t.Errorf("allow-methods = %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Headers"); got != "Content-Type" {
		t.Errorf("allow-headers = %q", got)
	}
}

func TestCORSHeadersOnResponses(t *testing.T) {
	runner := &stubRunner{res: &agent.Result{Reply: "ok"}}
	h := newTestServer(runner).Handler()

	w := postRun(t, h, `{"prompt": "hi"}`)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != allowedOrigin {
		t.Errorf("allow-origin = %q, want %q", got, allowedOrigin)
	}
}

func TestHealth(t *testing.T) {
	h := newTestServer(&stubRunner{}).Handler()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want 'ok'", body["status"])
	}
}

func TestVersion(t *testing.T) {
	h := newTestServer(&stubRunner{}).Handler()

	req := httptest.NewRequest(http.MethodGet, "/v1/version", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["go_version"] == "" {
		t.Error("version payload missing go_version")
	}
}

func setupTranscripts(t *testing.T) *transcript.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := transcript.NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestTranscriptEndpoints(t *testing.T) {
	store := setupTranscripts(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"run-old", "run-new"} {
		run := &transcript.Run{
			ID:        id,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			Provider:  "gemini",
			Model:     "gemini-2.5-flash",
			Prompt:    "add a pad",
			Reply:     "**Done**, pad added.",
			ToolCalls: []transcript.ToolCall{
				{Seq: 0, Tool: "add-entity", Arguments: `{"name":"pad"}`, Result: "added"},
			},
		}
		if err := store.Record(ctx, run); err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}

	srv := newTestServer(&stubRunner{})
	srv.SetTranscripts(store)
	h := srv.Handler()

	// List, newest first.
	req := httptest.NewRequest(http.MethodGet, "/v1/transcripts", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var list struct {
		Runs  []transcript.Run `json:"runs"`
		Count int              `json:"count"`
	}
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Count != 2 || len(list.Runs) != 2 {
		t.Fatalf("count = %d, runs = %d", list.Count, len(list.Runs))
	}
	if list.Runs[0].ID != "run-new" {
		t.Errorf("first run = %q, want 'run-new'", list.Runs[0].ID)
	}

	// Detail carries tool calls.
	req = httptest.NewRequest(http.MethodGet, "/v1/transcripts/run-new", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var run transcript.Run
	if err := json.NewDecoder(w.Body).Decode(&run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if run.ID != "run-new" || len(run.ToolCalls) != 1 {
		t.Errorf("run = %s with %d tool calls", run.ID, len(run.ToolCalls))
	}

	// HTML view.
	req = httptest.NewRequest(http.MethodGet, "/v1/transcripts/run-new/html", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("html status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content-type = %q", ct)
	}
	if body := w.Body.String(); !strings.Contains(body, "run-new") || !strings.Contains(body, "<strong>Done</strong>") {
		t.Error("html view missing run ID or rendered reply")
	}

	// Unknown run.
	req = httptest.NewRequest(http.MethodGet, "/v1/transcripts/nope", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing run status = %d, want 404", w.Code)
	}
}

func TestTranscriptsNotConfigured(t *testing.T) {
	h := newTestServer(&stubRunner{}).Handler()

	req := httptest.NewRequest(http.MethodGet, "/v1/transcripts", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestEventStream(t *testing.T) {
	bus := events.New()
	srv := newTestServer(&stubRunner{})
	srv.SetBus(bus)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("parse test server url: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/agent/events"

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	// Wait for the handler goroutine to register its subscription
	// before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    "agent",
		Kind:      events.KindToolCall,
		Data:      map[string]any{"tool": "add-entity"},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev events.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Kind != events.KindToolCall || ev.Source != "agent" {
		t.Errorf("event = %+v", ev)
	}
	if tool, _ := ev.Data["tool"].(string); tool != "add-entity" {
		t.Errorf("event data = %+v", ev.Data)
	}
}

func TestEventStreamRejectsCrossOrigin(t *testing.T) {
	bus := events.New()
	srv := newTestServer(&stubRunner{})
	srv.SetBus(bus)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	u, _ := url.Parse(ts.URL)
	u.Scheme = "ws"
	u.Path = "/agent/events"

	header := http.Header{"Origin": []string{"http://evil.example"}}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err == nil {
		conn.Close()
		t.Fatal("expected cross-origin dial to fail")
	}
}

func TestEventStreamNotConfigured(t *testing.T) {
	h := newTestServer(&stubRunner{}).Handler()

	req := httptest.NewRequest(http.MethodGet, "/agent/events", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

var _ AgentRunner = (*stubRunner)(nil)
var _ AgentRunner = (*agent.Engine)(nil)

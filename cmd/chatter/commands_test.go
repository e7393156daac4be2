package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/kalambet/chatter/internal/api"
	"github.com/kalambet/chatter/internal/chat"
	"github.com/kalambet/chatter/internal/config"
	"github.com/kalambet/chatter/internal/pricing"
	"github.com/kalambet/chatter/internal/session"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			if strings.HasSuffix(r.URL.Path, "/events") {
				w.Header().Set("Content-Type", "text/event-stream")
			} else {
				w.Header().Set("Content-Type", "application/json")
			}
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func sseEvent(name string, snap session.Snapshot) string {
	data, _ := json.Marshal(snap)
	return fmt.Sprintf("event: %s\ndata: %s\n\n", name, data)
}

func TestCreateConversation(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/conversations": `{"id":"c-1","name":"","backend":"remote"}`,
	})

	c, err := createConversation(ctx, ts.client(), chat.BackendRemote)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.ID != "c-1" || c.Backend != chat.BackendRemote {
		t.Errorf("conversation = %+v", c)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["backend"] != "remote" {
		t.Errorf("body.backend = %q, want remote", body["backend"])
	}
}

func TestSubmitRequestBody(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/conversations/c-1/messages": `{"conversation_id":"c-1","user_message_id":"u","assistant_message_id":"a","model":"m"}`,
	})

	resp, err := ts.client().post(ctx, "/v1/conversations/c-1/messages", api.SubmitRequest{
		Content:     "hello",
		Attachments: []chat.Attachment{{URL: "https://example.com/a.png"}},
		Model:       "openai/gpt-4o",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var turn api.TurnJSON
	if err := decodeJSON(resp, &turn); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if turn.AssistantMessageID != "a" {
		t.Errorf("assistant id = %q, want a", turn.AssistantMessageID)
	}

	var sent api.SubmitRequest
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &sent); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if sent.Content != "hello" || sent.Model != "openai/gpt-4o" || len(sent.Attachments) != 1 {
		t.Errorf("sent = %+v", sent)
	}
}

func TestStreamTurn(t *testing.T) {
	credits := int64(3)
	stream := sseEvent("snapshot", session.Snapshot{Status: session.StatusStreaming, Content: "Hel"}) +
		": keep-alive\n\n" +
		sseEvent("delta", session.Snapshot{Status: session.StatusStreaming, Content: "Hello"}) +
		sseEvent("status", session.Snapshot{Status: session.StatusReady, Content: "Hello", CreditsConsumed: &credits})
	ts := newTestServer(t, map[string]string{
		"GET /v1/conversations/c-1/events": stream,
	})

	last, err := streamTurn(ctx, ts.client(), "c-1", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if last.Status != session.StatusReady || last.Content != "Hello" {
		t.Errorf("last = %+v", last)
	}
	if last.CreditsConsumed == nil || *last.CreditsConsumed != 3 {
		t.Errorf("credits = %v, want 3", last.CreditsConsumed)
	}
}

func TestStreamTurn_NotFound(t *testing.T) {
	ts := newTestServer(t, map[string]string{})

	_, err := streamTurn(ctx, ts.client(), "missing", false)
	if err == nil {
		t.Fatal("expected error for unknown conversation")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %q, want it to contain '404'", err.Error())
	}
}

func TestEvents_StopsOnCallbackError(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /events": "event: a\ndata: {}\n\nevent: b\ndata: {}\n\n",
	})

	var seen []string
	err := ts.client().events(ctx, "/events", func(name string, _ []byte) error {
		seen = append(seen, name)
		return fmt.Errorf("stop")
	})
	if err == nil || err.Error() != "stop" {
		t.Fatalf("err = %v, want stop", err)
	}
	if len(seen) != 1 || seen[0] != "a" {
		t.Errorf("seen = %v, want [a]", seen)
	}
}

func TestReportTurn(t *testing.T) {
	if err := reportTurn(session.Snapshot{Status: session.StatusReady}); err != nil {
		t.Errorf("ready turn: unexpected error %v", err)
	}
	if err := reportTurn(session.Snapshot{Status: session.StatusAborted}); err != nil {
		t.Errorf("aborted turn: unexpected error %v", err)
	}
	err := reportTurn(session.Snapshot{Status: session.StatusError, Error: "provider returned 402"})
	if err == nil || !strings.Contains(err.Error(), "402") {
		t.Errorf("error turn: err = %v, want it to mention 402", err)
	}
}

func TestChatCommand_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"chat"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing message")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %q, want it to mention 'required'", err.Error())
	}
}

func TestKeyGenerate_FreshInstall(t *testing.T) {
	if runtime.GOOS == "darwin" {
		t.Skip("secrets live in the login keychain on macOS")
	}
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"key", "show"})
	if err := rootCmd.Execute(); err == nil || !strings.Contains(err.Error(), "no encryption key") {
		t.Fatalf("key show on fresh install: err = %v", err)
	}
	if _, err := newKeyring().Stored(); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("key show must not create a key, Stored err = %v", err)
	}

	rootCmd.SetArgs([]string{"key", "generate"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("key generate on fresh install: %v", err)
	}
	first, err := newKeyring().Stored()
	if err != nil {
		t.Fatalf("no key stored after generate: %v", err)
	}
	if len(first) != 64 {
		t.Errorf("stored key has %d chars, want 64", len(first))
	}

	rootCmd.SetArgs([]string{"key", "generate"})
	if err := rootCmd.Execute(); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("second key generate: err = %v, want refusal", err)
	}
	if again, _ := newKeyring().Stored(); again != first {
		t.Error("refused generate replaced the key")
	}
}

func TestParseAttachments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(path, []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	atts, err := parseAttachments([]string{"https://example.com/img/cat.png", path})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(atts) != 2 {
		t.Fatalf("expected 2 attachments, got %d", len(atts))
	}
	if atts[0].URL != "https://example.com/img/cat.png" || atts[0].Name != "cat.png" {
		t.Errorf("url attachment = %+v", atts[0])
	}
	if atts[1].Path != path || atts[1].Name != "notes.txt" {
		t.Errorf("file attachment = %+v", atts[1])
	}

	if _, err := parseAttachments([]string{filepath.Join(dir, "missing.pdf")}); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestModelsQueryEncoding(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/models": `[]`,
	})

	query := "claude & sonnet"
	resp, err := ts.client().get(ctx, "/v1/models?q="+url.QueryEscape(query))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	reqPath := ts.requests[0].Path
	if !strings.Contains(reqPath, "q=claude+%26+sonnet") {
		t.Errorf("unexpected encoded path: %q", reqPath)
	}
}

func TestFormatRates(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = true

	tests := []struct {
		rates pricing.Rates
		want  string
	}{
		{pricing.Rates{Prompt: 3, Completion: 15}, "$3 in  $15 out  per 1M tokens"},
		{pricing.Rates{Request: 0.01}, "$0.01/request"},
		{pricing.Rates{}, "free"},
	}
	for _, tt := range tests {
		if got := formatRates(api.ModelInfo{Rates: tt.rates}); got != tt.want {
			t.Errorf("formatRates(%+v) = %q, want %q", tt.rates, got, tt.want)
		}
	}
}

func TestTruncateRunes(t *testing.T) {
	if got := truncateRunes("short", 10); got != "short" {
		t.Errorf("got %q, want short", got)
	}
	if got := truncateRunes("привет мир", 6); got != "привет..." {
		t.Errorf("got %q, want привет...", got)
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	_, err := ts.client().get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(409)
		w.Write([]byte(`{"error":{"message":"a turn is already in flight","type":"conflict"}}`))
	}))
	defer ts.Close()

	client := &apiClient{
		baseURL:    ts.URL,
		token:      "test",
		httpClient: ts.Client(),
	}

	resp, err := client.post(ctx, "/v1/conversations/c-1/messages", api.SubmitRequest{Content: "hi"})
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 409 response")
	}
	if !strings.Contains(err.Error(), "409") || !strings.Contains(err.Error(), "in flight") {
		t.Errorf("error = %q, want status and message", err.Error())
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4100
	cfg.Proxy.OpenRouterAPIKey = "sk-or-secret"

	keys := config.ShowAll(cfg)
	if len(keys) == 0 {
		t.Fatal("expected non-empty keys from ShowAll")
	}

	var foundPort bool
	for _, k := range keys {
		if k.Key == "server.port" && k.Value == "4100" {
			foundPort = true
		}
		if strings.Contains(k.Value, "sk-or-secret") {
			t.Errorf("%s leaks secret value %q", k.Key, k.Value)
		}
	}
	if !foundPort {
		t.Error("expected to find server.port=4100 in ShowAll output")
	}
}

func TestSetupLogging_UnknownLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogging(&buf, "chatty")
	if !strings.Contains(buf.String(), "unknown log level") {
		t.Errorf("expected warning about unknown level, got %q", buf.String())
	}
	logger.Debug("hidden")
	if strings.Contains(buf.String(), "hidden") {
		t.Error("debug output should be filtered at info level")
	}
}

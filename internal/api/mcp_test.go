package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/chatter/internal/chat"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T, upstream http.HandlerFunc) (MCPDeps, testEnv) {
	t.Helper()
	env := setup(t, upstream)
	return MCPDeps{
		Conversations: env.store,
		Sessions:      env.deps.Sessions,
	}, env
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

// --- tests ---

func TestMCPTool_Ask_NewConversation(t *testing.T) {
	deps, env := newTestMCPDeps(t, sseUpstream(
		`{"choices":[{"delta":{"content":"Paris."}}]}`,
		`{"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2}}`,
		`[DONE]`,
	))
	handler := mcpAsk(deps)

	req := makeCallToolRequest("ask", map[string]interface{}{
		"message": "capital of france",
	})
	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var got askResult
	if err := json.Unmarshal([]byte(toolText(t, result)), &got); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if got.Content != "Paris." || got.Status != "ready" {
		t.Fatalf("result = %+v", got)
	}
	if got.CreditsConsumed == nil || *got.CreditsConsumed != 1 {
		t.Errorf("credits = %v, want 1", got.CreditsConsumed)
	}

	c, err := env.store.GetConversation(context.Background(), got.ConversationID)
	if err != nil {
		t.Fatalf("conversation not stored: %v", err)
	}
	if c.Name != "Capital Of France" {
		t.Errorf("name = %q, want auto title", c.Name)
	}
}

func TestMCPTool_Ask_UnknownConversation(t *testing.T) {
	deps, _ := newTestMCPDeps(t, sseUpstream(`[DONE]`))
	handler := mcpAsk(deps)

	result, err := handler(context.Background(), makeCallToolRequest("ask", map[string]interface{}{
		"message":         "hi",
		"conversation_id": "nope",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatalf("expected error result, got %s", toolText(t, result))
	}
}

func TestMCPTool_Ask_ProviderError(t *testing.T) {
	deps, _ := newTestMCPDeps(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"no credits"}}`, http.StatusPaymentRequired)
	})
	handler := mcpAsk(deps)

	result, err := handler(context.Background(), makeCallToolRequest("ask", map[string]interface{}{
		"message": "hi",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError || !strings.Contains(toolText(t, result), "402") {
		t.Fatalf("expected 402 error, got %s", toolText(t, result))
	}
}

func TestMCPTool_ListAndRead(t *testing.T) {
	deps, env := newTestMCPDeps(t, sseUpstream(`[DONE]`))
	ctx := context.Background()

	c, err := env.store.CreateConversation(ctx, chat.BackendLocal, "Notes")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.store.AppendMessage(ctx, c.ID, chat.MessageDraft{Role: chat.RoleUser, Content: "remember milk"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	result, err := mcpListConversations(deps)(ctx, makeCallToolRequest("list_conversations", nil))
	if err != nil || result.IsError {
		t.Fatalf("list failed: %v %s", err, toolText(t, result))
	}
	var convs []ConversationJSON
	json.Unmarshal([]byte(toolText(t, result)), &convs)
	if len(convs) != 1 || convs[0].Name != "Notes" {
		t.Fatalf("conversations = %+v", convs)
	}

	result, err = mcpListConversations(deps)(ctx, makeCallToolRequest("list_conversations", map[string]interface{}{
		"backend": "bogus",
	}))
	if err != nil || !result.IsError {
		t.Fatalf("expected error for bogus backend")
	}

	result, err = mcpReadConversation(deps)(ctx, makeCallToolRequest("read_conversation", map[string]interface{}{
		"conversation_id": c.ID,
	}))
	if err != nil || result.IsError {
		t.Fatalf("read failed: %v %s", err, toolText(t, result))
	}
	var msgs []MessageJSON
	json.Unmarshal([]byte(toolText(t, result)), &msgs)
	if len(msgs) != 1 || msgs[0].Content != "remember milk" {
		t.Fatalf("messages = %+v", msgs)
	}

	result, _ = mcpReadConversation(deps)(ctx, makeCallToolRequest("read_conversation", nil))
	if !result.IsError {
		t.Fatal("expected error without conversation_id")
	}
}

func TestMCPResource_Conversations(t *testing.T) {
	deps, env := newTestMCPDeps(t, sseUpstream(`[DONE]`))
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		if _, err := env.store.CreateConversation(ctx, chat.BackendLocal, strings.Repeat("x", 100)); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	contents, err := mcpResourceConversations(deps)(ctx, makeReadResourceRequest("chatter://conversations"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	var list []map[string]string
	if err := json.Unmarshal([]byte(tc.Text), &list); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	if len(list) != 20 {
		t.Fatalf("got %d conversations, want 20", len(list))
	}
	if !strings.HasSuffix(list[0]["name"], "...") {
		t.Errorf("name not truncated: %q", list[0]["name"])
	}
}

func TestMCPServer_ConcurrentAsks(t *testing.T) {
	deps, _ := newTestMCPDeps(t, sseUpstream(
		`{"choices":[{"delta":{"content":"ok"}}]}`,
		`[DONE]`,
	))
	handler := mcpAsk(deps)

	var wg sync.WaitGroup
	errs := make(chan string, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := handler(context.Background(), makeCallToolRequest("ask", map[string]interface{}{
				"message": "ping",
			}))
			if err != nil {
				errs <- err.Error()
				return
			}
			if result.IsError {
				errs <- toolText(t, result)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Errorf("concurrent ask failed: %s", e)
	}
}

func TestNewMCPServer(t *testing.T) {
	deps, _ := newTestMCPDeps(t, sseUpstream(`[DONE]`))
	if s := NewMCPServer(deps, "test"); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}

package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testMessages() []Message {
	return []Message{{Role: "user", Content: "hi"}}
}

func TestChat_Streaming(t *testing.T) {
	sseData := "data: {\"id\":\"gen-1\",\"choices\":[{\"delta\":{\"content\":\"Hello\"}}]}\n\ndata: {\"id\":\"gen-1\",\"choices\":[{\"delta\":{\"content\":\" world\"}}]}\n\ndata: [DONE]\n\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, sseData)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("test-key", srv.URL)
	rc, err := c.Chat(context.Background(), ChatRequest{
		Model:    "anthropic/claude-opus-4",
		Messages: testMessages(),
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	defer rc.Close()

	body, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}

	if string(body) != sseData {
		t.Errorf("body = %q, want %q", string(body), sseData)
	}
}

func TestChat_RequestBody(t *testing.T) {
	var got struct {
		Model            string            `json:"model"`
		Stream           bool              `json:"stream"`
		IncludeReasoning bool              `json:"include_reasoning"`
		Usage            map[string]bool   `json:"usage"`
		Messages         []json.RawMessage `json:"messages"`
		Temperature      float64           `json:"temperature"`
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("test-key", srv.URL)
	rc, err := c.Chat(context.Background(), ChatRequest{
		Model: "m1",
		Messages: []Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Parts: []ContentPart{TextPart("what is this?"), ImagePart("https://example.com/cat.png")}},
		},
		Extra: map[string]json.RawMessage{"temperature": json.RawMessage(`0.5`)},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	rc.Close()

	if got.Model != "m1" || !got.Stream || !got.IncludeReasoning || !got.Usage["include"] {
		t.Errorf("request flags = %+v", got)
	}
	if got.Temperature != 0.5 {
		t.Errorf("temperature = %v, want 0.5", got.Temperature)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(got.Messages))
	}
	if want := `{"role":"system","content":"be brief"}`; string(got.Messages[0]) != want {
		t.Errorf("messages[0] = %s, want %s", got.Messages[0], want)
	}
	want := `{"role":"user","content":[{"type":"text","text":"what is this?"},{"type":"image_url","image_url":{"url":"https://example.com/cat.png"}}]}`
	if string(got.Messages[1]) != want {
		t.Errorf("messages[1] = %s, want %s", got.Messages[1], want)
	}
}

func TestChat_AuthHeader(t *testing.T) {
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("test-key", srv.URL)
	rc, err := c.Chat(context.Background(), ChatRequest{Model: "test", Messages: testMessages()})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	rc.Close()

	if want := "Bearer test-key"; gotAuth != want {
		t.Errorf("Authorization = %q, want %q", gotAuth, want)
	}

	rc, err = c.Chat(context.Background(), ChatRequest{Model: "test", Messages: testMessages(), APIKey: "per-request"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	rc.Close()

	if want := "Bearer per-request"; gotAuth != want {
		t.Errorf("Authorization = %q, want %q", gotAuth, want)
	}
}

func TestChat_MissingAPIKey(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("", srv.URL)
	_, err := c.Chat(context.Background(), ChatRequest{Model: "test", Messages: testMessages()})
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("err = %v, want ErrMissingAPIKey", err)
	}
	if hits.Load() != 0 {
		t.Errorf("server was contacted %d times, want 0", hits.Load())
	}
}

func TestChat_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"No auth credentials found"}}`)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("bad-key", srv.URL)
	_, err := c.Chat(context.Background(), ChatRequest{Model: "test", Messages: testMessages()})

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Code != http.StatusUnauthorized {
		t.Errorf("Code = %d, want 401", se.Code)
	}
	if !strings.Contains(se.Body, "No auth credentials") {
		t.Errorf("Body = %q", se.Body)
	}
}

func TestChat_RateLimit_Retry(t *testing.T) {
	var attempt atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempt.Add(1)
		if n == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("test-key", srv.URL)
	rc, err := c.Chat(context.Background(), ChatRequest{Model: "test", Messages: testMessages()})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	rc.Close()

	if got := attempt.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

func TestChat_RateLimit_Exhausted(t *testing.T) {
	var attempt atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("test-key", srv.URL)
	_, err := c.Chat(context.Background(), ChatRequest{Model: "test", Messages: testMessages()})
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}

	if !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("error = %q, want it to contain %q", err.Error(), "rate limited")
	}

	if got := attempt.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestChat_ContextCancellation(t *testing.T) {
	handlerStarted := make(chan struct{})
	handlerDone := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(handlerStarted)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-handlerDone
	}))
	defer srv.Close()
	defer close(handlerDone)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		c := NewClientWithBaseURL("test-key", srv.URL)
		rc, err := c.Chat(ctx, ChatRequest{Model: "test", Messages: testMessages()})
		if err != nil {
			done <- err
			return
		}
		_, err = io.ReadAll(rc)
		rc.Close()
		done <- err
	}()

	<-handlerStarted
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error after context cancellation")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Chat did not return promptly after context cancellation")
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"data":[
			{"id":"anthropic/claude-opus-4","name":"Claude Opus 4","context_length":200000,
			 "pricing":{"prompt":"0.000015","completion":"0.000075"}},
			{"id":"openai/gpt-4o","name":"GPT-4o","pricing":{"prompt":"0.0000025","completion":"0.00001","request":"0"}},
			{"id":"perplexity/sonar","pricing":{"prompt":"0","completion":"0","request":"0.005"}}
		]}`)
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("", srv.URL)
	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}

	if len(models) != 3 {
		t.Fatalf("got %d models, want 3", len(models))
	}

	want := []string{"anthropic/claude-opus-4", "openai/gpt-4o", "perplexity/sonar"}
	for i, w := range want {
		if models[i].ID != w {
			t.Errorf("models[%d].ID = %q, want %q", i, models[i].ID, w)
		}
	}
	if models[0].ContextLength != 200000 || models[0].Pricing.Completion != "0.000075" {
		t.Errorf("models[0] = %+v", models[0])
	}
	if models[2].Pricing.Request != "0.005" {
		t.Errorf("models[2].Pricing.Request = %q, want 0.005", models[2].Pricing.Request)
	}
}

func TestListModels_Empty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ModelList{})
	}))
	defer srv.Close()

	c := NewClientWithBaseURL("test-key", srv.URL)
	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}

	if len(models) != 0 {
		t.Errorf("got %d models, want 0", len(models))
	}
}

package ai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"
)

func sseServer(t *testing.T, frames ...string) *OpenAICompatibleClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frame := range frames {
			_, _ = io.WriteString(w, frame+"\n\n")
		}
	}))
	t.Cleanup(srv.Close)
	return NewOpenAICompatibleClient(srv.URL, "test-key", 5*time.Second)
}

func TestStreamCompleteCollectsDeltas(t *testing.T) {
	client := sseServer(t,
		`data: {"choices":[{"delta":{"reasoning":"thinking"}}]}`,
		`data: {"choices":[{"delta":{"reasoning_content":" harder"}}]}`,
		`data: {"choices":[{"delta":{"content":"Hello"}}]}`,
		`data: {"choices":[{"delta":{"content":" world"}}]}`,
		`data: {"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":4,"total_tokens":16}}`,
		`data: [DONE]`,
	)

	var events []string
	result, err := client.StreamComplete(context.Background(),
		ChatRequest{Model: "m", Messages: []ChatMessage{{Role: "user", Content: "hi"}}},
		StreamHandlers{
			OnContent:   func(s string) error { events = append(events, "content:"+s); return nil },
			OnReasoning: func(s string) error { events = append(events, "reasoning:"+s); return nil },
		})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if result.Content != "Hello world" {
		t.Errorf("Content = %q", result.Content)
	}
	if result.Reasoning != "thinking harder" {
		t.Errorf("Reasoning = %q", result.Reasoning)
	}
	if result.Usage == nil || result.Usage.TotalTokens != 16 {
		t.Errorf("Usage = %+v", result.Usage)
	}
	want := []string{"reasoning:thinking", "reasoning: harder", "content:Hello", "content: world"}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("events = %v, want %v", events, want)
	}
}

func TestStreamCompleteSkipsMalformedFrames(t *testing.T) {
	client := sseServer(t,
		`data: {"choices":[{"delta":{"content":"keep"}}]}`,
		`data: {broken json`,
		`: comment line`,
		`event: ping`,
		`data: {"choices":[{"delta":{"content":" going"}}]}`,
		`data: [DONE]`,
	)

	result, err := client.StreamComplete(context.Background(), ChatRequest{Model: "m"}, StreamHandlers{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if result.Content != "keep going" {
		t.Errorf("Content = %q, want %q", result.Content, "keep going")
	}
}

func TestStreamCompleteStopsAtDone(t *testing.T) {
	client := sseServer(t,
		`data: {"choices":[{"delta":{"content":"before"}}]}`,
		`data: [DONE]`,
		`data: {"choices":[{"delta":{"content":"after"}}]}`,
	)

	result, err := client.StreamComplete(context.Background(), ChatRequest{Model: "m"}, StreamHandlers{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if result.Content != "before" {
		t.Errorf("Content = %q, want %q", result.Content, "before")
	}
}

func TestStreamCompleteHandlerErrorAborts(t *testing.T) {
	client := sseServer(t,
		`data: {"choices":[{"delta":{"content":"x"}}]}`,
		`data: {"choices":[{"delta":{"content":"y"}}]}`,
		`data: [DONE]`,
	)

	boom := errors.New("client went away")
	_, err := client.StreamComplete(context.Background(), ChatRequest{Model: "m"}, StreamHandlers{
		OnContent: func(string) error { return boom },
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want handler error", err)
	}
}

func TestStreamCompleteUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"quota exceeded"}}`))
	}))
	t.Cleanup(srv.Close)
	client := NewOpenAICompatibleClient(srv.URL, "k", time.Second)

	_, err := client.StreamComplete(context.Background(), ChatRequest{Model: "m"}, StreamHandlers{})
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("err = %v, want provider message", err)
	}
}

func TestCompleteParsesToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"content": "", "tool_calls": [
				{"id": "t1", "type": "function", "function": {"name": "generate_image", "arguments": "{\"prompt\":\"a cat\"}"}}
			]}}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 2, "total_tokens": 7}
		}`))
	}))
	t.Cleanup(srv.Close)
	client := NewOpenAICompatibleClient(srv.URL, "k", time.Second)

	result, err := client.Complete(context.Background(), ChatRequest{Model: "m"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(result.ToolCalls) != 1 || result.ToolCalls[0].Function.Name != "generate_image" {
		t.Fatalf("ToolCalls = %+v", result.ToolCalls)
	}
	if result.Usage == nil || result.Usage.TotalTokens != 7 {
		t.Errorf("Usage = %+v", result.Usage)
	}
}

func TestStreamRequestShape(t *testing.T) {
	var body map[string]interface{}
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	client := NewOpenAICompatibleClient(srv.URL, "secret", time.Second)

	temp := 0.4
	if _, err := client.StreamComplete(context.Background(), ChatRequest{
		Model:       "swift-mini",
		Messages:    []ChatMessage{{Role: "user", Content: "hi"}},
		Temperature: &temp,
	}, StreamHandlers{}); err != nil {
		t.Fatalf("stream: %v", err)
	}

	if auth != "Bearer secret" {
		t.Errorf("Authorization = %q", auth)
	}
	if body["model"] != "swift-mini" || body["stream"] != true {
		t.Errorf("body = %+v", body)
	}
	if body["temperature"] != 0.4 {
		t.Errorf("temperature = %v", body["temperature"])
	}
	opts, ok := body["stream_options"].(map[string]interface{})
	if !ok || opts["include_usage"] != true {
		t.Errorf("stream_options = %v", body["stream_options"])
	}
	if _, present := body["top_p"]; present {
		t.Error("top_p sent without being set")
	}
}

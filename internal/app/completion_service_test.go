package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"relaychat/internal/ai"
	"relaychat/internal/apperr"
	"relaychat/internal/budget"
	"relaychat/internal/catalog"
	"relaychat/internal/kv"
	"relaychat/internal/model"
	"relaychat/internal/ratelimit"
)

func sseHandler(frames ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frame := range frames {
			_, _ = io.WriteString(w, frame+"\n\n")
		}
	}
}

func testCatalog() *catalog.Catalog {
	return catalog.New([]catalog.Model{
		{ID: "auto", Name: "Auto", Virtual: true, Fallback: "swift-mini", MinTier: catalog.TierPermissionless},
		{ID: "swift-mini", MinTier: catalog.TierPermissionless, TokenLimit: 8000},
		{ID: "swift-large", MinTier: catalog.TierPro, TokenLimit: 16000},
	})
}

func newCompletionService(t *testing.T, handler http.HandlerFunc, policy ratelimit.Policy) (*CompletionService, *ratelimit.Limiter) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	store := kv.NewMemoryStore(time.Minute)
	t.Cleanup(store.Close)

	cat := testCatalog()
	limiter := ratelimit.New(store, cat, policy)
	budgeter := budget.New(budget.NewEstimator(), budget.DefaultPolicy(), "You are a helpful assistant.")
	llm := ai.NewOpenAICompatibleClient(srv.URL, "key", 5*time.Second)
	svc := NewCompletionService(llm, cat, limiter, budgeter, nil, CompletionDefaults{Temperature: 0.7, TopP: 1})
	return svc, limiter
}

func userTurn(content string) []TurnInput {
	return []TurnInput{{Role: "user", Content: content}}
}

func TestChatStreamSplicesReasoningBeforeContent(t *testing.T) {
	svc, limiter := newCompletionService(t, sseHandler(
		`data: {"choices":[{"delta":{"reasoning":"pondering"}}]}`,
		`data: {"choices":[{"delta":{"content":"Hi"}}]}`,
		`data: {"choices":[{"delta":{"content":" there"}}]}`,
		`data: {"choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`,
		`data: [DONE]`,
	), ratelimit.Policy{Window: time.Hour, Limit: 100000})

	var chunks []string
	outcome, err := svc.ChatStream(context.Background(), CompletionInput{
		Identifier: "user:1",
		Tier:       catalog.TierPermissionless,
		ModelID:    "swift-mini",
		Messages:   userTurn("hello"),
	}, CompletionEvents{OnChunk: func(s string) error { chunks = append(chunks, s); return nil }})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	if outcome.Content != "Hi there" || outcome.Reasoning != "pondering" {
		t.Errorf("outcome = %+v", outcome)
	}
	if outcome.TotalTokens != 15 {
		t.Errorf("TotalTokens = %d, want 15", outcome.TotalTokens)
	}
	if len(chunks) != 3 {
		t.Fatalf("chunks = %q", chunks)
	}
	if chunks[0] != reasoningOpen+"pondering"+reasoningClose {
		t.Errorf("first chunk = %q, want wrapped reasoning", chunks[0])
	}
	if chunks[1] != "Hi" || chunks[2] != " there" {
		t.Errorf("content chunks = %q", chunks[1:])
	}

	// Usage landed on the caller's window.
	status, err := limiter.Status(context.Background(), "user:1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Used != 15 {
		t.Errorf("Used = %d, want 15", status.Used)
	}
	if status.ConversationTokens != 15 {
		t.Errorf("ConversationTokens = %d, want 15", status.ConversationTokens)
	}
}

func TestChatStreamBlocksOverLimit(t *testing.T) {
	called := false
	svc, limiter := newCompletionService(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	}, ratelimit.Policy{Window: time.Hour, Limit: 50})

	if err := limiter.RecordUsage(context.Background(), "ip:9", 60, 0, "swift-mini"); err != nil {
		t.Fatalf("seed usage: %v", err)
	}

	_, err := svc.ChatStream(context.Background(), CompletionInput{
		Identifier: "ip:9",
		Tier:       catalog.TierPermissionless,
		ModelID:    "swift-mini",
		Messages:   userTurn("hello"),
	}, CompletionEvents{})

	var limited *RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("err = %v, want RateLimitedError", err)
	}
	if !limited.Status.Blocked || limited.Status.Limit != 50 {
		t.Errorf("status = %+v", limited.Status)
	}
	if called {
		t.Error("upstream called for a blocked request")
	}
}

func TestChatStreamRejectsModelAboveTier(t *testing.T) {
	svc, _ := newCompletionService(t, sseHandler(`data: [DONE]`), ratelimit.Policy{Window: time.Hour, Limit: 100000})

	_, err := svc.ChatStream(context.Background(), CompletionInput{
		Identifier: "ip:9",
		Tier:       catalog.TierPermissionless,
		ModelID:    "swift-large",
		Messages:   userTurn("hello"),
	}, CompletionEvents{})

	if !apperr.IsKind(err, apperr.KindAuthorization) {
		t.Fatalf("err = %v, want authorization kind", err)
	}
	if !strings.Contains(err.Error(), "auto") || !strings.Contains(err.Error(), "swift-mini") {
		t.Errorf("error does not list permitted models: %v", err)
	}
}

func TestChatStreamRoutesImageIntent(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["stream"] == true {
			t.Error("stream endpoint called for an image turn")
			_, _ = io.WriteString(w, "data: [DONE]\n\n")
			return
		}
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"content": "", "tool_calls": [
				{"id": "t1", "type": "function", "function": {"name": "generate_image", "arguments": "{\"prompt\":\"a cat in a hat\"}"}}
			]}}],
			"usage": {"prompt_tokens": 30, "completion_tokens": 8, "total_tokens": 38}
		}`))
	}
	svc, _ := newCompletionService(t, handler, ratelimit.Policy{Window: time.Hour, Limit: 100000})

	var jobs []model.ImageJob
	outcome, err := svc.ChatStream(context.Background(), CompletionInput{
		Identifier: "user:1",
		Tier:       catalog.TierPermissionless,
		ModelID:    "auto",
		Messages:   userTurn("draw me a cat in a hat"),
	}, CompletionEvents{OnImage: func(job model.ImageJob) error { jobs = append(jobs, job); return nil }})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	if outcome.Image == nil || outcome.Image.Prompt != "a cat in a hat" {
		t.Fatalf("Image = %+v", outcome.Image)
	}
	if outcome.Image.ID == "" {
		t.Error("image job has no id")
	}
	if len(jobs) != 1 || jobs[0].ID != outcome.Image.ID {
		t.Errorf("OnImage events = %+v", jobs)
	}
	if outcome.Content != "" {
		t.Errorf("Content = %q on an image turn", outcome.Content)
	}
	if outcome.TotalTokens != 38 {
		t.Errorf("TotalTokens = %d, want classification usage", outcome.TotalTokens)
	}
}

func TestChatStreamFallsThroughToTextOnNoIntent(t *testing.T) {
	svc, _ := newCompletionService(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["stream"] == true {
			if body["model"] != "swift-mini" {
				t.Errorf("stream model = %v, want the fallback", body["model"])
			}
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = io.WriteString(w, `data: {"choices":[{"delta":{"content":"plain answer"}}]}`+"\n\n")
			_, _ = io.WriteString(w, "data: [DONE]\n\n")
			return
		}
		// Classification declines the tool.
		_, _ = w.Write([]byte(`{"choices": [{"message": {"content": "no"}}]}`))
	}, ratelimit.Policy{Window: time.Hour, Limit: 100000})

	outcome, err := svc.ChatStream(context.Background(), CompletionInput{
		Identifier: "user:1",
		Tier:       catalog.TierPermissionless,
		ModelID:    "auto",
		Messages:   userTurn("what is the capital of france"),
	}, CompletionEvents{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if outcome.Image != nil {
		t.Fatalf("unexpected image job: %+v", outcome.Image)
	}
	if outcome.Content != "plain answer" {
		t.Errorf("Content = %q", outcome.Content)
	}
}

func TestChatStreamFillsEmptyResponse(t *testing.T) {
	svc, _ := newCompletionService(t, sseHandler(`data: [DONE]`), ratelimit.Policy{Window: time.Hour, Limit: 100000})

	var chunks []string
	outcome, err := svc.ChatStream(context.Background(), CompletionInput{
		Identifier: "user:1",
		Tier:       catalog.TierPermissionless,
		ModelID:    "swift-mini",
		Messages:   userTurn("hello"),
	}, CompletionEvents{OnChunk: func(s string) error { chunks = append(chunks, s); return nil }})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if outcome.Content != "The model returned an empty response." {
		t.Errorf("Content = %q", outcome.Content)
	}
	if len(chunks) != 1 || chunks[0] != outcome.Content {
		t.Errorf("chunks = %q", chunks)
	}
}

func TestChatStreamMapsUpstreamQuotaError(t *testing.T) {
	svc, _ := newCompletionService(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"quota exceeded for org"}}`))
	}, ratelimit.Policy{Window: time.Hour, Limit: 100000})

	_, err := svc.ChatStream(context.Background(), CompletionInput{
		Identifier: "user:1",
		Tier:       catalog.TierPermissionless,
		ModelID:    "swift-mini",
		Messages:   userTurn("hello"),
	}, CompletionEvents{})

	if !apperr.IsKind(err, apperr.KindUpstream) {
		t.Fatalf("err = %v, want upstream kind", err)
	}
	if !strings.Contains(apperr.UserMessage(err), "exhausted its quota") {
		t.Errorf("user message = %q", apperr.UserMessage(err))
	}
}

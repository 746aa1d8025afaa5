package budget

import (
	"errors"
	"strings"
	"testing"
)

// charCounter makes one rune cost exactly one token so expectations
// stay arithmetic.
var charCounter = Estimator{CharsPerToken: 1}

func repeat(n int) string { return strings.Repeat("a", n) }

func TestFitKeepsFilesAndNewestMessages(t *testing.T) {
	b := New(charCounter, DefaultPolicy(), "")

	system := repeat(200)
	files := []ContextFile{
		{Name: "a", Content: repeat(30000)},
		{Name: "b", Content: repeat(40000)},
	}
	messages := make([]Message, 12)
	for i := range messages {
		messages[i] = Message{Role: "user", Content: repeat(5000)}
	}

	result, err := b.Fit(system, files, messages, 128000)
	if err != nil {
		t.Fatalf("fit failed: %v", err)
	}

	// system + 2 files + the newest 11 messages; the oldest is dropped.
	wantCount := 1 + 2 + 11
	if len(result.Messages) != wantCount {
		t.Fatalf("got %d messages, want %d", len(result.Messages), wantCount)
	}
	if result.Messages[0].Role != "system" {
		t.Fatalf("first message role = %q, want system", result.Messages[0].Role)
	}
	for i := 1; i <= 2; i++ {
		if !strings.HasPrefix(result.Messages[i].Content, "This is the content of file ") {
			t.Fatalf("message %d is not a file message: %q", i, result.Messages[i].Content[:40])
		}
	}
	if result.UsedTokens >= 127000 {
		t.Fatalf("used tokens %d, want < 127000", result.UsedTokens)
	}
	if result.Truncated {
		t.Fatalf("nothing should be truncated in this scenario")
	}
}

func TestFitFailsFastOnOversizedFile(t *testing.T) {
	b := New(charCounter, DefaultPolicy(), "")

	files := []ContextFile{{Name: "big", Content: repeat(9000)}}
	messages := []Message{{Role: "user", Content: "hi"}}

	_, err := b.Fit(repeat(100), files, messages, 10000)
	if !errors.Is(err, ErrContextTooLarge) {
		t.Fatalf("expected ErrContextTooLarge, got %v", err)
	}
}

func TestFitTruncatesOversizedNewestMessage(t *testing.T) {
	b := New(Estimator{CharsPerToken: 4}, DefaultPolicy(), "")

	messages := []Message{{Role: "user", Content: strings.Repeat("x", 600000)}}
	result, err := b.Fit("", nil, messages, 128000)
	if err != nil {
		t.Fatalf("fit failed: %v", err)
	}

	if len(result.Messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(result.Messages))
	}
	if !result.Truncated {
		t.Fatalf("result should be marked truncated")
	}
	if !strings.HasSuffix(result.Messages[0].Content, truncationNotice) {
		t.Fatalf("truncated message is missing the notice")
	}
	if len(result.Messages[0].Content) >= 600000 {
		t.Fatalf("content was not shortened")
	}
	if result.UsedTokens+DefaultPolicy().Reserve > 128000 {
		t.Fatalf("truncated message still over budget: used %d", result.UsedTokens)
	}
}

func TestFitRejectsWhenHeadroomTooSmall(t *testing.T) {
	b := New(charCounter, DefaultPolicy(), "")

	messages := []Message{{Role: "user", Content: repeat(500)}}
	_, err := b.Fit(repeat(150), nil, messages, 1200)
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestFitRejectsEmptyMessageList(t *testing.T) {
	b := New(charCounter, DefaultPolicy(), "")
	if _, err := b.Fit("prompt", nil, nil, 128000); !errors.Is(err, ErrNoMessages) {
		t.Fatalf("expected ErrNoMessages, got %v", err)
	}
}

func TestFitDropsOldestFirstAndKeepsOrder(t *testing.T) {
	b := New(charCounter, DefaultPolicy(), "")

	messages := []Message{
		{Role: "user", Content: strings.Repeat("o", 400)},
		{Role: "assistant", Content: strings.Repeat("m", 300)},
		{Role: "user", Content: strings.Repeat("n", 200)},
	}
	result, err := b.Fit("", nil, messages, 1600)
	if err != nil {
		t.Fatalf("fit failed: %v", err)
	}

	if len(result.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(result.Messages))
	}
	if result.Messages[0].Content != messages[1].Content {
		t.Fatalf("oldest surviving message should come first")
	}
	if result.Messages[1].Content != messages[2].Content {
		t.Fatalf("newest message must be kept last")
	}
}

func TestFitUsesDefaultSystemPrompt(t *testing.T) {
	b := New(charCounter, DefaultPolicy(), "You are a helpful assistant.")

	result, err := b.Fit("  ", nil, []Message{{Role: "user", Content: "hi"}}, 128000)
	if err != nil {
		t.Fatalf("fit failed: %v", err)
	}
	if result.Messages[0].Role != "system" || result.Messages[0].Content != "You are a helpful assistant." {
		t.Fatalf("default system prompt not applied: %+v", result.Messages[0])
	}
}

func TestNewFillsZeroPolicy(t *testing.T) {
	b := New(charCounter, Policy{}, "")
	if b.policy != DefaultPolicy() {
		t.Fatalf("zero policy not defaulted: %+v", b.policy)
	}
}

func TestEstimatorCount(t *testing.T) {
	e := NewEstimator()
	if got := e.Count(""); got != 0 {
		t.Fatalf("empty text = %d tokens", got)
	}
	if got := e.Count("abcd"); got != 1 {
		t.Fatalf("4 chars = %d tokens, want 1", got)
	}
	if got := e.Count("abcde"); got != 2 {
		t.Fatalf("5 chars = %d tokens, want 2 (ceiling)", got)
	}
	// Runes, not bytes.
	if got := e.Count("你好"); got != 1 {
		t.Fatalf("2 runes = %d tokens, want 1", got)
	}
}

func TestCountAll(t *testing.T) {
	msgs := []Message{{Content: "abcd"}, {Content: "abcdefgh"}}
	if got := CountAll(NewEstimator(), msgs); got != 3 {
		t.Fatalf("CountAll = %d, want 3", got)
	}
}

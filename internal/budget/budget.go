// Package budget fits a conversation into a model's context window,
// dropping or truncating history from the oldest end first.
package budget

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrContextTooLarge = errors.New("context files exceed the model context window")
	ErrMessageTooLarge = errors.New("message exceeds the model context window")
	ErrNoMessages      = errors.New("no messages to send")
)

const truncationNotice = "\n\n[earlier content truncated to fit the context window]"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ContextFile struct {
	Name    string
	Content string
}

// Policy holds the fitting constants. The chars-per-token factor is an
// inverse heuristic used only when a single oversized message must be
// cut by length.
type Policy struct {
	Reserve               int
	MinHeadroom           int
	TruncatePad           int
	TruncateCharsPerToken float64
}

func DefaultPolicy() Policy {
	return Policy{
		Reserve:               1000,
		MinHeadroom:           100,
		TruncatePad:           50,
		TruncateCharsPerToken: 3.5,
	}
}

type Result struct {
	Messages   []Message
	UsedTokens int
	Truncated  bool
}

type Budgeter struct {
	counter             Counter
	policy              Policy
	defaultSystemPrompt string
}

func New(counter Counter, policy Policy, defaultSystemPrompt string) *Budgeter {
	if policy.Reserve <= 0 {
		policy.Reserve = DefaultPolicy().Reserve
	}
	if policy.MinHeadroom <= 0 {
		policy.MinHeadroom = DefaultPolicy().MinHeadroom
	}
	if policy.TruncatePad <= 0 {
		policy.TruncatePad = DefaultPolicy().TruncatePad
	}
	if policy.TruncateCharsPerToken <= 0 {
		policy.TruncateCharsPerToken = DefaultPolicy().TruncateCharsPerToken
	}
	return &Budgeter{
		counter:             counter,
		policy:              policy,
		defaultSystemPrompt: defaultSystemPrompt,
	}
}

// Fit assembles the outbound message list: system prompt, then every
// context file in order, then as many of the newest chat messages as
// the window allows. Context files never shrink; if they do not fit the
// whole request fails. Chat history is dropped oldest-first, and when
// even the newest message alone is too big it is cut by length, once,
// with a notice appended.
func (b *Budgeter) Fit(systemPrompt string, files []ContextFile, messages []Message, tokenLimit int) (*Result, error) {
	if len(messages) == 0 {
		return nil, ErrNoMessages
	}
	if tokenLimit <= 0 {
		return nil, fmt.Errorf("invalid token limit %d", tokenLimit)
	}

	prompt := strings.TrimSpace(systemPrompt)
	if prompt == "" {
		prompt = b.defaultSystemPrompt
	}

	used := b.counter.Count(prompt)

	fileMessages := make([]Message, 0, len(files))
	for _, f := range files {
		rendered := fmt.Sprintf("This is the content of file %s: %s", f.Name, f.Content)
		cost := b.counter.Count(rendered)
		if used+cost+b.policy.Reserve > tokenLimit {
			return nil, fmt.Errorf("%w: file %s", ErrContextTooLarge, f.Name)
		}
		used += cost
		fileMessages = append(fileMessages, Message{Role: "user", Content: rendered})
	}

	accepted := make([]Message, 0, len(messages))
	truncated := false
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		cost := b.counter.Count(msg.Content)
		if used+cost+b.policy.Reserve <= tokenLimit {
			used += cost
			accepted = append(accepted, msg)
			continue
		}
		if len(accepted) > 0 {
			break
		}

		// The newest message alone does not fit.
		available := tokenLimit - used - b.policy.Reserve
		if available <= b.policy.MinHeadroom {
			return nil, ErrMessageTooLarge
		}
		maxChars := int(float64(available-b.policy.TruncatePad) * b.policy.TruncateCharsPerToken)
		cut := truncateRunes(msg.Content, maxChars) + truncationNotice
		used += b.counter.Count(cut)
		accepted = append(accepted, Message{Role: msg.Role, Content: cut})
		truncated = true
		break
	}

	if len(accepted) == 0 {
		return nil, ErrMessageTooLarge
	}

	// accepted was collected newest-first; restore chronological order.
	for i, j := 0, len(accepted)-1; i < j; i, j = i+1, j-1 {
		accepted[i], accepted[j] = accepted[j], accepted[i]
	}

	out := make([]Message, 0, 1+len(fileMessages)+len(accepted))
	if prompt != "" {
		out = append(out, Message{Role: "system", Content: prompt})
	}
	out = append(out, fileMessages...)
	out = append(out, accepted...)

	return &Result{Messages: out, UsedTokens: used, Truncated: truncated}, nil
}

func truncateRunes(s string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}

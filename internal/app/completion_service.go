package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"relaychat/internal/ai"
	"relaychat/internal/apperr"
	"relaychat/internal/budget"
	"relaychat/internal/catalog"
	"relaychat/internal/model"
	"relaychat/internal/ratelimit"
)

// Reasoning deltas are buffered and emitted once, wrapped so the client
// can render them as a collapsible block.
const (
	reasoningOpen  = "<think>\n"
	reasoningClose = "\n</think>\n\n"
)

const imageToolName = "generate_image"

var imageToolParameters = json.RawMessage(`{
	"type": "object",
	"properties": {
		"prompt": {
			"type": "string",
			"description": "Complete text-to-image prompt describing the picture to generate."
		}
	},
	"required": ["prompt"]
}`)

// RateLimitedError carries the limiter status so the transport layer
// can attach the reset time to the 429 response.
type RateLimitedError struct {
	Status ratelimit.Status
}

func (e *RateLimitedError) Error() string { return "token limit exceeded" }

// UsagePublisher hands finished-request usage to the async recording
// pipeline.
type UsagePublisher interface {
	Publish(ctx context.Context, event model.UsageEvent) error
}

type CompletionDefaults struct {
	SystemPrompt string
	Temperature  float64
	TopP         float64
}

type CompletionService struct {
	llm       *ai.OpenAICompatibleClient
	catalog   *catalog.Catalog
	limiter   *ratelimit.Limiter
	budgeter  *budget.Budgeter
	estimator budget.Estimator
	publisher UsagePublisher
	defaults  CompletionDefaults
}

type TurnInput struct {
	Role    string
	Content string
}

type FileInput struct {
	Name    string
	Content string
}

type CompletionInput struct {
	Identifier   string
	Tier         string
	ModelID      string
	Messages     []TurnInput
	Files        []FileInput
	SystemPrompt string
	Temperature  *float64
	TopP         *float64
}

// CompletionEvents receive stream output as it is produced. Either
// callback may be nil. A callback error aborts the stream.
type CompletionEvents struct {
	OnChunk func(text string) error
	OnImage func(job model.ImageJob) error
}

type CompletionOutcome struct {
	Content          string
	Reasoning        string
	Image            *model.ImageJob
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	Truncated        bool
}

func NewCompletionService(
	llm *ai.OpenAICompatibleClient,
	cat *catalog.Catalog,
	limiter *ratelimit.Limiter,
	budgeter *budget.Budgeter,
	publisher UsagePublisher,
	defaults CompletionDefaults,
) *CompletionService {
	return &CompletionService{
		llm:       llm,
		catalog:   cat,
		limiter:   limiter,
		budgeter:  budgeter,
		estimator: budget.NewEstimator(),
		publisher: publisher,
		defaults:  defaults,
	}
}

// ChatStream runs the full completion pipeline: rate admission, model
// resolution against the caller's tier, context fitting, optional
// image-intent routing for the virtual model, then the upstream stream.
func (s *CompletionService) ChatStream(ctx context.Context, input CompletionInput, events CompletionEvents) (*CompletionOutcome, error) {
	if len(input.Messages) == 0 {
		return nil, apperr.Validation("messages are required")
	}

	estimate := s.estimateRequest(input)
	status, err := s.limiter.CheckAndConsume(ctx, input.Identifier, estimate)
	if err != nil {
		return nil, fmt.Errorf("rate check failed: %w", err)
	}
	if status.Blocked {
		return nil, &RateLimitedError{Status: *status}
	}
	debited := s.limiter.EstimatedDebit(estimate)

	modelID := strings.TrimSpace(input.ModelID)
	m, ok := s.catalog.Get(modelID)
	if !ok || !s.catalog.Allowed(input.Tier, m.ID) {
		permitted := strings.Join(s.catalog.IDsForTier(input.Tier), ", ")
		return nil, apperr.Authorization(fmt.Sprintf("model %q is not available on your tier; permitted models: %s", modelID, permitted))
	}

	fitted, err := s.fitBudget(input, m.TokenLimit)
	if err != nil {
		return nil, err
	}

	target := m
	if m.Virtual {
		fallback, ok := s.catalog.Get(m.Fallback)
		if !ok || fallback.Virtual {
			return nil, fmt.Errorf("virtual model %s has no usable fallback", m.ID)
		}

		job, usage, matched := s.detectImageIntent(ctx, fallback.ID, lastUserContent(fitted.Messages))
		if matched {
			if events.OnImage != nil {
				if err := events.OnImage(job); err != nil {
					return nil, err
				}
			}
			event := s.finishUsage(ctx, input.Identifier, fallback.ID, int64(fitted.UsedTokens), 0, debited, usage)
			return &CompletionOutcome{
				Image:            &job,
				PromptTokens:     event.PromptTokens,
				CompletionTokens: event.CompletionTokens,
				TotalTokens:      event.TotalTokens,
				Truncated:        fitted.Truncated,
			}, nil
		}
		target = fallback
	}

	temperature := orDefault(input.Temperature, s.defaults.Temperature)
	topP := orDefault(input.TopP, s.defaults.TopP)
	req := ai.ChatRequest{
		Model:       target.ID,
		Messages:    toAIMessages(fitted.Messages),
		Temperature: &temperature,
		TopP:        &topP,
	}

	spliced := false
	var reasoning strings.Builder
	var partial strings.Builder
	result, err := s.llm.StreamComplete(ctx, req, ai.StreamHandlers{
		OnReasoning: func(text string) error {
			reasoning.WriteString(text)
			return nil
		},
		OnContent: func(text string) error {
			if !spliced {
				spliced = true
				if reasoning.Len() > 0 {
					if err := emitChunk(events, reasoningOpen+reasoning.String()+reasoningClose); err != nil {
						return err
					}
				}
			}
			partial.WriteString(text)
			return emitChunk(events, text)
		},
	})
	if err != nil {
		// The provider may have charged for what already streamed.
		consumed := int64(s.estimator.Count(partial.String()))
		s.finishUsage(ctx, input.Identifier, target.ID, int64(fitted.UsedTokens), consumed, debited, nil)
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, mapUpstreamError(err)
	}

	content := result.Content
	if strings.TrimSpace(content) == "" && result.Reasoning == "" {
		content = "The model returned an empty response."
		if err := emitChunk(events, content); err != nil {
			return nil, err
		}
	}

	completionEstimate := int64(s.estimator.Count(result.Content) + s.estimator.Count(result.Reasoning))
	event := s.finishUsage(ctx, input.Identifier, target.ID, int64(fitted.UsedTokens), completionEstimate, debited, result.Usage)

	return &CompletionOutcome{
		Content:          content,
		Reasoning:        result.Reasoning,
		PromptTokens:     event.PromptTokens,
		CompletionTokens: event.CompletionTokens,
		TotalTokens:      event.TotalTokens,
		Truncated:        fitted.Truncated,
	}, nil
}

func (s *CompletionService) fitBudget(input CompletionInput, tokenLimit int) (*budget.Result, error) {
	msgs := make([]budget.Message, 0, len(input.Messages))
	for _, t := range input.Messages {
		msgs = append(msgs, budget.Message{Role: t.Role, Content: t.Content})
	}
	files := make([]budget.ContextFile, 0, len(input.Files))
	for _, f := range input.Files {
		files = append(files, budget.ContextFile{Name: f.Name, Content: f.Content})
	}

	fitted, err := s.budgeter.Fit(input.SystemPrompt, files, msgs, tokenLimit)
	if err != nil {
		switch {
		case errors.Is(err, budget.ErrNoMessages):
			return nil, apperr.Validation("messages are required")
		case errors.Is(err, budget.ErrContextTooLarge), errors.Is(err, budget.ErrMessageTooLarge):
			return nil, apperr.Validation(err.Error())
		}
		return nil, err
	}
	return fitted, nil
}

// detectImageIntent asks the fallback model whether the turn is an
// image request, using a single tool definition as the signal.
func (s *CompletionService) detectImageIntent(ctx context.Context, classifierModel, text string) (model.ImageJob, *ai.Usage, bool) {
	if strings.TrimSpace(text) == "" {
		return model.ImageJob{}, nil, false
	}

	maxTokens := 200
	result, err := s.llm.Complete(ctx, ai.ChatRequest{
		Model: classifierModel,
		Messages: []ai.ChatMessage{
			{Role: "system", Content: "Decide whether the user is asking for an image to be generated. If so call the generate_image tool with a complete prompt. Otherwise reply with the single word no."},
			{Role: "user", Content: text},
		},
		MaxTokens: &maxTokens,
		Tools: []ai.Tool{{
			Type: "function",
			Function: ai.ToolFunction{
				Name:        imageToolName,
				Description: "Generate an image from a text prompt.",
				Parameters:  imageToolParameters,
			},
		}},
	})
	if err != nil {
		log.Printf("image intent classification failed: %v", err)
		return model.ImageJob{}, nil, false
	}

	for _, call := range result.ToolCalls {
		if call.Function.Name != imageToolName {
			continue
		}
		var args struct {
			Prompt string `json:"prompt"`
		}
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			continue
		}
		prompt := strings.TrimSpace(args.Prompt)
		if prompt == "" {
			continue
		}
		job := model.ImageJob{
			ID:        ulid.Make().String(),
			Prompt:    prompt,
			CreatedAt: time.Now(),
		}
		return job, result.Usage, true
	}
	return model.ImageJob{}, result.Usage, false
}

// finishUsage publishes the authoritative usage record and stores the
// conversation size. It never fails the request; the context is
// detached so a client abort cannot drop the debit.
func (s *CompletionService) finishUsage(ctx context.Context, identifier, modelID string, promptTokens, completionTokens, debited int64, usage *ai.Usage) model.UsageEvent {
	if usage != nil {
		if usage.PromptTokens > 0 {
			promptTokens = usage.PromptTokens
		}
		if usage.CompletionTokens > 0 {
			completionTokens = usage.CompletionTokens
		}
	}
	total := promptTokens + completionTokens
	if usage != nil && usage.TotalTokens > 0 {
		total = usage.TotalTokens
	}

	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	event := model.UsageEvent{
		Identifier:       identifier,
		ModelID:          modelID,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      total,
		EstimatedDebited: debited,
		OccurredAt:       time.Now(),
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(bg, event); err != nil {
			log.Printf("publish usage event failed: %v", err)
		}
	} else if err := s.limiter.RecordUsage(bg, identifier, total, debited, modelID); err != nil {
		log.Printf("record usage failed: %v", err)
	}

	if err := s.limiter.SetConversationTokens(bg, identifier, total); err != nil {
		log.Printf("store conversation tokens failed: %v", err)
	}
	return event
}

func (s *CompletionService) estimateRequest(input CompletionInput) int64 {
	total := s.estimator.Count(input.SystemPrompt)
	for _, m := range input.Messages {
		total += s.estimator.Count(m.Content)
	}
	for _, f := range input.Files {
		total += s.estimator.Count(f.Content)
	}
	return int64(total)
}

func emitChunk(events CompletionEvents, text string) error {
	if events.OnChunk == nil {
		return nil
	}
	return events.OnChunk(text)
}

// mapUpstreamError turns well-known provider failures into stable
// user-facing messages; anything else passes through as-is.
func mapUpstreamError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "quota") || strings.Contains(msg, "billing"):
		return apperr.Upstream("the upstream provider has exhausted its quota, try again later", err)
	case strings.Contains(msg, "context length") || strings.Contains(msg, "context_length") || strings.Contains(msg, "maximum context"):
		return apperr.Upstream("the conversation is too long for the selected model", err)
	case strings.Contains(msg, "api key") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid authentication"):
		return apperr.Upstream("the upstream provider rejected the server credentials", err)
	}
	return apperr.Upstream(strings.TrimSpace(err.Error()), err)
}

func lastUserContent(messages []budget.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

func toAIMessages(messages []budget.Message) []ai.ChatMessage {
	out := make([]ai.ChatMessage, len(messages))
	for i, m := range messages {
		out[i] = ai.ChatMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

func orDefault(v *float64, def float64) float64 {
	if v != nil {
		return *v
	}
	return def
}

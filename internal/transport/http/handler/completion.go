package handler

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"relaychat/internal/app"
	"relaychat/internal/apperr"
	"relaychat/internal/model"
	"relaychat/internal/pkg/fileextract"
	"relaychat/internal/transport/http/middleware"
	"relaychat/internal/transport/http/response"
)

const (
	heartbeatInterval = 15 * time.Second
	maxFileBytes      = 10 << 20
)

type CompletionHandler struct {
	completions *app.CompletionService
}

type ChatTurnRequest struct {
	Role    string `json:"role" binding:"required"`
	Content string `json:"content"`
}

type ChatFileRequest struct {
	Name string `json:"name" binding:"required"`
	Data string `json:"data" binding:"required"`
}

type ChatRequest struct {
	Model        string            `json:"model" binding:"required"`
	Messages     []ChatTurnRequest `json:"messages" binding:"required"`
	Files        []ChatFileRequest `json:"files"`
	SystemPrompt string            `json:"system_prompt"`
	Temperature  *float64          `json:"temperature"`
	TopP         *float64          `json:"top_p"`
}

func NewCompletionHandler(completions *app.CompletionService) *CompletionHandler {
	return &CompletionHandler{completions: completions}
}

// Chat streams a completion as SSE. Failures before the first byte map
// to plain HTTP statuses; once the stream is open they become error
// frames instead.
func (h *CompletionHandler) Chat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, "invalid request payload")
		return
	}

	turns := make([]app.TurnInput, 0, len(req.Messages))
	for _, t := range req.Messages {
		switch t.Role {
		case "user", "assistant", "system":
		default:
			response.Fail(c, http.StatusBadRequest, fmt.Sprintf("invalid role %q", t.Role))
			return
		}
		turns = append(turns, app.TurnInput{Role: t.Role, Content: t.Content})
	}

	files, err := extractFiles(req.Files)
	if err != nil {
		response.Error(c, err)
		return
	}

	identity := middleware.GetIdentity(c)
	input := app.CompletionInput{
		Identifier:   identity.RateKey,
		Tier:         identity.Tier,
		ModelID:      req.Model,
		Messages:     turns,
		Files:        files,
		SystemPrompt: req.SystemPrompt,
		Temperature:  req.Temperature,
		TopP:         req.TopP,
	}

	stream := &sseStream{c: c}
	stopHeartbeat := stream.startHeartbeat()

	outcome, err := h.completions.ChatStream(c.Request.Context(), input, app.CompletionEvents{
		OnChunk: func(text string) error {
			return stream.event("chunk", gin.H{"content": text})
		},
		OnImage: func(job model.ImageJob) error {
			return stream.event("image", job)
		},
	})
	stopHeartbeat()

	if err != nil {
		h.fail(c, stream, err)
		return
	}

	_ = stream.event("done", gin.H{
		"prompt_tokens":     outcome.PromptTokens,
		"completion_tokens": outcome.CompletionTokens,
		"total_tokens":      outcome.TotalTokens,
		"truncated":         outcome.Truncated,
	})
}

func (h *CompletionHandler) fail(c *gin.Context, stream *sseStream, err error) {
	var limited *app.RateLimitedError
	if errors.As(err, &limited) {
		reset := strconv.FormatInt(limited.Status.ResetAt.Unix(), 10)
		if !stream.Started() {
			c.Header("reset-time", reset)
			response.Fail(c, http.StatusTooManyRequests, "token limit exceeded, try again after the reset time")
			return
		}
		_ = stream.event("error", gin.H{
			"message":  "token limit exceeded, try again after the reset time",
			"reset_at": limited.Status.ResetAt.Unix(),
		})
		return
	}

	if !stream.Started() {
		response.Error(c, err)
		return
	}
	_ = stream.event("error", gin.H{"message": apperr.UserMessage(err)})
}

func extractFiles(files []ChatFileRequest) ([]app.FileInput, error) {
	if len(files) == 0 {
		return nil, nil
	}
	out := make([]app.FileInput, 0, len(files))
	for _, f := range files {
		raw, err := base64.StdEncoding.DecodeString(f.Data)
		if err != nil {
			return nil, apperr.Validation(fmt.Sprintf("file %s is not valid base64", f.Name))
		}
		if len(raw) > maxFileBytes {
			return nil, apperr.Validation(fmt.Sprintf("file %s exceeds the size limit", f.Name))
		}
		text, err := fileextract.Extract(f.Name, raw)
		if err != nil {
			return nil, apperr.Validation(fmt.Sprintf("file %s: %v", f.Name, err))
		}
		out = append(out, app.FileInput{Name: f.Name, Content: text})
	}
	return out, nil
}

// sseStream lazily opens the event stream on the first frame, so
// pre-flight failures can still use plain HTTP statuses. Writes are
// serialized because the heartbeat runs on its own goroutine.
type sseStream struct {
	c *gin.Context

	mu      sync.Mutex
	flusher http.Flusher
	started bool
	broken  bool
}

func (s *sseStream) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *sseStream) event(name string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureStartedLocked(); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.c.Writer, "event: %s\ndata: %s\n\n", name, data); err != nil {
		s.broken = true
		return err
	}
	s.flusher.Flush()
	return nil
}

// startHeartbeat emits comment frames so proxies do not cut the
// connection during long silent stretches, reasoning models in
// particular. The first tick fires well after pre-flight settles, so
// opening the stream here no longer steals an HTTP status from anyone.
func (s *sseStream) startHeartbeat() (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s.ping()
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func (s *sseStream) ping() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensureStartedLocked() != nil {
		return
	}
	if _, err := fmt.Fprint(s.c.Writer, ": ping\n\n"); err != nil {
		s.broken = true
		return
	}
	s.flusher.Flush()
}

func (s *sseStream) ensureStartedLocked() error {
	if s.broken {
		return errors.New("client disconnected")
	}
	if s.started {
		return nil
	}
	flusher, ok := s.c.Writer.(http.Flusher)
	if !ok {
		return errors.New("streaming unsupported")
	}
	s.flusher = flusher
	s.c.Header("Content-Type", "text/event-stream")
	s.c.Header("Cache-Control", "no-cache")
	s.c.Header("Connection", "keep-alive")
	s.c.Header("X-Accel-Buffering", "no")
	s.c.Writer.WriteHeader(http.StatusOK)
	s.started = true
	return nil
}

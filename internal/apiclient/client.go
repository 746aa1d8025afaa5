package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"relaychat/internal/model"
	"relaychat/internal/ratelimit"
)

// Client is the typed API client the sync engine runs on. Every call
// goes through the {success, data, error} envelope; a failed envelope
// comes back as *APIError so callers can branch on the HTTP status.
type Client struct {
	httpClient *http.Client
	baseURL    string

	mu    sync.RWMutex
	token string
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
	}
}

// SetToken installs the bearer token used on subsequent requests; an
// empty token returns the client to anonymous calls.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (%d): %s", e.Status, e.Message)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type AuthStatus struct {
	Configured  bool `json:"configured"`
	AccessToken bool `json:"access_token"`
}

type User struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Tier     string `json:"tier"`
}

type AuthResult struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

type FolderHint struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Position *int   `json:"position,omitempty"`
}

type ChatPayload struct {
	ID              string      `json:"id"`
	Name            string      `json:"name,omitempty"`
	Model           string      `json:"model"`
	SystemPrompt    string      `json:"system_prompt,omitempty"`
	FolderID        *string     `json:"folder_id,omitempty"`
	Folder          *FolderHint `json:"folder,omitempty"`
	ParentChatID    *string     `json:"parent_chat_id,omitempty"`
	BranchedAtIndex *int        `json:"branched_at_index,omitempty"`
}

type MessagePayload struct {
	ID         string `json:"id"`
	Role       string `json:"role"`
	Content    string `json:"content"`
	Position   int    `json:"position"`
	TokenCount *int   `json:"token_count,omitempty"`
}

type MessageFailure struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

type SaveMessagesResult struct {
	Saved  []string         `json:"saved"`
	Failed []MessageFailure `json:"failed"`
}

type ChatUpdate struct {
	Name         *string `json:"name,omitempty"`
	Model        *string `json:"model,omitempty"`
	SystemPrompt *string `json:"system_prompt,omitempty"`
	FolderID     *string `json:"folder_id,omitempty"`
}

type FolderPayload struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Position *int   `json:"position,omitempty"`
}

type PromptPayload struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

type SettingsPayload struct {
	SelectedModel      string  `json:"selected_model"`
	SystemPrompt       string  `json:"system_prompt"`
	Temperature        float64 `json:"temperature"`
	TopP               float64 `json:"top_p"`
	LastSelectedChatID *string `json:"last_selected_chat_id,omitempty"`
}

func (c *Client) AuthStatus(ctx context.Context) (*AuthStatus, error) {
	var out AuthStatus
	if err := c.do(ctx, http.MethodGet, "/api/v1/auth/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Register creates the account and installs the returned token.
func (c *Client) Register(ctx context.Context, username, email, password string) (*AuthResult, error) {
	body := map[string]string{"username": username, "email": email, "password": password}
	var out AuthResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/register", body, &out); err != nil {
		return nil, err
	}
	c.SetToken(out.Token)
	return &out, nil
}

// Login authenticates and installs the returned token.
func (c *Client) Login(ctx context.Context, username, password string) (*AuthResult, error) {
	body := map[string]string{"username": username, "password": password}
	var out AuthResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/login", body, &out); err != nil {
		return nil, err
	}
	c.SetToken(out.Token)
	return &out, nil
}

func (c *Client) Snapshot(ctx context.Context) (*model.Snapshot, error) {
	var out model.Snapshot
	if err := c.do(ctx, http.MethodGet, "/api/v1/sync/snapshot", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SaveChat(ctx context.Context, chat ChatPayload) (*model.ChatView, error) {
	var out model.ChatView
	if err := c.do(ctx, http.MethodPost, "/api/v1/chats", chat, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SaveMessages(ctx context.Context, chatID string, messages []MessagePayload) (*SaveMessagesResult, error) {
	body := map[string]interface{}{"messages": messages}
	var out SaveMessagesResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/chats/"+url.PathEscape(chatID)+"/messages", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) BulkMessages(ctx context.Context, chatIDs []string) (map[string][]model.MessageView, error) {
	body := map[string]interface{}{"chat_ids": chatIDs}
	var out struct {
		Messages map[string][]model.MessageView `json:"messages"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/chats/messages/bulk", body, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) UpdateChat(ctx context.Context, chatID string, update ChatUpdate) error {
	return c.do(ctx, http.MethodPatch, "/api/v1/chats/"+url.PathEscape(chatID), update, nil)
}

func (c *Client) DeleteChat(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/chats/"+url.PathEscape(chatID), nil, nil)
}

func (c *Client) SaveFolder(ctx context.Context, folder FolderPayload) (*model.FolderView, error) {
	var out model.FolderView
	if err := c.do(ctx, http.MethodPost, "/api/v1/folders", folder, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteFolder(ctx context.Context, folderID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/folders/"+url.PathEscape(folderID), nil, nil)
}

func (c *Client) SavePrompt(ctx context.Context, prompt PromptPayload) (*model.PromptView, error) {
	var out model.PromptView
	if err := c.do(ctx, http.MethodPost, "/api/v1/prompts", prompt, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeletePrompt(ctx context.Context, promptID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/prompts/"+url.PathEscape(promptID), nil, nil)
}

// Settings returns nil when the user has never saved preferences.
func (c *Client) Settings(ctx context.Context) (*model.PreferenceView, error) {
	var out struct {
		Settings *model.PreferenceView `json:"settings"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/user/settings", nil, &out); err != nil {
		return nil, err
	}
	return out.Settings, nil
}

func (c *Client) SaveSettings(ctx context.Context, settings SettingsPayload) error {
	return c.do(ctx, http.MethodPost, "/api/v1/user/settings", settings, nil)
}

func (c *Client) RateLimitStatus(ctx context.Context) (*ratelimit.Status, error) {
	var out ratelimit.Status
	if err := c.do(ctx, http.MethodGet, "/api/v1/rate-limit/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request failed: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request failed: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response failed: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &APIError{Status: resp.StatusCode, Message: fmt.Sprintf("unexpected response: %.200s", raw)}
	}
	if resp.StatusCode >= 400 || !env.Success {
		msg := env.Error
		if msg == "" {
			msg = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response failed: %w", err)
		}
	}
	return nil
}

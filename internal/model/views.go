package model

import "time"

// View types carry decrypted content between the store service, the
// snapshot cache and the transport layer. Rows never leave the server
// with ciphertext attached.

type ChatView struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	ModelID         string    `json:"model_id"`
	SystemPrompt    string    `json:"system_prompt,omitempty"`
	FolderID        *string   `json:"folder_id,omitempty"`
	ParentChatID    *string   `json:"parent_chat_id,omitempty"`
	BranchedAtIndex *int      `json:"branched_at_index,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type MessageView struct {
	ID         string    `json:"id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	Position   int       `json:"position"`
	TokenCount *int      `json:"token_count,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type FolderView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Position  *int      `json:"position,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type PromptView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type PreferenceView struct {
	SelectedModel      string  `json:"selected_model"`
	SystemPrompt       string  `json:"system_prompt,omitempty"`
	Temperature        float64 `json:"temperature"`
	TopP               float64 `json:"top_p"`
	LastSelectedChatID *string `json:"last_selected_chat_id,omitempty"`
}

// Snapshot is the per-user server state the browser client syncs from.
type Snapshot struct {
	Chats       []ChatView      `json:"chats"`
	Folders     []FolderView    `json:"folders"`
	Prompts     []PromptView    `json:"prompts"`
	Preferences *PreferenceView `json:"preferences,omitempty"`
}

// UsageEvent is the queue payload the completion dispatcher publishes
// after a stream ends; the usage worker turns it into a rate-limit
// debit.
type UsageEvent struct {
	Identifier       string    `json:"identifier"`
	ModelID          string    `json:"model_id"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	EstimatedDebited int64     `json:"estimated_debited"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// ImageJob is the envelope returned instead of a text stream when the
// auto-detect model recognizes an image-generation request.
type ImageJob struct {
	ID        string    `json:"id"`
	Prompt    string    `json:"prompt"`
	CreatedAt time.Time `json:"created_at"`
}

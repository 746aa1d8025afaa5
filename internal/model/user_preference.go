package model

import "time"

// UserPreference is a singleton row per user, only ever upserted.
type UserPreference struct {
	UserID             uint      `gorm:"primaryKey" json:"user_id"`
	SelectedModel      string    `gorm:"size:64" json:"selected_model"`
	SystemPrompt       Encrypted `gorm:"embedded;embeddedPrefix:system_prompt_" json:"-"`
	Temperature        float64   `json:"temperature"`
	TopP               float64   `json:"top_p"`
	LastSelectedChatID *string   `gorm:"size:36" json:"last_selected_chat_id,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
}

package model

import "time"

type ChatSession struct {
	ID              string    `gorm:"primaryKey;size:36" json:"id"`
	UserID          uint      `gorm:"not null;index" json:"user_id"`
	Name            Encrypted `gorm:"embedded;embeddedPrefix:name_" json:"-"`
	ModelID         string    `gorm:"size:64;not null" json:"model_id"`
	SystemPrompt    Encrypted `gorm:"embedded;embeddedPrefix:system_prompt_" json:"-"`
	FolderID        *string   `gorm:"size:36;index" json:"folder_id,omitempty"`
	ParentChatID    *string   `gorm:"size:36" json:"parent_chat_id,omitempty"`
	BranchedAtIndex *int      `json:"branched_at_index,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

package model

import "time"

// Message positions are client-assigned, 0-based and dense within a
// chat. The composite unique index makes duplicate saves of the same
// position fail instead of silently forking history.
type Message struct {
	ID            string    `gorm:"primaryKey;size:36" json:"id"`
	ChatSessionID string    `gorm:"size:36;not null;index;uniqueIndex:idx_messages_chat_position,priority:1" json:"chat_session_id"`
	Role          string    `gorm:"size:16;not null" json:"role"`
	Content       Encrypted `gorm:"embedded;embeddedPrefix:content_" json:"-"`
	Position      int       `gorm:"not null;uniqueIndex:idx_messages_chat_position,priority:2" json:"position"`
	TokenCount    *int      `json:"token_count,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

package model

import "time"

// SavedPrompt names are encrypted, so uniqueness is enforced through
// NameDigest, a sha-256 of the lowercased name. Saving under an
// existing name replaces the stored prompt.
type SavedPrompt struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	UserID     uint      `gorm:"not null;uniqueIndex:idx_prompts_user_digest,priority:1" json:"user_id"`
	NameDigest string    `gorm:"size:64;not null;uniqueIndex:idx_prompts_user_digest,priority:2" json:"-"`
	Name       Encrypted `gorm:"embedded;embeddedPrefix:name_" json:"-"`
	Content    Encrypted `gorm:"embedded;embeddedPrefix:content_" json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

package model

import "time"

type Folder struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	UserID    uint      `gorm:"not null;index" json:"user_id"`
	Name      Encrypted `gorm:"embedded;embeddedPrefix:name_" json:"-"`
	Position  *int      `json:"position,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

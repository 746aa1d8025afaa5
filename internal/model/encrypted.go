package model

// Encrypted is one AES-GCM value stored as sibling columns. The
// database only ever sees the three base64 parts, never plaintext and
// never a combined blob.
type Encrypted struct {
	Ciphertext string `gorm:"type:text" json:"-"`
	IV         string `gorm:"size:64" json:"-"`
	Tag        string `gorm:"size:64" json:"-"`
}

func (e Encrypted) Empty() bool {
	return e.Ciphertext == "" && e.IV == "" && e.Tag == ""
}

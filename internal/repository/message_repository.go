package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"relaychat/internal/model"
)

type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Upsert writes one message; replaying the same id inside the same chat
// updates in place so client retries stay idempotent. An id held by
// another chat, or a second id at the same position, comes back as
// ErrConflict.
func (r *MessageRepository) Upsert(ctx context.Context, message *model.Message) error {
	db := r.db.WithContext(ctx)
	res := db.Model(&model.Message{}).
		Where("id = ? AND chat_session_id = ?", message.ID, message.ChatSessionID).
		Updates(map[string]interface{}{
			"role":               message.Role,
			"content_ciphertext": message.Content.Ciphertext,
			"content_iv":         message.Content.IV,
			"content_tag":        message.Content.Tag,
			"position":           message.Position,
			"token_count":        message.TokenCount,
		})
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return fmt.Errorf("upsert message failed: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	if err := db.Create(message).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return fmt.Errorf("upsert message failed: %w", err)
	}
	return nil
}

func (r *MessageRepository) ListByChatID(ctx context.Context, chatID string) ([]model.Message, error) {
	var messages []model.Message
	if err := r.db.WithContext(ctx).Where("chat_session_id = ?", chatID).Order("position ASC").Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("list messages failed: %w", err)
	}
	return messages, nil
}

func (r *MessageRepository) ListByChatIDs(ctx context.Context, chatIDs []string) ([]model.Message, error) {
	if len(chatIDs) == 0 {
		return nil, nil
	}
	var messages []model.Message
	if err := r.db.WithContext(ctx).Where("chat_session_id IN ?", chatIDs).Order("chat_session_id, position ASC").Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("list messages by chats failed: %w", err)
	}
	return messages, nil
}

func (r *MessageRepository) DeleteByChatID(ctx context.Context, chatID string) error {
	if err := r.db.WithContext(ctx).Where("chat_session_id = ?", chatID).Delete(&model.Message{}).Error; err != nil {
		return fmt.Errorf("delete messages failed: %w", err)
	}
	return nil
}

package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"relaychat/internal/model"
)

// ErrConflict reports a client-chosen id or unique key that collides
// with a row outside the caller's scope. Requires the gorm
// TranslateError option on the connection.
var ErrConflict = errors.New("conflicting row")

type ChatRepository struct {
	db *gorm.DB
}

func NewChatRepository(db *gorm.DB) *ChatRepository {
	return &ChatRepository{db: db}
}

// Upsert inserts the chat or updates the existing row in place. Chat
// ids come from the client, so the update is scoped to the owner and
// the insert relies on the primary key to reject an id another user
// already holds.
func (r *ChatRepository) Upsert(ctx context.Context, chat *model.ChatSession) error {
	db := r.db.WithContext(ctx)
	res := db.Model(&model.ChatSession{}).
		Where("id = ? AND user_id = ?", chat.ID, chat.UserID).
		Updates(map[string]interface{}{
			"name_ciphertext":          chat.Name.Ciphertext,
			"name_iv":                  chat.Name.IV,
			"name_tag":                 chat.Name.Tag,
			"model_id":                 chat.ModelID,
			"system_prompt_ciphertext": chat.SystemPrompt.Ciphertext,
			"system_prompt_iv":         chat.SystemPrompt.IV,
			"system_prompt_tag":        chat.SystemPrompt.Tag,
			"folder_id":                chat.FolderID,
			"parent_chat_id":           chat.ParentChatID,
			"branched_at_index":        chat.BranchedAtIndex,
		})
	if res.Error != nil {
		return fmt.Errorf("upsert chat failed: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	if err := db.Create(chat).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return fmt.Errorf("upsert chat failed: %w", err)
	}
	return nil
}

func (r *ChatRepository) ListByUserID(ctx context.Context, userID uint) ([]model.ChatSession, error) {
	var chats []model.ChatSession
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("updated_at DESC").Find(&chats).Error; err != nil {
		return nil, fmt.Errorf("list chats failed: %w", err)
	}
	return chats, nil
}

func (r *ChatRepository) GetByIDAndUserID(ctx context.Context, chatID string, userID uint) (*model.ChatSession, error) {
	var chat model.ChatSession
	if err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", chatID, userID).First(&chat).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get chat failed: %w", err)
	}
	return &chat, nil
}

func (r *ChatRepository) ListByIDsAndUserID(ctx context.Context, chatIDs []string, userID uint) ([]model.ChatSession, error) {
	if len(chatIDs) == 0 {
		return nil, nil
	}
	var chats []model.ChatSession
	if err := r.db.WithContext(ctx).Where("id IN ? AND user_id = ?", chatIDs, userID).Find(&chats).Error; err != nil {
		return nil, fmt.Errorf("list chats by ids failed: %w", err)
	}
	return chats, nil
}

// DeleteByIDAndUserID removes the chat and its messages in one
// transaction.
func (r *ChatRepository) DeleteByIDAndUserID(ctx context.Context, chatID string, userID uint) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("chat_session_id = ?", chatID).Delete(&model.Message{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ? AND user_id = ?", chatID, userID).Delete(&model.ChatSession{}).Error
	})
	if err != nil {
		return fmt.Errorf("delete chat failed: %w", err)
	}
	return nil
}

func (r *ChatRepository) UpdateFields(ctx context.Context, chatID string, userID uint, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Model(&model.ChatSession{}).
		Where("id = ? AND user_id = ?", chatID, userID).
		Updates(fields).Error
	if err != nil {
		return fmt.Errorf("update chat failed: %w", err)
	}
	return nil
}

func (r *ChatRepository) ClearFolder(ctx context.Context, folderID string, userID uint) error {
	err := r.db.WithContext(ctx).Model(&model.ChatSession{}).
		Where("folder_id = ? AND user_id = ?", folderID, userID).
		Update("folder_id", nil).Error
	if err != nil {
		return fmt.Errorf("clear chat folder failed: %w", err)
	}
	return nil
}

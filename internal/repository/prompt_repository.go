package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"relaychat/internal/model"
)

type PromptRepository struct {
	db *gorm.DB
}

func NewPromptRepository(db *gorm.DB) *PromptRepository {
	return &PromptRepository{db: db}
}

// UpsertByDigest implements replace-on-save: a second save of the same
// name lands on the existing row, keeping that row's id. A new name
// inserts, and an insert whose id already exists elsewhere reports
// ErrConflict.
func (r *PromptRepository) UpsertByDigest(ctx context.Context, prompt *model.SavedPrompt) error {
	db := r.db.WithContext(ctx)
	res := db.Model(&model.SavedPrompt{}).
		Where("user_id = ? AND name_digest = ?", prompt.UserID, prompt.NameDigest).
		Updates(map[string]interface{}{
			"name_ciphertext":    prompt.Name.Ciphertext,
			"name_iv":            prompt.Name.IV,
			"name_tag":           prompt.Name.Tag,
			"content_ciphertext": prompt.Content.Ciphertext,
			"content_iv":         prompt.Content.IV,
			"content_tag":        prompt.Content.Tag,
		})
	if res.Error != nil {
		return fmt.Errorf("upsert prompt failed: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	if err := db.Create(prompt).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return fmt.Errorf("upsert prompt failed: %w", err)
	}
	return nil
}

func (r *PromptRepository) ListByUserID(ctx context.Context, userID uint) ([]model.SavedPrompt, error) {
	var prompts []model.SavedPrompt
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at ASC").Find(&prompts).Error; err != nil {
		return nil, fmt.Errorf("list prompts failed: %w", err)
	}
	return prompts, nil
}

func (r *PromptRepository) GetByDigest(ctx context.Context, userID uint, digest string) (*model.SavedPrompt, error) {
	var prompt model.SavedPrompt
	if err := r.db.WithContext(ctx).Where("user_id = ? AND name_digest = ?", userID, digest).First(&prompt).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get prompt by digest failed: %w", err)
	}
	return &prompt, nil
}

func (r *PromptRepository) DeleteByIDAndUserID(ctx context.Context, promptID string, userID uint) error {
	if err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", promptID, userID).Delete(&model.SavedPrompt{}).Error; err != nil {
		return fmt.Errorf("delete prompt failed: %w", err)
	}
	return nil
}

package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"relaychat/internal/model"
)

type FolderRepository struct {
	db *gorm.DB
}

func NewFolderRepository(db *gorm.DB) *FolderRepository {
	return &FolderRepository{db: db}
}

// Upsert follows the owner-scoped update-then-insert shape used for
// chats; see ChatRepository.Upsert.
func (r *FolderRepository) Upsert(ctx context.Context, folder *model.Folder) error {
	db := r.db.WithContext(ctx)
	res := db.Model(&model.Folder{}).
		Where("id = ? AND user_id = ?", folder.ID, folder.UserID).
		Updates(map[string]interface{}{
			"name_ciphertext": folder.Name.Ciphertext,
			"name_iv":         folder.Name.IV,
			"name_tag":        folder.Name.Tag,
			"position":        folder.Position,
		})
	if res.Error != nil {
		return fmt.Errorf("upsert folder failed: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	if err := db.Create(folder).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return fmt.Errorf("upsert folder failed: %w", err)
	}
	return nil
}

func (r *FolderRepository) ListByUserID(ctx context.Context, userID uint) ([]model.Folder, error) {
	var folders []model.Folder
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("position ASC, created_at ASC").Find(&folders).Error; err != nil {
		return nil, fmt.Errorf("list folders failed: %w", err)
	}
	return folders, nil
}

func (r *FolderRepository) GetByIDAndUserID(ctx context.Context, folderID string, userID uint) (*model.Folder, error) {
	var folder model.Folder
	if err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", folderID, userID).First(&folder).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get folder failed: %w", err)
	}
	return &folder, nil
}

func (r *FolderRepository) DeleteByIDAndUserID(ctx context.Context, folderID string, userID uint) error {
	if err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", folderID, userID).Delete(&model.Folder{}).Error; err != nil {
		return fmt.Errorf("delete folder failed: %w", err)
	}
	return nil
}

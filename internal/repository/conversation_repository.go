package repository

import (
	"fmt"

	"gorm.io/gorm"

	"ragchat/internal/model"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

type ConversationRepository struct {
	db *gorm.DB
}

func NewConversationRepository(db *gorm.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

func (r *ConversationRepository) Create(conv *model.Conversation) error {
	if err := r.db.Create(conv).Error; err != nil {
		return fmt.Errorf("create conversation failed: %w", err)
	}
	return nil
}

// ListRecent returns the user's latest conversations, oldest first.
func (r *ConversationRepository) ListRecent(userID string, limit int) ([]model.Conversation, error) {
	if limit <= 0 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}

	var convs []model.Conversation
	if err := r.db.Where("user_id = ?", userID).Order("id DESC").Limit(limit).Find(&convs).Error; err != nil {
		return nil, fmt.Errorf("list conversations failed: %w", err)
	}
	for i, j := 0, len(convs)-1; i < j; i, j = i+1, j-1 {
		convs[i], convs[j] = convs[j], convs[i]
	}
	return convs, nil
}

func (r *ConversationRepository) DeleteByUser(userID string) (int64, error) {
	res := r.db.Where("user_id = ?", userID).Delete(&model.Conversation{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete conversations failed: %w", res.Error)
	}
	return res.RowsAffected, nil
}

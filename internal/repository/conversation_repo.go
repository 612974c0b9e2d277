package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/qs3c/persona_go_server/internal/model"
)

// ConversationRepository 对话记录只追加，唯一允许的修改是评分
type ConversationRepository struct {
	db *gorm.DB
}

func NewConversationRepository(db *gorm.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

func (r *ConversationRepository) Create(ctx context.Context, conv *model.Conversation) error {
	return r.db.WithContext(ctx).Create(conv).Error
}

func (r *ConversationRepository) GetByID(ctx context.Context, id int64) (*model.Conversation, error) {
	var conv model.Conversation
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&conv).Error
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// ListByPersona 按时间倒序分页
func (r *ConversationRepository) ListByPersona(ctx context.Context, personaID string, page, pageSize int) ([]model.Conversation, int64, error) {
	var convs []model.Conversation
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Conversation{}).Where("persona_id = ?", personaID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	err := query.Order("created_at DESC, id DESC").Offset(offset).Limit(pageSize).Find(&convs).Error
	if err != nil {
		return nil, 0, err
	}

	return convs, total, nil
}

func (r *ConversationRepository) UpdateRating(ctx context.Context, id int64, rating int) error {
	return r.db.WithContext(ctx).Model(&model.Conversation{}).Where("id = ?", id).
		Update("rating", rating).Error
}

func (r *ConversationRepository) CountByPersona(ctx context.Context, personaID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Conversation{}).Where("persona_id = ?", personaID).Count(&count).Error
	return count, err
}

package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/persona_go_server/internal/model"
)

type UsageLogRepository struct {
	db *gorm.DB
}

func NewUsageLogRepository(db *gorm.DB) *UsageLogRepository {
	return &UsageLogRepository{db: db}
}

func (r *UsageLogRepository) Create(ctx context.Context, log *model.UsageLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

func (r *UsageLogRepository) CountByAccountSince(ctx context.Context, accountID int64, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.UsageLog{}).
		Where("account_id = ? AND created_at >= ?", accountID, since).Count(&count).Error
	return count, err
}

func (r *UsageLogRepository) CountBefore(ctx context.Context, before time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.UsageLog{}).Where("created_at < ?", before).Count(&count).Error
	return count, err
}

// DeleteBefore 删除早于 before 的日志，返回删除条数
func (r *UsageLogRepository) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("created_at < ?", before).Delete(&model.UsageLog{})
	return result.RowsAffected, result.Error
}

package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/qs3c/persona_go_server/internal/model"
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) Create(ctx context.Context, account *model.Account) error {
	return r.db.WithContext(ctx).Create(account).Error
}

func (r *AccountRepository) GetByID(ctx context.Context, id int64) (*model.Account, error) {
	var account model.Account
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *AccountRepository) Exists(ctx context.Context, id int64) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Account{}).Where("id = ?", id).Count(&count).Error
	return count > 0, err
}

// ResetDayIfStale 跨日时把当日计数清零并记下新日期，只有第一个到达的请求会生效
func (r *AccountRepository) ResetDayIfStale(ctx context.Context, id int64, today string) (bool, error) {
	result := r.db.WithContext(ctx).Model(&model.Account{}).
		Where("id = ? AND (last_conversation_day IS NULL OR last_conversation_day = '' OR last_conversation_day < ?)", id, today).
		Updates(map[string]interface{}{
			"daily_conversation_count": 0,
			"last_conversation_day":    today,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ConsumeCredit 余额大于 0 时扣一张券并累加当日计数
func (r *AccountRepository) ConsumeCredit(ctx context.Context, id int64) (bool, error) {
	result := r.db.WithContext(ctx).Model(&model.Account{}).
		Where("id = ? AND credit_balance > 0", id).
		Updates(map[string]interface{}{
			"credit_balance":           gorm.Expr("credit_balance - 1"),
			"daily_conversation_count": gorm.Expr("daily_conversation_count + 1"),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// IncrementDaily 当日计数未达上限时加一
func (r *AccountRepository) IncrementDaily(ctx context.Context, id int64, limit int) (bool, error) {
	result := r.db.WithContext(ctx).Model(&model.Account{}).
		Where("id = ? AND daily_conversation_count < ?", id, limit).
		Update("daily_conversation_count", gorm.Expr("daily_conversation_count + 1"))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *AccountRepository) UpdateTier(ctx context.Context, id int64, tier string) error {
	return r.db.WithContext(ctx).Model(&model.Account{}).Where("id = ?", id).
		Update("subscription_tier", tier).Error
}

package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/qs3c/persona_go_server/internal/model"
)

type CreditPurchaseRepository struct {
	db *gorm.DB
}

func NewCreditPurchaseRepository(db *gorm.DB) *CreditPurchaseRepository {
	return &CreditPurchaseRepository{db: db}
}

func (r *CreditPurchaseRepository) ExistsByExternalID(ctx context.Context, externalID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.CreditPurchase{}).
		Where("external_id = ?", externalID).Count(&count).Error
	return count > 0, err
}

func (r *CreditPurchaseRepository) ListByAccount(ctx context.Context, accountID int64) ([]model.CreditPurchase, error) {
	var purchases []model.CreditPurchase
	err := r.db.WithContext(ctx).Where("account_id = ?", accountID).
		Order("created_at DESC, id DESC").Find(&purchases).Error
	return purchases, err
}

// Grant 在同一事务中追加购买记录并增加余额。
// 相同 ExternalID 已存在时不做任何修改并返回 false；账号不存在返回 gorm.ErrRecordNotFound。
func (r *CreditPurchaseRepository) Grant(ctx context.Context, purchase *model.CreditPurchase) (bool, error) {
	granted := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.CreditPurchase{}).
			Where("external_id = ?", purchase.ExternalID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}

		result := tx.Model(&model.Account{}).Where("id = ?", purchase.AccountID).
			Update("credit_balance", gorm.Expr("credit_balance + ?", purchase.CreditsGranted))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}

		if err := tx.Create(purchase).Error; err != nil {
			return err
		}
		granted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return granted, nil
}

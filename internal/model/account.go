package model

import (
	"time"
)

// 订阅等级
const (
	TierStandard = "standard"
	TierElevated = "elevated"
)

type Account struct {
	ID                     int64     `gorm:"primaryKey" json:"id"`
	Email                  string    `gorm:"size:100;uniqueIndex;not null" json:"email"`
	DisplayName            string    `gorm:"size:50" json:"display_name"`
	SubscriptionTier       string    `gorm:"size:20;default:standard" json:"subscription_tier"`
	DailyConversationCount int       `gorm:"default:0" json:"daily_conversation_count"`
	LastConversationDay    string    `gorm:"size:10;default:''" json:"last_conversation_day"` // YYYY-MM-DD，空表示从未使用
	CreditBalance          int       `gorm:"default:0" json:"credit_balance"`
	StripeCustomerID       string    `gorm:"size:100;index" json:"-"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`

	// 关联
	Purchases []CreditPurchase `gorm:"foreignKey:AccountID" json:"purchases,omitempty"`
}

func (Account) TableName() string {
	return "accounts"
}

// CreditPurchase 次数券购买记录，只追加
type CreditPurchase struct {
	ID             int64     `gorm:"primaryKey" json:"id"`
	AccountID      int64     `gorm:"not null;index" json:"account_id"`
	CreditsGranted int       `gorm:"not null" json:"credits_granted"`
	AmountPaid     int64     `gorm:"default:0" json:"amount_paid"`
	Currency       string    `gorm:"size:10" json:"currency"`
	ExternalID     string    `gorm:"size:255;uniqueIndex;not null" json:"external_id"`
	ProductName    string    `gorm:"size:255" json:"product_name"`
	CreatedAt      time.Time `json:"created_at"`
}

func (CreditPurchase) TableName() string {
	return "credit_purchases"
}

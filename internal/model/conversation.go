package model

import (
	"time"
)

// 对话来源渠道
const (
	SourceWeb  = "web"
	SourceLine = "line"
)

type Conversation struct {
	ID             int64     `gorm:"primaryKey" json:"id"`
	PersonaID      string    `gorm:"size:36;not null;index" json:"persona_id"`
	Source         string    `gorm:"size:10;not null;default:web" json:"source"`
	ExternalUserID *string   `gorm:"size:100;index" json:"external_user_id,omitempty"`
	UserMessage    string    `gorm:"type:text;not null" json:"user_message"`
	AIReply        string    `gorm:"column:ai_reply;type:text;not null" json:"ai_reply"`
	IsNGDetected   bool      `gorm:"column:is_ng_detected;default:false" json:"is_ng_detected"`
	Rating         *int      `json:"rating,omitempty"`
	CreatedAt      time.Time `gorm:"index" json:"created_at"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// UsageLog 每次计费成功的对话记一条
type UsageLog struct {
	ID             int64     `gorm:"primaryKey" json:"id"`
	AccountID      int64     `gorm:"not null;index" json:"account_id"`
	Action         string    `gorm:"size:30;not null" json:"action"`
	ConsumedCredit bool      `gorm:"default:false" json:"consumed_credit"`
	CreatedAt      time.Time `gorm:"index" json:"created_at"`
}

func (UsageLog) TableName() string {
	return "usage_logs"
}

const UsageActionConversation = "conversation"

package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Persona struct {
	ID                     string    `gorm:"primaryKey;size:36" json:"id"`
	AccountID              int64     `gorm:"not null;index" json:"account_id"`
	Name                   string    `gorm:"size:100;not null" json:"name"`
	SystemPrompt           string    `gorm:"type:text" json:"-"`
	ExtraTabooTopics       string    `gorm:"type:text" json:"extra_taboo_topics"`
	IsActive               bool      `gorm:"not null" json:"is_active"`
	IsSuspended            bool      `gorm:"default:false" json:"is_suspended"`
	LineChannelSecret      string    `gorm:"size:255" json:"-"`
	LineChannelAccessToken string    `gorm:"type:text" json:"-"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

func (Persona) TableName() string {
	return "personas"
}

func (p *Persona) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// LineConfigured LINE 渠道密钥和令牌都已配置
func (p *Persona) LineConfigured() bool {
	return p.LineChannelSecret != "" && p.LineChannelAccessToken != ""
}

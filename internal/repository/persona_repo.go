package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/qs3c/persona_go_server/internal/model"
)

type PersonaRepository struct {
	db *gorm.DB
}

func NewPersonaRepository(db *gorm.DB) *PersonaRepository {
	return &PersonaRepository{db: db}
}

func (r *PersonaRepository) Create(ctx context.Context, persona *model.Persona) error {
	return r.db.WithContext(ctx).Create(persona).Error
}

func (r *PersonaRepository) GetByID(ctx context.Context, id string) (*model.Persona, error) {
	var persona model.Persona
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&persona).Error
	if err != nil {
		return nil, err
	}
	return &persona, nil
}

// GetOwned 仅返回属于该账号的人格
func (r *PersonaRepository) GetOwned(ctx context.Context, id string, accountID int64) (*model.Persona, error) {
	var persona model.Persona
	err := r.db.WithContext(ctx).Where("id = ? AND account_id = ?", id, accountID).First(&persona).Error
	if err != nil {
		return nil, err
	}
	return &persona, nil
}

func (r *PersonaRepository) ListByAccount(ctx context.Context, accountID int64) ([]model.Persona, error) {
	var personas []model.Persona
	err := r.db.WithContext(ctx).Where("account_id = ?", accountID).
		Order("created_at ASC").Find(&personas).Error
	return personas, err
}

func (r *PersonaRepository) SetSuspended(ctx context.Context, id string, suspended bool) error {
	return r.db.WithContext(ctx).Model(&model.Persona{}).Where("id = ?", id).
		Update("is_suspended", suspended).Error
}

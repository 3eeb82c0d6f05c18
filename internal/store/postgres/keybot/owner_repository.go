package keybot

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/odpf/kleidi/core/keybot"
	"github.com/odpf/kleidi/internal/errors"
)

// OwnerRepository reads the account records billing keeps up to date
type OwnerRepository struct {
	db *gorm.DB
}

type Owner struct {
	ID               string `gorm:"primary_key"`
	Activated        bool   `gorm:"not null"`
	ServiceAllowance int    `gorm:"not null"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Owner) TableName() string {
	return "owner"
}

func (r OwnerRepository) Get(ctx context.Context, id string) (*keybot.Owner, error) {
	var record Owner
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound(keybot.EntityOwner, "no owner found for id "+id)
		}
		return nil, errors.Wrap(keybot.EntityOwner, "unable to get owner", err)
	}

	return &keybot.Owner{
		ID:               record.ID,
		Activated:        record.Activated,
		ServiceAllowance: record.ServiceAllowance,
	}, nil
}

// Save upserts an owner record
func (r OwnerRepository) Save(ctx context.Context, owner *keybot.Owner) error {
	if owner.ID == "" {
		return errors.InvalidArgument(keybot.EntityOwner, "owner id is empty")
	}

	now := time.Now().UTC()
	record := Owner{
		ID:               owner.ID,
		Activated:        owner.Activated,
		ServiceAllowance: owner.ServiceAllowance,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"activated", "service_allowance", "updated_at"}),
	}).Create(&record).Error
	if err != nil {
		return errors.Wrap(keybot.EntityOwner, "unable to save owner", err)
	}
	return nil
}

func NewOwnerRepository(db *gorm.DB) *OwnerRepository {
	return &OwnerRepository{db: db}
}

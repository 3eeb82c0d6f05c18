package keybot

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/odpf/kleidi/core/keybot"
	"github.com/odpf/kleidi/internal/errors"
)

type CredentialsRepository struct {
	db *gorm.DB
}

// Credentials row, sensitive columns hold vault ciphertext
type Credentials struct {
	ID        uuid.UUID `gorm:"primary_key;type:uuid"`
	ServiceID uuid.UUID `gorm:"type:uuid;not null"`

	Production    *bool
	SessionSecret *string
	MongoURL      *string
	DiscordToken  *string
	EncryptionKey *string

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Credentials) TableName() string {
	return "credentials"
}

func (c Credentials) toCredentials() *keybot.Credentials {
	return &keybot.Credentials{
		ID:            c.ID.String(),
		ServiceID:     c.ServiceID.String(),
		Production:    c.Production,
		SessionSecret: c.SessionSecret,
		MongoURL:      c.MongoURL,
		DiscordToken:  c.DiscordToken,
		EncryptionKey: c.EncryptionKey,
	}
}

func (r CredentialsRepository) GetByService(ctx context.Context, serviceID string) (*keybot.Credentials, error) {
	id, err := uuid.Parse(serviceID)
	if err != nil {
		return nil, errors.NotFound(keybot.EntityCredentials, "no credentials found for service "+serviceID)
	}

	var record Credentials
	if err := r.db.WithContext(ctx).Where("service_id = ?", id).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound(keybot.EntityCredentials, "no credentials found for service "+serviceID)
		}
		return nil, errors.Wrap(keybot.EntityCredentials, "unable to get credentials", err)
	}
	return record.toCredentials(), nil
}

// Save inserts the credentials of a service or replaces every column of
// the stored ones
func (r CredentialsRepository) Save(ctx context.Context, creds *keybot.Credentials) error {
	id, err := uuid.Parse(creds.ID)
	if err != nil {
		return errors.InvalidArgument(keybot.EntityCredentials, "invalid credentials id "+creds.ID)
	}
	serviceID, err := uuid.Parse(creds.ServiceID)
	if err != nil {
		return errors.InvalidArgument(keybot.EntityCredentials, "invalid service id "+creds.ServiceID)
	}

	now := time.Now().UTC()
	record := Credentials{
		ID:            id,
		ServiceID:     serviceID,
		Production:    creds.Production,
		SessionSecret: creds.SessionSecret,
		MongoURL:      creds.MongoURL,
		DiscordToken:  creds.DiscordToken,
		EncryptionKey: creds.EncryptionKey,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "service_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"production", "session_secret", "mongo_url", "discord_token", "encryption_key", "updated_at",
		}),
	}).Create(&record).Error
	if err != nil {
		return errors.Wrap(keybot.EntityCredentials, "unable to save credentials", err)
	}
	return nil
}

func NewCredentialsRepository(db *gorm.DB) *CredentialsRepository {
	return &CredentialsRepository{db: db}
}

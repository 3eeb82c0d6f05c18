package keybot

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/odpf/kleidi/core/keybot"
	"github.com/odpf/kleidi/internal/errors"
)

const uniqueViolation = "SQLSTATE 23505"

type ServiceRepository struct {
	db *gorm.DB
}

type Service struct {
	ID      uuid.UUID `gorm:"primary_key;type:uuid"`
	Name    string    `gorm:"not null"`
	OwnerID string    `gorm:"not null"`

	CloudProvider     string `gorm:"not null"`
	ClusterResourceID *string
	CloudResourceID   *string
	CloudAccessKey    *string

	CurrentOperation       string `gorm:"not null"`
	CurrentOperationStatus string `gorm:"not null"`
	CurrentVersion         *string
	LastDeploy             *time.Time

	Revision int64 `gorm:"not null"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Service) TableName() string {
	return "service"
}

func fromService(svc *keybot.Service) (Service, error) {
	id, err := uuid.Parse(svc.ID)
	if err != nil {
		return Service{}, errors.InvalidArgument(keybot.EntityService, "invalid service id "+svc.ID)
	}

	return Service{
		ID:                     id,
		Name:                   svc.Name,
		OwnerID:                svc.OwnerID,
		CloudProvider:          svc.CloudProvider.String(),
		ClusterResourceID:      svc.ClusterResourceID,
		CloudResourceID:        svc.CloudResourceID,
		CloudAccessKey:         svc.CloudAccessKey,
		CurrentOperation:       svc.CurrentOperation.String(),
		CurrentOperationStatus: svc.CurrentOperationStatus,
		CurrentVersion:         svc.CurrentVersion,
		LastDeploy:             svc.LastDeploy,
		Revision:               svc.Revision,
		CreatedAt:              svc.CreatedAt,
		UpdatedAt:              svc.UpdatedAt,
	}, nil
}

func (s Service) toService() (*keybot.Service, error) {
	op, err := keybot.OperationFrom(s.CurrentOperation)
	if err != nil {
		return nil, errors.Wrap(keybot.EntityService, "stored service has an invalid operation", err)
	}

	return &keybot.Service{
		ID:                     s.ID.String(),
		Name:                   s.Name,
		OwnerID:                s.OwnerID,
		CloudProvider:          keybot.CloudProvider(s.CloudProvider),
		ClusterResourceID:      s.ClusterResourceID,
		CloudResourceID:        s.CloudResourceID,
		CloudAccessKey:         s.CloudAccessKey,
		CurrentOperation:       op,
		CurrentOperationStatus: s.CurrentOperationStatus,
		CurrentVersion:         s.CurrentVersion,
		LastDeploy:             s.LastDeploy,
		Revision:               s.Revision,
		CreatedAt:              s.CreatedAt,
		UpdatedAt:              s.UpdatedAt,
	}, nil
}

func (r ServiceRepository) Create(ctx context.Context, svc *keybot.Service) error {
	now := time.Now().UTC()
	svc.Revision = 1
	svc.CreatedAt = now
	svc.UpdatedAt = now

	record, err := fromService(svc)
	if err != nil {
		return err
	}

	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		if strings.Contains(err.Error(), uniqueViolation) {
			return errors.NewError(errors.ErrAlreadyExists, keybot.EntityService, "service already exists")
		}
		return errors.Wrap(keybot.EntityService, "unable to create service", err)
	}
	return nil
}

func (r ServiceRepository) Get(ctx context.Context, id string) (*keybot.Service, error) {
	serviceID, err := uuid.Parse(id)
	if err != nil {
		return nil, errors.NotFound(keybot.EntityService, "no service found for id "+id)
	}

	var record Service
	if err := r.db.WithContext(ctx).Where("id = ?", serviceID).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound(keybot.EntityService, "no service found for id "+id)
		}
		return nil, errors.Wrap(keybot.EntityService, "unable to get service", err)
	}
	return record.toService()
}

// Update writes svc only when the stored revision still matches svc.Revision
func (r ServiceRepository) Update(ctx context.Context, svc *keybot.Service) error {
	record, err := fromService(svc)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	result := r.db.WithContext(ctx).Model(&Service{}).
		Where("id = ? AND revision = ?", record.ID, svc.Revision).
		Updates(map[string]interface{}{
			"name":                     record.Name,
			"cloud_provider":           record.CloudProvider,
			"cluster_resource_id":      record.ClusterResourceID,
			"cloud_resource_id":        record.CloudResourceID,
			"cloud_access_key":         record.CloudAccessKey,
			"current_operation":        record.CurrentOperation,
			"current_operation_status": record.CurrentOperationStatus,
			"current_version":          record.CurrentVersion,
			"last_deploy":              record.LastDeploy,
			"revision":                 svc.Revision + 1,
			"updated_at":               now,
		})
	if result.Error != nil {
		return errors.Wrap(keybot.EntityService, "unable to update service", result.Error)
	}

	if result.RowsAffected == 0 {
		if _, err := r.Get(ctx, svc.ID); err != nil {
			return err
		}
		return errors.Conflict(keybot.EntityService, "service "+svc.ID+" was modified concurrently")
	}

	svc.Revision++
	svc.UpdatedAt = now
	return nil
}

func (r ServiceRepository) CountByOwner(ctx context.Context, ownerID string) (int, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&Service{}).Where("owner_id = ?", ownerID).Count(&count).Error; err != nil {
		return 0, errors.Wrap(keybot.EntityService, "unable to count services", err)
	}
	return int(count), nil
}

func (r ServiceRepository) ListByOwner(ctx context.Context, ownerID string) ([]*keybot.Service, error) {
	var records []Service
	if err := r.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("created_at").Find(&records).Error; err != nil {
		return nil, errors.Wrap(keybot.EntityService, "unable to list services", err)
	}

	services := make([]*keybot.Service, 0, len(records))
	for _, record := range records {
		svc, err := record.toService()
		if err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	return services, nil
}

func NewServiceRepository(db *gorm.DB) *ServiceRepository {
	return &ServiceRepository{db: db}
}

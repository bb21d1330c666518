package repository

import (
	"context"
	"errors"
	"time"

	"github.com/andikarp/medsync/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type CredentialRepository interface {
	Upsert(ctx context.Context, source domain.SourceKey, username, sealedPassword, updatedBy string) error
	Get(ctx context.Context, source domain.SourceKey) (username, sealedPassword string, err error)
	Status(ctx context.Context, source domain.SourceKey) (domain.CredentialStatus, error)
	TouchLastSync(ctx context.Context, source domain.SourceKey, at time.Time) error
	StaleSources(ctx context.Context, cutoff time.Time) ([]domain.SourceKey, error)
}

type GormCredentialRepo struct {
	db *gorm.DB
}

func NewGormCredentialRepo(db *gorm.DB) *GormCredentialRepo {
	return &GormCredentialRepo{db: db}
}

func (r *GormCredentialRepo) Upsert(ctx context.Context, source domain.SourceKey, username, sealedPassword, updatedBy string) error {
	model := CredentialModel{
		SourceKey:      string(source),
		Username:       username,
		SealedPassword: sealedPassword,
		UpdatedBy:      updatedBy,
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "source_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"username", "sealed_password", "updated_by", "updated_at"}),
		}).
		Create(&model).Error
}

func (r *GormCredentialRepo) Get(ctx context.Context, source domain.SourceKey) (string, string, error) {
	var model CredentialModel
	err := r.db.WithContext(ctx).First(&model, "source_key = ?", string(source)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", "", domain.ErrNotFound
	}
	if err != nil {
		return "", "", err
	}
	return model.Username, model.SealedPassword, nil
}

func (r *GormCredentialRepo) Status(ctx context.Context, source domain.SourceKey) (domain.CredentialStatus, error) {
	var model CredentialModel
	err := r.db.WithContext(ctx).First(&model, "source_key = ?", string(source)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.CredentialStatus{SourceKey: source, Configured: false}, nil
	}
	if err != nil {
		return domain.CredentialStatus{}, err
	}
	return credentialModelToStatus(&model), nil
}

func (r *GormCredentialRepo) TouchLastSync(ctx context.Context, source domain.SourceKey, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&CredentialModel{}).
		Where("source_key = ?", string(source)).
		Update("last_sync_at", at).Error
}

// StaleSources lists configured sources whose last successful run is older
// than the cutoff, or that never ran at all.
func (r *GormCredentialRepo) StaleSources(ctx context.Context, cutoff time.Time) ([]domain.SourceKey, error) {
	var models []CredentialModel
	err := r.db.WithContext(ctx).
		Select("source_key").
		Where("last_sync_at IS NULL OR last_sync_at < ?", cutoff).
		Order("source_key ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	sources := make([]domain.SourceKey, 0, len(models))
	for _, model := range models {
		sources = append(sources, domain.SourceKey(model.SourceKey))
	}
	return sources, nil
}

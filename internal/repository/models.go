package repository

import (
	"strings"
	"time"

	"github.com/andikarp/medsync/internal/domain"
)

// JobModel is the persistence model for the jobs table. Batches have no
// table of their own: batch_id groups jobs and every batch-level view is
// an aggregate over these rows.
type JobModel struct {
	ID              uint          `gorm:"primaryKey;autoIncrement"`
	BatchID         string        `gorm:"type:uuid;not null;index:idx_jobs_batch_id"`
	PatientID       string        `gorm:"type:varchar(36);not null"`
	PatientName     string        `gorm:"type:varchar(255);not null"`
	PatientAge      *int          `gorm:"type:int"`
	SourceKey       string        `gorm:"type:varchar(50);not null;index:idx_jobs_source_status,priority:1"`
	SourceRef       string        `gorm:"type:varchar(100)"`
	SourceFound     bool          `gorm:"not null;default:false"`
	MatchScore      int           `gorm:"not null;default:0"`
	MatchFactors    string        `gorm:"type:text"`
	Status          domain.Status `gorm:"type:varchar(20);not null;index:idx_jobs_source_status,priority:2"`
	Narrative       string        `gorm:"type:text"`
	RecordsImported *int          `gorm:"type:int"`
	Message         string        `gorm:"type:text"`
	CreatedBy       string        `gorm:"type:varchar(100)"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

func (JobModel) TableName() string {
	return "jobs"
}

// CredentialModel is the persistence model for source_credentials. The
// password column holds the sealed form produced by the secret box, never
// plaintext.
type CredentialModel struct {
	SourceKey      string `gorm:"type:varchar(50);primaryKey"`
	Username       string `gorm:"type:varchar(255);not null"`
	SealedPassword string `gorm:"type:text;not null"`
	UpdatedBy      string `gorm:"type:varchar(100)"`
	UpdatedAt      time.Time
	LastSyncAt     *time.Time
}

func (CredentialModel) TableName() string {
	return "source_credentials"
}

func jobModelFromDomain(j *domain.Job) *JobModel {
	if j == nil {
		return nil
	}

	return &JobModel{
		ID:              j.ID,
		BatchID:         j.BatchID,
		PatientID:       j.PatientID,
		PatientName:     j.PatientName,
		PatientAge:      j.PatientAge,
		SourceKey:       string(j.SourceKey),
		SourceRef:       j.SourceRef,
		SourceFound:     j.SourceFound,
		MatchScore:      j.MatchScore,
		MatchFactors:    strings.Join(j.MatchFactors, ","),
		Status:          j.Status,
		Narrative:       j.Narrative,
		RecordsImported: j.RecordsImported,
		Message:         j.Message,
		CreatedBy:       j.CreatedBy,
		CreatedAt:       j.CreatedAt,
		CompletedAt:     j.CompletedAt,
	}
}

func jobModelToDomain(m *JobModel) *domain.Job {
	if m == nil {
		return nil
	}

	var factors []string
	if m.MatchFactors != "" {
		factors = strings.Split(m.MatchFactors, ",")
	}

	return &domain.Job{
		ID:              m.ID,
		BatchID:         m.BatchID,
		PatientID:       m.PatientID,
		PatientName:     m.PatientName,
		PatientAge:      m.PatientAge,
		SourceKey:       domain.SourceKey(m.SourceKey),
		SourceRef:       m.SourceRef,
		SourceFound:     m.SourceFound,
		MatchScore:      m.MatchScore,
		MatchFactors:    factors,
		Status:          m.Status,
		Narrative:       m.Narrative,
		RecordsImported: m.RecordsImported,
		Message:         m.Message,
		CreatedBy:       m.CreatedBy,
		CreatedAt:       m.CreatedAt,
		CompletedAt:     m.CompletedAt,
	}
}

func credentialModelToStatus(m *CredentialModel) domain.CredentialStatus {
	status := domain.CredentialStatus{
		SourceKey:  domain.SourceKey(m.SourceKey),
		Configured: true,
		Username:   m.Username,
	}
	updatedAt := m.UpdatedAt
	status.UpdatedAt = &updatedAt
	return status
}

// Package registry is the sync engine's view of the local clinical record
// system: patients as match candidates, visits keyed by record number, and
// per-visit record sections written by the extraction pipeline.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/andikarp/medsync/internal/domain"
	"github.com/andikarp/medsync/internal/matching"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Visit is a patient's running chart for one source, kept under a stable
// record number and stamped with the date of the last import.
type Visit struct {
	ID           uint
	RecordNumber string
	PatientID    string
	SourceKey    domain.SourceKey
	VisitDate    time.Time
}

// Section is one named narrative fragment written under a visit.
type Section struct {
	Name    string
	Content string
}

type Registry interface {
	FindCandidates(ctx context.Context, source domain.SourceKey, staleBefore time.Time, limit int) ([]matching.Candidate, error)
	FindOrCreateVisit(ctx context.Context, patientID string, source domain.SourceKey, visitDate time.Time) (*Visit, error)
	UpsertSections(ctx context.Context, visitID uint, sections []Section) (int, error)
	TouchPatientSync(ctx context.Context, patientID string, at time.Time) error
}

type GormRegistry struct {
	db           *gorm.DB
	recordPrefix string
}

func NewGormRegistry(db *gorm.DB, recordPrefix string) *GormRegistry {
	if recordPrefix == "" {
		recordPrefix = "MR"
	}
	return &GormRegistry{db: db, recordPrefix: recordPrefix}
}

// FindCandidates loads the candidate pool for matching: patients registered
// under the source, excluding anyone already synced after staleBefore. A zero
// staleBefore disables the staleness filter. The pool is bounded; the
// matcher's coarse name filter does the rest.
func (r *GormRegistry) FindCandidates(ctx context.Context, source domain.SourceKey, staleBefore time.Time, limit int) ([]matching.Candidate, error) {
	if limit < 1 {
		limit = 100
	}

	q := r.db.WithContext(ctx).
		Where("source_key = ?", string(source))
	if !staleBefore.IsZero() {
		q = q.Where("(last_sync_at IS NULL OR last_sync_at < ?)", staleBefore)
	}

	var models []PatientModel
	err := q.
		Order("updated_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	candidates := make([]matching.Candidate, 0, len(models))
	for i := range models {
		candidates = append(candidates, matching.Candidate{
			PatientID: models[i].ID,
			FullName:  models[i].FullName,
			BirthDate: models[i].BirthDate,
			Age:       models[i].Age,
			Phone:     models[i].Phone,
			Gender:    models[i].Gender,
		})
	}
	return candidates, nil
}

// FindOrCreateVisit returns the most recent visit for the patient and source,
// creating one under the next sequential record number only when the patient
// has never been imported from that source. Re-running a sync, even for a
// later date, reuses the existing visit and record number so sections
// overwrite instead of minting a new chart per day; the visit date is moved
// forward to the requested day on reuse.
func (r *GormRegistry) FindOrCreateVisit(ctx context.Context, patientID string, source domain.SourceKey, visitDate time.Time) (*Visit, error) {
	day := visitDate.Truncate(24 * time.Hour)

	var model VisitModel
	err := r.db.WithContext(ctx).
		Where("patient_id = ? AND source_key = ?", patientID, string(source)).
		Order("visit_date DESC").
		First(&model).Error
	if err == nil {
		if !model.VisitDate.Equal(day) {
			updateErr := r.db.WithContext(ctx).
				Model(&VisitModel{}).
				Where("id = ?", model.ID).
				Update("visit_date", day).Error
			if updateErr != nil {
				return nil, updateErr
			}
			model.VisitDate = day
		}
		return visitModelToDomain(&model), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		number, err := r.nextRecordNumber(tx)
		if err != nil {
			return err
		}
		model = VisitModel{
			RecordNumber: number,
			PatientID:    patientID,
			SourceKey:    string(source),
			VisitDate:    day,
		}
		return tx.Create(&model).Error
	})
	if err != nil {
		return nil, err
	}
	return visitModelToDomain(&model), nil
}

// nextRecordNumber allocates the next number in the prefixed sequence,
// e.g. MR0007 after MR0006. The unique index on record_number backstops
// concurrent allocation.
func (r *GormRegistry) nextRecordNumber(tx *gorm.DB) (string, error) {
	var last string
	err := tx.Model(&VisitModel{}).
		Select("record_number").
		Where("record_number LIKE ?", r.recordPrefix+"%").
		Order("id DESC").
		Limit(1).
		Scan(&last).Error
	if err != nil {
		return "", err
	}

	next := 1
	if suffix := strings.TrimPrefix(last, r.recordPrefix); suffix != last && suffix != "" {
		var n int
		if _, err := fmt.Sscanf(suffix, "%d", &n); err == nil {
			next = n + 1
		}
	}
	return fmt.Sprintf("%s%04d", r.recordPrefix, next), nil
}

// UpsertSections writes the extracted sections under the visit and returns
// how many carried non-empty content. Existing sections are overwritten in
// place, keyed by visit and section name.
func (r *GormRegistry) UpsertSections(ctx context.Context, visitID uint, sections []Section) (int, error) {
	imported := 0
	models := make([]RecordSectionModel, 0, len(sections))
	for _, s := range sections {
		models = append(models, RecordSectionModel{
			VisitID: visitID,
			Section: s.Name,
			Content: s.Content,
		})
		if strings.TrimSpace(s.Content) != "" {
			imported++
		}
	}

	if len(models) == 0 {
		return 0, nil
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "visit_id"}, {Name: "section"}},
			DoUpdates: clause.AssignmentColumns([]string{"content", "updated_at"}),
		}).
		Create(&models).Error
	if err != nil {
		return 0, err
	}
	return imported, nil
}

// TouchPatientSync records when the patient was last synced, which takes
// them out of the candidate pool until the staleness window passes.
func (r *GormRegistry) TouchPatientSync(ctx context.Context, patientID string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&PatientModel{}).
		Where("id = ?", patientID).
		Update("last_sync_at", at).Error
}

func visitModelToDomain(m *VisitModel) *Visit {
	return &Visit{
		ID:           m.ID,
		RecordNumber: m.RecordNumber,
		PatientID:    m.PatientID,
		SourceKey:    domain.SourceKey(m.SourceKey),
		VisitDate:    m.VisitDate,
	}
}

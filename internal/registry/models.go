package registry

import (
	"time"
)

// PatientModel is the persistence model for the patients table. Rows are
// owned by the surrounding record system; the sync engine reads them as
// match candidates and stamps last_sync_at after a successful import.
type PatientModel struct {
	ID         string `gorm:"type:uuid;primaryKey"`
	FullName   string `gorm:"type:varchar(255);not null"`
	BirthDate  *time.Time
	Age        *int       `gorm:"type:int"`
	Phone      string     `gorm:"type:varchar(30)"`
	Gender     string     `gorm:"type:varchar(20)"`
	SourceKey  string     `gorm:"type:varchar(50);not null;index:idx_patients_source_sync,priority:1"`
	LastSyncAt *time.Time `gorm:"index:idx_patients_source_sync,priority:2"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (PatientModel) TableName() string {
	return "patients"
}

// VisitModel is the persistence model for visits. One row per patient and
// source, identified by a sequential record number; visit_date tracks the
// most recent import.
type VisitModel struct {
	ID           uint      `gorm:"primaryKey;autoIncrement"`
	RecordNumber string    `gorm:"type:varchar(20);not null;uniqueIndex:idx_visits_record_number"`
	PatientID    string    `gorm:"type:uuid;not null;index:idx_visits_patient_source_date,priority:1"`
	SourceKey    string    `gorm:"type:varchar(50);not null;index:idx_visits_patient_source_date,priority:2"`
	VisitDate    time.Time `gorm:"type:date;not null;index:idx_visits_patient_source_date,priority:3"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (VisitModel) TableName() string {
	return "visits"
}

// RecordSectionModel is the persistence model for record_sections. One row
// per visit and section name; re-imports overwrite content in place.
type RecordSectionModel struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	VisitID   uint   `gorm:"not null;uniqueIndex:idx_record_sections_visit_section,priority:1"`
	Section   string `gorm:"type:varchar(50);not null;uniqueIndex:idx_record_sections_visit_section,priority:2"`
	Content   string `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (RecordSectionModel) TableName() string {
	return "record_sections"
}

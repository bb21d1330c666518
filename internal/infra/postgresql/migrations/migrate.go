package migrations

import (
	"github.com/andikarp/medsync/internal/registry"
	"github.com/andikarp/medsync/internal/repository"
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "000001_create_jobs",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.JobModel{}); err != nil {
					return err
				}
				indexes := []string{
					`CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs (created_at)`,
					`CREATE INDEX IF NOT EXISTS idx_jobs_stale ON jobs (updated_at) WHERE status IN ('pending', 'processing')`,
				}
				for _, sql := range indexes {
					if err := tx.Exec(sql).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.JobModel{})
			},
		},
		{
			ID: "000002_create_source_credentials",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&repository.CredentialModel{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.CredentialModel{})
			},
		},
		{
			ID: "000003_create_patients",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&registry.PatientModel{}); err != nil {
					return err
				}
				return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_patients_updated_at ON patients (updated_at)`).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&registry.PatientModel{})
			},
		},
		{
			ID: "000004_create_visits",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&registry.VisitModel{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&registry.VisitModel{})
			},
		},
		{
			ID: "000005_create_record_sections",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&registry.RecordSectionModel{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&registry.RecordSectionModel{})
			},
		},
		{
			ID: "000006_add_patient_sync_columns",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&registry.PatientModel{})
			},
			Rollback: func(tx *gorm.DB) error {
				columns := []string{"source_key", "last_sync_at"}
				for _, col := range columns {
					if err := tx.Migrator().DropColumn(&registry.PatientModel{}, col); err != nil {
						return err
					}
				}
				return nil
			},
		},
	})

	return m.Migrate()
}

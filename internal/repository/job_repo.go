package repository

import (
	"context"
	"errors"
	"time"

	"github.com/andikarp/medsync/internal/domain"
	"gorm.io/gorm"
)

// HistoryParams filters and pages the batch history listing.
type HistoryParams struct {
	Source   *domain.SourceKey
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

// SweepCount reports how many stale jobs were failed for one source.
type SweepCount struct {
	SourceKey domain.SourceKey
	Count     int
}

type JobRepository interface {
	CreateBatch(ctx context.Context, jobs []*domain.Job) error
	GetByID(ctx context.Context, id uint) (*domain.Job, error)
	ListByBatch(ctx context.Context, batchID string) ([]domain.Job, error)
	ActiveBatchForSource(ctx context.Context, source domain.SourceKey) (string, error)
	MarkProcessing(ctx context.Context, id uint) error
	Complete(ctx context.Context, id uint, status domain.Status, update CompletionUpdate) error
	BulkFailPending(ctx context.Context, batchID string, message string) (int64, error)
	AggregateBatch(ctx context.Context, batchID string) (*domain.BatchAggregate, error)
	LatestBatchForSource(ctx context.Context, source domain.SourceKey) (*domain.BatchAggregate, error)
	ProcessingJob(ctx context.Context, source domain.SourceKey) (*domain.Job, error)
	ListBatches(ctx context.Context, params HistoryParams) ([]domain.BatchAggregate, int64, error)
	SweepStale(ctx context.Context, cutoff time.Time, message string) ([]SweepCount, error)
}

// CompletionUpdate carries the terminal fields written alongside a status
// transition.
type CompletionUpdate struct {
	RecordsImported *int
	Narrative       string
	Message         string
}

type GormJobRepo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormJobRepo(db *gorm.DB) *GormJobRepo {
	return &GormJobRepo{db: db, now: time.Now}
}

func (r *GormJobRepo) CreateBatch(ctx context.Context, jobs []*domain.Job) error {
	models := make([]JobModel, 0, len(jobs))
	modelIndexes := make([]int, 0, len(jobs))
	for i, j := range jobs {
		model := jobModelFromDomain(j)
		if model != nil {
			models = append(models, *model)
			modelIndexes = append(modelIndexes, i)
		}
	}

	if len(models) == 0 {
		return nil
	}

	if err := r.db.WithContext(ctx).CreateInBatches(&models, 100).Error; err != nil {
		return err
	}

	for i := range models {
		idx := modelIndexes[i]
		if idx < len(jobs) && jobs[idx] != nil {
			*jobs[idx] = *jobModelToDomain(&models[i])
		}
	}

	return nil
}

func (r *GormJobRepo) GetByID(ctx context.Context, id uint) (*domain.Job, error) {
	var model JobModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return jobModelToDomain(&model), nil
}

func (r *GormJobRepo) ListByBatch(ctx context.Context, batchID string) ([]domain.Job, error) {
	var models []JobModel
	err := r.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("id ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	jobs := make([]domain.Job, 0, len(models))
	for i := range models {
		jobs = append(jobs, *jobModelToDomain(&models[i]))
	}
	return jobs, nil
}

// ActiveBatchForSource returns the batch id of a run that still holds
// non-terminal jobs for the source. domain.ErrNotFound means no run is
// active and a new one may start.
func (r *GormJobRepo) ActiveBatchForSource(ctx context.Context, source domain.SourceKey) (string, error) {
	var model JobModel
	err := r.db.WithContext(ctx).
		Select("batch_id").
		Where("source_key = ? AND status IN ?", string(source),
			[]domain.Status{domain.StatusPending, domain.StatusProcessing}).
		Order("id ASC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return model.BatchID, nil
}

func (r *GormJobRepo) MarkProcessing(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).
		Model(&JobModel{}).
		Where("id = ? AND status = ?", id, domain.StatusPending).
		Update("status", domain.StatusProcessing)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.transitionFailure(ctx, id)
	}
	return nil
}

// Complete moves a job to a terminal status. The WHERE clause is the
// terminal-stability guard: rows already in success, failed or skipped
// never match, so a terminal status can only be written once.
func (r *GormJobRepo) Complete(ctx context.Context, id uint, status domain.Status, update CompletionUpdate) error {
	if !status.IsTerminal() {
		return domain.ErrValidation
	}

	fields := map[string]any{
		"status":       status,
		"message":      update.Message,
		"completed_at": r.now(),
	}
	if update.RecordsImported != nil {
		fields["records_imported"] = *update.RecordsImported
	}
	if update.Narrative != "" {
		fields["narrative"] = update.Narrative
	}

	result := r.db.WithContext(ctx).
		Model(&JobModel{}).
		Where("id = ? AND status IN ?", id,
			[]domain.Status{domain.StatusPending, domain.StatusProcessing}).
		Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.transitionFailure(ctx, id)
	}
	return nil
}

// transitionFailure distinguishes a missing job from one that already
// reached a terminal status.
func (r *GormJobRepo) transitionFailure(ctx context.Context, id uint) error {
	var model JobModel
	err := r.db.WithContext(ctx).Select("status").First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	if model.Status.IsTerminal() {
		return domain.ErrTerminalStatus
	}
	return domain.ErrConflict
}

// BulkFailPending terminates every job in the batch that never started
// processing. Used when a source-level failure aborts the whole run.
func (r *GormJobRepo) BulkFailPending(ctx context.Context, batchID string, message string) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&JobModel{}).
		Where("batch_id = ? AND status = ?", batchID, domain.StatusPending).
		Updates(map[string]any{
			"status":       domain.StatusFailed,
			"message":      message,
			"completed_at": r.now(),
		})
	return result.RowsAffected, result.Error
}

type batchRow struct {
	BatchID         string     `gorm:"column:batch_id"`
	SourceKey       string     `gorm:"column:source_key"`
	StartedAt       time.Time  `gorm:"column:started_at"`
	CompletedAt     *time.Time `gorm:"column:completed_at"`
	Total           int        `gorm:"column:total"`
	Pending         int        `gorm:"column:pending"`
	Processing      int        `gorm:"column:processing"`
	Success         int        `gorm:"column:success"`
	Failed          int        `gorm:"column:failed"`
	Skipped         int        `gorm:"column:skipped"`
	RecordsImported int        `gorm:"column:records_imported"`
}

const batchAggregateSelect = `
	batch_id,
	MIN(source_key) AS source_key,
	MIN(created_at) AS started_at,
	CASE
		WHEN COUNT(*) FILTER (WHERE status IN ('pending', 'processing')) = 0
		THEN MAX(completed_at)
	END AS completed_at,
	COUNT(*) AS total,
	COUNT(*) FILTER (WHERE status = 'pending') AS pending,
	COUNT(*) FILTER (WHERE status = 'processing') AS processing,
	COUNT(*) FILTER (WHERE status = 'success') AS success,
	COUNT(*) FILTER (WHERE status = 'failed') AS failed,
	COUNT(*) FILTER (WHERE status = 'skipped') AS skipped,
	COALESCE(SUM(records_imported), 0) AS records_imported`

func batchRowToAggregate(row *batchRow) *domain.BatchAggregate {
	return &domain.BatchAggregate{
		BatchID:         row.BatchID,
		SourceKey:       domain.SourceKey(row.SourceKey),
		StartedAt:       row.StartedAt,
		CompletedAt:     row.CompletedAt,
		Total:           row.Total,
		Pending:         row.Pending,
		Processing:      row.Processing,
		Success:         row.Success,
		Failed:          row.Failed,
		Skipped:         row.Skipped,
		RecordsImported: row.RecordsImported,
	}
}

func (r *GormJobRepo) AggregateBatch(ctx context.Context, batchID string) (*domain.BatchAggregate, error) {
	var row batchRow
	result := r.db.WithContext(ctx).
		Model(&JobModel{}).
		Select(batchAggregateSelect).
		Where("batch_id = ?", batchID).
		Group("batch_id").
		Scan(&row)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, domain.ErrNotFound
	}
	return batchRowToAggregate(&row), nil
}

// LatestBatchForSource aggregates the most recently started run for the
// source, whether it is still running or already settled.
func (r *GormJobRepo) LatestBatchForSource(ctx context.Context, source domain.SourceKey) (*domain.BatchAggregate, error) {
	var model JobModel
	err := r.db.WithContext(ctx).
		Select("batch_id").
		Where("source_key = ?", string(source)).
		Order("created_at DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.AggregateBatch(ctx, model.BatchID)
}

// ProcessingJob returns the job currently being extracted for the source,
// or domain.ErrNotFound when the source is idle. At most one job per
// source can be processing because runs are mutually exclusive and a run
// handles its jobs sequentially.
func (r *GormJobRepo) ProcessingJob(ctx context.Context, source domain.SourceKey) (*domain.Job, error) {
	var model JobModel
	err := r.db.WithContext(ctx).
		Where("source_key = ? AND status = ?", string(source), domain.StatusProcessing).
		Order("id ASC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return jobModelToDomain(&model), nil
}

func (r *GormJobRepo) ListBatches(ctx context.Context, params HistoryParams) ([]domain.BatchAggregate, int64, error) {
	base := r.db.WithContext(ctx).Model(&JobModel{})
	if params.Source != nil {
		base = base.Where("source_key = ?", string(*params.Source))
	}
	if params.From != nil {
		base = base.Where("created_at >= ?", *params.From)
	}
	if params.To != nil {
		base = base.Where("created_at <= ?", *params.To)
	}

	var total int64
	if err := base.Session(&gorm.Session{}).
		Distinct("batch_id").
		Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 20
	}
	pageSize = min(pageSize, 100)

	var rows []batchRow
	err := base.Session(&gorm.Session{}).
		Select(batchAggregateSelect).
		Group("batch_id").
		Order("started_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Scan(&rows).Error
	if err != nil {
		return nil, 0, err
	}

	aggregates := make([]domain.BatchAggregate, 0, len(rows))
	for i := range rows {
		aggregates = append(aggregates, *batchRowToAggregate(&rows[i]))
	}
	return aggregates, total, nil
}

// SweepStale fails jobs stuck in a non-terminal status past the cutoff.
// A crashed worker leaves pending and processing rows behind; sweeping
// them releases the per-source mutual exclusion so new runs can start.
func (r *GormJobRepo) SweepStale(ctx context.Context, cutoff time.Time, message string) ([]SweepCount, error) {
	var stale []JobModel
	err := r.db.WithContext(ctx).
		Select("id", "source_key").
		Where("status IN ? AND updated_at < ?",
			[]domain.Status{domain.StatusPending, domain.StatusProcessing}, cutoff).
		Find(&stale).Error
	if err != nil {
		return nil, err
	}
	if len(stale) == 0 {
		return nil, nil
	}

	ids := make([]uint, 0, len(stale))
	perSource := make(map[string]int)
	for _, model := range stale {
		ids = append(ids, model.ID)
		perSource[model.SourceKey]++
	}

	result := r.db.WithContext(ctx).
		Model(&JobModel{}).
		Where("id IN ? AND status IN ?", ids,
			[]domain.Status{domain.StatusPending, domain.StatusProcessing}).
		Updates(map[string]any{
			"status":       domain.StatusFailed,
			"message":      message,
			"completed_at": r.now(),
		})
	if result.Error != nil {
		return nil, result.Error
	}

	counts := make([]SweepCount, 0, len(perSource))
	for source, count := range perSource {
		counts = append(counts, SweepCount{SourceKey: domain.SourceKey(source), Count: count})
	}
	return counts, nil
}

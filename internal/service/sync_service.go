package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/andikarp/medsync/internal/domain"
	"github.com/andikarp/medsync/internal/observability"
	"github.com/andikarp/medsync/internal/queue"
	"github.com/andikarp/medsync/internal/repository"
	"github.com/andikarp/medsync/internal/secret"
	"github.com/andikarp/medsync/internal/source"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SyncService is the control surface behind the HTTP handlers: it starts
// runs, answers status and history queries, and manages source
// credentials. The actual run happens on a worker consuming the queue.
type SyncService struct {
	jobs        repository.JobRepository
	credentials repository.CredentialRepository
	box         *secret.Box
	publisher   queue.Publisher
	adapters    map[domain.SourceKey]source.Adapter
	logger      *zap.Logger
	metrics     *observability.Metrics
	now         func() time.Time
	newID       func() string
}

func NewSyncService(
	jobs repository.JobRepository,
	credentials repository.CredentialRepository,
	box *secret.Box,
	publisher queue.Publisher,
	adapters map[domain.SourceKey]source.Adapter,
	logger *zap.Logger,
) (*SyncService, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job repository is required")
	}
	if credentials == nil {
		return nil, fmt.Errorf("credential repository is required")
	}
	if box == nil {
		return nil, fmt.Errorf("secret box is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &SyncService{
		jobs:        jobs,
		credentials: credentials,
		box:         box,
		publisher:   publisher,
		adapters:    adapters,
		logger:      logger,
		now:         time.Now,
		newID:       uuid.NewString,
	}, nil
}

func (s *SyncService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// StartSync accepts a run for the source and target date, enqueues it and
// returns the new batch id. Target dates in the future are rejected; runs
// import what a source already holds. It fails with domain.ErrConflict
// while an earlier run for the same source still holds non-terminal jobs.
func (s *SyncService) StartSync(ctx context.Context, sourceKey domain.SourceKey, targetDate time.Time, actor string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := sourceKey.Validate(); err != nil {
		return "", err
	}
	if targetDate.IsZero() {
		targetDate = s.now()
	} else if startOfDay(targetDate).After(startOfDay(s.now())) {
		return "", fmt.Errorf("%w: target date %s is in the future", domain.ErrValidation, targetDate.Format("2006-01-02"))
	}

	status, err := s.credentials.Status(ctx, sourceKey)
	if err != nil {
		return "", fmt.Errorf("failed to check credentials: %w", err)
	}
	if !status.Configured {
		return "", fmt.Errorf("%w: no credentials configured for %s", domain.ErrValidation, sourceKey)
	}

	activeBatch, err := s.jobs.ActiveBatchForSource(ctx, sourceKey)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return "", fmt.Errorf("failed to check active runs: %w", err)
	}
	if err == nil {
		return "", fmt.Errorf("%w: sync already running for %s (batch %s)", domain.ErrConflict, sourceKey, activeBatch)
	}

	batchID := s.newID()
	msg := queue.SyncRequestMessage{
		BatchID:    batchID,
		SourceKey:  sourceKey,
		TargetDate: queue.FormatTargetDate(targetDate),
		Actor:      actor,
	}

	if err := s.publisher.Publish(ctx, queue.SyncQueueName(sourceKey), msg); err != nil {
		s.logger.Error("failed to enqueue sync request",
			zap.String("batchId", batchID),
			zap.String("source", sourceKey.String()),
			zap.Error(err),
		)
		return "", fmt.Errorf("failed to enqueue sync request: %w", err)
	}

	if s.metrics != nil {
		s.metrics.IncBatchStarted(sourceKey.String())
	}

	s.logger.Info("sync request accepted",
		zap.String("batchId", batchID),
		zap.String("source", sourceKey.String()),
		zap.String("targetDate", msg.TargetDate),
		zap.String("actor", actor),
	)

	return batchID, nil
}

func startOfDay(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}

// Status aggregates one batch from its jobs.
func (s *SyncService) Status(ctx context.Context, batchID string) (*domain.BatchAggregate, error) {
	if strings.TrimSpace(batchID) == "" {
		return nil, fmt.Errorf("%w: batch id is required", domain.ErrValidation)
	}
	return s.jobs.AggregateBatch(ctx, batchID)
}

// SourceStatus is the per-source snapshot returned by Overview.
type SourceStatus struct {
	Source     domain.SourceKey
	Configured bool
	Latest     *domain.BatchAggregate
	Current    *domain.Job
}

// Overview reports the latest run and the currently processing job for
// every configured source. Sources that never ran appear with a nil
// aggregate so the caller sees the full roster.
func (s *SyncService) Overview(ctx context.Context) ([]SourceStatus, error) {
	keys := domain.Sources()
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	statuses := make([]SourceStatus, 0, len(keys))
	for _, key := range keys {
		status := SourceStatus{Source: key}

		credStatus, err := s.credentials.Status(ctx, key)
		if err != nil {
			return nil, err
		}
		status.Configured = credStatus.Configured

		latest, err := s.jobs.LatestBatchForSource(ctx, key)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		status.Latest = latest

		current, err := s.jobs.ProcessingJob(ctx, key)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		status.Current = current

		statuses = append(statuses, status)
	}
	return statuses, nil
}

// History lists past batches newest first.
func (s *SyncService) History(ctx context.Context, params repository.HistoryParams) ([]domain.BatchAggregate, int64, error) {
	return s.jobs.ListBatches(ctx, params)
}

// Jobs lists the jobs of one batch in creation order.
func (s *SyncService) Jobs(ctx context.Context, batchID string) ([]domain.Job, error) {
	if strings.TrimSpace(batchID) == "" {
		return nil, fmt.Errorf("%w: batch id is required", domain.ErrValidation)
	}

	jobs, err := s.jobs.ListByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		// Distinguish an unknown batch from one whose matching phase
		// produced no jobs.
		if _, err := s.jobs.AggregateBatch(ctx, batchID); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

// Job loads a single job by id.
func (s *SyncService) Job(ctx context.Context, id uint) (*domain.Job, error) {
	if id == 0 {
		return nil, fmt.Errorf("%w: job id is required", domain.ErrValidation)
	}
	return s.jobs.GetByID(ctx, id)
}

// SaveCredentials seals the password and stores the login for a source.
func (s *SyncService) SaveCredentials(ctx context.Context, cred domain.Credential) error {
	if err := cred.Validate(); err != nil {
		return err
	}

	sealed, err := s.box.Seal(cred.Password)
	if err != nil {
		return fmt.Errorf("failed to seal credential: %w", err)
	}

	if err := s.credentials.Upsert(ctx, cred.SourceKey, cred.Username, sealed, cred.UpdatedBy); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}

	s.logger.Info("credentials updated",
		zap.String("source", cred.SourceKey.String()),
		zap.String("updatedBy", cred.UpdatedBy),
	)
	return nil
}

// CredentialsStatus reports whether a source has stored credentials.
func (s *SyncService) CredentialsStatus(ctx context.Context, sourceKey domain.SourceKey) (domain.CredentialStatus, error) {
	if err := sourceKey.Validate(); err != nil {
		return domain.CredentialStatus{}, err
	}
	return s.credentials.Status(ctx, sourceKey)
}

// TestConnection performs a live login against the source and closes the
// session immediately. It proves both that stored credentials decrypt and
// that the portal accepts them.
func (s *SyncService) TestConnection(ctx context.Context, sourceKey domain.SourceKey) error {
	if err := sourceKey.Validate(); err != nil {
		return err
	}

	adapter, ok := s.adapters[sourceKey]
	if !ok {
		return fmt.Errorf("%w: no adapter for source %s", domain.ErrValidation, sourceKey)
	}

	creds, err := loadSourceCredentials(ctx, s.credentials, s.box, sourceKey)
	if err != nil {
		return err
	}

	session, err := adapter.Login(ctx, creds)
	if err != nil {
		return err
	}
	if closeErr := session.Close(ctx); closeErr != nil {
		s.logger.Warn("failed to close test session",
			zap.String("source", sourceKey.String()),
			zap.Error(closeErr),
		)
	}
	return nil
}

func loadSourceCredentials(ctx context.Context, credentials repository.CredentialRepository, box *secret.Box, sourceKey domain.SourceKey) (source.Credentials, error) {
	username, sealed, err := credentials.Get(ctx, sourceKey)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return source.Credentials{}, fmt.Errorf("%w: no credentials configured for %s", domain.ErrValidation, sourceKey)
		}
		return source.Credentials{}, fmt.Errorf("failed to load credentials: %w", err)
	}

	password, err := box.Open(sealed)
	if err != nil {
		return source.Credentials{}, fmt.Errorf("failed to open sealed credential for %s: %w", sourceKey, err)
	}

	return source.Credentials{Username: username, Password: password}, nil
}

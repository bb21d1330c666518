package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andikarp/medsync/internal/domain"
	"github.com/andikarp/medsync/internal/interpret"
	"github.com/andikarp/medsync/internal/matching"
	"github.com/andikarp/medsync/internal/observability"
	"github.com/andikarp/medsync/internal/progress"
	"github.com/andikarp/medsync/internal/queue"
	"github.com/andikarp/medsync/internal/registry"
	"github.com/andikarp/medsync/internal/repository"
	"github.com/andikarp/medsync/internal/secret"
	"github.com/andikarp/medsync/internal/source"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultCandidateLimit      = 100
	defaultCandidateStaleAfter = 7 * 24 * time.Hour
)

// Pacer throttles calls against one external source.
type Pacer interface {
	Wait(ctx context.Context, source string) error
}

// BatchRunner consumes sync requests and drives each through the run
// phases: login, scrape, matching, extract, complete. One run processes
// its jobs sequentially; parallelism exists only across sources.
type BatchRunner struct {
	jobs        repository.JobRepository
	credentials repository.CredentialRepository
	box         *secret.Box
	registry    registry.Registry
	matcher     *matching.Matcher
	interpreter interpret.Service
	broker      progress.Broker
	pacer       Pacer
	consumer    queue.Consumer
	adapters    map[domain.SourceKey]source.Adapter
	logger      *zap.Logger
	metrics     *observability.Metrics

	categoryHint        string
	candidateLimit      int
	candidateStaleAfter time.Duration
	now                 func() time.Time
}

type BatchRunnerConfig struct {
	CategoryHint string
	// CandidateLimit bounds the candidate pool loaded per run.
	CandidateLimit int
	// CandidateStaleAfter excludes patients synced more recently than this
	// from the candidate pool.
	CandidateStaleAfter time.Duration
}

func NewBatchRunner(
	jobs repository.JobRepository,
	credentials repository.CredentialRepository,
	box *secret.Box,
	reg registry.Registry,
	matcher *matching.Matcher,
	interpreter interpret.Service,
	broker progress.Broker,
	pacer Pacer,
	consumer queue.Consumer,
	adapters map[domain.SourceKey]source.Adapter,
	cfg BatchRunnerConfig,
	logger *zap.Logger,
) (*BatchRunner, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job repository is required")
	}
	if credentials == nil {
		return nil, fmt.Errorf("credential repository is required")
	}
	if box == nil {
		return nil, fmt.Errorf("secret box is required")
	}
	if reg == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if matcher == nil {
		matcher = matching.NewMatcher(nil, 0)
	}
	if interpreter == nil {
		return nil, fmt.Errorf("interpreter is required")
	}
	if broker == nil {
		broker = progress.NewMemoryBroker()
	}
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if len(adapters) == 0 {
		return nil, fmt.Errorf("at least one source adapter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CandidateLimit < 1 {
		cfg.CandidateLimit = defaultCandidateLimit
	}
	if cfg.CandidateStaleAfter <= 0 {
		cfg.CandidateStaleAfter = defaultCandidateStaleAfter
	}

	return &BatchRunner{
		jobs:                jobs,
		credentials:         credentials,
		box:                 box,
		registry:            reg,
		matcher:             matcher,
		interpreter:         interpreter,
		broker:              broker,
		pacer:               pacer,
		consumer:            consumer,
		adapters:            adapters,
		logger:              logger,
		categoryHint:        cfg.CategoryHint,
		candidateLimit:      cfg.CandidateLimit,
		candidateStaleAfter: cfg.CandidateStaleAfter,
		now:                 time.Now,
	}, nil
}

func (r *BatchRunner) SetMetrics(metrics *observability.Metrics) {
	if r == nil {
		return
	}
	r.metrics = metrics
}

// Start consumes every source's work queue until context cancellation.
func (r *BatchRunner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for key := range r.adapters {
		queueName := queue.SyncQueueName(key)
		sourceKey := key

		g.Go(func() error {
			r.logger.Info("sync worker started",
				zap.String("source", sourceKey.String()),
				zap.String("queue", queueName),
			)

			err := r.consumer.Consume(groupCtx, queueName, r.Run)
			if err != nil {
				r.logger.Error("sync worker stopped with error",
					zap.String("source", sourceKey.String()),
					zap.Error(err),
				)
				return err
			}

			r.logger.Info("sync worker stopped", zap.String("source", sourceKey.String()))
			return nil
		})
	}

	return g.Wait()
}

// Run executes one batch end to end. Source-level failures are recorded
// on the jobs and reported through progress events; only infrastructure
// failures (broken persistence, invalid wiring) surface as errors.
func (r *BatchRunner) Run(ctx context.Context, msg queue.SyncRequestMessage) error {
	ctx = observability.WithBatchID(ctx, msg.BatchID)
	logger := observability.WithContextLogger(r.logger, ctx).
		With(zap.String("source", msg.SourceKey.String()))

	adapter, ok := r.adapters[msg.SourceKey]
	if !ok {
		return fmt.Errorf("no adapter for source %s", msg.SourceKey)
	}

	// Login phase.
	r.emit(ctx, progress.Event{
		BatchID: msg.BatchID,
		Source:  msg.SourceKey.String(),
		Phase:   progress.PhaseLogin,
		Message: "logging in",
	})

	loginStart := r.now()
	session, err := r.login(ctx, adapter, msg.SourceKey)
	r.observePhase(msg.SourceKey, "login", loginStart)
	if err != nil {
		logger.Warn("login failed, aborting batch", zap.Error(err))
		r.completeWithError(ctx, msg, err)
		return nil
	}
	defer func() {
		if closeErr := session.Close(context.WithoutCancel(ctx)); closeErr != nil {
			logger.Warn("failed to close source session", zap.Error(closeErr))
		}
	}()

	// Scrape phase: enumerate the day's visits and read each identity.
	scrapeStart := r.now()
	identities, err := r.scrape(ctx, session, msg)
	r.observePhase(msg.SourceKey, "scrape", scrapeStart)
	if err != nil {
		logger.Warn("scrape failed, aborting batch", zap.Error(err))
		r.completeWithError(ctx, msg, err)
		return nil
	}

	// Matching phase: score identities and create one job per confirmed
	// match. Unmatched identities are logged and dropped; they produce no
	// job and never block the run.
	matchStart := r.now()
	jobs, err := r.match(ctx, identities, msg, logger)
	r.observePhase(msg.SourceKey, "matching", matchStart)
	if err != nil {
		return err
	}

	// Extract phase.
	if len(jobs) > 0 {
		extractStart := r.now()
		r.extract(ctx, session, jobs, msg, logger)
		r.observePhase(msg.SourceKey, "extract", extractStart)
	}

	if err := r.credentials.TouchLastSync(ctx, msg.SourceKey, r.now()); err != nil {
		logger.Warn("failed to record last sync time", zap.Error(err))
	}

	r.complete(ctx, msg, "")
	return nil
}

func (r *BatchRunner) login(ctx context.Context, adapter source.Adapter, key domain.SourceKey) (source.Session, error) {
	creds, err := loadSourceCredentials(ctx, r.credentials, r.box, key)
	if err != nil {
		return nil, err
	}
	if r.pacer != nil {
		if err := r.pacer.Wait(ctx, key.String()); err != nil {
			return nil, err
		}
	}
	return adapter.Login(ctx, creds)
}

func (r *BatchRunner) scrape(ctx context.Context, session source.Session, msg queue.SyncRequestMessage) ([]domain.ScrapedIdentity, error) {
	if err := r.pace(ctx, msg.SourceKey); err != nil {
		return nil, err
	}

	visits, err := session.ListVisits(ctx, msg.Date())
	if err != nil {
		return nil, err
	}

	r.emit(ctx, progress.Event{
		BatchID: msg.BatchID,
		Source:  msg.SourceKey.String(),
		Phase:   progress.PhaseScrape,
		Message: fmt.Sprintf("found %d visits", len(visits)),
		Total:   len(visits),
	})

	identities := make([]domain.ScrapedIdentity, 0, len(visits))
	for i, visit := range visits {
		if err := r.pace(ctx, msg.SourceKey); err != nil {
			return nil, err
		}

		callStart := r.now()
		identity, err := session.FetchIdentity(ctx, visit.Ref)
		r.observeSourceCall(msg.SourceKey, "fetch_identity", callStart)
		if err != nil {
			return nil, err
		}
		if identity.Name == "" {
			identity.Name = visit.PatientName
		}
		identities = append(identities, identity)

		r.emit(ctx, progress.Event{
			BatchID: msg.BatchID,
			Source:  msg.SourceKey.String(),
			Phase:   progress.PhaseScrape,
			Current: i + 1,
			Total:   len(visits),
		})
	}
	return identities, nil
}

func (r *BatchRunner) match(ctx context.Context, identities []domain.ScrapedIdentity, msg queue.SyncRequestMessage, logger *zap.Logger) ([]*domain.Job, error) {
	staleBefore := r.now().Add(-r.candidateStaleAfter)
	candidates, err := r.registry.FindCandidates(ctx, msg.SourceKey, staleBefore, r.candidateLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load match candidates: %w", err)
	}

	results := r.matcher.MatchAll(identities, candidates)

	jobs := make([]*domain.Job, 0, len(results))
	for _, result := range results {
		if !result.Accepted() {
			logger.Info("identity not matched",
				zap.String("name", result.Identity.Name),
				zap.Int("score", result.Score),
				zap.String("reason", result.Reason),
			)
			continue
		}

		jobs = append(jobs, &domain.Job{
			BatchID:      msg.BatchID,
			PatientID:    result.PatientID,
			PatientName:  result.Identity.Name,
			PatientAge:   result.Identity.Age,
			SourceKey:    msg.SourceKey,
			SourceRef:    result.Identity.SourceRef,
			SourceFound:  true,
			MatchScore:   result.Score,
			MatchFactors: result.Factors,
			Status:       domain.StatusPending,
			CreatedBy:    msg.Actor,
		})
	}

	if len(jobs) > 0 {
		if err := r.jobs.CreateBatch(ctx, jobs); err != nil {
			return nil, fmt.Errorf("failed to create jobs: %w", err)
		}
	}

	r.emit(ctx, progress.Event{
		BatchID: msg.BatchID,
		Source:  msg.SourceKey.String(),
		Phase:   progress.PhaseMatching,
		Message: fmt.Sprintf("matched %d of %d identities", len(jobs), len(identities)),
		Current: len(jobs),
		Total:   len(identities),
	})

	return jobs, nil
}

func (r *BatchRunner) extract(ctx context.Context, session source.Session, jobs []*domain.Job, msg queue.SyncRequestMessage, logger *zap.Logger) {
	for i, job := range jobs {
		abort := r.extractOne(ctx, session, job, msg, logger)

		r.emit(ctx, progress.Event{
			BatchID: msg.BatchID,
			Source:  msg.SourceKey.String(),
			Phase:   progress.PhaseExtract,
			JobID:   job.ID,
			Current: i + 1,
			Total:   len(jobs),
		})

		if abort {
			message := "aborted: source became unavailable during extraction"
			if failed, err := r.jobs.BulkFailPending(ctx, msg.BatchID, message); err != nil {
				logger.Error("failed to bulk-fail pending jobs", zap.Error(err))
			} else if failed > 0 {
				logger.Warn("bulk-failed pending jobs after source error", zap.Int64("count", failed))
			}
			return
		}
	}
}

// extractOne runs the extraction pipeline for a single job and records a
// terminal status. It returns true when the source became unavailable and
// the rest of the batch should be abandoned.
func (r *BatchRunner) extractOne(ctx context.Context, session source.Session, job *domain.Job, msg queue.SyncRequestMessage, logger *zap.Logger) (abort bool) {
	logger = logger.With(zap.Uint("jobId", job.ID))

	if r.metrics != nil {
		r.metrics.IncJobInFlight(msg.SourceKey.String())
		defer r.metrics.DecJobInFlight(msg.SourceKey.String())
	}

	// A panic anywhere in the pipeline fails this job only; the batch
	// moves on to the next one.
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("panic during extraction", zap.Any("panic", rec))
			r.finishJob(ctx, job, domain.StatusFailed, repository.CompletionUpdate{
				Message: fmt.Sprintf("unexpected failure: %v", rec),
			}, logger)
			abort = false
		}
	}()

	if err := r.jobs.MarkProcessing(ctx, job.ID); err != nil {
		// Terminal already (likely swept); leave it alone.
		logger.Warn("job not in a startable state", zap.Error(err))
		return false
	}

	if err := r.pace(ctx, msg.SourceKey); err != nil {
		r.finishJob(ctx, job, domain.StatusFailed, repository.CompletionUpdate{
			Message: fmt.Sprintf("pacing interrupted: %v", err),
		}, logger)
		return false
	}

	callStart := r.now()
	entries, err := session.FetchNarrative(ctx, job.SourceRef)
	r.observeSourceCall(msg.SourceKey, "fetch_narrative", callStart)
	if err != nil {
		r.finishJob(ctx, job, domain.StatusFailed, repository.CompletionUpdate{
			Message: fmt.Sprintf("narrative fetch failed: %v", err),
		}, logger)
		return errors.Is(err, domain.ErrSourceUnavailable)
	}

	narrative, err := source.RelevantNarrative(entries, session.Clinician())
	if err != nil {
		// Not an error condition: the visit simply has nothing by this
		// clinician to import.
		r.finishJob(ctx, job, domain.StatusSkipped, repository.CompletionUpdate{
			Message: "no relevant narrative for clinician",
		}, logger)
		return false
	}

	extraction, err := r.interpreter.Interpret(ctx, narrative, r.categoryHint)
	if err != nil {
		logger.Warn("interpretation failed, using heuristic extraction", zap.Error(err))
		extraction = interpret.HeuristicExtract(narrative)
	}

	imported, err := r.persist(ctx, job, msg, extraction)
	if err != nil {
		r.finishJob(ctx, job, domain.StatusFailed, repository.CompletionUpdate{
			Message: fmt.Sprintf("persistence failed: %v", err),
		}, logger)
		return false
	}

	if err := r.registry.TouchPatientSync(ctx, job.PatientID, r.now()); err != nil {
		logger.Warn("failed to record patient sync time", zap.Error(err))
	}

	r.finishJob(ctx, job, domain.StatusSuccess, repository.CompletionUpdate{
		RecordsImported: &imported,
		Narrative:       narrative,
	}, logger)
	return false
}

func (r *BatchRunner) persist(ctx context.Context, job *domain.Job, msg queue.SyncRequestMessage, extraction interpret.Extraction) (int, error) {
	visit, err := r.registry.FindOrCreateVisit(ctx, job.PatientID, msg.SourceKey, msg.Date())
	if err != nil {
		return 0, fmt.Errorf("visit lookup failed: %w", err)
	}

	sections := make([]registry.Section, 0, len(interpret.SectionNames))
	for _, name := range interpret.SectionNames {
		sections = append(sections, registry.Section{
			Name:    name,
			Content: extraction.Get(name),
		})
	}

	imported, err := r.registry.UpsertSections(ctx, visit.ID, sections)
	if err != nil {
		return 0, fmt.Errorf("section upsert failed: %w", err)
	}
	return imported, nil
}

func (r *BatchRunner) finishJob(ctx context.Context, job *domain.Job, status domain.Status, update repository.CompletionUpdate, logger *zap.Logger) {
	if err := r.jobs.Complete(ctx, job.ID, status, update); err != nil {
		if errors.Is(err, domain.ErrTerminalStatus) {
			logger.Warn("job already terminal, outcome discarded", zap.String("status", status.String()))
			return
		}
		logger.Error("failed to record job outcome",
			zap.String("status", status.String()),
			zap.Error(err),
		)
		return
	}

	job.Status = status
	if r.metrics != nil {
		r.metrics.IncJobCompleted(job.SourceKey.String(), status.String())
	}
	logger.Info("job finished",
		zap.String("status", status.String()),
		zap.String("message", update.Message),
	)
}

// completeWithError terminates a run that failed before any job reached
// extraction. Pending jobs, if the failure happened after matching, are
// bulk-failed so the mutual exclusion releases.
func (r *BatchRunner) completeWithError(ctx context.Context, msg queue.SyncRequestMessage, cause error) {
	message := fmt.Sprintf("batch aborted: %v", cause)
	if failed, err := r.jobs.BulkFailPending(ctx, msg.BatchID, message); err != nil {
		r.logger.Error("failed to bulk-fail pending jobs",
			zap.String("batchId", msg.BatchID),
			zap.Error(err),
		)
	} else if failed > 0 {
		r.logger.Warn("bulk-failed pending jobs",
			zap.String("batchId", msg.BatchID),
			zap.Int64("count", failed),
		)
	}
	r.complete(ctx, msg, message)
}

// complete recomputes the summary from the job registry and emits the
// terminal progress event. In-flight counters are never trusted here.
func (r *BatchRunner) complete(ctx context.Context, msg queue.SyncRequestMessage, errMessage string) {
	summary := domain.BatchSummary{BatchID: msg.BatchID, Error: errMessage}
	if aggregate, err := r.jobs.AggregateBatch(ctx, msg.BatchID); err == nil {
		summary.Total = aggregate.Total
		summary.Success = aggregate.Success
		summary.Failed = aggregate.Failed
		summary.Skipped = aggregate.Skipped
	} else if !errors.Is(err, domain.ErrNotFound) {
		r.logger.Error("failed to aggregate batch for summary",
			zap.String("batchId", msg.BatchID),
			zap.Error(err),
		)
	}

	r.emit(ctx, progress.Event{
		BatchID: msg.BatchID,
		Source:  msg.SourceKey.String(),
		Phase:   progress.PhaseComplete,
		Message: errMessage,
		Summary: &summary,
	})
}

func (r *BatchRunner) pace(ctx context.Context, key domain.SourceKey) error {
	if r.pacer == nil {
		return nil
	}
	return r.pacer.Wait(ctx, key.String())
}

func (r *BatchRunner) emit(ctx context.Context, event progress.Event) {
	event.At = r.now()
	if err := r.broker.Publish(ctx, event); err != nil {
		r.logger.Debug("failed to publish progress event",
			zap.String("batchId", event.BatchID),
			zap.Error(err),
		)
	}
}

func (r *BatchRunner) observePhase(key domain.SourceKey, phase string, start time.Time) {
	if r.metrics != nil {
		r.metrics.ObservePhaseDuration(key.String(), phase, r.now().Sub(start))
	}
}

func (r *BatchRunner) observeSourceCall(key domain.SourceKey, operation string, start time.Time) {
	if r.metrics != nil {
		r.metrics.ObserveSourceCallDuration(key.String(), operation, r.now().Sub(start))
	}
}

package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/andikarp/medsync/internal/domain"
	"github.com/andikarp/medsync/internal/repository"
	"github.com/andikarp/medsync/internal/service"
	"github.com/gofiber/fiber/v2"
)

const (
	defaultPage     = 1
	defaultPageSize = 20
	maxPageSize     = 100

	dateLayout = "2006-01-02"
)

type SyncService interface {
	StartSync(ctx context.Context, sourceKey domain.SourceKey, targetDate time.Time, actor string) (string, error)
	Overview(ctx context.Context) ([]service.SourceStatus, error)
	Status(ctx context.Context, batchID string) (*domain.BatchAggregate, error)
	History(ctx context.Context, params repository.HistoryParams) ([]domain.BatchAggregate, int64, error)
	Jobs(ctx context.Context, batchID string) ([]domain.Job, error)
	Job(ctx context.Context, id uint) (*domain.Job, error)
	SaveCredentials(ctx context.Context, cred domain.Credential) error
	CredentialsStatus(ctx context.Context, sourceKey domain.SourceKey) (domain.CredentialStatus, error)
	TestConnection(ctx context.Context, sourceKey domain.SourceKey) error
}

type SyncHandler struct {
	service SyncService
}

func NewSyncHandler(service SyncService) (*SyncHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("sync service is required")
	}
	return &SyncHandler{service: service}, nil
}

// RegisterSyncRoutes wires the sync API. All routes sit behind auth;
// credential management additionally requires one of the given roles.
func RegisterSyncRoutes(router fiber.Router, service SyncService, auth fiber.Handler, credentialRoles ...string) error {
	h, err := NewSyncHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1", auth)
	v1.Post("/sync/:source", h.StartSync)
	v1.Get("/sync/status", h.GetOverview)
	v1.Get("/sync/status/:batchId", h.GetStatus)
	v1.Get("/sync/history", h.GetHistory)
	v1.Get("/sync/batches/:batchId/jobs", h.ListBatchJobs)
	v1.Get("/sync/jobs/:jobId", h.GetJob)

	credentials := v1.Group("/credentials", RequireRoles(credentialRoles...))
	credentials.Put("/:source", h.SaveCredentials)
	credentials.Get("/:source", h.GetCredentialStatus)
	credentials.Post("/:source/test", h.TestCredentials)

	return nil
}

type startSyncRequest struct {
	Date string `json:"date"`
}

type startSyncResponse struct {
	BatchID string `json:"batchId"`
	Source  string `json:"source"`
	Date    string `json:"date"`
}

type batchResponse struct {
	BatchID         string     `json:"batchId"`
	Source          string     `json:"source"`
	Status          string     `json:"status"`
	StartedAt       time.Time  `json:"startedAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	Total           int        `json:"total"`
	Pending         int        `json:"pending"`
	Processing      int        `json:"processing"`
	Success         int        `json:"success"`
	Failed          int        `json:"failed"`
	Skipped         int        `json:"skipped"`
	RecordsImported int        `json:"recordsImported"`
}

type historyResponse struct {
	Data []batchResponse `json:"data"`
	Meta listMeta        `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

type jobResponse struct {
	ID              uint       `json:"id"`
	BatchID         string     `json:"batchId"`
	PatientID       string     `json:"patientId"`
	PatientName     string     `json:"patientName"`
	Source          string     `json:"source"`
	SourceRef       string     `json:"sourceRef,omitempty"`
	MatchScore      int        `json:"matchScore"`
	MatchFactors    []string   `json:"matchFactors,omitempty"`
	Status          string     `json:"status"`
	RecordsImported *int       `json:"recordsImported,omitempty"`
	Message         string     `json:"message,omitempty"`
	CreatedBy       string     `json:"createdBy,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

type saveCredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *SyncHandler) StartSync(c *fiber.Ctx) error {
	sourceKey, err := domain.ParseSourceKeyFromString(c.Params("source"))
	if err != nil {
		return toHTTPError(err)
	}

	var req startSyncRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
	}

	var targetDate time.Time
	if strings.TrimSpace(req.Date) != "" {
		targetDate, err = time.Parse(dateLayout, strings.TrimSpace(req.Date))
		if err != nil {
			return toHTTPError(fmt.Errorf("%w: date must be formatted %s", domain.ErrValidation, dateLayout))
		}
	}

	batchID, err := h.service.StartSync(c.Context(), sourceKey, targetDate, Actor(c))
	if err != nil {
		return toHTTPError(err)
	}

	if targetDate.IsZero() {
		targetDate = time.Now()
	}
	return c.Status(fiber.StatusAccepted).JSON(startSyncResponse{
		BatchID: batchID,
		Source:  sourceKey.String(),
		Date:    targetDate.Format(dateLayout),
	})
}

type sourceStatusResponse struct {
	Source     string         `json:"source"`
	Configured bool           `json:"configured"`
	Latest     *batchResponse `json:"latestBatch,omitempty"`
	CurrentJob *jobResponse   `json:"currentJob,omitempty"`
}

func (h *SyncHandler) GetOverview(c *fiber.Ctx) error {
	statuses, err := h.service.Overview(c.Context())
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]sourceStatusResponse, 0, len(statuses))
	for _, status := range statuses {
		item := sourceStatusResponse{
			Source:     status.Source.String(),
			Configured: status.Configured,
		}
		if status.Latest != nil {
			latest := toBatchResponse(status.Latest)
			item.Latest = &latest
		}
		if status.Current != nil {
			current := toJobResponse(*status.Current)
			item.CurrentJob = &current
		}
		data = append(data, item)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"data": data})
}

func (h *SyncHandler) GetStatus(c *fiber.Ctx) error {
	batchID := strings.TrimSpace(c.Params("batchId"))
	aggregate, err := h.service.Status(c.Context(), batchID)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toBatchResponse(aggregate))
}

func (h *SyncHandler) GetHistory(c *fiber.Ctx) error {
	params, err := parseHistoryParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	batches, total, err := h.service.History(c.Context(), params)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]batchResponse, 0, len(batches))
	for _, batch := range batches {
		b := batch
		data = append(data, toBatchResponse(&b))
	}

	return c.Status(fiber.StatusOK).JSON(historyResponse{
		Data: data,
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
	})
}

func (h *SyncHandler) ListBatchJobs(c *fiber.Ctx) error {
	batchID := strings.TrimSpace(c.Params("batchId"))
	jobs, err := h.service.Jobs(c.Context(), batchID)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		data = append(data, toJobResponse(job))
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"data": data})
}

func (h *SyncHandler) GetJob(c *fiber.Ctx) error {
	id, err := c.ParamsInt("jobId")
	if err != nil || id < 1 {
		return toHTTPError(fmt.Errorf("%w: job id must be a positive integer", domain.ErrValidation))
	}

	job, err := h.service.Job(c.Context(), uint(id))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(toJobResponse(*job))
}

func (h *SyncHandler) SaveCredentials(c *fiber.Ctx) error {
	sourceKey, err := domain.ParseSourceKeyFromString(c.Params("source"))
	if err != nil {
		return toHTTPError(err)
	}

	var req saveCredentialsRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	err = h.service.SaveCredentials(c.Context(), domain.Credential{
		SourceKey: sourceKey,
		Username:  strings.TrimSpace(req.Username),
		Password:  req.Password,
		UpdatedBy: Actor(c),
	})
	if err != nil {
		return toHTTPError(err)
	}

	status, err := h.service.CredentialsStatus(c.Context(), sourceKey)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(status)
}

func (h *SyncHandler) GetCredentialStatus(c *fiber.Ctx) error {
	sourceKey, err := domain.ParseSourceKeyFromString(c.Params("source"))
	if err != nil {
		return toHTTPError(err)
	}

	status, err := h.service.CredentialsStatus(c.Context(), sourceKey)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(status)
}

func (h *SyncHandler) TestCredentials(c *fiber.Ctx) error {
	sourceKey, err := domain.ParseSourceKeyFromString(c.Params("source"))
	if err != nil {
		return toHTTPError(err)
	}

	if err := h.service.TestConnection(c.Context(), sourceKey); err != nil {
		if errors.Is(err, domain.ErrSourceUnavailable) {
			return c.Status(fiber.StatusOK).JSON(fiber.Map{
				"source": sourceKey.String(),
				"ok":     false,
				"error":  err.Error(),
			})
		}
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"source": sourceKey.String(),
		"ok":     true,
	})
}

func parseHistoryParams(c *fiber.Ctx) (repository.HistoryParams, error) {
	params := repository.HistoryParams{
		Page:     c.QueryInt("page", defaultPage),
		PageSize: c.QueryInt("pageSize", defaultPageSize),
	}

	if params.Page < 1 {
		return repository.HistoryParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return repository.HistoryParams{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if rawSource := strings.TrimSpace(c.Query("source")); rawSource != "" {
		sourceKey, err := domain.ParseSourceKeyFromString(rawSource)
		if err != nil {
			return repository.HistoryParams{}, err
		}
		params.Source = &sourceKey
	}

	from, err := parseRFC3339Query(c.Query("from"), "from")
	if err != nil {
		return repository.HistoryParams{}, err
	}
	to, err := parseRFC3339Query(c.Query("to"), "to")
	if err != nil {
		return repository.HistoryParams{}, err
	}
	params.From = from
	params.To = to

	return params, nil
}

func parseRFC3339Query(value string, field string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339", domain.ErrValidation, field)
	}
	return &t, nil
}

func toBatchResponse(b *domain.BatchAggregate) batchResponse {
	if b == nil {
		return batchResponse{}
	}

	return batchResponse{
		BatchID:         b.BatchID,
		Source:          b.SourceKey.String(),
		Status:          b.Status().String(),
		StartedAt:       b.StartedAt,
		CompletedAt:     b.CompletedAt,
		Total:           b.Total,
		Pending:         b.Pending,
		Processing:      b.Processing,
		Success:         b.Success,
		Failed:          b.Failed,
		Skipped:         b.Skipped,
		RecordsImported: b.RecordsImported,
	}
}

func toJobResponse(j domain.Job) jobResponse {
	return jobResponse{
		ID:              j.ID,
		BatchID:         j.BatchID,
		PatientID:       j.PatientID,
		PatientName:     j.PatientName,
		Source:          j.SourceKey.String(),
		SourceRef:       j.SourceRef,
		MatchScore:      j.MatchScore,
		MatchFactors:    j.MatchFactors,
		Status:          j.Status.String(),
		RecordsImported: j.RecordsImported,
		Message:         j.Message,
		CreatedBy:       j.CreatedBy,
		CreatedAt:       j.CreatedAt,
		CompletedAt:     j.CompletedAt,
	}
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrSourceUnavailable):
		return fiber.NewError(fiber.StatusBadGateway, err.Error())
	default:
		return err
	}
}

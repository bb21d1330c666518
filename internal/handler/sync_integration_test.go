package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/andikarp/medsync/internal/domain"
	"github.com/andikarp/medsync/internal/progress"
	"github.com/andikarp/medsync/internal/repository"
	"github.com/andikarp/medsync/internal/service"
	"github.com/andikarp/medsync/internal/transport"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const testJWTSecret = "handler-test-secret"

func TestMain(m *testing.M) {
	if err := domain.ConfigureSources([]string{"rsia_melinda", "rsud_gambiran"}); err != nil {
		panic(err)
	}
	m.Run()
}

func TestSyncIntegration_StartSync(t *testing.T) {
	t.Parallel()

	svc := &stubSyncService{
		startSyncFn: func(ctx context.Context, sourceKey domain.SourceKey, targetDate time.Time, actor string) (string, error) {
			if sourceKey != "rsia_melinda" {
				t.Fatalf("source = %s", sourceKey)
			}
			if got := targetDate.Format("2006-01-02"); got != "2025-03-10" {
				t.Fatalf("date = %s", got)
			}
			if actor != "dr.ratna" {
				t.Fatalf("actor = %s", actor)
			}
			return "batch-1", nil
		},
	}

	app := newSyncTestApp(t, svc)
	token := signTestToken(t, "dr.ratna", "dokter")

	resp, body := performRequest(t, app, http.MethodPost, "/v1/sync/rsia_melinda", `{"date":"2025-03-10"}`, token)
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", resp.StatusCode, string(body))
	}

	var accepted map[string]any
	if err := json.Unmarshal(body, &accepted); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if accepted["batchId"] != "batch-1" {
		t.Fatalf("batchId = %v", accepted["batchId"])
	}
	if accepted["source"] != "rsia_melinda" {
		t.Fatalf("source = %v", accepted["source"])
	}

	resp, _ = performRequest(t, app, http.MethodPost, "/v1/sync/unknown_hospital", "", token)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for unknown source", resp.StatusCode)
	}

	resp, _ = performRequest(t, app, http.MethodPost, "/v1/sync/rsia_melinda", `{"date":"10-03-2025"}`, token)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for malformed date", resp.StatusCode)
	}
}

func TestSyncIntegration_StartSyncConflict(t *testing.T) {
	t.Parallel()

	svc := &stubSyncService{
		startSyncFn: func(ctx context.Context, sourceKey domain.SourceKey, targetDate time.Time, actor string) (string, error) {
			return "", fmt.Errorf("%w: sync already running for %s", domain.ErrConflict, sourceKey)
		},
	}

	app := newSyncTestApp(t, svc)
	resp, _ := performRequest(t, app, http.MethodPost, "/v1/sync/rsia_melinda", "", signTestToken(t, "dr.ratna"))
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestSyncIntegration_AuthRequired(t *testing.T) {
	t.Parallel()

	app := newSyncTestApp(t, &stubSyncService{})

	resp, _ := performRequest(t, app, http.MethodPost, "/v1/sync/rsia_melinda", "", "")
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without token", resp.StatusCode)
	}

	resp, _ = performRequest(t, app, http.MethodPost, "/v1/sync/rsia_melinda", "", "not-a-jwt")
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for garbage token", resp.StatusCode)
	}
}

func TestSyncIntegration_GetStatus(t *testing.T) {
	t.Parallel()

	startedAt := time.Date(2025, time.March, 10, 7, 30, 0, 0, time.UTC)
	svc := &stubSyncService{
		statusFn: func(ctx context.Context, batchID string) (*domain.BatchAggregate, error) {
			if batchID != "batch-1" {
				return nil, domain.ErrNotFound
			}
			return &domain.BatchAggregate{
				BatchID:         "batch-1",
				SourceKey:       "rsia_melinda",
				StartedAt:       startedAt,
				Total:           5,
				Processing:      1,
				Success:         3,
				Skipped:         1,
				RecordsImported: 9,
			}, nil
		},
	}

	app := newSyncTestApp(t, svc)
	token := signTestToken(t, "dr.ratna")

	resp, body := performRequest(t, app, http.MethodGet, "/v1/sync/status/batch-1", "", token)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, body=%s", resp.StatusCode, string(body))
	}

	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed["status"] != "running" {
		t.Fatalf("batch status = %v, want running while a job processes", parsed["status"])
	}
	if parsed["recordsImported"] != float64(9) {
		t.Fatalf("recordsImported = %v", parsed["recordsImported"])
	}

	resp, _ = performRequest(t, app, http.MethodGet, "/v1/sync/status/missing", "", token)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestSyncIntegration_Overview(t *testing.T) {
	t.Parallel()

	svc := &stubSyncService{
		overviewFn: func(ctx context.Context) ([]service.SourceStatus, error) {
			return []service.SourceStatus{
				{
					Source:     "rsia_melinda",
					Configured: true,
					Latest:     &domain.BatchAggregate{BatchID: "batch-1", SourceKey: "rsia_melinda", Total: 2, Processing: 1, Success: 1},
					Current:    &domain.Job{ID: 4, BatchID: "batch-1", SourceKey: "rsia_melinda", PatientName: "Siti Aminah", Status: domain.StatusProcessing},
				},
				{Source: "rsud_gambiran"},
			}, nil
		},
	}

	app := newSyncTestApp(t, svc)
	resp, body := performRequest(t, app, http.MethodGet, "/v1/sync/status", "", signTestToken(t, "dr.ratna"))
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, body=%s", resp.StatusCode, string(body))
	}

	var parsed struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if len(parsed.Data) != 2 {
		t.Fatalf("data = %v", parsed.Data)
	}

	melinda := parsed.Data[0]
	latest, _ := melinda["latestBatch"].(map[string]any)
	if latest == nil || latest["status"] != "running" {
		t.Fatalf("latestBatch = %v", melinda["latestBatch"])
	}
	current, _ := melinda["currentJob"].(map[string]any)
	if current == nil || current["patientName"] != "Siti Aminah" {
		t.Fatalf("currentJob = %v", melinda["currentJob"])
	}

	idle := parsed.Data[1]
	if _, present := idle["latestBatch"]; present {
		t.Fatalf("idle source must omit latestBatch, got %v", idle)
	}
}

func TestSyncIntegration_GetJob(t *testing.T) {
	t.Parallel()

	svc := &stubSyncService{
		jobFn: func(ctx context.Context, id uint) (*domain.Job, error) {
			if id != 4 {
				return nil, domain.ErrNotFound
			}
			return &domain.Job{
				ID:          4,
				BatchID:     "batch-1",
				SourceKey:   "rsia_melinda",
				PatientName: "Siti Aminah",
				MatchScore:  4,
				Status:      domain.StatusSuccess,
			}, nil
		},
	}

	app := newSyncTestApp(t, svc)
	token := signTestToken(t, "dr.ratna")

	resp, body := performRequest(t, app, http.MethodGet, "/v1/sync/jobs/4", "", token)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, body=%s", resp.StatusCode, string(body))
	}

	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed["patientName"] != "Siti Aminah" || parsed["status"] != "success" {
		t.Fatalf("job = %v", parsed)
	}

	resp, _ = performRequest(t, app, http.MethodGet, "/v1/sync/jobs/99", "", token)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}

	resp, _ = performRequest(t, app, http.MethodGet, "/v1/sync/jobs/abc", "", token)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for a non-numeric id", resp.StatusCode)
	}
}

func TestSyncIntegration_History(t *testing.T) {
	t.Parallel()

	svc := &stubSyncService{
		historyFn: func(ctx context.Context, params repository.HistoryParams) ([]domain.BatchAggregate, int64, error) {
			if params.Source == nil || *params.Source != "rsud_gambiran" {
				t.Fatalf("source filter = %v", params.Source)
			}
			if params.Page != 2 || params.PageSize != 10 {
				t.Fatalf("pagination = %d/%d", params.Page, params.PageSize)
			}
			return []domain.BatchAggregate{{BatchID: "batch-9", SourceKey: "rsud_gambiran", Total: 3, Success: 3}}, 11, nil
		},
	}

	app := newSyncTestApp(t, svc)
	token := signTestToken(t, "dr.ratna")

	resp, body := performRequest(t, app, http.MethodGet, "/v1/sync/history?source=rsud_gambiran&page=2&pageSize=10", "", token)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, body=%s", resp.StatusCode, string(body))
	}

	var parsed struct {
		Data []map[string]any `json:"data"`
		Meta map[string]any   `json:"meta"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if len(parsed.Data) != 1 || parsed.Data[0]["batchId"] != "batch-9" {
		t.Fatalf("data = %v", parsed.Data)
	}
	if parsed.Data[0]["status"] != "complete" {
		t.Fatalf("status = %v", parsed.Data[0]["status"])
	}
	if parsed.Meta["total"] != float64(11) {
		t.Fatalf("meta = %v", parsed.Meta)
	}

	resp, _ = performRequest(t, app, http.MethodGet, "/v1/sync/history?pageSize=500", "", token)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for oversized page", resp.StatusCode)
	}
}

func TestSyncIntegration_CredentialsRoleGate(t *testing.T) {
	t.Parallel()

	saved := false
	svc := &stubSyncService{
		saveCredentialsFn: func(ctx context.Context, cred domain.Credential) error {
			if cred.Username != "drd" || cred.Password != "portal-pw" {
				t.Fatalf("credential = %+v", cred)
			}
			if cred.UpdatedBy != "admin.sari" {
				t.Fatalf("updatedBy = %q", cred.UpdatedBy)
			}
			saved = true
			return nil
		},
		credentialsStatusFn: func(ctx context.Context, sourceKey domain.SourceKey) (domain.CredentialStatus, error) {
			return domain.CredentialStatus{SourceKey: sourceKey, Configured: true, Username: "drd"}, nil
		},
	}

	app := newSyncTestApp(t, svc)
	body := `{"username":"drd","password":"portal-pw"}`

	resp, _ := performRequest(t, app, http.MethodPut, "/v1/credentials/rsia_melinda", body, signTestToken(t, "perawat.budi"))
	if resp.StatusCode != fiber.StatusForbidden {
		t.Fatalf("status = %d, want 403 without a credential role", resp.StatusCode)
	}
	if saved {
		t.Fatal("credentials must not be saved for forbidden callers")
	}

	resp, respBody := performRequest(t, app, http.MethodPut, "/v1/credentials/rsia_melinda", body, signTestToken(t, "admin.sari", "admin"))
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, body=%s", resp.StatusCode, string(respBody))
	}
	if !saved {
		t.Fatal("expected credentials to be saved")
	}

	var status map[string]any
	if err := json.Unmarshal(respBody, &status); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if status["configured"] != true {
		t.Fatalf("configured = %v", status["configured"])
	}
	if _, leaked := status["password"]; leaked {
		t.Fatal("status response must never carry a password")
	}
}

func TestSyncIntegration_TestCredentials(t *testing.T) {
	t.Parallel()

	svc := &stubSyncService{
		testConnectionFn: func(ctx context.Context, sourceKey domain.SourceKey) error {
			if sourceKey == "rsia_melinda" {
				return nil
			}
			return fmt.Errorf("%w: login rejected", domain.ErrSourceUnavailable)
		},
	}

	app := newSyncTestApp(t, svc)
	token := signTestToken(t, "admin.sari", "admin")

	resp, body := performRequest(t, app, http.MethodPost, "/v1/credentials/rsia_melinda/test", "", token)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, body=%s", resp.StatusCode, string(body))
	}
	var ok map[string]any
	if err := json.Unmarshal(body, &ok); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if ok["ok"] != true {
		t.Fatalf("ok = %v", ok["ok"])
	}

	resp, body = performRequest(t, app, http.MethodPost, "/v1/credentials/rsud_gambiran/test", "", token)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, a failed probe is still a completed request", resp.StatusCode)
	}
	var failed map[string]any
	if err := json.Unmarshal(body, &failed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if failed["ok"] != false || failed["error"] == "" {
		t.Fatalf("failed probe = %v", failed)
	}
}

func TestSyncIntegration_ProgressRequiresUpgrade(t *testing.T) {
	t.Parallel()

	app := fiber.New(fiber.Config{ErrorHandler: transport.ErrorHandler(zap.NewNop())})
	if err := RegisterProgressRoutes(app, progress.NewMemoryBroker(), zap.NewNop()); err != nil {
		t.Fatalf("RegisterProgressRoutes() error = %v", err)
	}

	resp, _ := performRequest(t, app, http.MethodGet, "/v1/sync/events/batch-1", "", "")
	if resp.StatusCode != fiber.StatusUpgradeRequired {
		t.Fatalf("status = %d, want 426 for plain HTTP", resp.StatusCode)
	}
}

func newSyncTestApp(t *testing.T, svc SyncService) *fiber.App {
	t.Helper()

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(zap.NewNop()),
	})

	if err := RegisterSyncRoutes(app, svc, RequireAuth(testJWTSecret), "dokter", "admin"); err != nil {
		t.Fatalf("RegisterSyncRoutes() error = %v", err)
	}

	return app
}

func signTestToken(t *testing.T, subject string, roles ...string) string {
	t.Helper()

	claimRoles := make([]interface{}, 0, len(roles))
	for _, role := range roles {
		claimRoles = append(claimRoles, role)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   subject,
		"roles": claimRoles,
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func performRequest(t *testing.T, app *fiber.App, method string, path string, body string, token string) (*http.Response, []byte) {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	_ = resp.Body.Close()

	return resp, respBody
}

type stubSyncService struct {
	startSyncFn         func(ctx context.Context, sourceKey domain.SourceKey, targetDate time.Time, actor string) (string, error)
	overviewFn          func(ctx context.Context) ([]service.SourceStatus, error)
	statusFn            func(ctx context.Context, batchID string) (*domain.BatchAggregate, error)
	historyFn           func(ctx context.Context, params repository.HistoryParams) ([]domain.BatchAggregate, int64, error)
	jobsFn              func(ctx context.Context, batchID string) ([]domain.Job, error)
	jobFn               func(ctx context.Context, id uint) (*domain.Job, error)
	saveCredentialsFn   func(ctx context.Context, cred domain.Credential) error
	credentialsStatusFn func(ctx context.Context, sourceKey domain.SourceKey) (domain.CredentialStatus, error)
	testConnectionFn    func(ctx context.Context, sourceKey domain.SourceKey) error
}

func (s *stubSyncService) StartSync(ctx context.Context, sourceKey domain.SourceKey, targetDate time.Time, actor string) (string, error) {
	if s.startSyncFn != nil {
		return s.startSyncFn(ctx, sourceKey, targetDate, actor)
	}
	return "batch-stub", nil
}

func (s *stubSyncService) Overview(ctx context.Context) ([]service.SourceStatus, error) {
	if s.overviewFn != nil {
		return s.overviewFn(ctx)
	}
	return nil, nil
}

func (s *stubSyncService) Status(ctx context.Context, batchID string) (*domain.BatchAggregate, error) {
	if s.statusFn != nil {
		return s.statusFn(ctx, batchID)
	}
	return nil, domain.ErrNotFound
}

func (s *stubSyncService) History(ctx context.Context, params repository.HistoryParams) ([]domain.BatchAggregate, int64, error) {
	if s.historyFn != nil {
		return s.historyFn(ctx, params)
	}
	return nil, 0, nil
}

func (s *stubSyncService) Jobs(ctx context.Context, batchID string) ([]domain.Job, error) {
	if s.jobsFn != nil {
		return s.jobsFn(ctx, batchID)
	}
	return nil, nil
}

func (s *stubSyncService) Job(ctx context.Context, id uint) (*domain.Job, error) {
	if s.jobFn != nil {
		return s.jobFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (s *stubSyncService) SaveCredentials(ctx context.Context, cred domain.Credential) error {
	if s.saveCredentialsFn != nil {
		return s.saveCredentialsFn(ctx, cred)
	}
	return nil
}

func (s *stubSyncService) CredentialsStatus(ctx context.Context, sourceKey domain.SourceKey) (domain.CredentialStatus, error) {
	if s.credentialsStatusFn != nil {
		return s.credentialsStatusFn(ctx, sourceKey)
	}
	return domain.CredentialStatus{SourceKey: sourceKey}, nil
}

func (s *stubSyncService) TestConnection(ctx context.Context, sourceKey domain.SourceKey) error {
	if s.testConnectionFn != nil {
		return s.testConnectionFn(ctx, sourceKey)
	}
	return nil
}

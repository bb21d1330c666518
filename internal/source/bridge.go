package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andikarp/medsync/internal/domain"
	"github.com/go-resty/resty/v2"
)

const (
	defaultBridgeTimeout = 60 * time.Second
	dateLayout           = "2006-01-02"
)

// BridgeAdapter drives one source through the scraping bridge, an HTTP
// sidecar that owns the headless browser session against the hospital
// portal. The engine never touches portal markup itself.
type BridgeAdapter struct {
	client    *resty.Client
	baseURL   string
	sourceKey domain.SourceKey
}

func NewBridgeAdapter(baseURL string, sourceKey domain.SourceKey) (*BridgeAdapter, error) {
	client := resty.New()
	client.SetTimeout(defaultBridgeTimeout)
	client.SetRetryCount(0)

	return NewBridgeAdapterWithClient(baseURL, sourceKey, client)
}

func NewBridgeAdapterWithClient(baseURL string, sourceKey domain.SourceKey, client *resty.Client) (*BridgeAdapter, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("bridge base url is required")
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return nil, fmt.Errorf("invalid bridge base url: %w", err)
	}
	if err := sourceKey.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultBridgeTimeout)
	}

	return &BridgeAdapter{
		client:    client,
		baseURL:   trimmed,
		sourceKey: sourceKey,
	}, nil
}

func (a *BridgeAdapter) SourceKey() domain.SourceKey {
	return a.sourceKey
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	SessionID string `json:"sessionId"`
	Clinician string `json:"clinician"`
}

// Login opens a browser session on the bridge. Every failure here is a
// source-level condition: the batch cannot proceed without a session, so
// errors map to domain.ErrSourceUnavailable.
func (a *BridgeAdapter) Login(ctx context.Context, creds Credentials) (Session, error) {
	if a == nil || a.client == nil {
		return nil, fmt.Errorf("bridge adapter is not initialized")
	}

	var body loginResponse
	response, err := a.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(loginRequest{Username: creds.Username, Password: creds.Password}).
		SetResult(&body).
		Post(fmt.Sprintf("%s/sources/%s/sessions", a.baseURL, a.sourceKey))
	if err != nil {
		return nil, a.unavailable("login request failed", err)
	}
	if response.StatusCode() != http.StatusOK && response.StatusCode() != http.StatusCreated {
		return nil, a.unavailableStatus("login", response)
	}
	if body.SessionID == "" {
		return nil, a.unavailable("login returned no session id", nil)
	}

	return &bridgeSession{
		adapter:   a,
		sessionID: body.SessionID,
		clinician: body.Clinician,
	}, nil
}

func (a *BridgeAdapter) unavailable(message string, cause error) error {
	if cause != nil && !errors.Is(cause, context.Canceled) {
		return fmt.Errorf("%w: %s for %s: %v", domain.ErrSourceUnavailable, message, a.sourceKey, cause)
	}
	if cause != nil {
		return cause
	}
	return fmt.Errorf("%w: %s for %s", domain.ErrSourceUnavailable, message, a.sourceKey)
}

func (a *BridgeAdapter) unavailableStatus(operation string, response *resty.Response) error {
	body := strings.TrimSpace(response.String())
	if body == "" {
		return fmt.Errorf("%w: %s against %s returned status %d",
			domain.ErrSourceUnavailable, operation, a.sourceKey, response.StatusCode())
	}
	return fmt.Errorf("%w: %s against %s returned status %d: %s",
		domain.ErrSourceUnavailable, operation, a.sourceKey, response.StatusCode(), body)
}

type bridgeSession struct {
	adapter   *BridgeAdapter
	sessionID string
	clinician string
}

func (s *bridgeSession) Clinician() string {
	return s.clinician
}

type visitListResponse struct {
	Visits []struct {
		Ref         string `json:"ref"`
		PatientName string `json:"patientName"`
	} `json:"visits"`
}

func (s *bridgeSession) ListVisits(ctx context.Context, date time.Time) ([]VisitRef, error) {
	var body visitListResponse
	response, err := s.adapter.client.R().
		SetContext(ctx).
		SetQueryParam("date", date.Format(dateLayout)).
		SetResult(&body).
		Get(s.url("visits"))
	if err != nil {
		return nil, s.adapter.unavailable("visit enumeration failed", err)
	}
	if response.StatusCode() != http.StatusOK {
		return nil, s.adapter.unavailableStatus("visit enumeration", response)
	}

	refs := make([]VisitRef, 0, len(body.Visits))
	for _, v := range body.Visits {
		refs = append(refs, VisitRef{Ref: v.Ref, PatientName: v.PatientName})
	}
	return refs, nil
}

type identityResponse struct {
	Name      string `json:"name"`
	BirthDate string `json:"birthDate"`
	Age       *int   `json:"age"`
	Phone     string `json:"phone"`
	Gender    string `json:"gender"`
	VisitDate string `json:"visitDate"`
}

func (s *bridgeSession) FetchIdentity(ctx context.Context, ref string) (domain.ScrapedIdentity, error) {
	var body identityResponse
	response, err := s.adapter.client.R().
		SetContext(ctx).
		SetResult(&body).
		Get(s.url("visits", ref, "identity"))
	if err != nil {
		return domain.ScrapedIdentity{}, s.adapter.unavailable("identity fetch failed", err)
	}
	if response.StatusCode() != http.StatusOK {
		return domain.ScrapedIdentity{}, s.adapter.unavailableStatus("identity fetch", response)
	}

	identity := domain.ScrapedIdentity{
		Name:      body.Name,
		SourceRef: ref,
		Age:       body.Age,
		Phone:     body.Phone,
		Gender:    body.Gender,
	}
	if t, err := time.Parse(dateLayout, body.BirthDate); err == nil {
		identity.BirthDate = &t
	}
	if t, err := time.Parse(dateLayout, body.VisitDate); err == nil {
		identity.VisitDate = &t
	}
	return identity, nil
}

type narrativeResponse struct {
	Entries []struct {
		Author     string    `json:"author"`
		Text       string    `json:"text"`
		RecordedAt time.Time `json:"recordedAt"`
	} `json:"entries"`
}

func (s *bridgeSession) FetchNarrative(ctx context.Context, ref string) ([]NarrativeEntry, error) {
	var body narrativeResponse
	response, err := s.adapter.client.R().
		SetContext(ctx).
		SetResult(&body).
		Get(s.url("visits", ref, "narrative"))
	if err != nil {
		return nil, s.adapter.unavailable("narrative fetch failed", err)
	}
	if response.StatusCode() != http.StatusOK {
		return nil, s.adapter.unavailableStatus("narrative fetch", response)
	}

	entries := make([]NarrativeEntry, 0, len(body.Entries))
	for _, e := range body.Entries {
		entries = append(entries, NarrativeEntry{
			Author:     e.Author,
			Text:       e.Text,
			RecordedAt: e.RecordedAt,
		})
	}
	return entries, nil
}

// Close releases the browser session on the bridge. Failures are returned
// but callers treat them as advisory; the bridge reaps idle sessions.
func (s *bridgeSession) Close(ctx context.Context) error {
	response, err := s.adapter.client.R().
		SetContext(ctx).
		Delete(s.url())
	if err != nil {
		return fmt.Errorf("failed to close session for %s: %w", s.adapter.sourceKey, err)
	}
	if response.StatusCode() != http.StatusOK && response.StatusCode() != http.StatusNoContent {
		return fmt.Errorf("failed to close session for %s: status %d", s.adapter.sourceKey, response.StatusCode())
	}
	return nil
}

func (s *bridgeSession) url(parts ...string) string {
	segments := append([]string{
		s.adapter.baseURL,
		"sources", string(s.adapter.sourceKey),
		"sessions", s.sessionID,
	}, parts...)
	return strings.Join(segments, "/")
}

// Package interpret structures free-text clinical narratives into SOAP
// sections. The primary path calls the interpreter service; when that
// fails the heuristic extractor produces a degraded but persistable
// result, so a reachable narrative never blocks an import.
package interpret

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultInterpretTimeout = 30 * time.Second

// Extraction is a structured clinical note. Empty sections are kept so
// persistence can record which parts the narrative actually covered.
type Extraction struct {
	Subjective string `json:"subjective"`
	Objective  string `json:"objective"`
	Assessment string `json:"assessment"`
	Plan       string `json:"plan"`
}

// SectionNames lists the section keys in persistence order.
var SectionNames = []string{"subjective", "objective", "assessment", "plan"}

// Get returns the content of the named section.
func (e Extraction) Get(name string) string {
	switch name {
	case "subjective":
		return e.Subjective
	case "objective":
		return e.Objective
	case "assessment":
		return e.Assessment
	case "plan":
		return e.Plan
	}
	return ""
}

// Empty reports whether no section carries content.
func (e Extraction) Empty() bool {
	return strings.TrimSpace(e.Subjective) == "" &&
		strings.TrimSpace(e.Objective) == "" &&
		strings.TrimSpace(e.Assessment) == "" &&
		strings.TrimSpace(e.Plan) == ""
}

// Service structures one narrative. category is a specialty hint for the
// interpreter, e.g. "obstetri".
type Service interface {
	Interpret(ctx context.Context, narrative, category string) (Extraction, error)
}

// HTTPService calls the external interpreter over HTTP.
type HTTPService struct {
	client  *resty.Client
	baseURL string
}

func NewHTTPService(baseURL string) (*HTTPService, error) {
	client := resty.New()
	client.SetTimeout(defaultInterpretTimeout)
	client.SetRetryCount(0)

	return NewHTTPServiceWithClient(baseURL, client)
}

func NewHTTPServiceWithClient(baseURL string, client *resty.Client) (*HTTPService, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("interpreter base url is required")
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return nil, fmt.Errorf("invalid interpreter base url: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultInterpretTimeout)
	}

	return &HTTPService{client: client, baseURL: trimmed}, nil
}

type interpretRequest struct {
	Narrative string `json:"narrative"`
	Category  string `json:"category,omitempty"`
}

type interpretResponse struct {
	Sections Extraction `json:"sections"`
}

func (s *HTTPService) Interpret(ctx context.Context, narrative, category string) (Extraction, error) {
	if s == nil || s.client == nil {
		return Extraction{}, fmt.Errorf("interpreter is not initialized")
	}
	if strings.TrimSpace(narrative) == "" {
		return Extraction{}, fmt.Errorf("narrative is required")
	}

	var body interpretResponse
	response, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(interpretRequest{Narrative: narrative, Category: category}).
		SetResult(&body).
		Post(s.baseURL + "/v1/interpret")
	if err != nil {
		return Extraction{}, fmt.Errorf("interpreter request failed: %w", err)
	}
	if response.StatusCode() != http.StatusOK {
		return Extraction{}, fmt.Errorf("interpreter returned status %d: %s",
			response.StatusCode(), strings.TrimSpace(response.String()))
	}
	if body.Sections.Empty() {
		return Extraction{}, fmt.Errorf("interpreter returned an empty extraction")
	}
	return body.Sections, nil
}

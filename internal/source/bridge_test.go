package source

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/andikarp/medsync/internal/domain"
)

func TestMain(m *testing.M) {
	if err := domain.ConfigureSources([]string{"rsia_melinda", "rsud_gambiran"}); err != nil {
		panic(err)
	}
	m.Run()
}

func TestBridgeAdapterLoginSuccess(t *testing.T) {
	t.Parallel()

	var gotBody loginRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/sources/rsia_melinda/sessions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("failed to decode request body: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sessionId":"sess-1","clinician":"dr. Ratna Dewi"}`))
	}))
	defer server.Close()

	adapter, err := NewBridgeAdapter(server.URL, "rsia_melinda")
	if err != nil {
		t.Fatalf("NewBridgeAdapter() error = %v", err)
	}

	session, err := adapter.Login(context.Background(), Credentials{Username: "drd", Password: "pw"})
	if err != nil {
		t.Fatalf("Login() unexpected error: %v", err)
	}

	if gotBody.Username != "drd" || gotBody.Password != "pw" {
		t.Fatalf("login body = %+v", gotBody)
	}
	if session.Clinician() != "dr. Ratna Dewi" {
		t.Fatalf("clinician = %q", session.Clinician())
	}
}

func TestBridgeAdapterLoginFailuresAreSourceUnavailable(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`invalid credentials`))
	}))
	defer server.Close()

	adapter, err := NewBridgeAdapter(server.URL, "rsia_melinda")
	if err != nil {
		t.Fatalf("NewBridgeAdapter() error = %v", err)
	}

	_, err = adapter.Login(context.Background(), Credentials{Username: "drd", Password: "wrong"})
	if !errors.Is(err, domain.ErrSourceUnavailable) {
		t.Fatalf("Login() error = %v, want ErrSourceUnavailable", err)
	}
}

func TestBridgeSessionListVisits(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"sessionId":"sess-1","clinician":"dr. Ratna"}`))
		case r.URL.Path == "/sources/rsia_melinda/sessions/sess-1/visits":
			if got := r.URL.Query().Get("date"); got != "2025-03-10" {
				t.Errorf("date = %q", got)
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"visits":[{"ref":"v-1","patientName":"Ny. Siti Amah"},{"ref":"v-2","patientName":"Tn. Budi"}]}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	adapter, err := NewBridgeAdapter(server.URL, "rsia_melinda")
	if err != nil {
		t.Fatalf("NewBridgeAdapter() error = %v", err)
	}
	session, err := adapter.Login(context.Background(), Credentials{Username: "u", Password: "p"})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	visits, err := session.ListVisits(context.Background(), time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ListVisits() error = %v", err)
	}
	if len(visits) != 2 {
		t.Fatalf("visits = %d, want 2", len(visits))
	}
	if visits[0].Ref != "v-1" || visits[0].PatientName != "Ny. Siti Amah" {
		t.Fatalf("visits[0] = %+v", visits[0])
	}
}

func TestBridgeSessionFetchIdentity(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"sessionId":"sess-1","clinician":"dr. Ratna"}`))
		case r.URL.Path == "/sources/rsia_melinda/sessions/sess-1/visits/v-1/identity":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"name":"Ny. Siti Amah","birthDate":"1990-01-02","age":35,"phone":"081234567890","gender":"P","visitDate":"2025-03-10"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	adapter, err := NewBridgeAdapter(server.URL, "rsia_melinda")
	if err != nil {
		t.Fatalf("NewBridgeAdapter() error = %v", err)
	}
	session, err := adapter.Login(context.Background(), Credentials{Username: "u", Password: "p"})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	identity, err := session.FetchIdentity(context.Background(), "v-1")
	if err != nil {
		t.Fatalf("FetchIdentity() error = %v", err)
	}
	if identity.Name != "Ny. Siti Amah" {
		t.Fatalf("name = %q", identity.Name)
	}
	if identity.SourceRef != "v-1" {
		t.Fatalf("source ref = %q", identity.SourceRef)
	}
	if identity.BirthDate == nil || identity.BirthDate.Format("2006-01-02") != "1990-01-02" {
		t.Fatalf("birth date = %v", identity.BirthDate)
	}
	if identity.Age == nil || *identity.Age != 35 {
		t.Fatalf("age = %v", identity.Age)
	}
}

func TestBridgeSessionFetchNarrativeAndClose(t *testing.T) {
	t.Parallel()

	closed := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"sessionId":"sess-1","clinician":"dr. Ratna"}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/sources/rsia_melinda/sessions/sess-1":
			closed = true
			w.WriteHeader(http.StatusNoContent)
		case r.URL.Path == "/sources/rsia_melinda/sessions/sess-1/visits/v-1/narrative":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"entries":[{"author":"dr. Ratna","text":"S: mual","recordedAt":"2025-03-10T08:00:00Z"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	adapter, err := NewBridgeAdapter(server.URL, "rsia_melinda")
	if err != nil {
		t.Fatalf("NewBridgeAdapter() error = %v", err)
	}
	session, err := adapter.Login(context.Background(), Credentials{Username: "u", Password: "p"})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	entries, err := session.FetchNarrative(context.Background(), "v-1")
	if err != nil {
		t.Fatalf("FetchNarrative() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Author != "dr. Ratna" {
		t.Fatalf("entries = %+v", entries)
	}

	if err := session.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !closed {
		t.Fatal("expected DELETE against the session")
	}
}

func TestRelevantNarrative(t *testing.T) {
	t.Parallel()

	entries := []NarrativeEntry{
		{Author: "dr. Ratna Dewi, Sp.OG", Text: "S: mual muntah"},
		{Author: "Perawat Ani", Text: "TTV stabil"},
		{Author: "dr. Ratna Dewi", Text: "A: emesis gravidarum"},
	}

	narrative, err := RelevantNarrative(entries, "Ratna Dewi")
	if err != nil {
		t.Fatalf("RelevantNarrative() error = %v", err)
	}
	want := "S: mual muntah\n\nA: emesis gravidarum"
	if narrative != want {
		t.Fatalf("narrative = %q, want %q", narrative, want)
	}
}

func TestRelevantNarrativeEmptyIsNoRelevantNarrative(t *testing.T) {
	t.Parallel()

	entries := []NarrativeEntry{
		{Author: "Perawat Ani", Text: "TTV stabil"},
	}

	_, err := RelevantNarrative(entries, "Ratna Dewi")
	if !errors.Is(err, domain.ErrNoRelevantNarrative) {
		t.Fatalf("error = %v, want ErrNoRelevantNarrative", err)
	}

	_, err = RelevantNarrative(nil, "Ratna Dewi")
	if !errors.Is(err, domain.ErrNoRelevantNarrative) {
		t.Fatalf("error = %v, want ErrNoRelevantNarrative", err)
	}
}

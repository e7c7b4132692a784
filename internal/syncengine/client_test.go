package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Ranponim/kpi-frontend-sub001/internal/settings"
)

func fastClient(baseURL string) *HTTPClient {
	c := NewHTTPClient(baseURL, "", nil)
	c.baseDelay = time.Millisecond
	c.maxDelay = 5 * time.Millisecond
	return c
}

func TestHTTPClientLoadPreference(t *testing.T) {
	wire := settings.ToWire(settings.Defaults("u1"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/users/u1/preference" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-Correlation-Id") == "" {
			t.Error("missing correlation id header")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(wire)
	}))
	defer srv.Close()

	got, err := fastClient(srv.URL).LoadPreference(context.Background(), "u1")
	if err != nil {
		t.Fatalf("LoadPreference: %v", err)
	}
	if got.UserID != "u1" {
		t.Fatalf("userId = %q", got.UserID)
	}
}

func TestHTTPClientSendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(settings.WirePreference{UserID: "u1"})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "secret-token", nil)
	if _, err := c.LoadPreference(context.Background(), "u1"); err != nil {
		t.Fatalf("LoadPreference: %v", err)
	}
	if gotAuth != "Bearer secret-token" {
		t.Fatalf("authorization = %q", gotAuth)
	}
}

func TestHTTPClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(settings.WirePreference{UserID: "u1"})
	}))
	defer srv.Close()

	got, err := fastClient(srv.URL).LoadPreference(context.Background(), "u1")
	if err != nil {
		t.Fatalf("LoadPreference after retries: %v", err)
	}
	if got.UserID != "u1" || calls.Load() != 3 {
		t.Fatalf("userId = %q, calls = %d", got.UserID, calls.Load())
	}
}

func TestHTTPClientHonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(settings.WirePreference{UserID: "u1"})
	}))
	defer srv.Close()

	if _, err := fastClient(srv.URL).LoadPreference(context.Background(), "u1"); err != nil {
		t.Fatalf("LoadPreference: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestHTTPClientSurfacesErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"code":    "user_mismatch",
			"message": "path and body user ids differ",
		})
	}))
	defer srv.Close()

	_, err := fastClient(srv.URL).SavePreference(context.Background(), "u1", settings.WirePreference{UserID: "u2"})
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.StatusCode != 400 || httpErr.Code != "user_mismatch" {
		t.Fatalf("error = %+v", httpErr)
	}
}

func TestHTTPClientNotFoundMatchesSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"code": "not_found"})
	}))
	defer srv.Close()

	_, err := fastClient(srv.URL).LoadPreference(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHTTPClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	if _, err := fastClient(srv.URL).LoadPreference(context.Background(), "u1"); err == nil {
		t.Fatal("expected an error")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestHTTPClientProbeEndpoints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/db/pegs":
			var body struct {
				Limit int `json:"limit"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body.Limit != 10 {
				t.Errorf("limit = %d", body.Limit)
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"pegs": []string{"p1", "p2"}})
		case "/v1/db/entities":
			_ = json.NewEncoder(w).Encode(EntityLists{Hosts: []string{"h1"}, NEs: []string{"ne1"}})
		case "/v1/db/test-connection":
			_ = json.NewEncoder(w).Encode(ConnectionTestResult{Success: true, TableExists: true})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := fastClient(srv.URL)
	db := settings.DatabaseSettings{Host: "db", Port: 5432, DBName: "kpi"}

	pegs, err := c.ProbePegs(context.Background(), db, 10)
	if err != nil || len(pegs) != 2 {
		t.Fatalf("ProbePegs = %v, %v", pegs, err)
	}
	entities, err := c.ProbeEntities(context.Background(), db, nil)
	if err != nil || len(entities.Hosts) != 1 {
		t.Fatalf("ProbeEntities = %+v, %v", entities, err)
	}
	result, err := c.TestConnection(context.Background(), db)
	if err != nil || !result.Success || !result.TableExists {
		t.Fatalf("TestConnection = %+v, %v", result, err)
	}
}

func TestHTTPClientContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", nil)
	c.baseDelay = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.LoadPreference(ctx, "u1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

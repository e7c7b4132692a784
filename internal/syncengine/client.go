package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Ranponim/kpi-frontend-sub001/internal/settings"
)

// EntityLists is the response of the host/NE/cell probe.
type EntityLists struct {
	Hosts   []string `json:"hosts"`
	NEs     []string `json:"nes"`
	CellIDs []string `json:"cellIds"`
}

// ConnectionTestResult reports a KPI database connectivity check.
type ConnectionTestResult struct {
	Success     bool   `json:"success"`
	TableExists bool   `json:"table_exists"`
	Message     string `json:"message,omitempty"`
}

// RemoteClient is the server surface the store consumes.
type RemoteClient interface {
	LoadPreference(ctx context.Context, userID string) (settings.WirePreference, error)
	SavePreference(ctx context.Context, userID string, pref settings.WirePreference) (settings.WirePreference, error)
	ProbePegs(ctx context.Context, db settings.DatabaseSettings, limit int) ([]string, error)
	ProbeEntities(ctx context.Context, db settings.DatabaseSettings, selectedHosts []string) (EntityLists, error)
	TestConnection(ctx context.Context, db settings.DatabaseSettings) (ConnectionTestResult, error)
}

// HTTPClient talks to the preference server over HTTP JSON with bounded
// retries on transient failures.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPClient) LoadPreference(ctx context.Context, userID string) (settings.WirePreference, error) {
	var out settings.WirePreference
	err := c.doJSON(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(userID)+"/preference", nil, &out)
	return out, err
}

func (c *HTTPClient) SavePreference(ctx context.Context, userID string, pref settings.WirePreference) (settings.WirePreference, error) {
	var out settings.WirePreference
	err := c.doJSON(ctx, http.MethodPut, "/v1/users/"+url.PathEscape(userID)+"/preference", pref, &out)
	return out, err
}

func (c *HTTPClient) ProbePegs(ctx context.Context, db settings.DatabaseSettings, limit int) ([]string, error) {
	body := map[string]any{"db": db}
	if limit > 0 {
		body["limit"] = limit
	}
	var out struct {
		Pegs []string `json:"pegs"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/v1/db/pegs", body, &out)
	return out.Pegs, err
}

func (c *HTTPClient) ProbeEntities(ctx context.Context, db settings.DatabaseSettings, selectedHosts []string) (EntityLists, error) {
	body := map[string]any{"db": db}
	if len(selectedHosts) > 0 {
		body["selectedHosts"] = selectedHosts
	}
	var out EntityLists
	err := c.doJSON(ctx, http.MethodPost, "/v1/db/entities", body, &out)
	return out, err
}

func (c *HTTPClient) TestConnection(ctx context.Context, db settings.DatabaseSettings) (ConnectionTestResult, error) {
	var out ConnectionTestResult
	err := c.doJSON(ctx, http.MethodPost, "/v1/db/test-connection", map[string]any{"db": db}, &out)
	return out, err
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfter string) time.Duration {
	if retryAfter != "" {
		if seconds, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && seconds >= 0 {
			delay := time.Duration(seconds) * time.Second
			if delay > c.maxDelay {
				return c.maxDelay
			}
			return delay
		}
	}
	delay := c.baseDelay << uint(attempt-1)
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	return delay
}

func waitWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ RemoteClient = (*HTTPClient)(nil)

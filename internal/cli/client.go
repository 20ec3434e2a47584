package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// APIError is a non-2xx answer from the orca API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// Client talks to the orca HTTP API and returns raw JSON bodies.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	return data, nil
}

func (c *Client) CreateJob(ctx context.Context, req any) ([]byte, error) {
	return c.do(ctx, http.MethodPost, "/jobs", nil, req)
}

func (c *Client) GetJob(ctx context.Context, id string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, nil)
}

func (c *Client) ListJobs(ctx context.Context, statuses []string, pageToken string) ([]byte, error) {
	q := url.Values{}
	if len(statuses) > 0 {
		q.Set("status", strings.Join(statuses, ","))
	}
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}
	return c.do(ctx, http.MethodGet, "/jobs", q, nil)
}

func (c *Client) ListExecutions(ctx context.Context, id string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id)+"/executions", nil, nil)
}

func (c *Client) GetOutput(ctx context.Context, id string, n int) ([]byte, error) {
	return c.do(ctx, http.MethodGet, fmt.Sprintf("/jobs/%s/executions/%d/output", url.PathEscape(id), n), nil, nil)
}

// Operate posts a lifecycle operation (cancel, fail, restart) on a job.
func (c *Client) Operate(ctx context.Context, id, operation string, body any) ([]byte, error) {
	return c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/"+operation, nil, body)
}

func (c *Client) DeleteJob(ctx context.Context, id string) ([]byte, error) {
	return c.do(ctx, http.MethodDelete, "/jobs/"+url.PathEscape(id), nil, nil)
}

func (c *Client) RunWatchdog(ctx context.Context) ([]byte, error) {
	return c.do(ctx, http.MethodPost, "/watchdog/run", nil, nil)
}

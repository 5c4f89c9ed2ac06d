package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apihttp "github.com/fyrsmithlabs/lexconverge/internal/http"
	"github.com/fyrsmithlabs/lexconverge/internal/jobs"
)

// APIError is a non-2xx response from the job API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status code %d", e.StatusCode)
	}
	return fmt.Sprintf("status code %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the job API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client talks to the lexconverged job API.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Submit creates a job.
func (c *Client) Submit(ctx context.Context, req jobs.Request) (apihttp.CreateJobResponse, error) {
	var out apihttp.CreateJobResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/jobs", nil, req, &out)
	return out, err
}

// Job fetches the full snapshot of a job.
func (c *Client) Job(ctx context.Context, id string) (jobs.Job, error) {
	var out jobs.Job
	err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

// Accepted fetches the accepted references of a completed job.
func (c *Client) Accepted(ctx context.Context, id string) (apihttp.AcceptedResponse, error) {
	var out apihttp.AcceptedResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id)+"/accepted", nil, nil, &out)
	return out, err
}

// Jobs lists job summaries, optionally only those in status.
func (c *Client) Jobs(ctx context.Context, status jobs.Status) ([]jobs.Summary, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	var out apihttp.ListJobsResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// Cancel cancels a pending or running job.
func (c *Client) Cancel(ctx context.Context, id string) (apihttp.CancelResponse, error) {
	var out apihttp.CancelResponse
	err := c.do(ctx, http.MethodDelete, "/api/v1/jobs/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

// Stats fetches the job manager statistics.
func (c *Client) Stats(ctx context.Context) (jobs.Stats, error) {
	var out jobs.Stats
	err := c.do(ctx, http.MethodGet, "/api/v1/stats", nil, nil, &out)
	return out, err
}

// Health fetches the daemon health report.
func (c *Client) Health(ctx context.Context) (apihttp.HealthResponse, error) {
	var out apihttp.HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// decodeAPIError reads echo's {"message": ...} error body.
func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body struct {
		Message string `json:"message"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &body) == nil {
		apiErr.Message = body.Message
	}
	return apiErr
}

// Package client talks to the dispatcher's control API. Workers use it to
// report finished runs; operators and tools use it to manage jobs.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"jobdispatch/internal/models"
)

const DefaultTimeout = 5 * time.Second

// ErrNotFound is returned when the control API answers 404.
var ErrNotFound = errors.New("job not found")

// APIError is a non-2xx answer from the control API.
type APIError struct {
	StatusCode int
	Message    string
	Details    []string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("scheduler api returned %d: %s", e.StatusCode, e.Message)
	if len(e.Details) > 0 {
		msg += " (" + strings.Join(e.Details, "; ") + ")"
	}
	return msg
}

type Client struct {
	baseURL    string
	scope      string
	httpClient *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the default client, which times out after
// DefaultTimeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New returns a client for the API at baseURL. scope is used when a call
// passes an empty scope.
func New(baseURL, scope string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		scope:      scope,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) scopeOr(scope string) string {
	if scope == "" {
		return c.scope
	}
	return scope
}

func (c *Client) jobPath(jobID string, parts ...string) string {
	p := "/jobs/" + url.PathEscape(jobID)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to encode request")
		}
		reader = bytes.NewReader(raw)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed to call %s %s", method, path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read response")
	}

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var payload struct {
			Error   string   `json:"error"`
			Details []string `json:"details"`
		}
		if json.Unmarshal(raw, &payload) == nil {
			apiErr.Message, apiErr.Details = payload.Error, payload.Details
		} else {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		if resp.StatusCode == http.StatusNotFound {
			return errors.Mark(apiErr, ErrNotFound)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrapf(err, "failed to decode %s %s response", method, path)
	}
	return nil
}

// MarkJobRun reports a finished run. The returned job tells a queue-mode
// worker whether the job is still enabled.
func (c *Client) MarkJobRun(ctx context.Context, scope, jobID string, report models.RunReport) (*models.Job, error) {
	if jobID == "" {
		return nil, errors.New("job_id is required")
	}
	report.Scope = c.scopeOr(firstNonEmpty(report.Scope, scope))

	var job models.Job
	if err := c.do(ctx, http.MethodPost, c.jobPath(jobID, "last-run"), nil, report, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// RunNowResult is the answer to a run-now request.
type RunNowResult struct {
	MessageID string            `json:"message_id"`
	Message   models.JobMessage `json:"message"`
}

func (c *Client) RunNow(ctx context.Context, scope, jobID string, params map[string]any) (*RunNowResult, error) {
	var res RunNowResult
	body := map[string]any{"params": params}
	if err := c.do(ctx, http.MethodPost, c.jobPath(jobID, "run-now"), c.query(scope), body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) PauseJob(ctx context.Context, scope, jobID string) (*models.Job, error) {
	return c.jobAction(ctx, http.MethodPost, scope, jobID, "pause")
}

func (c *Client) ResumeJob(ctx context.Context, scope, jobID string) (*models.Job, error) {
	return c.jobAction(ctx, http.MethodPost, scope, jobID, "resume")
}

func (c *Client) GetJob(ctx context.Context, scope, jobID string) (*models.Job, error) {
	return c.jobAction(ctx, http.MethodGet, scope, jobID)
}

func (c *Client) DeleteJob(ctx context.Context, scope, jobID string) error {
	return c.do(ctx, http.MethodDelete, c.jobPath(jobID), c.query(scope), nil, nil)
}

func (c *Client) jobAction(ctx context.Context, method, scope, jobID string, parts ...string) (*models.Job, error) {
	var job models.Job
	if err := c.do(ctx, method, c.jobPath(jobID, parts...), c.query(scope), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) ListJobs(ctx context.Context, scope string, page, pageSize int) (*models.PaginationResult[models.Job], error) {
	q := c.query(scope)
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if pageSize > 0 {
		q.Set("page_size", strconv.Itoa(pageSize))
	}

	var res models.PaginationResult[models.Job]
	if err := c.do(ctx, http.MethodGet, "/jobs", q, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// UpsertJob creates or replaces a job through PUT /jobs/:id.
func (c *Client) UpsertJob(ctx context.Context, def models.JobDefinition) (*models.Job, error) {
	def.Scope = c.scopeOr(def.Scope)

	var job models.Job
	if err := c.do(ctx, http.MethodPut, c.jobPath(def.JobID), c.query(def.Scope), def, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) query(scope string) url.Values {
	q := url.Values{}
	if s := c.scopeOr(scope); s != "" {
		q.Set("scope", s)
	}
	return q
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// DefaultJobsPrefix is the route prefix of the task runner's job API.
const DefaultJobsPrefix = "/jobs"

// maxErrorBody bounds how much of a failed response is read for the error detail.
const maxErrorBody = 64 << 10

// Client talks to the backend task runner over its REST API.
type Client struct {
	baseURL    string
	prefix     string
	token      string
	httpClient *http.Client
	logger     *zap.SugaredLogger
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	JobsPrefix string
	Timeout    time.Duration

	// Token is sent as a bearer token when set. Ignored when OAuth2 is set.
	Token string

	// OAuth2 enables the client-credentials flow against the runner's token endpoint.
	OAuth2 *clientcredentials.Config

	// HTTPClient overrides the transport. Mostly useful in tests.
	HTTPClient *http.Client
	Logger     *zap.SugaredLogger
}

// SubmitResponse is returned by the runner when a job is accepted.
type SubmitResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status,omitempty"`
}

// LogEntry is one line of a task's log buffer. Time is unix seconds.
type LogEntry struct {
	Time    float64 `json:"time"`
	Message string  `json:"message"`
}

// TaskStatus is the runner's view of one task.
type TaskStatus struct {
	ID         string          `json:"id,omitempty"`
	Name       string          `json:"name,omitempty"`
	State      string          `json:"state"`
	Progress   *float64        `json:"progress,omitempty"`
	Msg        string          `json:"msg,omitempty"`
	Logs       []LogEntry      `json:"logs,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartedAt  *float64        `json:"started_at,omitempty"`
	FinishedAt *float64        `json:"finished_at,omitempty"`
}

// HasResult reports whether the status carries a non-null result payload.
func (s *TaskStatus) HasResult() bool {
	trimmed := bytes.TrimSpace(s.Result)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// ScheduleRequest configures the runner's own recurring execution of a job.
type ScheduleRequest struct {
	Name    string `json:"name"`
	Minutes int    `json:"minutes"`
	Enabled *bool  `json:"enabled,omitempty"`
}

// ScheduleResponse is the runner's acknowledgement of a schedule change.
type ScheduleResponse struct {
	Status string          `json:"status"`
	Name   string          `json:"name"`
	Info   json.RawMessage `json:"info,omitempty"`
}

type lastRunResponse struct {
	Name    string      `json:"name"`
	LastRun *TaskStatus `json:"last_run"`
}

// APIError is returned for any non-2xx response.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Detail)
}

// IsNotFound reports whether err is a 404 from the runner.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// NewClient builds a Client from opts.
func NewClient(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("backend base URL is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid backend URL %q: %w", base, err)
	}

	prefix := strings.TrimSpace(opts.JobsPrefix)
	if prefix == "" {
		prefix = DefaultJobsPrefix
	}
	prefix = "/" + strings.Trim(prefix, "/")

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.OAuth2 != nil {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
		authed := opts.OAuth2.Client(ctx)
		authed.Timeout = httpClient.Timeout
		httpClient = authed
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Client{
		baseURL:    base,
		prefix:     prefix,
		token:      opts.Token,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Submit asks the runner to start jobName and returns the issued task ID.
func (c *Client) Submit(ctx context.Context, jobName string) (string, error) {
	var resp SubmitResponse
	if err := c.do(ctx, http.MethodPost, c.jobPath(jobName), nil, &resp); err != nil {
		return "", err
	}
	if resp.TaskID == "" {
		return "", fmt.Errorf("submit %s: runner returned no task_id", jobName)
	}
	return resp.TaskID, nil
}

// Status fetches the current status of a task.
func (c *Client) Status(ctx context.Context, taskID string) (*TaskStatus, error) {
	var status TaskStatus
	if err := c.do(ctx, http.MethodGet, c.jobPath("status", taskID), nil, &status); err != nil {
		return nil, err
	}
	if status.ID == "" {
		status.ID = taskID
	}
	return &status, nil
}

// List returns the runner's known tasks, newest first. The runner answers either
// with an array or with an object keyed by task ID.
func (c *Client) List(ctx context.Context) ([]TaskStatus, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, c.jobPath("list"), nil, &raw); err != nil {
		return nil, err
	}

	var list []TaskStatus
	if err := json.Unmarshal(raw, &list); err != nil {
		var byID map[string]TaskStatus
		if err2 := json.Unmarshal(raw, &byID); err2 != nil {
			return nil, fmt.Errorf("decode task list: %w", err)
		}
		list = make([]TaskStatus, 0, len(byID))
		for id, status := range byID {
			if status.ID == "" {
				status.ID = id
			}
			list = append(list, status)
		}
	}

	sort.SliceStable(list, func(i, j int) bool {
		return startedAt(list[i]) > startedAt(list[j])
	})
	return list, nil
}

// LastRun returns the most recent task for jobName, or nil when it never ran.
func (c *Client) LastRun(ctx context.Context, jobName string) (*TaskStatus, error) {
	var resp lastRunResponse
	if err := c.do(ctx, http.MethodGet, c.jobPath("last-run", jobName), nil, &resp); err != nil {
		return nil, err
	}
	return resp.LastRun, nil
}

// Schedule configures recurring execution on the runner side.
func (c *Client) Schedule(ctx context.Context, req ScheduleRequest) (*ScheduleResponse, error) {
	var resp ScheduleResponse
	if err := c.do(ctx, http.MethodPost, c.jobPath("schedule"), req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Unschedule removes a recurring schedule on the runner side.
func (c *Client) Unschedule(ctx context.Context, jobName string) (*ScheduleResponse, error) {
	var resp ScheduleResponse
	if err := c.do(ctx, http.MethodPost, c.jobPath("unschedule", jobName), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) jobPath(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.prefix + "/" + strings.Join(escaped, "/")
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	c.logger.Debugw("backend request", "method", method, "path", path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(method, path, resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

// decodeAPIError pulls the FastAPI style {"detail": ...} out of an error body.
func decodeAPIError(method, path string, resp *http.Response) error {
	apiErr := &APIError{Method: method, Path: path, StatusCode: resp.StatusCode}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(data) == 0 {
		return apiErr
	}

	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && len(payload.Detail) > 0 {
		var detail string
		if err := json.Unmarshal(payload.Detail, &detail); err == nil {
			apiErr.Detail = detail
		} else {
			apiErr.Detail = string(payload.Detail)
		}
		return apiErr
	}

	apiErr.Detail = strings.TrimSpace(string(data))
	return apiErr
}

func startedAt(s TaskStatus) float64 {
	if s.StartedAt == nil {
		return 0
	}
	return *s.StartedAt
}

package stagelinesdk

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
)

// Client is a minimal Stageline HTTP API client.
type Client struct {
	BaseURL     string
	TenantID    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, tenantID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		TenantID: tenantID,
		Timeout:  10 * time.Second,
	}
}

// Job represents the API job model (partial).
type Job struct {
	ID             string  `json:"id"`
	TenantID       string  `json:"tenant_id"`
	Name           string  `json:"name"`
	CurrentStageID *string `json:"current_stage_id,omitempty"`
	StageEnteredAt *string `json:"stage_entered_at,omitempty"`
	StatusBucket   string  `json:"status_bucket"`
}

// Stage represents a pipeline stage (partial).
type Stage struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	SequenceOrder int    `json:"sequence_order"`
	StatusBucket  string `json:"status_bucket"`
	StageType     string `json:"stage_type"`
	IsActive      bool   `json:"is_active"`
}

// Progression is the outcome of a response submission or override.
type Progression struct {
	Action       string  `json:"action"`
	Job          Job     `json:"job"`
	FromStageID  *string `json:"from_stage_id,omitempty"`
	ToStageID    *string `json:"to_stage_id,omitempty"`
	TasksCreated int     `json:"tasks_created"`
}

// Task represents a spawned job task (partial).
type Task struct {
	ID         string  `json:"id"`
	JobID      string  `json:"job_id"`
	Name       string  `json:"name"`
	Status     string  `json:"status"`
	SLAStatus  string  `json:"sla_status"`
	AssigneeID *string `json:"assignee_id,omitempty"`
	DueDate    *string `json:"due_date,omitempty"`
}

// AuditEntry represents one stage movement.
type AuditEntry struct {
	ID            int64    `json:"id"`
	JobID         string   `json:"job_id"`
	FromStageID   *string  `json:"from_stage_id,omitempty"`
	ToStageID     string   `json:"to_stage_id"`
	TriggerSource string   `json:"trigger_source"`
	TriggeredBy   *string  `json:"triggered_by,omitempty"`
	DurationHours *float64 `json:"duration_in_previous_stage_hours,omitempty"`
	CreatedAt     string   `json:"created_at"`
}

// Performance reports time spent per stage.
type Performance struct {
	TotalTrackedHours float64  `json:"total_tracked_hours"`
	OpenStageHours    *float64 `json:"open_stage_hours,omitempty"`
}

// APIError wraps non-2xx responses. Code and Retryable come from the
// error envelope when the server supplied one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Retryable  bool
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Message   string `json:"message"`
		Code      string `json:"code"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

// CreateJob creates a job; it enters the first active stage when the
// tenant has a pipeline.
func (c *Client) CreateJob(ctx context.Context, name string) (Progression, error) {
	body := map[string]any{"name": name}
	var resp Progression
	err := c.do(ctx, http.MethodPost, c.tenantPath("jobs"), body, &resp)
	return resp, err
}

// GetJob fetches a job by id.
func (c *Client) GetJob(ctx context.Context, jobID string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("jobs/%s", url.PathEscape(jobID)), nil, &resp)
	return resp, err
}

// ListJobs lists the tenant's jobs, optionally filtered by status bucket.
func (c *Client) ListJobs(ctx context.Context, statusBucket string) ([]Job, error) {
	endpoint := c.tenantPath("jobs")
	if statusBucket != "" {
		endpoint += "&status_bucket=" + url.QueryEscape(statusBucket)
	}
	var resp []Job
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SubmitResponse records a question answer and returns the progression
// outcome.
func (c *Client) SubmitResponse(ctx context.Context, jobID, questionID, value string) (Progression, error) {
	body := map[string]any{
		"question_id": questionID,
		"value":       value,
	}
	var resp Progression
	endpoint := fmt.Sprintf("jobs/%s/responses", url.PathEscape(jobID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Override forces a job onto a target stage with an audited reason.
func (c *Client) Override(ctx context.Context, jobID, targetStageID, reason string) (Progression, error) {
	body := map[string]any{
		"target_stage_id": targetStageID,
		"reason":          reason,
	}
	var resp Progression
	endpoint := fmt.Sprintf("jobs/%s/overrides", url.PathEscape(jobID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Tasks lists the job's tasks with live SLA status.
func (c *Client) Tasks(ctx context.Context, jobID string) ([]Task, error) {
	var resp struct {
		Items []Task `json:"items"`
	}
	endpoint := fmt.Sprintf("jobs/%s/tasks", url.PathEscape(jobID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// AuditHistory returns the job's stage movements, oldest first.
func (c *Client) AuditHistory(ctx context.Context, jobID string) ([]AuditEntry, error) {
	var resp []AuditEntry
	endpoint := fmt.Sprintf("jobs/%s/audit-history", url.PathEscape(jobID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Performance returns time tracked per stage for a job.
func (c *Client) Performance(ctx context.Context, jobID string) (Performance, error) {
	var resp Performance
	endpoint := fmt.Sprintf("jobs/%s/performance", url.PathEscape(jobID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Stages lists the tenant's active stages in sequence order.
func (c *Client) Stages(ctx context.Context) ([]Stage, error) {
	var resp []Stage
	err := c.do(ctx, http.MethodGet, c.tenantPath("stages")+"&active_only=true", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	fullURL := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 300 {
			return &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
		}
		return err
	}
	if resp.StatusCode >= 300 || !env.Success {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Retryable = env.Error.Retryable
		}
		return apiErr
	}
	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

func (c *Client) tenantPath(p string) string {
	return fmt.Sprintf("%s?tenant_id=%s", strings.TrimLeft(p, "/"), url.QueryEscape(c.TenantID))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

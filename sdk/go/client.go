package careroundssdk

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

// Client is a minimal Carerounds HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Incident represents the API incident model.
type Incident struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id"`
	ResidentID string `json:"resident_id"`
	Type       string `json:"type"`
	SubType    string `json:"sub_type,omitempty"`
	Severity   string `json:"severity"`
	Status     string `json:"status"`
	OccurredAt string `json:"occurred_at"`
}

// Task represents one scheduled follow-up visit.
type Task struct {
	ID            string `json:"id"`
	IncidentID    string `json:"incident_id"`
	PolicyCode    string `json:"policy_code"`
	PolicyVersion int    `json:"policy_version"`
	Name          string `json:"name"`
	AssignedRole  string `json:"assigned_role"`
	DueAt         string `json:"due_at"`
	Priority      string `json:"priority"`
	Status        string `json:"status"`
}

// SyncSummary reports one ingest pass.
type SyncSummary struct {
	Inserted     int    `json:"inserted"`
	Updated      int    `json:"updated"`
	Unchanged    int    `json:"unchanged"`
	Skipped      int    `json:"skipped"`
	TasksCreated int    `json:"tasks_created"`
	Cursor       string `json:"cursor"`
}

// LifecycleSummary reports one recompute pass.
type LifecycleSummary struct {
	TasksMarkedOverdue int `json:"tasks_marked_overdue"`
	IncidentsChanged   int `json:"incidents_changed"`
}

// CycleResult is the outcome of one full sync cycle.
type CycleResult struct {
	Sync      SyncSummary      `json:"sync"`
	Lifecycle LifecycleSummary `json:"lifecycle"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedTasks wraps task list responses with cursors.
type PaginatedTasks struct {
	Items      []Task `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// PaginatedIncidents wraps incident list responses with cursors.
type PaginatedIncidents struct {
	Items      []Incident `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

// Incidents returns a page of incidents.
func (c *Client) Incidents(ctx context.Context, status string, limit int, cursor string) (PaginatedIncidents, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedIncidents
	err := c.do(ctx, http.MethodGet, withQuery("v0/incidents", q), nil, &resp)
	return resp, err
}

// Incident fetches one incident by id or external id.
func (c *Client) Incident(ctx context.Context, id string) (Incident, error) {
	var resp Incident
	err := c.do(ctx, http.MethodGet, "v0/incidents/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// IncidentTasks returns the tasks generated for one incident.
func (c *Client) IncidentTasks(ctx context.Context, id string) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/incidents/%s/tasks", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Tasks returns a page of tasks.
func (c *Client) Tasks(ctx context.Context, status, role string, limit int, cursor string) (PaginatedTasks, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if role != "" {
		q.Set("role", role)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedTasks
	err := c.do(ctx, http.MethodGet, withQuery("v0/tasks", q), nil, &resp)
	return resp, err
}

// CompleteTask marks a task completed as the authenticated actor.
func (c *Client) CompleteTask(ctx context.Context, id, note string) (Task, error) {
	body := map[string]any{}
	if note != "" {
		body["note"] = note
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/tasks/%s/complete", url.PathEscape(id)), body, &resp)
	return resp, err
}

// CancelTask cancels a task.
func (c *Client) CancelTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/tasks/%s/cancel", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// RunSync triggers one sync and lifecycle cycle.
func (c *Client) RunSync(ctx context.Context) (CycleResult, error) {
	var resp CycleResult
	err := c.do(ctx, http.MethodPost, "v0/ops/sync", nil, &resp)
	return resp, err
}

// RecomputeLifecycle triggers an overdue and status recompute.
func (c *Client) RecomputeLifecycle(ctx context.Context) (LifecycleSummary, error) {
	var resp LifecycleSummary
	err := c.do(ctx, http.MethodPost, "v0/ops/lifecycle", nil, &resp)
	return resp, err
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

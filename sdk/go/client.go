package planlinesdk

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

// Client is a minimal Planline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
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

// Task represents the API task model (partial).
type Task struct {
	ID           string            `json:"id"`
	SectionID    string            `json:"section_id"`
	ProjectID    string            `json:"project_id"`
	ParentTaskID *string           `json:"parent_task_id,omitempty"`
	Title        string            `json:"title"`
	Description  *string           `json:"description,omitempty"`
	AssigneeID   *string           `json:"assignee_id,omitempty"`
	Tags         []string          `json:"tags"`
	CustomFields map[string]string `json:"custom_fields"`
	Dependencies []string          `json:"dependencies"`
	Status       string            `json:"status"`
}

// Project represents the API project model (partial).
type Project struct {
	ID                   string  `json:"id"`
	PortfolioID          string  `json:"portfolio_id"`
	TeamID               *string `json:"team_id,omitempty"`
	Name                 string  `json:"name"`
	Status               string  `json:"status"`
	CompletionPercentage float64 `json:"completion_percentage"`
}

// ProjectSummary is one project's slice of a portfolio rollup.
type ProjectSummary struct {
	ID                   string  `json:"id"`
	Name                 string  `json:"name"`
	CompletionPercentage float64 `json:"completion_percentage"`
}

// PortfolioStatus is a portfolio rollup snapshot.
type PortfolioStatus struct {
	CompletionPercentage float64          `json:"completion_percentage"`
	TotalTasks           int              `json:"total_tasks"`
	CompletedTasks       int              `json:"completed_tasks"`
	Projects             []ProjectSummary `json:"projects"`
	CalculatedAt         string           `json:"calculated_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	OwnerID    string `json:"owner_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask creates a task in a section.
func (c *Client) CreateTask(ctx context.Context, sectionID, projectID, title string) (Task, error) {
	body := map[string]any{
		"section_id": sectionID,
		"project_id": projectID,
		"title":      title,
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks", body, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/tasks/%s", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// UpdateTask patches a task. Only the provided keys change.
func (c *Client) UpdateTask(ctx context.Context, id string, patch map[string]any) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("v0/tasks/%s", url.PathEscape(id)), patch, &resp)
	return resp, err
}

// DeleteTask deletes a task together with its subtask subtree.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("v0/tasks/%s", url.PathEscape(id)), nil, nil)
}

// ListTasks returns tasks matching the given filters. Recognized keys are
// project_id, section_id, assignee_id, status and parent_task_id.
func (c *Client) ListTasks(ctx context.Context, filters map[string]string) ([]Task, error) {
	endpoint := "v0/tasks"
	if len(filters) > 0 {
		q := url.Values{}
		for k, v := range filters {
			q.Set(k, v)
		}
		endpoint = endpoint + "?" + q.Encode()
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AddSubtask links child under parent.
func (c *Client) AddSubtask(ctx context.Context, parentID, childID string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/subtasks/%s", url.PathEscape(parentID), url.PathEscape(childID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// RemoveSubtask unlinks child from parent. The child survives as a
// top-level task.
func (c *Client) RemoveSubtask(ctx context.Context, parentID, childID string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("v0/tasks/%s/subtasks/%s", url.PathEscape(parentID), url.PathEscape(childID))
	err := c.do(ctx, http.MethodDelete, endpoint, nil, &resp)
	return resp, err
}

// CalculateProjectCompletion recomputes and returns a project's
// completion percentage.
func (c *Client) CalculateProjectCompletion(ctx context.Context, projectID string) (float64, error) {
	var resp struct {
		ProjectID            string  `json:"project_id"`
		CompletionPercentage float64 `json:"completion_percentage"`
	}
	endpoint := fmt.Sprintf("v0/projects/%s/calculate-completion", url.PathEscape(projectID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp.CompletionPercentage, err
}

// PortfolioRollup recomputes a portfolio's status snapshot.
func (c *Client) PortfolioRollup(ctx context.Context, portfolioID string) (PortfolioStatus, error) {
	var resp PortfolioStatus
	endpoint := fmt.Sprintf("v0/portfolios/%s/rollup", url.PathEscape(portfolioID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ListProjects returns projects matching the given filters. Recognized
// keys are portfolio_id, team_id and status.
func (c *Client) ListProjects(ctx context.Context, filters map[string]string) ([]Project, error) {
	endpoint := "v0/projects"
	if len(filters) > 0 {
		q := url.Values{}
		for k, v := range filters {
			q.Set(k, v)
		}
		endpoint = endpoint + "?" + q.Encode()
	}
	var resp []Project
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns the caller's most recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
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

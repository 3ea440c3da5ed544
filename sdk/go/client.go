package profdashsdk

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

// Client is a minimal ProfDash HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Phase represents the API phase model (partial).
type Phase struct {
	ID             string   `json:"id"`
	ProjectID      string   `json:"project_id"`
	Title          string   `json:"title"`
	Status         string   `json:"status"`
	SortOrder      int      `json:"sort_order"`
	BlockedBy      []string `json:"blocked_by"`
	ActiveBlockers []string `json:"active_blockers"`
	AssignedRole   *string  `json:"assigned_role,omitempty"`
	DueDate        *string  `json:"due_date,omitempty"`
}

// Workstream represents a grouping lane.
type Workstream struct {
	ID                 string `json:"id"`
	ProjectID          string `json:"project_id"`
	Title              string `json:"title"`
	Color              string `json:"color"`
	Status             string `json:"status"`
	TaskCount          int    `json:"task_count"`
	CompletedTaskCount int    `json:"completed_task_count"`
	OverdueTaskCount   int    `json:"overdue_task_count"`
}

// Deliverable represents an artifact tracked inside a phase.
type Deliverable struct {
	ID           string  `json:"id"`
	PhaseID      string  `json:"phase_id"`
	Title        string  `json:"title"`
	ArtifactType string  `json:"artifact_type"`
	Status       string  `json:"status"`
	WorkstreamID *string `json:"workstream_id,omitempty"`
	DueDate      *string `json:"due_date,omitempty"`
}

// TemplateResult lists the entities a template application created.
type TemplateResult struct {
	PhaseIDs       []string `json:"phase_ids"`
	DeliverableIDs []string `json:"deliverable_ids"`
	RoleIDs        []string `json:"role_ids"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Payload    map[string]any `json:"payload"`
}

// Progress reports completed vs total deliverables.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
	Percent   int `json:"percent"`
}

// Status is the project scoreboard.
type Status struct {
	ProjectID   string         `json:"project_id"`
	Status      string         `json:"status"`
	PhaseCounts map[string]int `json:"phase_counts"`
	Progress    Progress       `json:"progress"`
}

// APIError wraps non-2xx responses. Code and Details are filled when the
// body carries the standard error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreatePhase appends a phase. blockedBy nil means "use the project's
// default chaining policy"; an empty non-nil slice detaches the phase.
func (c *Client) CreatePhase(ctx context.Context, title string, blockedBy []string) (Phase, error) {
	body := map[string]any{
		"title": title,
	}
	if blockedBy != nil {
		body["blocked_by"] = blockedBy
	}
	var resp Phase
	err := c.do(ctx, http.MethodPost, c.projectPath("phases"), body, &resp)
	return resp, err
}

// ListPhases returns all phases for the project.
func (c *Client) ListPhases(ctx context.Context) ([]Phase, error) {
	var resp []Phase
	err := c.do(ctx, http.MethodGet, c.projectPath("phases"), nil, &resp)
	return resp, err
}

// StartPhase moves a phase to in_progress.
func (c *Client) StartPhase(ctx context.Context, phaseID string) (Phase, error) {
	var resp Phase
	endpoint := c.projectPath(fmt.Sprintf("phases/%s/start", url.PathEscape(phaseID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// CompletePhase moves a phase to completed.
func (c *Client) CompletePhase(ctx context.Context, phaseID string) (Phase, error) {
	var resp Phase
	endpoint := c.projectPath(fmt.Sprintf("phases/%s/complete", url.PathEscape(phaseID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// CreateWorkstream creates a grouping lane. Color is assigned from the
// palette when empty.
func (c *Client) CreateWorkstream(ctx context.Context, title, color string) (Workstream, error) {
	body := map[string]any{"title": title}
	if color != "" {
		body["color"] = color
	}
	var resp Workstream
	err := c.do(ctx, http.MethodPost, c.projectPath("workstreams"), body, &resp)
	return resp, err
}

// CreateDeliverable creates a deliverable inside a phase.
func (c *Client) CreateDeliverable(ctx context.Context, phaseID, title, artifactType, workstreamID string) (Deliverable, error) {
	body := map[string]any{
		"phase_id": phaseID,
		"title":    title,
	}
	if artifactType != "" {
		body["artifact_type"] = artifactType
	}
	if workstreamID != "" {
		body["workstream_id"] = workstreamID
	}
	var resp Deliverable
	err := c.do(ctx, http.MethodPost, c.projectPath("deliverables"), body, &resp)
	return resp, err
}

// CompleteDeliverable marks a deliverable completed.
func (c *Client) CompleteDeliverable(ctx context.Context, id string) (Deliverable, error) {
	var resp Deliverable
	endpoint := c.projectPath(fmt.Sprintf("deliverables/%s/complete", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ApplyTemplate expands a template into the project.
func (c *Client) ApplyTemplate(ctx context.Context, templateID string) (TemplateResult, error) {
	var resp TemplateResult
	endpoint := c.projectPath(fmt.Sprintf("templates/%s/apply", url.PathEscape(templateID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// GetStatus returns the project scoreboard.
func (c *Client) GetStatus(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, c.projectPath("status"), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.projectPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
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
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil && envelope.Error.Code != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

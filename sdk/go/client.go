package ctoflowsdk

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

// Client is a minimal CTO Flow HTTP API client.
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

// Epic represents the API epic model (partial).
type Epic struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	State       string `json:"state"`
	ExternalRef string `json:"external_ref,omitempty"`
	Version     int64  `json:"version"`
}

// Issue represents the API issue model (partial).
type Issue struct {
	ID         string  `json:"id"`
	EpicID     string  `json:"epic_id"`
	Title      string  `json:"title"`
	Priority   string  `json:"priority"`
	Status     string  `json:"status"`
	AssigneeID *string `json:"assignee_id,omitempty"`
}

// Agent represents a registered agent profile (partial).
type Agent struct {
	ID             string   `json:"id"`
	Type           string   `json:"type,omitempty"`
	Capabilities   []string `json:"capabilities"`
	Workload       float64  `json:"workload"`
	Health         float64  `json:"health"`
	SuccessRate    float64  `json:"success_rate"`
	TasksCompleted int      `json:"tasks_completed"`
}

// Assignment is the result of a claim.
type Assignment struct {
	ID        string  `json:"id"`
	IssueID   string  `json:"issue_id"`
	AgentID   string  `json:"agent_id"`
	Score     float64 `json:"score"`
	ClaimedAt string  `json:"claimed_at"`
}

// AssignResult is the outcome of a coordinator assignment pass.
type AssignResult struct {
	Issue      Issue      `json:"issue"`
	Agent      Agent      `json:"agent"`
	Assignment Assignment `json:"assignment"`
}

// Review is a recorded peer review decision.
type Review struct {
	ID         string  `json:"id"`
	IssueID    string  `json:"issue_id"`
	ReviewerID string  `json:"reviewer_id"`
	AuthorID   string  `json:"author_id"`
	Composite  float64 `json:"composite"`
	Decision   string  `json:"decision"`
}

// Progress is an epic progress report.
type Progress struct {
	EpicID         string         `json:"epic_id"`
	EpicState      string         `json:"epic_state"`
	TotalIssues    int            `json:"total_issues"`
	ByStatus       map[string]int `json:"by_status"`
	CompletionPct  float64        `json:"completion_pct"`
	VelocityPerDay float64        `json:"velocity_per_day"`
	BlockedCount   int            `json:"blocked_count"`
	RiskFlags      []string       `json:"risk_flags,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EpicID     string         `json:"epic_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

// CheckResult is an automated review check outcome.
type CheckResult struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Blocking bool   `json:"blocking"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateEpic creates an epic.
func (c *Client) CreateEpic(ctx context.Context, title string, objectives, constraints []string, externalRef string) (Epic, error) {
	body := map[string]any{
		"title":        title,
		"objectives":   objectives,
		"constraints":  constraints,
		"external_ref": externalRef,
	}
	var resp Epic
	err := c.do(ctx, http.MethodPost, "v0/epics", body, &resp)
	return resp, err
}

// TransitionEpic moves an epic to a new state.
func (c *Client) TransitionEpic(ctx context.Context, epicID, state, eventID string) (Epic, error) {
	body := map[string]any{"state": state, "event_id": eventID}
	var resp Epic
	err := c.do(ctx, http.MethodPost, c.epicPath(epicID, "transition"), body, &resp)
	return resp, err
}

// AssignNext asks the coordinator to claim the next ready issue.
func (c *Client) AssignNext(ctx context.Context, epicID string) (AssignResult, error) {
	var resp AssignResult
	err := c.do(ctx, http.MethodPost, c.epicPath(epicID, "assign"), map[string]any{}, &resp)
	return resp, err
}

// EpicProgress fetches the aggregated progress report.
func (c *Client) EpicProgress(ctx context.Context, epicID string) (Progress, error) {
	var resp Progress
	err := c.do(ctx, http.MethodGet, c.epicPath(epicID, "progress"), nil, &resp)
	return resp, err
}

// RegisterAgent registers an agent profile.
func (c *Client) RegisterAgent(ctx context.Context, a Agent) (Agent, error) {
	var resp Agent
	err := c.do(ctx, http.MethodPost, "v0/agents", a, &resp)
	return resp, err
}

// ReportProgress touches the issue's activity clock.
func (c *Client) ReportProgress(ctx context.Context, issueID, note string) error {
	endpoint := fmt.Sprintf("v0/issues/%s/progress", url.PathEscape(issueID))
	return c.do(ctx, http.MethodPost, endpoint, map[string]any{"note": note}, nil)
}

// ReportCompletion hands the issue off to review.
func (c *Client) ReportCompletion(ctx context.Context, issueID string) (Issue, error) {
	endpoint := fmt.Sprintf("v0/issues/%s/complete", url.PathEscape(issueID))
	var resp Issue
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp, err
}

// RunReview runs the peer review pipeline on an in-review issue.
func (c *Client) RunReview(ctx context.Context, issueID string, checks []CheckResult, quality, design, completeness float64) (Review, error) {
	body := map[string]any{
		"checks": checks,
		"manual": map[string]any{
			"quality":      quality,
			"design":       design,
			"completeness": completeness,
		},
	}
	endpoint := fmt.Sprintf("v0/issues/%s/review", url.PathEscape(issueID))
	var resp Review
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
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

func (c *Client) epicPath(epicID, p string) string {
	return fmt.Sprintf("v0/epics/%s/%s", url.PathEscape(epicID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

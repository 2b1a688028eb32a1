package jobledgersdk

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
)

// Client is a minimal Jobledger HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no credential is set. Servers only
	// honor it when started with --allow-actor-header.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://127.0.0.1:8080/v0.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type Profile struct {
	Identity     string `json:"identity"`
	Name         string `json:"name"`
	Skills       string `json:"skills"`
	Rating       int64  `json:"rating"`
	TotalRatings int64  `json:"total_ratings"`
	IsRegistered bool   `json:"is_registered"`
	CreatedAt    string `json:"created_at,omitempty"`
}

type Job struct {
	ID                 int64   `json:"id"`
	Employer           string  `json:"employer"`
	Title              string  `json:"title"`
	Description        string  `json:"description"`
	Budget             int64   `json:"budget"`
	IsActive           bool    `json:"is_active"`
	SelectedFreelancer *string `json:"selected_freelancer,omitempty"`
	Status             int     `json:"status"`
	StatusName         string  `json:"status_name"`
	CreatedAt          string  `json:"created_at"`
	UpdatedAt          string  `json:"updated_at"`
}

type Application struct {
	JobID         int64  `json:"job_id"`
	Seq           int64  `json:"seq"`
	Freelancer    string `json:"freelancer"`
	Proposal      string `json:"proposal"`
	ProposedPrice int64  `json:"proposed_price"`
	IsAccepted    bool   `json:"is_accepted"`
	CreatedAt     string `json:"created_at"`
}

type Payout struct {
	ID         string  `json:"id"`
	JobID      int64   `json:"job_id"`
	Freelancer string  `json:"freelancer"`
	Amount     int64   `json:"amount"`
	Fee        int64   `json:"fee"`
	Status     string  `json:"status"`
	Attempts   int     `json:"attempts"`
	LastError  string  `json:"last_error,omitempty"`
	CreatedAt  string  `json:"created_at"`
	SettledAt  *string `json:"settled_at,omitempty"`
}

// Completion is the result of completing a job.
type Completion struct {
	Job     Job    `json:"job"`
	Payout  Payout `json:"payout"`
	Fee     int64  `json:"fee"`
	Payment int64  `json:"payment"`
}

type Rating struct {
	JobID      int64  `json:"job_id"`
	Freelancer string `json:"freelancer"`
	Employer   string `json:"employer"`
	Score      int    `json:"score"`
	CreatedAt  string `json:"created_at"`
}

type Balance struct {
	Identity string `json:"identity"`
	Credited int64  `json:"credited"`
}

// Settings is the marketplace access-control and fee record.
type Settings struct {
	Owner              string `json:"owner"`
	PlatformFeePercent int    `json:"platform_fee_percent"`
	Paused             bool   `json:"paused"`
	UpdatedAt          string `json:"updated_at"`
}

// Platform is Settings plus the accumulated platform fee balance.
type Platform struct {
	Settings
	Balance int64 `json:"balance"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps event listings with a cursor.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// JobFilter narrows ListJobs. Zero values are ignored.
type JobFilter struct {
	Status   string
	Employer string
	Active   *bool
	After    *int64
	Limit    int
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) CreateProfile(ctx context.Context, name, skills string) (Profile, error) {
	var resp Profile
	err := c.do(ctx, http.MethodPost, "profiles", map[string]any{"name": name, "skills": skills}, &resp)
	return resp, err
}

func (c *Client) GetProfile(ctx context.Context, identity string) (Profile, error) {
	var resp Profile
	err := c.do(ctx, http.MethodGet, "profiles/"+url.PathEscape(identity), nil, &resp)
	return resp, err
}

func (c *Client) PostJob(ctx context.Context, title, description string, budget int64) (Job, error) {
	body := map[string]any{
		"title":       title,
		"description": description,
		"budget":      budget,
	}
	var resp Job
	err := c.do(ctx, http.MethodPost, "jobs", body, &resp)
	return resp, err
}

func (c *Client) GetJob(ctx context.Context, id int64) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, jobPath(id, ""), nil, &resp)
	return resp, err
}

// JobPayout returns the payout reserved when the job completed.
func (c *Client) JobPayout(ctx context.Context, id int64) (Payout, error) {
	var resp Payout
	err := c.do(ctx, http.MethodGet, jobPath(id, "payout"), nil, &resp)
	return resp, err
}

// JobCount returns the number of jobs ever posted.
func (c *Client) JobCount(ctx context.Context) (int64, error) {
	var resp struct {
		Count int64 `json:"count"`
	}
	err := c.do(ctx, http.MethodGet, "jobs/count", nil, &resp)
	return resp.Count, err
}

func (c *Client) ListJobs(ctx context.Context, f JobFilter) ([]Job, error) {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Employer != "" {
		q.Set("employer", f.Employer)
	}
	if f.Active != nil {
		q.Set("active", strconv.FormatBool(*f.Active))
	}
	if f.After != nil {
		q.Set("after", strconv.FormatInt(*f.After, 10))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	var resp []Job
	err := c.do(ctx, http.MethodGet, withQuery("jobs", q), nil, &resp)
	return resp, err
}

func (c *Client) Apply(ctx context.Context, jobID int64, proposal string, proposedPrice int64) (Application, error) {
	body := map[string]any{"proposal": proposal, "proposed_price": proposedPrice}
	var resp Application
	err := c.do(ctx, http.MethodPost, jobPath(jobID, "applications"), body, &resp)
	return resp, err
}

func (c *Client) Applications(ctx context.Context, jobID int64) ([]Application, error) {
	var resp []Application
	err := c.do(ctx, http.MethodGet, jobPath(jobID, "applications"), nil, &resp)
	return resp, err
}

func (c *Client) SelectFreelancer(ctx context.Context, jobID int64, applicant string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, jobPath(jobID, "select"), map[string]any{"applicant": applicant}, &resp)
	return resp, err
}

// CompleteJob releases the escrowed budget; amount must equal the budget.
func (c *Client) CompleteJob(ctx context.Context, jobID, amount int64) (Completion, error) {
	var resp Completion
	err := c.do(ctx, http.MethodPost, jobPath(jobID, "complete"), map[string]any{"amount": amount}, &resp)
	return resp, err
}

func (c *Client) CancelJob(ctx context.Context, jobID int64) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, jobPath(jobID, "cancel"), nil, &resp)
	return resp, err
}

func (c *Client) RateFreelancer(ctx context.Context, jobID int64, score int) (Rating, error) {
	var resp Rating
	err := c.do(ctx, http.MethodPost, jobPath(jobID, "rating"), map[string]any{"score": score}, &resp)
	return resp, err
}

func (c *Client) Balance(ctx context.Context, identity string) (Balance, error) {
	var resp Balance
	err := c.do(ctx, http.MethodGet, "balances/"+url.PathEscape(identity), nil, &resp)
	return resp, err
}

func (c *Client) Platform(ctx context.Context) (Platform, error) {
	var resp Platform
	err := c.do(ctx, http.MethodGet, "platform", nil, &resp)
	return resp, err
}

func (c *Client) UpdatePlatformFee(ctx context.Context, feePercent int) (Settings, error) {
	var resp Settings
	err := c.do(ctx, http.MethodPut, "platform/fee", map[string]any{"platform_fee_percent": feePercent}, &resp)
	return resp, err
}

func (c *Client) Pause(ctx context.Context) (Settings, error) {
	var resp Settings
	err := c.do(ctx, http.MethodPost, "platform/pause", nil, &resp)
	return resp, err
}

func (c *Client) Unpause(ctx context.Context) (Settings, error) {
	var resp Settings
	err := c.do(ctx, http.MethodPost, "platform/unpause", nil, &resp)
	return resp, err
}

// Payouts lists payouts, optionally by status. Owner only.
func (c *Client) Payouts(ctx context.Context, status string, limit int) ([]Payout, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp []Payout
	err := c.do(ctx, http.MethodGet, withQuery("payouts", q), nil, &resp)
	return resp, err
}

func (c *Client) SettlePayout(ctx context.Context, id string) (Payout, error) {
	var resp Payout
	err := c.do(ctx, http.MethodPost, "payouts/"+url.PathEscape(id)+"/settle", nil, &resp)
	return resp, err
}

// Events returns the newest events first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp.Items, err
}

// EventsAfter returns events committed after the cursor, oldest first. Pass
// the returned NextCursor to continue; it is empty on the last page.
func (c *Client) EventsAfter(ctx context.Context, after int64, limit int) (PaginatedEvents, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatInt(after, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
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
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
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
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func jobPath(id int64, sub string) string {
	p := "jobs/" + strconv.FormatInt(id, 10)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func withQuery(p string, q url.Values) string {
	if len(q) == 0 {
		return p
	}
	return p + "?" + q.Encode()
}

package missiongatesdk

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

// Client is a minimal Missiongate HTTP API client.
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

// Reviewer is a snapshot of a panel member at assignment time.
type Reviewer struct {
	ID           string `json:"id"`
	ModelFamily  string `json:"model_family"`
	MethodType   string `json:"method_type"`
	Region       string `json:"region"`
	Organization string `json:"organization"`
}

// Decision is a recorded review verdict.
type Decision struct {
	ReviewerID string `json:"reviewer_id"`
	Decision   string `json:"decision"`
	CreatedAt  string `json:"created_at,omitempty"`
}

// Evidence is an artifact hash plus signature pair.
type Evidence struct {
	ArtifactHash string `json:"artifact_hash"`
	Signature    string `json:"signature"`
}

// Mission represents the API mission model.
type Mission struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	MissionClass       string     `json:"mission_class"`
	RiskTier           string     `json:"risk_tier"`
	DomainType         string     `json:"domain_type,omitempty"`
	State              string     `json:"state"`
	WorkerID           string     `json:"worker_id,omitempty"`
	Reviewers          []Reviewer `json:"reviewers,omitempty"`
	ReviewDecisions    []Decision `json:"review_decisions,omitempty"`
	Evidence           []Evidence `json:"evidence,omitempty"`
	HumanFinalApproval bool       `json:"human_final_approval"`
	CreatedAt          string     `json:"created_at"`
	UpdatedAt          string     `json:"updated_at"`
}

// Escalation reports whether reviewer disagreement needs a human.
type Escalation struct {
	MissionID      string  `json:"mission_id"`
	Escalate       bool    `json:"escalate"`
	AgreementRatio float64 `json:"agreement_ratio"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	MissionID  string `json:"mission_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateMission creates a mission in DRAFT.
func (c *Client) CreateMission(ctx context.Context, title, missionClass, riskTier, domainType string) (Mission, error) {
	body := map[string]any{"title": title}
	if missionClass != "" {
		body["mission_class"] = missionClass
	}
	if riskTier != "" {
		body["risk_tier"] = riskTier
	}
	if domainType != "" {
		body["domain_type"] = domainType
	}
	var resp Mission
	err := c.do(ctx, http.MethodPost, "v0/missions", body, &resp)
	return resp, err
}

// GetMission fetches a mission by id.
func (c *Client) GetMission(ctx context.Context, id string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodGet, c.missionPath(id, ""), nil, &resp)
	return resp, err
}

// ListMissions lists missions, optionally filtered by state.
func (c *Client) ListMissions(ctx context.Context, state string) ([]Mission, error) {
	endpoint := "v0/missions"
	if state != "" {
		endpoint = fmt.Sprintf("%s?state=%s", endpoint, url.QueryEscape(state))
	}
	var resp []Mission
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Submit moves a draft mission to SUBMITTED.
func (c *Client) Submit(ctx context.Context, id string) (Mission, error) {
	return c.transition(ctx, id, "submit")
}

// Assign sets the worker and reviewer panel.
func (c *Client) Assign(ctx context.Context, id, workerID string, reviewers []Reviewer) (Mission, error) {
	body := map[string]any{
		"worker_id": workerID,
		"reviewers": reviewers,
	}
	var resp Mission
	err := c.do(ctx, http.MethodPost, c.missionPath(id, "assign"), body, &resp)
	return resp, err
}

// StartReview moves an assigned mission into IN_REVIEW.
func (c *Client) StartReview(ctx context.Context, id string) (Mission, error) {
	return c.transition(ctx, id, "start-review")
}

// RecordDecision records a reviewer verdict.
func (c *Client) RecordDecision(ctx context.Context, id, reviewerID, decision string) (Mission, error) {
	body := map[string]any{
		"reviewer_id": reviewerID,
		"decision":    decision,
	}
	var resp Mission
	err := c.do(ctx, http.MethodPost, c.missionPath(id, "decisions"), body, &resp)
	return resp, err
}

// AddEvidence attaches an artifact hash and signature.
func (c *Client) AddEvidence(ctx context.Context, id, artifactHash, signature string) (Mission, error) {
	body := map[string]any{
		"artifact_hash": artifactHash,
		"signature":     signature,
	}
	var resp Mission
	err := c.do(ctx, http.MethodPost, c.missionPath(id, "evidence"), body, &resp)
	return resp, err
}

// CompleteReview moves a mission to REVIEW_COMPLETE.
func (c *Client) CompleteReview(ctx context.Context, id string) (Mission, error) {
	return c.transition(ctx, id, "complete-review")
}

// RequestHumanGate parks a reviewed mission at HUMAN_GATE_PENDING.
func (c *Client) RequestHumanGate(ctx context.Context, id string) (Mission, error) {
	return c.transition(ctx, id, "request-gate")
}

// HumanGate records the human final approval flag.
func (c *Client) HumanGate(ctx context.Context, id string, approved bool) (Mission, error) {
	body := map[string]any{"approved": approved}
	var resp Mission
	err := c.do(ctx, http.MethodPost, c.missionPath(id, "human-gate"), body, &resp)
	return resp, err
}

// Approve moves a mission to APPROVED.
func (c *Client) Approve(ctx context.Context, id string) (Mission, error) {
	return c.transition(ctx, id, "approve")
}

// Reject moves a mission to REJECTED.
func (c *Client) Reject(ctx context.Context, id string) (Mission, error) {
	return c.transition(ctx, id, "reject")
}

// Cancel moves a mission to CANCELLED.
func (c *Client) Cancel(ctx context.Context, id string) (Mission, error) {
	return c.transition(ctx, id, "cancel")
}

// Escalation checks whether normative disagreement needs human adjudication.
func (c *Client) Escalation(ctx context.Context, id string) (Escalation, error) {
	var resp Escalation
	err := c.do(ctx, http.MethodGet, c.missionPath(id, "escalation"), nil, &resp)
	return resp, err
}

// Events returns events after the given cursor, newest last.
func (c *Client) Events(ctx context.Context, missionID string, after int64, limit int) ([]Event, error) {
	endpoint := "v0/events"
	params := url.Values{}
	if missionID != "" {
		params.Set("mission_id", missionID)
	}
	if after > 0 {
		params.Set("after", fmt.Sprintf("%d", after))
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GrantRole grants a role to an actor; the caller needs rbac.manage.
func (c *Client) GrantRole(ctx context.Context, actorID, role string) error {
	body := map[string]any{
		"actor_id": actorID,
		"role":     role,
	}
	return c.do(ctx, http.MethodPost, "v0/rbac/grants", body, nil)
}

func (c *Client) transition(ctx context.Context, id, verb string) (Mission, error) {
	var resp Mission
	err := c.do(ctx, http.MethodPost, c.missionPath(id, verb), nil, &resp)
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

func (c *Client) missionPath(id, suffix string) string {
	p := fmt.Sprintf("v0/missions/%s", url.PathEscape(id))
	if suffix != "" {
		p = p + "/" + suffix
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

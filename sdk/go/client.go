package pmossdk

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

// Client is a minimal pmos HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// SignalInput is a signal to capture.
type SignalInput struct {
	Source        string   `json:"source"`
	Type          string   `json:"type"`
	Timestamp     string   `json:"timestamp,omitempty"`
	Title         string   `json:"title,omitempty"`
	Content       string   `json:"content,omitempty"`
	URL           string   `json:"url,omitempty"`
	PriorityScore *float64 `json:"priority_score,omitempty"`
	ImpactArea    []string `json:"impact_area,omitempty"`
}

// Signal represents the API signal model (partial).
type Signal struct {
	ID              string   `json:"id"`
	Source          string   `json:"source"`
	Type            string   `json:"type"`
	Timestamp       string   `json:"timestamp"`
	Title           string   `json:"title"`
	URL             string   `json:"url"`
	ImpactArea      []string `json:"impact_area"`
	GateStatus      string   `json:"gate_status"`
	GateDecisionID  string   `json:"gate_decision_id"`
	DeepeningTaskID string   `json:"deepening_task_id"`
	Deepened        bool     `json:"deepened"`
	LTIDraftID      string   `json:"lti_draft_id"`
}

// Decision is a gate decision request.
type Decision struct {
	SignalID    string   `json:"signal_id"`
	Decision    string   `json:"decision"`
	Priority    string   `json:"priority"`
	Reason      string   `json:"reason,omitempty"`
	NextActions []string `json:"next_actions,omitempty"`
}

// DecisionResult reports a recorded decision and its follow-ups.
type DecisionResult struct {
	Decision struct {
		ID        string `json:"decision_id"`
		SignalID  string `json:"signal_id"`
		Decision  string `json:"decision"`
		VaultPath string `json:"vault_path"`
	} `json:"decision"`
	DeepeningTask *struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"deepening_task,omitempty"`
	InsightDraft *struct {
		ID        string `json:"id"`
		VaultPath string `json:"vault_path"`
	} `json:"insight_draft,omitempty"`
	Rejection *struct {
		CaseID           string `json:"cos_id"`
		PatternKey       string `json:"pattern_key"`
		LinkedProposalID string `json:"linked_rti_proposal"`
		Triggered        bool   `json:"triggered"`
	} `json:"rejection,omitempty"`
	RoutingError string `json:"routing_error,omitempty"`
}

// Draft is a staged insight draft or proposal.
type Draft struct {
	ID             string `json:"id"`
	Kind           string `json:"kind"`
	Status         string `json:"status"`
	VaultPath      string `json:"vault_path"`
	FinalVaultPath string `json:"final_vault_path"`
	PatternKey     string `json:"pattern_key"`
}

// DeepenReport summarizes a deepening run.
type DeepenReport struct {
	RunID     string `json:"run_id"`
	Processed int    `json:"processed"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
}

// Action is a generated action task.
type Action struct {
	ID         string `json:"id"`
	SignalID   string `json:"signal_id"`
	ActionType string `json:"action_type"`
	Goal       string `json:"goal"`
	Status     string `json:"status"`
}

// Writeback reports the insight draft staged for an action.
type Writeback struct {
	Action       Action `json:"action"`
	InsightDraft Draft  `json:"insight_draft"`
	Existing     bool   `json:"existing"`
}

// Event represents a journal entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// AddSignal captures one signal.
func (c *Client) AddSignal(ctx context.Context, in SignalInput) (Signal, error) {
	var resp Signal
	err := c.do(ctx, http.MethodPost, "v0/signals", in, &resp)
	return resp, err
}

// Signal fetches a signal by id.
func (c *Client) Signal(ctx context.Context, id string) (Signal, error) {
	var resp Signal
	err := c.do(ctx, http.MethodGet, "v0/signals/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Decide records a gate decision.
func (c *Client) Decide(ctx context.Context, d Decision) (DecisionResult, error) {
	var resp DecisionResult
	err := c.do(ctx, http.MethodPost, "v0/decisions", d, &resp)
	return resp, err
}

// ListDrafts lists drafts of kind ("lti" or "rti"), optionally by status.
func (c *Client) ListDrafts(ctx context.Context, kind, status string) ([]Draft, error) {
	endpoint := "v0/drafts/" + url.PathEscape(kind)
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Items []Draft `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Publish publishes a draft and returns its final vault path.
func (c *Client) Publish(ctx context.Context, kind, id, notes string) (string, error) {
	var resp struct {
		FinalVaultPath string `json:"final_vault_path"`
	}
	endpoint := fmt.Sprintf("v0/drafts/%s/%s/publish", url.PathEscape(kind), url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"notes": notes}, &resp)
	return resp.FinalVaultPath, err
}

// Reject rejects a draft in place.
func (c *Client) Reject(ctx context.Context, kind, id, reason string) (Draft, error) {
	var resp Draft
	endpoint := fmt.Sprintf("v0/drafts/%s/%s/reject", url.PathEscape(kind), url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"notes": reason}, &resp)
	return resp, err
}

// RunDeepening processes up to limit queued deepening tasks.
func (c *Client) RunDeepening(ctx context.Context, limit int) (DeepenReport, error) {
	var resp DeepenReport
	err := c.do(ctx, http.MethodPost, "v0/deepening/run", map[string]any{"limit": limit}, &resp)
	return resp, err
}

// GenerateAction creates an action for signalID, or the top signal when empty.
func (c *Client) GenerateAction(ctx context.Context, signalID, goal string) (Action, error) {
	var resp Action
	err := c.do(ctx, http.MethodPost, "v0/actions", map[string]any{"signal_id": signalID, "goal": goal}, &resp)
	return resp, err
}

func (c *Client) ApplyWriteback(ctx context.Context, actionID string) (Writeback, error) {
	var resp Writeback
	err := c.do(ctx, http.MethodPost, "v0/actions/writeback", map[string]any{"action_id": actionID}, &resp)
	return resp, err
}

// Events lists recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage lists events older than cursor.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/events"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
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

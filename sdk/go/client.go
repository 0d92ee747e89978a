package agentforgesdk

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

// Client is a minimal AgentForge HTTP API client.
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

// Agent represents the API agent model (partial).
type Agent struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Status       string   `json:"status"`
	Integrations []string `json:"integrations,omitempty"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
}

// LogEntry is one run log line.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	NodeID    string `json:"node_id,omitempty"`
}

// Run represents a simulation run record.
type Run struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	Status    string         `json:"status"`
	StartTime string         `json:"start_time"`
	EndTime   string         `json:"end_time,omitempty"`
	Logs      []LogEntry     `json:"logs"`
	Metrics   map[string]any `json:"metrics,omitempty"`
}

// RouteResult is the dispatcher's answer.
type RouteResult struct {
	Result string `json:"result"`
	Agent  string `json:"agent"`
}

// ItemCheck is one line-item stock result.
type ItemCheck struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	InStock   bool   `json:"in_stock"`
	Failed    bool   `json:"failed,omitempty"`
	Detail    string `json:"detail"`
}

// FulfillmentReport is the outcome of a fulfillment pass.
type FulfillmentReport struct {
	OrderID string      `json:"order_id"`
	Status  string      `json:"status"`
	Items   []ItemCheck `json:"items"`
	Message string      `json:"message"`
}

// Event represents a journal entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	AgentID    string `json:"agent_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateAgent creates an agent.
func (c *Client) CreateAgent(ctx context.Context, name, description string) (Agent, error) {
	body := map[string]any{
		"name":        name,
		"description": description,
	}
	var resp Agent
	err := c.do(ctx, http.MethodPost, "v1/agents", body, &resp)
	return resp, err
}

// GetAgent fetches one agent.
func (c *Client) GetAgent(ctx context.Context, id string) (Agent, error) {
	var resp Agent
	err := c.do(ctx, http.MethodGet, "v1/agents/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListAgents returns all agents.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var resp []Agent
	err := c.do(ctx, http.MethodGet, "v1/agents", nil, &resp)
	return resp, err
}

// Simulate starts a run and returns its initial record.
func (c *Client) Simulate(ctx context.Context, agentID, mockDataID string) (Run, error) {
	body := map[string]any{}
	if mockDataID != "" {
		body["mock_data_id"] = mockDataID
	}
	var resp Run
	err := c.do(ctx, http.MethodPost, "v1/agents/"+url.PathEscape(agentID)+"/simulate", body, &resp)
	return resp, err
}

// GetRun fetches a run record.
func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, "v1/runs/"+url.PathEscape(runID), nil, &resp)
	return resp, err
}

// CancelRun aborts an in-flight run.
func (c *Client) CancelRun(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, "v1/runs/"+url.PathEscape(runID)+"/cancel", nil, &resp)
	return resp, err
}

// WaitRun polls until the run reaches a terminal state or ctx expires.
func (c *Client) WaitRun(ctx context.Context, runID string, interval time.Duration) (Run, error) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	for {
		run, err := c.GetRun(ctx, runID)
		if err != nil {
			return Run{}, err
		}
		if run.Status == "success" || run.Status == "error" {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return Run{}, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Route sends a free-text request through the dispatcher. agent may be empty
// to let the classifier decide.
func (c *Client) Route(ctx context.Context, query, agent string) (RouteResult, error) {
	body := map[string]any{"query": query}
	if agent != "" {
		body["agent"] = agent
	}
	var resp RouteResult
	err := c.do(ctx, http.MethodPost, "v1/dispatch", body, &resp)
	return resp, err
}

// Fulfill runs the order fulfillment pipeline.
func (c *Client) Fulfill(ctx context.Context, orderID string) (FulfillmentReport, error) {
	var resp FulfillmentReport
	err := c.do(ctx, http.MethodPost, "v1/fulfillment", map[string]any{"order_id": orderID}, &resp)
	return resp, err
}

// Events returns recent journal events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v1/events"
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

package missioncoresdk

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

// Client is a minimal Mission Core HTTP API client.
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

// Mission represents the API mission model (partial).
type Mission struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	Type       string `json:"type"`
	State      string `json:"state"`
	Priority   int    `json:"priority"`
	CrewID     string `json:"crew_id,omitempty"`
	RetryCount int    `json:"retry_count"`
}

// MissionDetail wraps a mission with progress and its recent events.
type MissionDetail struct {
	Mission  Mission `json:"mission"`
	Progress float64 `json:"progress"`
	Events   []Event `json:"recent_events,omitempty"`
}

// DomainIdentity represents a sending domain.
type DomainIdentity struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Tier       string  `json:"tier"`
	Reputation float64 `json:"reputation"`
	Status     string  `json:"status"`
}

// Event represents a log entry.
type Event struct {
	ID        int64  `json:"id"`
	Topic     string `json:"topic"`
	Type      string `json:"type"`
	MissionID string `json:"mission_id,omitempty"`
	Payload   string `json:"payload_json"`
	EmittedAt string `json:"emitted_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitMission submits a mission and returns its id.
func (c *Client) SubmitMission(ctx context.Context, missionType string, priority int, payload map[string]any) (string, error) {
	body := map[string]any{
		"type":     missionType,
		"priority": priority,
	}
	if payload != nil {
		body["payload"] = payload
	}
	var resp struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, "v0/missions", body, &resp)
	return resp.ID, err
}

// Mission fetches one mission with progress and recent events.
func (c *Client) Mission(ctx context.Context, id string) (MissionDetail, error) {
	var resp MissionDetail
	endpoint := fmt.Sprintf("v0/missions/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Missions lists the calling tenant's missions.
func (c *Client) Missions(ctx context.Context, state string, limit int) ([]Mission, error) {
	endpoint := "v0/missions"
	params := url.Values{}
	if state != "" {
		params.Set("state", state)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprint(limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp struct {
		Missions []Mission `json:"missions"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Missions, err
}

// CancelMission cancels a queued or assigned mission.
func (c *Client) CancelMission(ctx context.Context, id string) (Mission, error) {
	var resp Mission
	endpoint := fmt.Sprintf("v0/missions/%s/cancel", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Domains lists sending domains.
func (c *Client) Domains(ctx context.Context) ([]DomainIdentity, error) {
	var resp struct {
		Domains []DomainIdentity `json:"domains"`
	}
	err := c.do(ctx, http.MethodGet, "v0/domains", nil, &resp)
	return resp.Domains, err
}

// Events pages the durable event log from a cursor.
func (c *Client) Events(ctx context.Context, after int64, topic string, limit int) ([]Event, int64, error) {
	params := url.Values{}
	if after > 0 {
		params.Set("after", fmt.Sprint(after))
	}
	if topic != "" {
		params.Set("topic", topic)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "v0/events"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp struct {
		Events []Event `json:"events"`
		Cursor int64   `json:"cursor"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Events, resp.Cursor, err
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

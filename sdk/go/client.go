// Package hubsdk is a small client for the transition hub HTTP API.
package hubsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Client talks to one hub deployment. BaseURL includes the API base path,
// e.g. http://localhost:8080/v1.
type Client struct {
	BaseURL     string
	ActorID     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
	// ConflictRetries bounds how often ApplyTransition retries a version
	// conflict. Zero means the default of 3.
	ConflictRetries int
}

// New creates a client with sane defaults.
func New(baseURL, actorID string) *Client {
	return &Client{
		BaseURL: baseURL,
		ActorID: actorID,
		Timeout: 10 * time.Second,
	}
}

type Lease struct {
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Transition mirrors the API's transition record.
type Transition struct {
	ID              string         `json:"id"`
	OriginArea      string         `json:"origin_area"`
	DestinationArea string         `json:"destination_area"`
	TriggerKind     string         `json:"trigger_kind"`
	Payload         map[string]any `json:"payload"`
	Status          string         `json:"status"`
	CompletedAt     *time.Time     `json:"completed_at"`
	ErrorMessage    *string        `json:"error_message"`
	Executing       bool           `json:"executing"`
	Lease           *Lease         `json:"lease,omitempty"`
	Version         int64          `json:"version"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

type Event struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Status    string         `json:"status"`
	Subject   string         `json:"subject,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type ActivityEntry struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	Summary      string    `json:"summary"`
	OccurredAt   time.Time `json:"occurredAt"`
	SeverityHint string    `json:"severityHint"`
}

type Summary struct {
	Pending         map[string]int  `json:"pending"`
	PreferredSource string          `json:"preferredSource"`
	RecentActivity  []ActivityEntry `json:"recentActivity"`
	GeneratedAt     time.Time       `json:"generatedAt"`
}

type CreateTransition struct {
	ID              string         `json:"id,omitempty"`
	OriginArea      string         `json:"origin_area"`
	DestinationArea string         `json:"destination_area"`
	TriggerKind     string         `json:"trigger_kind"`
	Payload         map[string]any `json:"payload,omitempty"`
}

type ApplyTransition struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Note         string `json:"note,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Action       string `json:"action,omitempty"`
}

type EmitEvent struct {
	ID      string         `json:"id,omitempty"`
	Kind    string         `json:"kind"`
	Subject string         `json:"subject,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

type TransitionFilter struct {
	Status      string
	FromArea    string
	ToArea      string
	TriggerKind string
	Limit       int
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

// IsCode reports whether err is an APIError with the given error code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// ListTransitions returns transitions newest first.
func (c *Client) ListTransitions(ctx context.Context, f TransitionFilter) ([]Transition, error) {
	q := url.Values{}
	setQuery(q, "status", f.Status)
	setQuery(q, "from_area", f.FromArea)
	setQuery(q, "to_area", f.ToArea)
	setQuery(q, "trigger_kind", f.TriggerKind)
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	endpoint := "transitions"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Transition
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetTransition fetches one transition.
func (c *Client) GetTransition(ctx context.Context, id string) (Transition, error) {
	var resp Transition
	err := c.do(ctx, http.MethodGet, "transitions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// CreateTransition records a pending handoff.
func (c *Client) CreateTransition(ctx context.Context, in CreateTransition) (Transition, error) {
	var resp Transition
	err := c.do(ctx, http.MethodPost, "transitions", in, &resp)
	return resp, err
}

// ApplyTransition changes a transition's status. Version conflicts reported
// by the server are retried with exponential backoff; every other error is
// returned as is.
func (c *Client) ApplyTransition(ctx context.Context, in ApplyTransition) (Transition, error) {
	retries := c.ConflictRetries
	if retries <= 0 {
		retries = 3
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second
	var resp Transition
	err := backoff.Retry(func() error {
		err := c.do(ctx, http.MethodPatch, "transitions", in, &resp)
		if err != nil && !IsCode(err, "conflict") {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), ctx))
	return resp, err
}

// Execute asks the server to run a pending transition now. A record held by
// a worker fails with code already_leased.
func (c *Client) Execute(ctx context.Context, id string) (Transition, error) {
	var resp Transition
	err := c.do(ctx, http.MethodPost, "transitions/"+url.PathEscape(id)+"/execute", nil, &resp)
	return resp, err
}

// ListEvents returns events newest first.
func (c *Client) ListEvents(ctx context.Context, status, kind string, limit int) ([]Event, error) {
	q := url.Values{}
	setQuery(q, "status", status)
	setQuery(q, "kind", kind)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// EmitEvent records an event.
func (c *Client) EmitEvent(ctx context.Context, in EmitEvent) (Event, error) {
	var resp Event
	err := c.do(ctx, http.MethodPost, "events", in, &resp)
	return resp, err
}

// ResolveEvent marks an event resolved.
func (c *Client) ResolveEvent(ctx context.Context, id string) (Event, error) {
	var resp Event
	err := c.do(ctx, http.MethodPost, "events/"+url.PathEscape(id)+"/resolve", nil, &resp)
	return resp, err
}

// Summary returns pending counts per source and the recent activity feed.
func (c *Client) Summary(ctx context.Context) (Summary, error) {
	var resp Summary
	err := c.do(ctx, http.MethodGet, "hub/summary", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
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

func setQuery(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

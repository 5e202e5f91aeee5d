package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"transithub/internal/domain"
)

const defaultWebhookTimeout = 10 * time.Second

// Destination is where records bound for one area are delivered.
type Destination struct {
	URL     string
	Secret  string
	Timeout time.Duration
}

// Webhook POSTs the record to the destination area's endpoint and reads the
// created artifact's reference from the response.
type Webhook struct {
	Destinations map[string]Destination
	Client       *http.Client
}

type webhookRequest struct {
	ID              string         `json:"id"`
	OriginArea      string         `json:"origin_area"`
	DestinationArea string         `json:"destination_area"`
	TriggerKind     string         `json:"trigger_kind"`
	Payload         map[string]any `json:"payload"`
	CreatedAt       time.Time      `json:"created_at"`
}

type webhookResponse struct {
	ExecutionRef string         `json:"execution_ref"`
	Fields       map[string]any `json:"fields,omitempty"`
}

func (w Webhook) Handles(area string) bool {
	dest, ok := w.Destinations[area]
	return ok && strings.TrimSpace(dest.URL) != ""
}

func (w Webhook) Execute(ctx context.Context, rec domain.TransitionRecord) (domain.ExecutionResult, error) {
	dest, ok := w.Destinations[rec.DestinationArea]
	if !ok || strings.TrimSpace(dest.URL) == "" {
		return domain.ExecutionResult{}, fmt.Errorf("%w: %s", ErrNoDestination, rec.DestinationArea)
	}
	data, err := json.Marshal(webhookRequest{
		ID:              rec.ID,
		OriginArea:      rec.OriginArea,
		DestinationArea: rec.DestinationArea,
		TriggerKind:     rec.TriggerKind,
		Payload:         rec.Payload.Map(),
		CreatedAt:       rec.CreatedAt,
	})
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	timeout := dest.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.URL, bytes.NewReader(data))
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Hub-Transition", rec.ID)
	req.Header.Set("X-Hub-Trigger", rec.TriggerKind)
	req.Header.Set("Idempotency-Key", rec.ID+"-"+strconv.Itoa(len(rec.Payload.Audit.PreviousExecutions)))
	if strings.TrimSpace(dest.Secret) != "" {
		req.Header.Set("X-Hub-Secret", dest.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return domain.ExecutionResult{}, fmt.Errorf("%s responded %d: %s", rec.DestinationArea, res.StatusCode, strings.TrimSpace(string(body)))
	}
	var out webhookResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("decode %s response: %w", rec.DestinationArea, err)
	}
	if strings.TrimSpace(out.ExecutionRef) == "" {
		return domain.ExecutionResult{}, fmt.Errorf("%s response carries no execution_ref", rec.DestinationArea)
	}
	return domain.ExecutionResult{Ref: out.ExecutionRef, Fields: out.Fields}, nil
}

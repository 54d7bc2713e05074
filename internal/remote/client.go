// Package remote speaks to the store-management authority: session
// negotiation, session completion, and push delivery of outbox entries.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/retailpoint/storesync/internal/domain"
	"github.com/retailpoint/storesync/internal/session"
)

const (
	// maxResponseBytes caps how much of a remote response is read and
	// recorded as diagnostic context.
	maxResponseBytes = 64 * 1024

	requestTimeout = 10 * time.Second
)

// pushOutcome is what one push round-trip yields, breaker-wrapped.
type pushOutcome struct {
	StatusCode int
	Body       []byte
}

// Client is the HTTP client for the remote authority.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[pushOutcome]
	logger     *slog.Logger
}

func NewClient(baseURL string, logger *slog.Logger) *Client {
	breaker := gobreaker.NewCircuitBreaker[pushOutcome](gobreaker.Settings{
		Name:    "remote-push",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("remote circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
		breaker: breaker,
		logger:  logger,
	}
}

type negotiateRequest struct {
	TenantID string `json:"tenant_id"`
}

type negotiateResponse struct {
	SessionID        string `json:"session_id"`
	RevocationStatus string `json:"revocation_status"`
	PullPendingCount int    `json:"pull_pending_count"`
	LockoutMessage   string `json:"lockout_message,omitempty"`
}

// Negotiate opens a sync session for the tenant.
func (c *Client) Negotiate(ctx context.Context, tenantID string) (*session.Negotiation, error) {
	var resp negotiateResponse
	status, err := c.postJSON(ctx, "/sync/sessions", negotiateRequest{TenantID: tenantID}, &resp)
	if err != nil {
		return nil, fmt.Errorf("negotiating session: %w", err)
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return nil, fmt.Errorf("negotiating session: remote returned %d", status)
	}
	if resp.SessionID == "" || resp.RevocationStatus == "" {
		// A session without a revocation status must never circulate.
		return nil, fmt.Errorf("negotiating session: malformed response, missing session_id or revocation_status")
	}

	return &session.Negotiation{
		SessionID:        resp.SessionID,
		RevocationStatus: session.RevocationStatus(resp.RevocationStatus),
		PullPendingCount: resp.PullPendingCount,
		LockoutMessage:   resp.LockoutMessage,
	}, nil
}

type completeRequest struct {
	TenantID          string `json:"tenant_id"`
	Pulled            int    `json:"pulled"`
	Pushed            int    `json:"pushed"`
	Errors            int    `json:"errors"`
	ConflictsResolved int    `json:"conflicts_resolved"`
}

// Complete closes a sync session, submitting the cycle's final stats.
func (c *Client) Complete(ctx context.Context, tenantID, sessionID string, stats session.Stats) error {
	status, err := c.postJSON(ctx, "/sync/sessions/"+sessionID+"/complete", completeRequest{
		TenantID:          tenantID,
		Pulled:            stats.Pulled,
		Pushed:            stats.Pushed,
		Errors:            stats.Errors,
		ConflictsResolved: stats.ConflictsResolved,
	}, nil)
	if err != nil {
		return fmt.Errorf("completing session: %w", err)
	}
	if status >= 400 {
		return fmt.Errorf("completing session: remote returned %d", status)
	}
	return nil
}

type pushRequest struct {
	SessionID  string           `json:"session_id"`
	TenantID   string           `json:"tenant_id"`
	EntryID    string           `json:"entry_id"`
	EntityType string           `json:"entity_type"`
	EntityID   string           `json:"entity_id"`
	Operation  domain.Operation `json:"operation"`
	Payload    json.RawMessage  `json:"payload"`
}

// PushResponse is the remote authority's reply to a push delivery.
type PushResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Push delivers one outbox entry within a session. The HTTP status and
// raw body are returned for classification and diagnostics even when
// parsing fails.
func (c *Client) Push(ctx context.Context, sessionID string, entry *domain.OutboxEntry) (*PushResponse, int, string, error) {
	payload, err := json.Marshal(pushRequest{
		SessionID:  sessionID,
		TenantID:   entry.TenantID,
		EntryID:    entry.ID,
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		Operation:  entry.Operation,
		Payload:    entry.Payload,
	})
	if err != nil {
		return nil, 0, "", fmt.Errorf("marshaling push request: %w", err)
	}

	outcome, err := c.breaker.Execute(func() (pushOutcome, error) {
		return c.doPush(ctx, payload)
	})
	if err != nil {
		return nil, outcome.StatusCode, string(outcome.Body), err
	}

	body := string(outcome.Body)
	var resp PushResponse
	if err := json.Unmarshal(outcome.Body, &resp); err != nil {
		return nil, outcome.StatusCode, body, fmt.Errorf("parsing push response: %w", err)
	}
	return &resp, outcome.StatusCode, body, nil
}

func (c *Client) doPush(ctx context.Context, payload []byte) (pushOutcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sync/push", bytes.NewReader(payload))
	if err != nil {
		return pushOutcome{}, fmt.Errorf("creating push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return pushOutcome{}, fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	outcome := pushOutcome{StatusCode: resp.StatusCode, Body: body}

	// 5xx counts against the breaker; 4xx is the caller's problem.
	if resp.StatusCode >= 500 {
		return outcome, fmt.Errorf("remote returned %d", resp.StatusCode)
	}
	return outcome, nil
}

func (c *Client) postJSON(ctx context.Context, path string, reqBody, respBody any) (int, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return 0, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if respBody != nil && resp.StatusCode < 300 {
		if err := json.Unmarshal(body, respBody); err != nil {
			return resp.StatusCode, fmt.Errorf("parsing response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// Package mediator is an HTTP/JSON client for the cross-service coordinator
// that issues leases and records actions. Its own wire protocol belongs to
// the sibling service; only the four operations used by the job engine are
// modeled here.
package mediator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/oriys/osmdbt-worker/internal/joberr"
	"github.com/oriys/osmdbt-worker/internal/observability"
)

// Config holds the HTTP client options for reaching the mediator.
type Config struct {
	BaseURL   string
	ServiceID string
	Timeout   time.Duration
	Retries   uint
}

// Client talks to the mediator over HTTP, retrying every request (including
// the non-idempotent CreateAction POST) with exponential backoff.
type Client struct {
	cfg  Config
	http *http.Client
}

// New constructs a Client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// ActionStatus is the lifecycle state the mediator assigns to an Action.
type ActionStatus string

const (
	StatusCompleted ActionStatus = "COMPLETED"
	StatusFailed    ActionStatus = "FAILED"
)

// Action is the mediator-owned record of one attempt to advance the
// sequence from S to S'.
type Action struct {
	ID    string `json:"id"`
	State uint64 `json:"state"`
}

// ReserveAccess acquires the cross-service lease. Its failure aborts the job
// with GeneralError.
func (c *Client) ReserveAccess(ctx context.Context) error {
	_, err := c.doRetrying(ctx, http.MethodPost, "/reserve-access", map[string]string{
		"serviceId": c.cfg.ServiceID,
	})
	if err != nil {
		return joberr.Tag(joberr.KindGeneral, "reserveAccess", err)
	}
	return nil
}

// CreateAction announces that this service intends to advance the pointer
// to endSequence, returning the mediator-assigned Action.
func (c *Client) CreateAction(ctx context.Context, endSequence uint64) (*Action, error) {
	body, err := c.doRetrying(ctx, http.MethodPost, "/actions", map[string]any{
		"serviceId": c.cfg.ServiceID,
		"state":     endSequence,
	})
	if err != nil {
		return nil, joberr.Tag(joberr.KindGeneral, "createAction", err)
	}

	var action Action
	if err := json.Unmarshal(body, &action); err != nil {
		return nil, joberr.Tag(joberr.KindGeneral, "createAction decode", err)
	}
	return &action, nil
}

// UpdateAction transitions an Action to a terminal status with optional
// metadata. Callers on the best-effort paths (removeLock, FAILED updates)
// are expected to swallow the returned error themselves.
func (c *Client) UpdateAction(ctx context.Context, actionID string, status ActionStatus, metadata map[string]any) error {
	payload := map[string]any{"status": status}
	for k, v := range metadata {
		payload[k] = v
	}
	_, err := c.doRetrying(ctx, http.MethodPatch, "/actions/"+actionID, payload)
	if err != nil {
		return joberr.Tag(joberr.KindGeneral, "updateAction", err)
	}
	return nil
}

// RemoveLock releases the cross-service lease. Always called best-effort by
// the job engine; callers swallow the returned error.
func (c *Client) RemoveLock(ctx context.Context) error {
	_, err := c.doRetrying(ctx, http.MethodDelete, "/lock", map[string]string{
		"serviceId": c.cfg.ServiceID,
	})
	if err != nil {
		return joberr.Tag(joberr.KindGeneral, "removeLock", err)
	}
	return nil
}

func (c *Client) doRetrying(ctx context.Context, method, path string, payload any) ([]byte, error) {
	op := func() ([]byte, error) {
		return c.do(ctx, method, path, payload)
	}

	maxTries := c.cfg.Retries + 1
	return backoff.Retry(ctx, op, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(maxTries))
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-Id", uuid.NewString())

	if tc := observability.ExtractTraceContext(ctx); tc.TraceParent != "" {
		req.Header.Set("traceparent", tc.TraceParent)
		if tc.TraceState != "" {
			req.Header.Set("tracestate", tc.TraceState)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("mediator %s %s: status %d: %s", method, path, resp.StatusCode, respBody)
	}
	return respBody, nil
}

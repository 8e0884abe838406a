// Package client triggers prepare runs on a pipeline worker over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tendant/deepmath-pipeline/pkg/pipeline"
)

// Client is an HTTP client for triggering prepare runs
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new pipeline client
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// NewWithHTTPClient creates a new pipeline client with a custom HTTP client
func NewWithHTTPClient(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
	}
}

// Prepare triggers a prepare run. Workers answer 202 after enqueueing; the
// standalone server answers 200 once the run has finished.
func (c *Client) Prepare(ctx context.Context, req pipeline.PrepareRequest) (*pipeline.PrepareResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/prepare", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var prepareResp pipeline.PrepareResponse
	if err := c.do(httpReq, &prepareResp, http.StatusOK, http.StatusAccepted); err != nil {
		return nil, err
	}
	return &prepareResp, nil
}

// Status returns the status of an asynchronous run
func (c *Client) Status(ctx context.Context, runID string) (*pipeline.RunStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/runs/"+url.PathEscape(runID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	var status pipeline.RunStatus
	if err := c.do(httpReq, &status, http.StatusOK); err != nil {
		return nil, err
	}
	return &status, nil
}

// Wait polls the status of runID until it reaches a terminal state or ctx ends.
func (c *Client) Wait(ctx context.Context, runID string, interval time.Duration) (*pipeline.RunStatus, error) {
	var status *pipeline.RunStatus

	poll := func() error {
		s, err := c.Status(ctx, runID)
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) && se.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		status = s
		if !s.Done() {
			return fmt.Errorf("run %s is %s", runID, s.State)
		}
		return nil
	}

	policy := backoff.NewConstantBackOff(interval)
	if err := backoff.Retry(poll, backoff.WithContext(policy, ctx)); err != nil {
		return status, err
	}
	return status, nil
}

// StatusError is returned for unexpected HTTP responses
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

func (c *Client) do(req *http.Request, out interface{}, accept ...int) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	ok := false
	for _, code := range accept {
		if resp.StatusCode == code {
			ok = true
			break
		}
	}
	if !ok {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(bodyBytes))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
// Package upstream is a typed REST client for the reporting service.
// It covers the three endpoints the MCP toolset needs: listing report
// definitions, submitting a run, and polling run status.
package upstream

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

	"go.uber.org/zap"
)

const defaultTimeout = 30 * time.Second

// maxResponseBytes caps how much of an upstream response we read.
const maxResponseBytes = 16 * 1024 * 1024

// Run lifecycle states reported by the service.
const (
	RunStatusQueued    = "queued"
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
)

// Report is a report definition registered with the reporting service.
type Report struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// Run is a single execution of a report.
type Run struct {
	ID          string                 `json:"id"`
	ReportID    string                 `json:"report_id"`
	Status      string                 `json:"status"`
	SubmittedAt time.Time              `json:"submitted_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ResultURL   string                 `json:"result_url,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// APIError is a non-2xx response decoded from the service's error
// envelope: {"error": {"code": "...", "message": "..."}}.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("upstream: HTTP %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("upstream: HTTP %d: %s", e.StatusCode, e.Message)
}

// Config holds configuration for the reporting client.
type Config struct {
	// BaseURL is the root URL of the reporting service. Required.
	BaseURL string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// Timeout bounds each request. Defaults to 30s. Ignored when
	// HTTPClient is provided.
	Timeout time.Duration

	// HTTPClient overrides the default client, e.g. for tests.
	HTTPClient *http.Client

	// Logger defaults to zap.NewNop().
	Logger *zap.Logger
}

// Client talks to the reporting service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a reporting client from cfg.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("upstream: BaseURL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("upstream: invalid BaseURL: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// ListReports returns every report definition the caller may run.
func (c *Client) ListReports(ctx context.Context) ([]Report, error) {
	var result struct {
		Reports []Report `json:"reports"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/reports", nil, &result); err != nil {
		return nil, err
	}
	return result.Reports, nil
}

// RunReport submits a run of the given report and returns the queued run.
func (c *Client) RunReport(ctx context.Context, reportID string, params map[string]interface{}) (*Run, error) {
	if reportID == "" {
		return nil, fmt.Errorf("upstream: report ID is required")
	}

	body := struct {
		Parameters map[string]interface{} `json:"parameters,omitempty"`
	}{Parameters: params}

	var run Run
	path := "/api/v1/reports/" + url.PathEscape(reportID) + "/runs"
	if err := c.do(ctx, http.MethodPost, path, body, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRun returns the current state of a run.
func (c *Client) GetRun(ctx context.Context, runID string) (*Run, error) {
	if runID == "" {
		return nil, fmt.Errorf("upstream: run ID is required")
	}

	var run Run
	if err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(runID), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// do executes one request against the service and decodes the JSON
// response into out. Non-2xx responses come back as *APIError.
func (c *Client) do(ctx context.Context, method, path string, requestBody, out interface{}) error {
	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("upstream: encoding request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("upstream: creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	c.logger.Debug("upstream request",
		zap.String("method", method),
		zap.String("path", path))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upstream: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("upstream: reading response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := decodeAPIError(resp.StatusCode, respBody)
		c.logger.Warn("upstream request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", apiErr.StatusCode),
			zap.String("code", apiErr.Code))
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("upstream: decoding response: %w", err)
		}
	}
	return nil
}

// decodeAPIError parses the service's error envelope, falling back to
// the raw body when the envelope is absent or malformed.
func decodeAPIError(statusCode int, body []byte) *APIError {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return &APIError{
			StatusCode: statusCode,
			Code:       envelope.Error.Code,
			Message:    envelope.Error.Message,
		}
	}

	message := strings.TrimSpace(string(body))
	if message == "" {
		message = http.StatusText(statusCode)
	}
	return &APIError{StatusCode: statusCode, Message: message}
}

// Package client provides HTTP client functionality to communicate with a
// running cryorun daemon.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to the daemon's HTTP surface.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8873",
		Timeout: 10 * time.Second,
	}
}

// New creates a new cryorun API client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the daemon is running and reachable.
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Status returns fleet, sequence and interlock state.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var out StatusResponse
	if err := c.getJSON(ctx, "/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Snapshot returns the scalar state deep-copy.
func (c *Client) Snapshot(ctx context.Context) (Snapshot, error) {
	var out Snapshot
	if err := c.getJSON(ctx, "/snapshot", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Errors returns the daemon's recent error events.
func (c *Client) Errors(ctx context.Context) ([]ErrorEvent, error) {
	var out []ErrorEvent
	if err := c.getJSON(ctx, "/errors", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RunSequence submits a sequence file body for execution.
func (c *Client) RunSequence(ctx context.Context, text string) error {
	return c.do(ctx, http.MethodPost, "/sequence/run", strings.NewReader(text), "text/plain")
}

// PauseSequence pauses the running sequence; idempotent.
func (c *Client) PauseSequence(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/sequence/pause", nil, "")
}

// ContinueSequence resumes a paused sequence.
func (c *Client) ContinueSequence(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/sequence/continue", nil, "")
}

// AbortSequence requests cooperative cancellation.
func (c *Client) AbortSequence(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/sequence/abort", nil, "")
}

// ApplySlot runs one slot on one worker.
func (c *Client) ApplySlot(ctx context.Context, req SlotRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, "/devices/slot", bytes.NewReader(data), "application/json")
}

// StopDevice stops one worker and parks it for a later StartDevice.
func (c *Client) StopDevice(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/devices/stop?name="+url.QueryEscape(name), nil, "")
}

// StartDevice relaunches a previously stopped worker.
func (c *Client) StartDevice(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/devices/start?name="+url.QueryEscape(name), nil, "")
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return apiError(resp)
	}
	return nil
}

func apiError(resp *http.Response) error {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error != "" {
		return fmt.Errorf("daemon: %s (status %d)", e.Error, resp.StatusCode)
	}
	return fmt.Errorf("daemon: unexpected status %d", resp.StatusCode)
}

package inventory

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"nocwatch/internal/config"
	"nocwatch/internal/domain"
)

// Client pulls device snapshots from the inventory API.
// Params: base URL, auth token, and HTTP client with request timeout.
// Returns: inventory source for reconciliation cycles.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// PullResult carries one inventory pull outcome.
// Params: normalized snapshots, skipped record count, and API round-trip latency.
// Returns: cycle input plus source health metadata.
type PullResult struct {
	Devices    []domain.DeviceSnapshot
	Skipped    int
	APILatency time.Duration
}

// NewClient creates inventory API client.
// Params: inventory section config.
// Returns: initialized client.
func NewClient(cfg config.InventoryConfig) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Timeout: cfg.Timeout()},
	}
}

// Pull fetches and normalizes the current device list.
// Params: request context.
// Returns: pull result or source-unreachable error (cycle must abort).
func (c *Client) Pull(ctx context.Context) (PullResult, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/nms/api/v2.1/devices", nil)
	if err != nil {
		return PullResult{}, fmt.Errorf("build inventory request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	request.Header.Set("x-auth-token", c.token)

	start := time.Now()
	response, err := c.client.Do(request)
	if err != nil {
		return PullResult{}, fmt.Errorf("inventory request: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return PullResult{}, fmt.Errorf("inventory request: unexpected status %d", response.StatusCode)
	}

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return PullResult{}, fmt.Errorf("read inventory response: %w", err)
	}
	apiLatency := time.Since(start)

	devices, skipped, err := Normalize(body)
	if err != nil {
		return PullResult{}, err
	}
	return PullResult{Devices: devices, Skipped: skipped, APILatency: apiLatency}, nil
}

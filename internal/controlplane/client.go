package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ronak4/Ronak-Raisingani-RAG/internal/coordinator"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/models"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/progress"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the control plane API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates an API client. A bare host:port gets an http scheme.
func NewClient(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		baseURL:    strings.TrimRight(addr, "/"),
		httpClient: &http.Client{Timeout: DefaultClientTimeout},
	}
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			if resp.StatusCode == http.StatusNotFound {
				return fmt.Errorf("%w: %s", ErrNotFound, apiErr.Error)
			}
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

// Health returns the health payload. A 503 still decodes the payload and
// returns it alongside the error.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to parse health response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &health, fmt.Errorf("health check failed (status %d): %s", resp.StatusCode, health.Store)
	}
	return &health, nil
}

// Stats fetches processing counters and queue depths.
func (c *Client) Stats(ctx context.Context) (*StatsResponse, error) {
	var out StatsResponse
	if err := c.do(ctx, http.MethodGet, "/stats", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Items fetches per-item progress.
func (c *Client) Items(ctx context.Context) ([]coordinator.ItemProgress, error) {
	var out []coordinator.ItemProgress
	if err := c.do(ctx, http.MethodGet, "/items", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Item fetches one item's detail.
func (c *Client) Item(ctx context.Context, id string) (*ItemDetail, error) {
	var out ItemDetail
	if err := c.do(ctx, http.MethodGet, "/items/"+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Workers fetches worker heartbeats.
func (c *Client) Workers(ctx context.Context) ([]models.WorkerStatus, error) {
	var out []models.WorkerStatus
	if err := c.do(ctx, http.MethodGet, "/workers", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Progress fetches the serving process's task timings.
func (c *Client) Progress(ctx context.Context) (*progress.Stats, error) {
	var out progress.Stats
	if err := c.do(ctx, http.MethodGet, "/progress", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reseed asks the server to re-publish an item's missing work.
func (c *Client) Reseed(ctx context.Context, id string, aggregate bool) (*ReseedResponse, error) {
	path := "/items/" + url.PathEscape(id) + "/reseed"
	if aggregate {
		path = "/items/" + url.PathEscape(id) + "/aggregate"
	}
	var out ReseedResponse
	if err := c.do(ctx, http.MethodPost, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Package congress is the bill-data collaborator: a Congress.gov v3 REST
// client with an on-disk response cache.
package congress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ronak4/Ronak-Raisingani-RAG/internal/models"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ErrDataFetch is returned when a bill cannot be fetched or parsed.
var ErrDataFetch = errors.New("data fetch error")

// Provider returns a normalized record for a bill id. Workers depend on this.
type Provider interface {
	FetchBill(ctx context.Context, billID string) (*models.BillData, error)
}

// APIRecorder receives the duration of each network request.
type APIRecorder interface {
	RecordAPICall(d time.Duration)
}

// Config configures the client.
type Config struct {
	BaseURL     string
	APIKey      string
	UserAgent   string
	CacheDir    string
	CacheTTL    time.Duration
	MinInterval time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
	Timeout     time.Duration
	Congress    string
}

// DefaultConfig returns the public API endpoint with a 24h cache.
func DefaultConfig() Config {
	return Config{
		BaseURL:     "https://api.congress.gov/v3",
		UserAgent:   "RAG-News-Generator/1.0",
		CacheDir:    "cache",
		CacheTTL:    24 * time.Hour,
		MinInterval: 100 * time.Millisecond,
		MaxAttempts: 3,
		RetryDelay:  5 * time.Second,
		Timeout:     30 * time.Second,
		Congress:    "118",
	}
}

// Client implements Provider.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	recorder   APIRecorder
	logger     *slog.Logger
}

var _ Provider = (*Client)(nil)

// New builds a client. recorder may be nil. An empty CacheDir disables caching.
func New(cfg Config, recorder APIRecorder, logger *slog.Logger) *Client {
	d := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = d.BaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.UserAgent == "" {
		cfg.UserAgent = d.UserAgent
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = d.CacheTTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.Congress == "" {
		cfg.Congress = d.Congress
	}
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, 1),
		recorder:   recorder,
		logger:     logger.With("component", "congress"),
	}
}

// ParseBillID splits ids like "H.R.1", "S.24", "H.RES.353" and "S.RES.412"
// into the API's lowercase bill type and number.
func ParseBillID(id string) (billType string, number int, err error) {
	upper := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(id), " ", ""))
	var prefix, rest string
	switch {
	case strings.HasPrefix(upper, "H.RES."):
		prefix, rest = "hres", strings.TrimPrefix(upper, "H.RES.")
	case strings.HasPrefix(upper, "S.RES."):
		prefix, rest = "sres", strings.TrimPrefix(upper, "S.RES.")
	case strings.HasPrefix(upper, "H.R."):
		prefix, rest = "hr", strings.TrimPrefix(upper, "H.R.")
	case strings.HasPrefix(upper, "S."):
		prefix, rest = "s", strings.TrimPrefix(upper, "S.")
	default:
		return "", 0, fmt.Errorf("%w: unrecognized bill id %q", ErrDataFetch, id)
	}
	n, convErr := strconv.Atoi(rest)
	if convErr != nil || n <= 0 {
		return "", 0, fmt.Errorf("%w: bad bill number in %q", ErrDataFetch, id)
	}
	return prefix, n, nil
}

// FetchBill fetches the bill and its sub-resources. Only a failure of the
// main bill request is an error; sub-resources that fail come back empty.
func (c *Client) FetchBill(ctx context.Context, billID string) (*models.BillData, error) {
	billType, number, err := ParseBillID(billID)
	if err != nil {
		return nil, err
	}
	base := fmt.Sprintf("/bill/%s/%s/%d", c.cfg.Congress, billType, number)

	var raw struct {
		Bill *apiBill `json:"bill"`
	}
	found, err := c.get(ctx, base, &raw)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", billID, err)
	}
	if !found || raw.Bill == nil {
		return nil, fmt.Errorf("%w: bill %s not found", ErrDataFetch, billID)
	}

	bill := raw.Bill.toModel(billID, c.cfg.Congress, billType, number)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		bill.Cosponsors = c.cosponsors(gctx, base+"/cosponsors")
		return nil
	})
	g.Go(func() error {
		bill.Committees = c.committees(gctx, base+"/committees")
		return nil
	})
	g.Go(func() error {
		bill.Actions = c.actions(gctx, base+"/actions")
		return nil
	})
	g.Go(func() error {
		bill.Amendments = c.amendments(gctx, base+"/amendments")
		return nil
	})
	g.Go(func() error {
		bill.Votes = c.votes(gctx, base+"/votes")
		return nil
	})
	_ = g.Wait()

	return bill, nil
}

func (c *Client) cosponsors(ctx context.Context, endpoint string) []models.Member {
	var raw struct {
		Cosponsors []apiMember `json:"cosponsors"`
	}
	out := []models.Member{}
	if !c.subResource(ctx, endpoint, &raw) {
		return out
	}
	for _, m := range raw.Cosponsors {
		out = append(out, m.toModel())
	}
	return out
}

func (c *Client) committees(ctx context.Context, endpoint string) []models.Committee {
	var raw struct {
		Committees []apiCommittee `json:"committees"`
	}
	out := []models.Committee{}
	if !c.subResource(ctx, endpoint, &raw) {
		return out
	}
	for _, cm := range raw.Committees {
		out = append(out, models.Committee{SystemCode: cm.SystemCode, Name: cm.Name, Type: cm.Type, URL: cm.URL})
	}
	return out
}

func (c *Client) actions(ctx context.Context, endpoint string) []models.Action {
	var raw struct {
		Actions []apiAction `json:"actions"`
	}
	out := []models.Action{}
	if !c.subResource(ctx, endpoint, &raw) {
		return out
	}
	for _, a := range raw.Actions {
		out = append(out, models.Action{
			ActionCode: a.ActionCode,
			Text:       a.Text,
			ActionDate: a.ActionDate,
			Chamber:    a.SourceSystem.Name,
			URL:        a.URL,
		})
	}
	return out
}

func (c *Client) amendments(ctx context.Context, endpoint string) []models.Amendment {
	var raw struct {
		Amendments []apiAmendment `json:"amendments"`
	}
	out := []models.Amendment{}
	if !c.subResource(ctx, endpoint, &raw) {
		return out
	}
	for _, a := range raw.Amendments {
		out = append(out, models.Amendment{
			Number:         string(a.Number),
			Purpose:        a.Purpose,
			Description:    a.Description,
			Sponsor:        a.sponsorName(),
			IntroducedDate: a.IntroducedDate,
			URL:            a.URL,
		})
	}
	return out
}

func (c *Client) votes(ctx context.Context, endpoint string) []models.Vote {
	var raw struct {
		Votes []apiVote `json:"votes"`
	}
	out := []models.Vote{}
	if !c.subResource(ctx, endpoint, &raw) {
		return out
	}
	for _, v := range raw.Votes {
		out = append(out, v.toModel())
	}
	return out
}

// subResource decodes endpoint into v and reports whether anything was found.
// Failures are logged and degrade to empty.
func (c *Client) subResource(ctx context.Context, endpoint string, v interface{}) bool {
	found, err := c.get(ctx, endpoint, v)
	if err != nil {
		c.logger.Warn("sub-resource fetch failed", "endpoint", endpoint, "err", err)
		return false
	}
	return found
}

// get returns the decoded response for endpoint, served from the cache when
// fresh. A 404 reports found=false with no error.
func (c *Client) get(ctx context.Context, endpoint string, v interface{}) (bool, error) {
	if body, ok := c.readCache(endpoint); ok {
		if err := json.Unmarshal(body, v); err == nil {
			return true, nil
		}
		c.logger.Warn("corrupted cache entry, refetching", "endpoint", endpoint)
	}

	body, found, err := c.fetch(ctx, endpoint)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return false, fmt.Errorf("%w: decode %s: %v", ErrDataFetch, endpoint, err)
	}
	c.writeCache(endpoint, body)
	return true, nil
}

func (c *Client) fetch(ctx context.Context, endpoint string) ([]byte, bool, error) {
	u, err := url.Parse(c.cfg.BaseURL + endpoint)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrDataFetch, err)
	}
	q := u.Query()
	q.Set("format", "json")
	if c.cfg.APIKey != "" {
		q.Set("api_key", c.cfg.APIKey)
	}
	u.RawQuery = q.Encode()

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrDataFetch, err)
		}

		body, status, err := c.do(ctx, u.String())
		switch {
		case err != nil:
			lastErr = err
		case status == http.StatusOK:
			return body, true, nil
		case status == http.StatusNotFound:
			return nil, false, nil
		case status == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("rate limited")
		default:
			return nil, false, fmt.Errorf("%w: %s returned %d", ErrDataFetch, endpoint, status)
		}

		if ctx.Err() != nil || attempt == c.cfg.MaxAttempts-1 {
			break
		}
		wait := c.cfg.RetryDelay * time.Duration(1<<attempt)
		c.logger.Warn("api request failed, retrying", "endpoint", endpoint, "attempt", attempt+1, "wait", wait, "err", lastErr)
		select {
		case <-ctx.Done():
			return nil, false, fmt.Errorf("%w: %v", ErrDataFetch, ctx.Err())
		case <-time.After(wait):
		}
	}
	return nil, false, fmt.Errorf("%w: %s: %v", ErrDataFetch, endpoint, lastErr)
}

func (c *Client) do(ctx context.Context, target string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if c.recorder != nil {
		c.recorder.RecordAPICall(time.Since(start))
	}
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

// cacheName maps an endpoint to its cache file name.
func cacheName(endpoint string) string {
	r := strings.NewReplacer("/", "_", "?", "_", "&", "_")
	return r.Replace(strings.TrimPrefix(endpoint, "/")) + ".json"
}

func (c *Client) readCache(endpoint string) ([]byte, bool) {
	if c.cfg.CacheDir == "" {
		return nil, false
	}
	path := filepath.Join(c.cfg.CacheDir, cacheName(endpoint))
	info, err := os.Stat(path)
	if err != nil || time.Since(info.ModTime()) > c.cfg.CacheTTL {
		return nil, false
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return body, true
}

func (c *Client) writeCache(endpoint string, body []byte) {
	if c.cfg.CacheDir == "" {
		return
	}
	if err := os.MkdirAll(c.cfg.CacheDir, 0755); err != nil {
		c.logger.Warn("create cache dir", "err", err)
		return
	}
	path := filepath.Join(c.cfg.CacheDir, cacheName(endpoint))
	if err := os.WriteFile(path, body, 0644); err != nil {
		c.logger.Warn("write cache", "path", path, "err", err)
	}
}

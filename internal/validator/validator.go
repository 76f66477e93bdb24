// Package validator checks that cited references resolve.
package validator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/models"
	"golang.org/x/sync/errgroup"
)

const maxTitleBody = 1 << 20

var (
	// ErrValidationTimeout is recorded when every attempt timed out.
	ErrValidationTimeout = errors.New("validation timeout")
	// ErrValidationNetwork is recorded when every attempt failed at the transport level.
	ErrValidationNetwork = errors.New("validation network error")
)

// Config controls request timeouts and retries.
type Config struct {
	Timeout     time.Duration
	Attempts    int
	RetryDelay  time.Duration
	Parallelism int
	UserAgent   string
}

// DefaultConfig returns a 10s timeout, 3 attempts and a 1s base delay.
func DefaultConfig() Config {
	return Config{
		Timeout:     10 * time.Second,
		Attempts:    3,
		RetryDelay:  time.Second,
		Parallelism: 4,
		UserAgent:   "RAG-News-Generator/1.0",
	}
}

// Checker validates URLs with GET requests that follow redirects.
type Checker struct {
	client *http.Client
	cfg    Config
	logger *slog.Logger
}

// New creates a Checker. A nil client gets one with cfg.Timeout.
func New(cfg Config, client *http.Client, logger *slog.Logger) *Checker {
	d := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = d.Attempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = d.Parallelism
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = d.UserAgent
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{client: client, cfg: cfg, logger: logger.With("component", "validator")}
}

// Check validates one URL. A reference is valid iff the final response is 200.
// Timeouts and network errors are retried with doubling delay; when attempts
// run out they are recorded on the result, never returned.
func (c *Checker) Check(ctx context.Context, url string) models.ReferenceCheck {
	var lastErr error
	for attempt := 0; attempt < c.cfg.Attempts; attempt++ {
		start := time.Now()
		check, err := c.fetch(ctx, url)
		if err == nil {
			check.ResponseTime = time.Since(start).Seconds()
			return check
		}
		lastErr = err
		if ctx.Err() != nil || attempt == c.cfg.Attempts-1 {
			break
		}

		delay := c.cfg.RetryDelay * time.Duration(1<<attempt)
		c.logger.Debug("reference check failed, retrying", "url", url, "attempt", attempt+1, "delay", delay, "err", err)
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}

	result := models.ReferenceCheck{Reference: url, CheckedAt: time.Now().UTC()}
	if errors.Is(lastErr, ErrValidationTimeout) {
		result.Error = "Timeout"
	} else if lastErr != nil {
		result.Error = lastErr.Error()
	}
	return result
}

// fetch makes one request. Only transport failures return an error.
func (c *Checker) fetch(ctx context.Context, url string) (models.ReferenceCheck, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		// Malformed URLs cannot improve on retry
		return models.ReferenceCheck{Reference: url, Error: err.Error(), CheckedAt: time.Now().UTC()}, nil
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return models.ReferenceCheck{}, fmt.Errorf("%w: %v", ErrValidationTimeout, err)
		}
		return models.ReferenceCheck{}, fmt.Errorf("%w: %v", ErrValidationNetwork, err)
	}
	defer resp.Body.Close()

	check := models.ReferenceCheck{
		Reference:  url,
		StatusCode: resp.StatusCode,
		IsValid:    resp.StatusCode == http.StatusOK,
		CheckedAt:  time.Now().UTC(),
	}
	if check.IsValid && strings.Contains(resp.Header.Get("Content-Type"), "html") {
		check.Title = pageTitle(resp.Body)
	}
	return check, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// pageTitle returns the trimmed <title> of an HTML body, or "".
func pageTitle(body io.Reader) string {
	doc, err := goquery.NewDocumentFromReader(io.LimitReader(body, maxTitleBody))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

// CheckAll validates urls concurrently, at most Parallelism at a time, and
// returns the results in input order. Duplicate URLs are checked once.
func (c *Checker) CheckAll(ctx context.Context, urls []string) []models.ReferenceCheck {
	unique := make([]string, 0, len(urls))
	seen := make(map[string]bool)
	for _, u := range urls {
		if !seen[u] {
			seen[u] = true
			unique = append(unique, u)
		}
	}

	results := make([]models.ReferenceCheck, len(unique))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Parallelism)
	for i, u := range unique {
		i, u := i, u
		g.Go(func() error {
			results[i] = c.Check(gctx, u)
			return nil
		})
	}
	g.Wait()
	return results
}

// Package scraperapi calls the external scraper service that renders a page
// and returns its extracted text.
package scraperapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-orchestrator/internal/metrics"
	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
)

const defaultTimeout = 30 * time.Second

// Config controls the client.
type Config struct {
	APIURL  string
	Timeout time.Duration
}

// Client implements scrape.Fetcher over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

var _ scrape.Fetcher = (*Client)(nil)

// New builds a Client. A nil httpClient gets a pooled transport.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if cfg.APIURL == "" {
		return nil, errors.New("scraper api url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Transport: newHTTPTransport()}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, httpClient: httpClient, logger: logger}, nil
}

type scrapeRequest struct {
	URL string `json:"url"`
}

// Fetch asks the scraper service for url. Service and network failures come
// back as a result with Success=false; an error is returned only when ctx ends.
func (c *Client) Fetch(ctx context.Context, url string) (scrape.FetchResult, error) {
	start := time.Now()
	result, err := c.do(ctx, url)
	if err != nil {
		if ctx.Err() != nil {
			return scrape.FetchResult{}, fmt.Errorf("scrape canceled: %w", ctx.Err())
		}
		result = scrape.FetchResult{Success: false, URL: url, Error: err.Error()}
	}
	result.Duration = time.Since(start)
	metrics.ObserveFetch(url, result.Success, result.Length, result.Duration)

	if result.Success {
		c.logger.Debug("scraped url",
			zap.String("url", url),
			zap.Int("length", result.Length),
			zap.Duration("duration", result.Duration),
		)
	} else {
		c.logger.Warn("scrape failed",
			zap.String("url", url),
			zap.String("error", result.Error),
			zap.Duration("duration", result.Duration),
		)
	}
	return result, nil
}

func (c *Client) do(ctx context.Context, url string) (scrape.FetchResult, error) {
	body, err := json.Marshal(scrapeRequest{URL: url})
	if err != nil {
		return scrape.FetchResult{}, fmt.Errorf("encode request: %w", err)
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return scrape.FetchResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return scrape.FetchResult{}, fmt.Errorf("request timed out after %s", c.cfg.Timeout)
		}
		return scrape.FetchResult{}, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return scrape.FetchResult{}, fmt.Errorf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	var result scrape.FetchResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return scrape.FetchResult{}, fmt.Errorf("decode response: %w", err)
	}
	return normalize(result, url), nil
}

// normalize fills the fields the service may omit.
func normalize(r scrape.FetchResult, requested string) scrape.FetchResult {
	if r.URL == "" {
		r.URL = requested
	}
	if r.FinalURL == "" {
		r.FinalURL = r.URL
	}
	if r.Headers == nil {
		r.Headers = map[string]string{}
	}
	if r.Success {
		r.Error = ""
	} else if r.Error == "" {
		r.Error = "scraper reported failure"
	}
	return r
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
}

// Package httpfetch retrieves documents over HTTP with conditional GETs.
// It is the default Fetcher wired in by the run command; source adapters
// that speak another protocol bring their own.
package httpfetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/corpusforge/harvester/internal/pipeline"
	"github.com/corpusforge/harvester/internal/policy"
)

const (
	defaultTimeout = 15 * time.Second
	defaultMaxBody = 8 << 20
)

// Config controls client behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxBodyBytes caps how much of a response body is read.
	MaxBodyBytes int64
}

// Fetcher performs single HTTP GETs with connection pooling.
type Fetcher struct {
	cfg    Config
	client *http.Client
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBody
	}
	return &Fetcher{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: newTransport(),
		},
	}
}

func newTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}

// Fetch executes one GET for key, sending conditional headers when hints are
// present. Non-2xx statuses are reported in the result, not as errors; an
// error return means the request itself did not complete.
func (f *Fetcher) Fetch(ctx context.Context, key string, hints *policy.ConditionalHints) (pipeline.FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key, nil)
	if err != nil {
		return pipeline.FetchResult{}, fmt.Errorf("build request for %q: %w", key, err)
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	if hints != nil {
		if hints.ETag != "" {
			req.Header.Set("If-None-Match", hints.ETag)
		}
		if hints.LastModified != "" {
			req.Header.Set("If-Modified-Since", hints.LastModified)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return pipeline.FetchResult{}, fmt.Errorf("fetch %q: %w", key, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes))
	if err != nil {
		return pipeline.FetchResult{}, fmt.Errorf("read body of %q: %w", key, err)
	}

	result := pipeline.FetchResult{
		HTTPStatus:   resp.StatusCode,
		Bytes:        int64(len(body)),
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}
	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		result.Text = string(body)
	}
	return result, nil
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

// Package source fetches plugin source text.
package source

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// Fetcher resolves a source URL to plugin source text.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// FetcherFunc adapts a function to a Fetcher.
type FetcherFunc func(ctx context.Context, url string) (string, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, url string) (string, error) {
	return f(ctx, url)
}

// Retry controls how transient failures are retried.
type Retry struct {
	// Attempts is the number of retries after the first request.
	Attempts uint64
	// Base is the first backoff interval; later intervals double.
	Base time.Duration
	// Max caps a single backoff interval.
	Max time.Duration
}

// DefaultRetry retries twice starting at 200ms.
var DefaultRetry = Retry{Attempts: 2, Base: 200 * time.Millisecond, Max: 2 * time.Second}

// HTTPOption configures an HTTPFetcher.
type HTTPOption func(*HTTPFetcher)

// WithRetry replaces DefaultRetry.
func WithRetry(r Retry) HTTPOption {
	return func(f *HTTPFetcher) { f.retry = r }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(f *HTTPFetcher) { f.timeout = d }
}

// WithHTTPClient sends requests through hc.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(f *HTTPFetcher) { f.client = resty.NewWithClient(hc) }
}

// WithLogger sets the logger for retry attempts.
func WithLogger(l *slog.Logger) HTTPOption {
	return func(f *HTTPFetcher) { f.logger = l }
}

// HTTPFetcher performs a plain-text GET. Network errors and 5xx/429
// responses are retried; any other non-2xx status fails immediately.
type HTTPFetcher struct {
	client  *resty.Client
	retry   Retry
	timeout time.Duration
	logger  *slog.Logger
}

var _ Fetcher = (*HTTPFetcher)(nil)

// NewHTTPFetcher creates a fetcher. Requests time out after 30s unless
// WithTimeout says otherwise.
func NewHTTPFetcher(opts ...HTTPOption) *HTTPFetcher {
	f := &HTTPFetcher{
		client:  resty.New(),
		retry:   DefaultRetry,
		timeout: 30 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.client.
		SetTimeout(f.timeout).
		SetHeader("Accept", "text/plain, application/javascript, text/x-lua, */*")
	return f
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (string, error) {
	var body string
	attempt := 0

	err := retry.Do(ctx, f.backoff(), func(ctx context.Context) error {
		attempt++
		resp, err := f.client.R().SetContext(ctx).Get(url)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			f.logger.DebugContext(ctx, "source fetch failed", "url", url, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}

		if !resp.IsSuccess() {
			statusErr := oops.
				In("source").
				With("url", url).
				With("status", resp.StatusCode()).
				Errorf("fetch %s: unexpected status %s", url, resp.Status())
			if retryable(resp.StatusCode()) {
				f.logger.DebugContext(ctx, "source fetch retryable status",
					"url", url, "attempt", attempt, "status", resp.StatusCode())
				return retry.RetryableError(statusErr)
			}
			return statusErr
		}

		body = resp.String()
		return nil
	})
	if err != nil {
		return "", oops.In("source").With("url", url).With("attempts", attempt).Wrap(err)
	}
	return body, nil
}

func (f *HTTPFetcher) backoff() retry.Backoff {
	b := retry.NewExponential(f.retry.Base)
	if f.retry.Max > 0 {
		b = retry.WithCappedDuration(f.retry.Max, b)
	}
	return retry.WithMaxRetries(f.retry.Attempts, b)
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

// Package feed retrieves and parses RSS/Atom payloads for registered sources.
package feed

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/prismnote/aggregator/internal/pipeline"
)

const feedAccept = "application/rss+xml,application/atom+xml,application/xml,text/xml;q=0.9,*/*;q=0.8"

// FetcherConfig controls feed retrieval behavior.
type FetcherConfig struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int
}

// Fetcher retrieves raw feed payloads using a Colly collector. Transient
// failures get exactly one retry; every surviving failure is classified as
// stage feed_fetch.
type Fetcher struct {
	cfg           FetcherConfig
	baseCollector *colly.Collector
	logger        *zap.Logger
}

// NewFetcher builds a Fetcher.
func NewFetcher(cfg FetcherConfig, logger *zap.Logger) *Fetcher {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false), colly.IgnoreRobotsTxt())
	c.WithTransport(newHTTPTransport())
	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		logger:        logger,
	}
}

// Fetch retrieves the feed payload. A 4xx response is permanent
// (retryable=false); network errors and 5xx responses are transient and get
// one immediate retry before being reported.
func (f *Fetcher) Fetch(ctx context.Context, feedURL string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		body, status, err := f.fetchOnce(ctx, feedURL)
		if err == nil {
			return body, nil
		}
		retryable := status < http.StatusBadRequest || status >= http.StatusInternalServerError
		lastErr = pipeline.NewStageError(pipeline.StageFeedFetch, classForStatus(status), retryable, err)
		if !retryable || ctx.Err() != nil {
			return nil, lastErr
		}
		f.logger.Warn("feed fetch retry",
			zap.String("feed_url", feedURL),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return nil, lastErr
}

func (f *Fetcher) fetchOnce(ctx context.Context, feedURL string) (body []byte, status int, err error) {
	collector := f.baseCollector.Clone()
	collector.AllowURLRevisit = true
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)
	if f.cfg.MaxBodyBytes > 0 {
		collector.MaxBodySize = f.cfg.MaxBodyBytes
	}

	var fetchErr error
	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", feedAccept)
	})
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	if err := runCollector(ctx, collector, feedURL); err != nil {
		return nil, status, err
	}
	if fetchErr != nil {
		return nil, status, fetchErr
	}
	if len(body) == 0 {
		return nil, status, fmt.Errorf("feed %s returned an empty payload", feedURL)
	}
	return body, status, nil
}

func runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("visit %s: %w", url, err)
		}
		return nil
	}
}

func classForStatus(status int) string {
	if status == 0 {
		return "NetworkError"
	}
	return fmt.Sprintf("HTTP%d", status)
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
		IdleConnTimeout:       90 * time.Second,
	}
}

// Package content retrieves item pages and extracts their readable text.
package content

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

const pageAccept = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"

// FetcherConfig controls page retrieval and extraction limits.
type FetcherConfig struct {
	UserAgent       string
	Timeout         time.Duration
	MaxBodyBytes    int
	MaxContentChars int
}

// Fetcher downloads an item URL with a Colly collector and extracts the
// readable document. Failures are classified as stage content_fetch: network
// errors and 5xx are retryable, 4xx and unusable pages are not.
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
	if cfg.MaxContentChars <= 0 {
		cfg.MaxContentChars = 20000
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

// Fetch retrieves the page and returns its extracted document.
func (f *Fetcher) Fetch(ctx context.Context, itemURL string) (pipeline.Document, error) {
	body, resolved, status, err := f.fetchOnce(ctx, itemURL)
	if err != nil {
		retryable := status < http.StatusBadRequest || status >= http.StatusInternalServerError
		return pipeline.Document{}, pipeline.NewStageError(
			pipeline.StageContentFetch, classForStatus(status), retryable, err)
	}

	doc, err := Extract(body, f.cfg.MaxContentChars)
	if err != nil {
		return pipeline.Document{}, err
	}
	if doc.Text == "" {
		return pipeline.Document{}, pipeline.NewStageError(
			pipeline.StageContentFetch, "EmptyContent", false,
			fmt.Errorf("no readable text extracted from %s", itemURL))
	}
	doc.ResolvedURL = resolved
	return doc, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, itemURL string) (body []byte, resolved string, status int, err error) {
	collector := f.baseCollector.Clone()
	collector.AllowURLRevisit = true
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)
	if f.cfg.MaxBodyBytes > 0 {
		collector.MaxBodySize = f.cfg.MaxBodyBytes
	}

	resolved = itemURL
	var fetchErr error
	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", pageAccept)
	})
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = append([]byte(nil), r.Body...)
		if r.Request != nil && r.Request.URL != nil {
			resolved = r.Request.URL.String()
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	if err := runCollector(ctx, collector, itemURL); err != nil {
		return nil, resolved, status, err
	}
	if fetchErr != nil {
		return nil, resolved, status, fetchErr
	}
	if len(body) == 0 {
		return nil, resolved, status, fmt.Errorf("page %s returned an empty body", itemURL)
	}
	return body, resolved, status, nil
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

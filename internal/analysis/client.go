// Package analysis turns extracted documents into summaries and tags by
// calling a language-model backend over HTTP.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/prismnote/aggregator/internal/pipeline"
)

const anthropicVersion = "2023-06-01"

// Transient statuses worth retrying at the transport level.
var transientStatus = map[int]struct{}{
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
}

// Provider styles the client can speak. Aliases collapse onto the three
// wire formats.
var providerStyles = map[string]string{
	"openai":        "openai",
	"gemini":        "gemini",
	"google":        "gemini",
	"google-gemini": "gemini",
	"claude":        "claude",
	"anthropic":     "claude",
}

var defaultBaseURLs = map[string]string{
	"openai": "https://api.openai.com",
	"gemini": "https://generativelanguage.googleapis.com",
	"claude": "https://api.anthropic.com",
}

// Config holds backend connection settings.
type Config struct {
	Provider      string
	Model         string
	APIKey        string
	BaseURL       string
	Timeout       time.Duration
	MaxRetries    int
	PromptVersion string
}

// Client is a provider-style language-model client. It builds a strict-JSON
// prompt, posts it in the provider's wire format, and validates the model's
// reply into a pipeline.Analysis.
type Client struct {
	cfg    Config
	style  string
	http   *http.Client
	logger *zap.Logger
	sleep  func(context.Context, time.Duration) error
}

// NewClient validates the provider style and builds a Client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	style, ok := providerStyles[strings.ReplaceAll(strings.ToLower(strings.TrimSpace(cfg.Provider)), "_", "-")]
	if !ok {
		return nil, fmt.Errorf("unsupported llm provider style %q", cfg.Provider)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("llm api key is not configured")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		style:  style,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		sleep:  sleepCtx,
	}, nil
}

// Analyze runs one analysis round trip. A second round trip in repair mode,
// when the first reply was structurally invalid, is the caller's job.
func (c *Client) Analyze(ctx context.Context, input pipeline.AnalysisInput) (pipeline.Analysis, error) {
	return c.analyze(ctx, input, false)
}

func (c *Client) analyze(ctx context.Context, input pipeline.AnalysisInput, repair bool) (pipeline.Analysis, error) {
	payload, err := c.buildPayload(input, repair)
	if err != nil {
		return pipeline.Analysis{}, err
	}
	raw, err := c.requestWithRetry(ctx, payload)
	if err != nil {
		return pipeline.Analysis{}, err
	}
	return c.parseResult(raw)
}

func (c *Client) requestWithRetry(ctx context.Context, payload []byte) (map[string]json.RawMessage, error) {
	endpoint, err := c.chatEndpoint()
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, backoff(attempt-1)); err != nil {
				return nil, pipeline.NewStageError(pipeline.StageLLMRequest, "Canceled", true, err)
			}
		}

		raw, status, err := c.requestOnce(ctx, endpoint, payload)
		if err == nil {
			return raw, nil
		}
		lastErr = err

		_, transient := transientStatus[status]
		if status != 0 && !transient {
			return nil, pipeline.NewStageError(pipeline.StageLLMRequest,
				fmt.Sprintf("HTTP%d", status), false, err)
		}
		c.logger.Warn("llm request retry",
			zap.Int("attempt", attempt),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	return nil, pipeline.NewStageError(pipeline.StageLLMRequest, "Exhausted", true,
		fmt.Errorf("llm request failed after %d attempts: %w", c.cfg.MaxRetries, lastErr))
}

func (c *Client) requestOnce(ctx context.Context, endpoint string, payload []byte) (map[string]json.RawMessage, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("build llm request: %w", err)
	}
	for key, value := range c.requestHeaders() {
		req.Header.Set(key, value)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("llm request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read llm response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("llm backend returned HTTP %d", resp.StatusCode)
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode llm response envelope: %w", err)
	}
	return decoded, resp.StatusCode, nil
}

func (c *Client) requestHeaders() map[string]string {
	headers := map[string]string{"Content-Type": "application/json"}
	switch c.style {
	case "openai":
		headers["Authorization"] = "Bearer " + c.cfg.APIKey
	case "gemini":
		headers["x-goog-api-key"] = c.cfg.APIKey
	case "claude":
		headers["x-api-key"] = c.cfg.APIKey
		headers["anthropic-version"] = anthropicVersion
	}
	return headers
}

func (c *Client) chatEndpoint() (string, error) {
	base := strings.TrimRight(strings.TrimSpace(c.cfg.BaseURL), "/")
	if base == "" {
		base = defaultBaseURLs[c.style]
	}

	switch c.style {
	case "openai":
		if strings.HasSuffix(base, "/chat/completions") {
			return base, nil
		}
		if strings.HasSuffix(base, "/v1") {
			return base + "/chat/completions", nil
		}
		return base + "/v1/chat/completions", nil
	case "gemini":
		model := strings.TrimSpace(c.cfg.Model)
		if model == "" {
			return "", fmt.Errorf("llm model is not configured")
		}
		if !strings.HasPrefix(model, "models/") {
			model = "models/" + model
		}
		if strings.HasSuffix(base, "/v1") || strings.HasSuffix(base, "/v1beta") {
			return fmt.Sprintf("%s/%s:generateContent", base, model), nil
		}
		return fmt.Sprintf("%s/v1beta/%s:generateContent", base, model), nil
	case "claude":
		if strings.HasSuffix(base, "/messages") {
			return base, nil
		}
		if strings.HasSuffix(base, "/v1") {
			return base + "/messages", nil
		}
		return base + "/v1/messages", nil
	}
	return "", fmt.Errorf("unsupported llm provider style %q", c.style)
}

func backoff(attempt int) time.Duration {
	d := time.Second << (attempt - 1)
	if d > 8*time.Second {
		d = 8 * time.Second
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

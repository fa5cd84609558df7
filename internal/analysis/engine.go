package analysis

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/prismnote/aggregator/internal/pipeline"
)

// Engine wraps the Client with one repair-mode round trip: when the first
// reply is structurally invalid, the model is asked once more with an
// explicit warning, then the llm_parse failure stands.
type Engine struct {
	client *Client
	logger *zap.Logger
}

// NewEngine builds an Engine around an existing Client.
func NewEngine(client *Client, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{client: client, logger: logger}
}

// Analyze satisfies pipeline.Analyzer.
func (e *Engine) Analyze(ctx context.Context, input pipeline.AnalysisInput) (pipeline.Analysis, error) {
	result, err := e.client.analyze(ctx, input, false)
	if err == nil {
		return result, nil
	}

	var stageErr *pipeline.StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != pipeline.StageLLMParse {
		return pipeline.Analysis{}, err
	}

	e.logger.Warn("llm output invalid, retrying in repair mode",
		zap.String("source_url", input.SourceURL),
		zap.Error(err),
	)
	return e.client.analyze(ctx, input, true)
}

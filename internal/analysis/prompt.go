package analysis

import (
	"encoding/json"
	"fmt"

	"github.com/prismnote/aggregator/internal/pipeline"
)

const systemPrompt = "You are a content analysis assistant. " +
	"Reply with a strict JSON object whose fields are " +
	"title, published_at, summary_short, summary_long, tags. " +
	"summary_short is at most 200 characters, summary_long at most 600. " +
	"published_at may be empty; prefer ISO8601 when present. " +
	"tags must hold 1 to 5 hashtag-style labels without the # prefix, " +
	"limited to letters, digits, underscores and hyphens. " +
	"Output nothing outside the JSON object."

const repairSuffix = " The previous reply was not valid JSON for this schema; " +
	"this reply must follow the structure exactly."

// outputSchema rides along in the user payload so the model sees the exact
// field contract, mirroring the prompt text.
var outputSchema = map[string]string{
	"title":         "string, optional, <=120 chars",
	"published_at":  "string, optional, datetime",
	"summary_short": "string, required, <=200 chars",
	"summary_long":  "string, required, <=600 chars",
	"tags":          "string[], required, 1~5 hashtags without #",
}

type userPayload struct {
	Task          string            `json:"task"`
	SourceURL     string            `json:"source_url"`
	SourceDomain  string            `json:"source_domain"`
	SourceTitle   string            `json:"source_title,omitempty"`
	PromptVersion string            `json:"prompt_version,omitempty"`
	Content       string            `json:"content"`
	OutputSchema  map[string]string `json:"output_schema"`
}

func (c *Client) buildPayload(input pipeline.AnalysisInput, repair bool) ([]byte, error) {
	system := systemPrompt
	if repair {
		system += repairSuffix
	}

	userText, err := json.Marshal(userPayload{
		Task:          "analyze_external_content",
		SourceURL:     input.SourceURL,
		SourceDomain:  input.SourceDomain,
		SourceTitle:   input.SourceTitle,
		PromptVersion: c.cfg.PromptVersion,
		Content:       input.Content,
		OutputSchema:  outputSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal prompt payload: %w", err)
	}

	var body any
	switch c.style {
	case "openai":
		body = map[string]any{
			"model":           c.cfg.Model,
			"temperature":     0.2,
			"response_format": map[string]string{"type": "json_object"},
			"messages": []map[string]string{
				{"role": "system", "content": system},
				{"role": "user", "content": string(userText)},
			},
		}
	case "gemini":
		body = map[string]any{
			"systemInstruction": map[string]any{
				"parts": []map[string]string{{"text": system}},
			},
			"contents": []map[string]any{
				{
					"role":  "user",
					"parts": []map[string]string{{"text": string(userText)}},
				},
			},
			"generationConfig": map[string]any{
				"temperature":      0.2,
				"responseMimeType": "application/json",
			},
		}
	case "claude":
		body = map[string]any{
			"model":       c.cfg.Model,
			"max_tokens":  1024,
			"temperature": 0.2,
			"system":      system,
			"messages": []map[string]any{
				{
					"role": "user",
					"content": []map[string]string{
						{"type": "text", "text": string(userText)},
					},
				},
			},
		}
	default:
		return nil, fmt.Errorf("unsupported llm provider style %q", c.style)
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal llm payload: %w", err)
	}
	return encoded, nil
}

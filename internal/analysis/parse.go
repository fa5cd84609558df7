package analysis

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/prismnote/aggregator/internal/pipeline"
)

const (
	maxOutputTags      = 5
	maxTitleLength     = 120
	maxSummaryShortLen = 200
	maxSummaryLongLen  = 600
)

var (
	fencedJSONRe   = regexp.MustCompile("```(?:json)?\\s*(\\{[\\s\\S]*\\})\\s*```")
	embeddedJSONRe = regexp.MustCompile(`\{[\s\S]*\}`)
	tagPatternRe   = regexp.MustCompile(`^[a-z0-9_\-]+$`)
)

// modelOutput is the schema the prompt demands. Alternate key spellings the
// backends occasionally produce are tolerated.
type modelOutput struct {
	Title         string   `json:"title"`
	PublishedAt   string   `json:"published_at"`
	PublishedAt2  string   `json:"publishedAt"`
	SummaryShort  string   `json:"summary_short"`
	SummaryShort2 string   `json:"summaryShort"`
	SummaryLong   string   `json:"summary_long"`
	SummaryLong2  string   `json:"summaryLong"`
	Summary       string   `json:"summary"`
	Tags          []string `json:"tags"`
}

func invalidOutput(format string, args ...any) error {
	return pipeline.Stagef(pipeline.StageLLMParse, "InvalidOutput", format, args...)
}

func (c *Client) parseResult(envelope map[string]json.RawMessage) (pipeline.Analysis, error) {
	text, err := c.extractResponseText(envelope)
	if err != nil {
		return pipeline.Analysis{}, err
	}

	output, err := parseJSONContent(text)
	if err != nil {
		return pipeline.Analysis{}, err
	}

	short := firstNonEmpty(output.SummaryShort, output.SummaryShort2, output.Summary)
	long := firstNonEmpty(output.SummaryLong, output.SummaryLong2, output.Summary)
	short, long = resolveSummaryPair(short, long)
	if short == "" || long == "" {
		return pipeline.Analysis{}, invalidOutput("model output is missing a usable summary")
	}

	tags := normalizeTags(output.Tags)
	if len(tags) == 0 {
		return pipeline.Analysis{}, invalidOutput("model output is missing usable tags")
	}

	modelName, modelVersion := c.extractModelInfo(envelope)

	return pipeline.Analysis{
		Title:         truncateRunes(strings.TrimSpace(output.Title), maxTitleLength),
		SummaryShort:  short,
		SummaryLong:   long,
		Tags:          tags,
		PublishedAt:   parsePublishedAt(firstNonEmpty(output.PublishedAt, output.PublishedAt2)),
		ModelProvider: c.style,
		ModelName:     modelName,
		ModelVersion:  modelVersion,
	}, nil
}

// extractResponseText pulls the generated text out of the provider envelope.
func (c *Client) extractResponseText(envelope map[string]json.RawMessage) (string, error) {
	switch c.style {
	case "openai":
		var choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		}
		if err := json.Unmarshal(envelope["choices"], &choices); err != nil || len(choices) == 0 {
			return "", invalidOutput("model reply has no choices")
		}
		return strings.TrimSpace(choices[0].Message.Content), nil
	case "gemini":
		var candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		}
		if err := json.Unmarshal(envelope["candidates"], &candidates); err != nil || len(candidates) == 0 {
			return "", invalidOutput("model reply has no candidates")
		}
		var sb strings.Builder
		for _, part := range candidates[0].Content.Parts {
			sb.WriteString(part.Text)
		}
		return strings.TrimSpace(sb.String()), nil
	case "claude":
		var blocks []struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(envelope["content"], &blocks); err != nil || len(blocks) == 0 {
			return "", invalidOutput("model reply has no content blocks")
		}
		var sb strings.Builder
		for _, block := range blocks {
			sb.WriteString(block.Text)
		}
		return strings.TrimSpace(sb.String()), nil
	}
	return "", fmt.Errorf("unsupported llm provider style %q", c.style)
}

func (c *Client) extractModelInfo(envelope map[string]json.RawMessage) (name, version string) {
	name = c.cfg.Model
	switch c.style {
	case "openai", "claude":
		var model string
		if err := json.Unmarshal(envelope["model"], &model); err == nil && model != "" {
			name = model
		}
	case "gemini":
		var modelVersion string
		if err := json.Unmarshal(envelope["modelVersion"], &modelVersion); err == nil && modelVersion != "" {
			version = modelVersion
		}
	}
	return name, version
}

// parseJSONContent accepts a bare JSON object, a fenced ```json block, or an
// object embedded in surrounding prose.
func parseJSONContent(text string) (modelOutput, error) {
	if text == "" {
		return modelOutput{}, invalidOutput("model reply is empty")
	}
	if out, ok := tryDecode(text); ok {
		return out, nil
	}
	if match := fencedJSONRe.FindStringSubmatch(text); match != nil {
		if out, ok := tryDecode(match[1]); ok {
			return out, nil
		}
	}
	if match := embeddedJSONRe.FindString(text); match != "" {
		if out, ok := tryDecode(match); ok {
			return out, nil
		}
	}
	return modelOutput{}, invalidOutput("model reply is not valid JSON")
}

func tryDecode(raw string) (modelOutput, bool) {
	var out modelOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return modelOutput{}, false
	}
	return out, true
}

// resolveSummaryPair fills a missing half of the pair from the other, so a
// model that collapses both summaries into one field still yields a result.
func resolveSummaryPair(short, long string) (string, string) {
	short = truncateRunes(strings.TrimSpace(short), maxSummaryShortLen)
	long = truncateRunes(strings.TrimSpace(long), maxSummaryLongLen)
	if short == "" && long == "" {
		return "", ""
	}
	if long == "" {
		long = short
	}
	if short == "" {
		short = strings.TrimRight(truncateRunes(long, maxSummaryShortLen), " ")
	}
	return short, long
}

// normalizeTags lowercases, strips the # prefix, drops anything outside the
// hashtag charset, and dedups while keeping order.
func normalizeTags(raw []string) []string {
	normalized := make([]string, 0, maxOutputTags)
	seen := make(map[string]struct{}, len(raw))
	for _, value := range raw {
		tag := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(value), "#")))
		if tag == "" || !tagPatternRe.MatchString(tag) {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		normalized = append(normalized, tag)
		if len(normalized) >= maxOutputTags {
			break
		}
	}
	return normalized
}

var publishedAtLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parsePublishedAt(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range publishedAtLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			utc := ts.UTC()
			return &utc
		}
	}
	return nil
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

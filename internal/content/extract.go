package content

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/prismnote/aggregator/internal/pipeline"
)

// Elements that never contribute readable text.
const boilerplateSelector = "script, style, noscript, nav, header, footer, aside, iframe, form"

// Containers checked for the main body, in preference order.
var contentSelectors = []string{"article", "main", "[role=main]"}

// Extract parses an HTML payload and returns its title and readable text,
// capped at maxChars runes. An unparseable payload is a content_fetch
// failure, not a crash; the caller decides what an empty result means.
func Extract(body []byte, maxChars int) (pipeline.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return pipeline.Document{}, pipeline.NewStageError(
			pipeline.StageContentFetch, "ParseError", false,
			fmt.Errorf("parse html: %w", err))
	}

	doc.Find(boilerplateSelector).Remove()

	var container *goquery.Selection
	for _, selector := range contentSelectors {
		if sel := doc.Find(selector).First(); sel.Length() > 0 {
			container = sel
			break
		}
	}
	if container == nil {
		container = doc.Find("body")
	}

	return pipeline.Document{
		Title:       extractTitle(doc),
		Text:        collapseWhitespace(container.Text(), maxChars),
		PublishedAt: extractPublished(doc),
	}, nil
}

func extractTitle(doc *goquery.Document) string {
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		return title
	}
	if og, ok := doc.Find(`meta[property="og:title"]`).First().Attr("content"); ok {
		return strings.TrimSpace(og)
	}
	return ""
}

// extractPublished pulls a publication timestamp from article metadata when
// the page exposes one.
func extractPublished(doc *goquery.Document) *time.Time {
	candidates := []string{
		`meta[property="article:published_time"]`,
		`meta[name="article:published_time"]`,
		`meta[itemprop="datePublished"]`,
	}
	for _, selector := range candidates {
		raw, ok := doc.Find(selector).First().Attr("content")
		if !ok {
			continue
		}
		if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(raw)); err == nil {
			utc := ts.UTC()
			return &utc
		}
	}
	if raw, ok := doc.Find("time[datetime]").First().Attr("datetime"); ok {
		if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(raw)); err == nil {
			utc := ts.UTC()
			return &utc
		}
	}
	return nil
}

// collapseWhitespace folds runs of whitespace into single spaces and caps
// the result at maxChars runes without splitting one in half.
func collapseWhitespace(text string, maxChars int) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	if maxChars <= 0 {
		return collapsed
	}
	runes := []rune(collapsed)
	if len(runes) <= maxChars {
		return collapsed
	}
	return string(runes[:maxChars])
}

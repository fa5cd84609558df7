package feed

import (
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/prismnote/aggregator/internal/pipeline"
)

// Parser turns RSS 2.0, RDF, and Atom payloads into ordered candidate
// entries. Anything it cannot understand is a feed_parse failure: format
// errors will not self-resolve, so they are never retryable.
type Parser struct{}

// NewParser builds a Parser.
func NewParser() *Parser {
	return &Parser{}
}

type feedDocument struct {
	XMLName xml.Name
	Channel *rssChannel `xml:"channel"`
	Items   []rssItem   `xml:"item"`
	Entries []atomEntry `xml:"entry"`
}

type rssChannel struct {
	Items []rssItem `xml:"item"`
}

type rssItem struct {
	Link    string `xml:"link"`
	Title   string `xml:"title"`
	PubDate string `xml:"pubDate"`
	Date    string `xml:"date"`
}

type atomEntry struct {
	Links     []atomLink `xml:"link"`
	Title     string     `xml:"title"`
	Published string     `xml:"published"`
	Updated   string     `xml:"updated"`
}

type atomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
}

// Parse decodes the payload and returns entries in document order.
func (p *Parser) Parse(raw []byte) ([]pipeline.FeedEntry, error) {
	var doc feedDocument
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, pipeline.NewStageError(pipeline.StageFeedParse, "ParseError", false,
			fmt.Errorf("decode feed: %w", err))
	}

	var entries []pipeline.FeedEntry
	switch strings.ToLower(doc.XMLName.Local) {
	case "rss", "rdf":
		entries = collectRSS(doc)
	case "feed":
		entries = collectAtom(doc.Entries)
	default:
		// Fallback detection for feeds with exotic root elements.
		entries = collectRSS(doc)
		if len(entries) == 0 {
			entries = collectAtom(doc.Entries)
		}
		if len(entries) == 0 {
			return nil, pipeline.NewStageError(pipeline.StageFeedParse, "ParseError", false,
				fmt.Errorf("unsupported feed structure with root element %q", doc.XMLName.Local))
		}
	}
	return entries, nil
}

func collectRSS(doc feedDocument) []pipeline.FeedEntry {
	items := doc.Items
	if doc.Channel != nil {
		items = append(items, doc.Channel.Items...)
	}
	entries := make([]pipeline.FeedEntry, 0, len(items))
	for _, item := range items {
		link := strings.TrimSpace(item.Link)
		if link == "" {
			continue
		}
		published := item.PubDate
		if published == "" {
			published = item.Date
		}
		entries = append(entries, pipeline.FeedEntry{
			URL:         link,
			Title:       strings.TrimSpace(item.Title),
			PublishedAt: parseFeedTime(published),
		})
	}
	return entries
}

func collectAtom(items []atomEntry) []pipeline.FeedEntry {
	entries := make([]pipeline.FeedEntry, 0, len(items))
	for _, entry := range items {
		link := selectAtomLink(entry.Links)
		if link == "" {
			continue
		}
		published := entry.Published
		if published == "" {
			published = entry.Updated
		}
		entries = append(entries, pipeline.FeedEntry{
			URL:         link,
			Title:       strings.TrimSpace(entry.Title),
			PublishedAt: parseFeedTime(published),
		})
	}
	return entries
}

// selectAtomLink prefers rel="alternate" (or no rel), falling back to the
// first link with an href.
func selectAtomLink(links []atomLink) string {
	var fallback string
	for _, link := range links {
		href := strings.TrimSpace(link.Href)
		if href == "" {
			continue
		}
		rel := strings.ToLower(strings.TrimSpace(link.Rel))
		if rel == "" || rel == "alternate" {
			return href
		}
		if fallback == "" {
			fallback = href
		}
	}
	return fallback
}

var feedTimeLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseFeedTime(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range feedTimeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			utc := ts.UTC()
			return &utc
		}
	}
	return nil
}

// SelectEntries filters parsed entries down to analyzable candidates for a
// source: links are normalized, must match the source domain, must not be
// assets, and duplicates collapse onto the first occurrence. Feed order is
// preserved and the result is capped at max entries.
func SelectEntries(entries []pipeline.FeedEntry, source pipeline.Source, max int) []pipeline.FeedEntry {
	if max <= 0 {
		max = 1
	}
	selected := make([]pipeline.FeedEntry, 0, max)
	seen := make(map[string]struct{}, len(entries))

	for _, entry := range entries {
		if pipeline.SkippableLink(entry.URL) {
			continue
		}
		normalized, host, err := pipeline.NormalizeURL(entry.URL)
		if err != nil {
			continue
		}
		if !pipeline.DomainMatches(host, source.SourceDomain) {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		selected = append(selected, pipeline.FeedEntry{
			URL:         normalized,
			Title:       truncateTitle(entry.Title),
			PublishedAt: entry.PublishedAt,
		})
		if len(selected) >= max {
			break
		}
	}
	return selected
}

const maxTitleLen = 512

func truncateTitle(title string) string {
	title = strings.TrimSpace(title)
	if len(title) <= maxTitleLen {
		return title
	}
	runes := []rune(title)
	if len(runes) <= maxTitleLen {
		return title
	}
	return string(runes[:maxTitleLen])
}

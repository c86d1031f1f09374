package ingest

import (
	"context"
	"time"

	"github.com/mmcdole/gofeed"
)

// RSSConnector reads an Atom/RSS feed of published calls. Feeds carry
// little structure beyond title, link and description; the deadline, if
// any, is buried in the description text and left to the normalizer's
// date extraction.
type RSSConnector struct {
	cfg     SourceConfig
	fetcher Fetcher
	parser  *gofeed.Parser
}

func NewRSSConnector(cfg SourceConfig, fetcher Fetcher) *RSSConnector {
	return &RSSConnector{cfg: cfg, fetcher: fetcher, parser: gofeed.NewParser()}
}

func (c *RSSConnector) SourceID() string   { return c.cfg.ID }
func (c *RSSConnector) SourceName() string { return c.cfg.Name }

func (c *RSSConnector) FetchRaw(ctx context.Context) ([]RawAAP, error) {
	doc, err := c.fetcher.Fetch(ctx, c.cfg.FeedURL)
	if err != nil {
		return nil, &SourceUnavailable{SourceID: c.cfg.ID, Cause: err}
	}
	defer doc.Body.Close()

	feed, err := c.parser.Parse(doc.Body)
	if err != nil {
		return nil, &SourceUnavailable{SourceID: c.cfg.ID, Cause: err}
	}

	organisme := c.cfg.Name
	if feed.Title != "" {
		organisme = feed.Title
	}

	out := make([]RawAAP, 0, len(feed.Items))
	for _, item := range feed.Items {
		raw := RawAAP{
			Titre:       cleanText(item.Title),
			URLSource:   CanonicalizeURL(item.Link),
			Organisme:   organisme,
			Resume:      HTMLToText(item.Description),
			Description: item.Content,
			SourceID:    c.cfg.ID,
			SourceName:  c.cfg.Name,
			SourceURL:   c.cfg.FeedURL,
			ScrapedAt:   doc.FetchedAt,
		}
		if raw.Description == "" {
			raw.Description = item.Description
		}
		if item.PublishedParsed != nil {
			raw.DatePublication = item.PublishedParsed.UTC().Format(time.RFC3339)
		}
		// Feeds rarely carry an explicit deadline field; scan the
		// description text for one.
		if t := parseDateWithRegex(raw.Resume); !t.IsZero() {
			raw.DateLimite = t.Format("2006-01-02")
		}
		for _, cat := range item.Categories {
			raw.Tags = mergeUniqueFold(raw.Tags, []string{cat})
		}
		out = append(out, raw)
	}
	return out, nil
}

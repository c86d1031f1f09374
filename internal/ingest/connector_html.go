package ingest

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
)

// HTMLConnector scrapes a listing page with CSS selectors from the
// source config. One connector serves every HTML source; only the
// selectors differ.
type HTMLConnector struct {
	cfg SourceConfig
}

func NewHTMLConnector(cfg SourceConfig) *HTMLConnector {
	if cfg.MaxPages == 0 {
		cfg.MaxPages = 1
	}
	if cfg.Selectors.LinkAttr == "" {
		cfg.Selectors.LinkAttr = "href"
	}
	return &HTMLConnector{cfg: cfg}
}

func (c *HTMLConnector) SourceID() string   { return c.cfg.ID }
func (c *HTMLConnector) SourceName() string { return c.cfg.Name }

func (c *HTMLConnector) buildCollector(host string) (*colly.Collector, error) {
	opts := []colly.CollectorOption{
		colly.AllowedDomains(host),
		colly.UserAgent(fetchUserAgent),
		colly.DetectCharset(),
		colly.AllowURLRevisit(),
	}
	if !c.cfg.Fetch.RespectRobots {
		opts = append(opts, colly.IgnoreRobotsTxt())
	}
	collector := colly.NewCollector(opts...)

	delay := time.Second
	if c.cfg.Fetch.RateLimitRPS > 0 {
		delay = time.Duration(float64(time.Second) / c.cfg.Fetch.RateLimitRPS)
	}
	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: 1,
		Delay:       delay,
		RandomDelay: delay / 2,
	}); err != nil {
		return nil, err
	}

	timeout := 30 * time.Second
	if c.cfg.Fetch.TimeoutSeconds > 0 {
		timeout = time.Duration(c.cfg.Fetch.TimeoutSeconds) * time.Second
	}
	collector.SetRequestTimeout(timeout)
	return collector, nil
}

// FetchRaw walks the configured seed pages, following pagination up to
// MaxPages per seed. Items missing a title or link are skipped; a seed
// that fails entirely fails the source.
func (c *HTMLConnector) FetchRaw(ctx context.Context) ([]RawAAP, error) {
	if len(c.cfg.Seeds) == 0 {
		return nil, &SourceUnavailable{SourceID: c.cfg.ID, Cause: fmt.Errorf("no seed URLs configured")}
	}

	host, err := hostOf(c.cfg.Seeds[0])
	if err != nil {
		return nil, &SourceUnavailable{SourceID: c.cfg.ID, Cause: err}
	}

	collector, err := c.buildCollector(host)
	if err != nil {
		return nil, &SourceUnavailable{SourceID: c.cfg.ID, Cause: err}
	}

	var (
		out         []RawAAP
		nextPageURL string
		scrapeErr   error
	)
	sel := c.cfg.Selectors

	collector.OnHTML(sel.Container, func(e *colly.HTMLElement) {
		raw := c.extractItem(e)
		if raw.Titre == "" || raw.URLSource == "" {
			return
		}
		out = append(out, raw)
	})

	if c.cfg.Pagination.Next != "" {
		collector.OnHTML(c.cfg.Pagination.Next, func(e *colly.HTMLElement) {
			nextPageURL = e.Request.AbsoluteURL(e.Attr("href"))
		})
	}

	collector.OnError(func(r *colly.Response, err error) {
		log.Printf("[ingest] %s: error fetching %s: %v", c.cfg.ID, r.Request.URL, err)
		scrapeErr = err
	})

	visited := make(map[string]bool)
	for _, seed := range c.cfg.Seeds {
		current := seed
		for page := 0; page < c.cfg.MaxPages; page++ {
			if err := ctx.Err(); err != nil {
				return nil, &SourceUnavailable{SourceID: c.cfg.ID, Cause: err}
			}
			canon := CanonicalizeURL(current)
			if visited[canon] {
				log.Printf("[ingest] %s: pagination cycle at %s, stopping", c.cfg.ID, canon)
				break
			}
			visited[canon] = true

			nextPageURL = ""
			if err := collector.Visit(current); err != nil {
				scrapeErr = err
				break
			}
			collector.Wait()

			if nextPageURL == "" || c.cfg.Pagination.Next == "" {
				break
			}
			current = nextPageURL
		}
	}

	if len(out) == 0 && scrapeErr != nil {
		return nil, &SourceUnavailable{SourceID: c.cfg.ID, Cause: scrapeErr}
	}
	return out, nil
}

func (c *HTMLConnector) extractItem(e *colly.HTMLElement) RawAAP {
	sel := c.cfg.Selectors

	title := cleanText(e.ChildText(sel.Title))
	if sel.Title == "" {
		title = cleanText(e.Text)
	}

	var link string
	if sel.Link == "" || sel.Link == "." {
		link = strings.TrimSpace(e.Attr(sel.LinkAttr))
	} else {
		link = strings.TrimSpace(e.ChildAttr(sel.Link, sel.LinkAttr))
	}
	if link != "" {
		link = CanonicalizeURL(e.Request.AbsoluteURL(link))
	}

	raw := RawAAP{
		Titre:      title,
		URLSource:  link,
		SourceID:   c.cfg.ID,
		SourceName: c.cfg.Name,
		SourceURL:  c.cfg.BaseURL,
		ScrapedAt:  time.Now().UTC(),
	}
	if sel.Organisme != "" {
		raw.Organisme = cleanText(e.ChildText(sel.Organisme))
	}
	if sel.Resume != "" {
		raw.Resume = cleanText(e.ChildText(sel.Resume))
	}
	if sel.Deadline != "" {
		raw.DateLimite = cleanText(e.ChildText(sel.Deadline))
	}
	if sel.Amount != "" {
		raw.MontantRaw = cleanText(e.ChildText(sel.Amount))
	}
	if sel.PublicCible != "" {
		raw.PublicCible = splitAndCleanList(e.ChildText(sel.PublicCible))
	}
	if sel.PerimetreGeo != "" {
		raw.PerimetreGeo = cleanText(e.ChildText(sel.PerimetreGeo))
	}
	return raw
}

// CanonicalizeURL removes common tracking parameters so the same page
// always yields the same URL.
func CanonicalizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	q := u.Query()
	for k := range q {
		if strings.HasPrefix(k, "utm_") {
			q.Del(k)
		}
	}
	for _, p := range []string{"fbclid", "gclid", "mc_cid", "mc_eid", "mkt_tok", "ref", "session"} {
		q.Del(p)
	}

	u.RawQuery = q.Encode()
	return u.String()
}

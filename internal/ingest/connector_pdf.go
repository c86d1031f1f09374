package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"regexp"
	"strings"
	"time"

	rpdf "rsc.io/pdf"
)

// PDFConnector extracts AAP announcements from published PDF
// regulations (departmental grant campaigns mostly publish this way).
// One PDF yields one raw record: title from the first heading line,
// deadline and amounts scanned out of the full text.
type PDFConnector struct {
	cfg     SourceConfig
	fetcher Fetcher
}

func NewPDFConnector(cfg SourceConfig, fetcher Fetcher) *PDFConnector {
	return &PDFConnector{cfg: cfg, fetcher: fetcher}
}

func (c *PDFConnector) SourceID() string   { return c.cfg.ID }
func (c *PDFConnector) SourceName() string { return c.cfg.Name }

// FetchRaw downloads each configured PDF and extracts one record from
// it. A single unreadable PDF is skipped with a warning; only when
// every document fails is the source reported unavailable.
func (c *PDFConnector) FetchRaw(ctx context.Context) ([]RawAAP, error) {
	if len(c.cfg.PDFURLs) == 0 {
		return nil, &SourceUnavailable{SourceID: c.cfg.ID, Cause: fmt.Errorf("no pdf_urls configured")}
	}

	var out []RawAAP
	var lastErr error
	for _, pdfURL := range c.cfg.PDFURLs {
		raw, err := c.fetchOne(ctx, pdfURL)
		if err != nil {
			log.Printf("[ingest] %s: skipping %s: %v", c.cfg.ID, pdfURL, err)
			lastErr = err
			continue
		}
		out = append(out, raw)
	}
	if len(out) == 0 && lastErr != nil {
		return nil, &SourceUnavailable{SourceID: c.cfg.ID, Cause: lastErr}
	}
	return out, nil
}

func (c *PDFConnector) fetchOne(ctx context.Context, pdfURL string) (RawAAP, error) {
	doc, err := c.fetcher.Fetch(ctx, pdfURL)
	if err != nil {
		return RawAAP{}, err
	}
	defer doc.Body.Close()

	content, err := io.ReadAll(io.LimitReader(doc.Body, maxBodyBytes))
	if err != nil {
		return RawAAP{}, err
	}

	text, err := extractPDFText(content)
	if err != nil {
		return RawAAP{}, err
	}
	text = cleanText(text)
	if text == "" {
		return RawAAP{}, fmt.Errorf("no extractable text")
	}

	raw := RawAAP{
		Titre:       pdfTitle(text),
		URLSource:   pdfURL,
		Organisme:   c.cfg.Name,
		Description: TruncateText(text, 10000),
		SourceID:    c.cfg.ID,
		SourceName:  c.cfg.Name,
		SourceURL:   c.cfg.BaseURL,
		ScrapedAt:   doc.FetchedAt,
	}
	if deadline := findDeadlineInText(text); deadline != "" {
		raw.DateLimite = deadline
	}
	raw.MontantMin, raw.MontantMax = parseAmounts(text)
	return raw, nil
}

// extractPDFText concatenates the text fragments of every page. The
// parser panics on some malformed files, so recover and fail cleanly.
func extractPDFText(content []byte) (text string, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("pdf parser panic: %v", recovered)
			text = ""
		}
	}()

	reader, err := rpdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", err
	}

	var builder strings.Builder
	for pageIndex := 1; pageIndex <= reader.NumPage(); pageIndex++ {
		page := reader.Page(pageIndex)
		if page.V.IsNull() {
			continue
		}
		for _, fragment := range page.Content().Text {
			builder.WriteString(fragment.S)
			builder.WriteString(" ")
		}
		builder.WriteString("\n")
	}

	return builder.String(), nil
}

// pdfTitle takes the first reasonable run of words as the document
// title.
func pdfTitle(text string) string {
	words := strings.Fields(text)
	if len(words) > 20 {
		words = words[:20]
	}
	return strings.Join(words, " ")
}

var deadlineContextRegex = regexp.MustCompile(`(?i)(date limite|cl[oô]ture|jusqu'au|avant le|d[eé]p[oô]t des dossiers|candidatures?)[^.]{0,80}`)

// findDeadlineInText looks for a date near deadline vocabulary first,
// then falls back to any date in the document.
func findDeadlineInText(text string) string {
	for _, m := range deadlineContextRegex.FindAllString(text, -1) {
		if t := extractAnyDate(m); !t.IsZero() {
			return t.Format("2006-01-02")
		}
	}
	if t := extractAnyDate(text); !t.IsZero() {
		return t.Format("2006-01-02")
	}
	return ""
}

func extractAnyDate(s string) time.Time {
	if t := parseDateWithRegex(s); !t.IsZero() {
		return t
	}
	return parseFrenchDate(s)
}

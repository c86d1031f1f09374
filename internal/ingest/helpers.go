package ingest

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
)

// cleanText collapses whitespace and trims the string.
func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// TruncateText cuts a string to maxLen runes, appending an ellipsis if
// truncated. Counting runes keeps accented characters intact at the
// boundary.
func TruncateText(text string, maxLen int) string {
	runes := []rune(text)
	if len(runes) <= maxLen {
		return text
	}
	if maxLen > 3 {
		return string(runes[:maxLen-3]) + "..."
	}
	return string(runes[:maxLen])
}

// HTMLToText converts HTML to plain text, collapsing whitespace.
func HTMLToText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	return cleanText(doc.Text())
}

var htmlPolicy = bluemonday.UGCPolicy()

// sanitizeHTML strips scripts and unsafe tags from source-provided HTML
// before it is stored or re-served.
func sanitizeHTML(s string) string {
	return htmlPolicy.Sanitize(s)
}

// mergeUniqueFold appends items to dst, skipping case-insensitive
// duplicates and blanks.
func mergeUniqueFold(dst []string, items []string) []string {
	seen := make(map[string]struct{}, len(dst))
	for _, v := range dst {
		k := strings.ToLower(strings.TrimSpace(v))
		if k != "" {
			seen[k] = struct{}{}
		}
	}
	for _, v := range items {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		k := strings.ToLower(v)
		if _, ok := seen[k]; ok {
			continue
		}
		dst = append(dst, v)
		seen[k] = struct{}{}
	}
	return dst
}

// splitAndCleanList turns a free-text block (bullet lists, comma lists)
// into clean distinct items.
func splitAndCleanList(block string) []string {
	block = strings.ReplaceAll(block, "\r\n", "\n")
	block = strings.ReplaceAll(block, "\r", "\n")
	block = strings.ReplaceAll(block, ";", "\n")

	var out []string
	for _, raw := range strings.Split(block, "\n") {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		s = strings.TrimLeft(s, " \t-*•–—")
		s = cleanText(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return mergeUniqueFold(nil, out)
}

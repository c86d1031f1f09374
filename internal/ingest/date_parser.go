package ingest

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// parseDate attempts to parse a date string in the formats French
// sources actually emit. Returns an error when nothing matches; the
// normalizer turns that into a nil field plus a warning, never a drop.
func parseDate(text string) (time.Time, error) {
	text = cleanDateString(text)
	if text == "" {
		return time.Time{}, fmt.Errorf("empty date string")
	}

	// ISO first, it is the most reliable.
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t.UTC(), nil
	}

	numericFormats := []string{
		"2006-01-02",
		"2006/01/02",
		"02/01/2006", // French day-first
		"2/1/2006",
		"02-01-2006",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
	}
	for _, format := range numericFormats {
		if t, err := time.Parse(format, text); err == nil {
			return t.UTC(), nil
		}
	}

	if t := parseFrenchDate(text); !t.IsZero() {
		return t, nil
	}
	if t := parseDateWithRegex(text); !t.IsZero() {
		return t, nil
	}

	return time.Time{}, fmt.Errorf("unable to parse date: %s", text)
}

var frenchMonths = map[string]time.Month{
	"janvier":   time.January,
	"janv":      time.January,
	"fevrier":   time.February,
	"février":   time.February,
	"fevr":      time.February,
	"févr":      time.February,
	"mars":      time.March,
	"avril":     time.April,
	"avr":       time.April,
	"mai":       time.May,
	"juin":      time.June,
	"juillet":   time.July,
	"juil":      time.July,
	"aout":      time.August,
	"août":      time.August,
	"septembre": time.September,
	"sept":      time.September,
	"octobre":   time.October,
	"oct":       time.October,
	"novembre":  time.November,
	"nov":       time.November,
	"decembre":  time.December,
	"décembre":  time.December,
	"dec":       time.December,
	"déc":       time.December,
}

// frenchDateRegex matches "24 décembre 2025", "1er janvier 2026",
// "24 déc. 2025".
var frenchDateRegex = regexp.MustCompile(`(?i)\b(\d{1,2})(?:er)?\s+([a-zéûô]+)\.?\s+(20\d{2})\b`)

func parseFrenchDate(text string) time.Time {
	matches := frenchDateRegex.FindStringSubmatch(strings.ToLower(text))
	if len(matches) != 4 {
		return time.Time{}
	}
	month, ok := frenchMonths[strings.TrimSuffix(matches[2], ".")]
	if !ok {
		return time.Time{}
	}
	day := 0
	year := 0
	fmt.Sscanf(matches[1], "%d", &day)
	fmt.Sscanf(matches[3], "%d", &year)
	if day < 1 || day > 31 {
		return time.Time{}
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// parseDateWithRegex extracts an embedded ISO or day-first numeric date
// from surrounding text.
func parseDateWithRegex(text string) time.Time {
	isoRegex := regexp.MustCompile(`\b(20\d{2})-(\d{2})-(\d{2})\b`)
	if matches := isoRegex.FindStringSubmatch(text); len(matches) == 4 {
		if t, err := time.Parse("2006-01-02", matches[0]); err == nil {
			return t
		}
	}

	frRegex := regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(20\d{2})\b`)
	if matches := frRegex.FindStringSubmatch(text); len(matches) == 4 {
		dateStr := fmt.Sprintf("%s/%s/%s", matches[1], matches[2], matches[3])
		if t, err := time.Parse("2/1/2006", dateStr); err == nil {
			return t
		}
	}

	return time.Time{}
}

// cleanDateString removes the label prefixes sources glue onto dates.
func cleanDateString(s string) string {
	prefixes := []string{
		"date limite :", "date limite:", "date de clôture :", "date de cloture :",
		"clôture :", "cloture :", "jusqu'au", "avant le", "deadline:",
		"candidatures jusqu'au", "publié le", "publie le",
	}
	sLower := strings.ToLower(s)
	for _, p := range prefixes {
		if idx := strings.Index(sLower, p); idx != -1 {
			s = s[idx+len(p):]
			sLower = sLower[idx+len(p):]
		}
	}
	return strings.TrimSpace(s)
}

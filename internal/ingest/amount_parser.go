package ingest

import (
	"regexp"
	"strconv"
	"strings"
)

var amountNumberRegex = regexp.MustCompile(`\d[\d\s  .,]*\d|\d`)

// parseAmounts extracts min/max funding amounts in euros from free text.
// Handles French formatting ("10 000 €", "300.000€", "de 5 000 à 50 000
// euros", "jusqu'à 300 000 €"). Returns nils when no usable amount is
// found; guessing is worse than absence here.
func parseAmounts(text string) (*float64, *float64) {
	textLower := strings.ToLower(text)
	if !strings.Contains(textLower, "€") && !strings.Contains(textLower, "euro") && !strings.Contains(textLower, "eur") {
		return nil, nil
	}

	var amounts []float64
	for _, m := range amountNumberRegex.FindAllString(text, -1) {
		clean := strings.NewReplacer(" ", "", " ", "", ".", "", ",", ".").Replace(m)
		if val, err := strconv.ParseFloat(clean, 64); err == nil && val > 0 {
			// Years sneak into amount text; anything below 1000 that
			// looks like a day/year is ignored by the caller context,
			// but 20xx values right next to "€" are rare enough.
			amounts = append(amounts, val)
		}
	}
	if len(amounts) == 0 {
		return nil, nil
	}

	if len(amounts) == 1 {
		v := amounts[0]
		if strings.Contains(textLower, "jusqu'à") || strings.Contains(textLower, "jusqu'a") ||
			strings.Contains(textLower, "maximum") || strings.Contains(textLower, "plafond") {
			return nil, &v
		}
		if strings.Contains(textLower, "minimum") || strings.Contains(textLower, "au moins") ||
			strings.Contains(textLower, "à partir de") {
			return &v, nil
		}
		// A lone amount is read as a ceiling.
		return nil, &v
	}

	min, max := amounts[0], amounts[0]
	for _, a := range amounts {
		if a < min {
			min = a
		}
		if a > max {
			max = a
		}
	}
	if min == max {
		return nil, &max
	}
	return &min, &max
}

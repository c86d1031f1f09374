package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// fingerprintLen keeps the hex prefix short enough for URLs and log lines
// while leaving collisions negligible at this corpus size.
const fingerprintLen = 16

var accentStripper = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeKey canonicalizes a fingerprint component: lower-case, accents
// stripped, punctuation removed, whitespace collapsed. "Fondation Élysée"
// and "fondation elysee" normalize identically — that property, not the
// hash, is what makes cross-source deduplication work.
func NormalizeKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if folded, _, err := transform.String(accentStripper, s); err == nil {
		s = folded
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Fingerprint derives the deduplication key from the normalized
// (titre, organisme, date_limite) triple. Records describing the same
// announcement collide regardless of which source produced them; the
// deadline component keeps distinct editions of a recurring call apart.
func (a *AAP) Fingerprint() string {
	deadline := ""
	if a.DateLimite != nil {
		deadline = a.DateLimite.Format("2006-01-02")
	}
	content := strings.Join([]string{
		NormalizeKey(a.Titre),
		NormalizeKey(a.Organisme),
		deadline,
	}, "|")
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}

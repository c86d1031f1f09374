package ingest

import (
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marion/aap-watch/internal/models"
)

// Normalizer converts untrusted RawAAP records into canonical AAPs.
// It is deterministic: same raw record in, same AAP out (modulo the
// generated ID and timestamps). Recoverable problems (unparseable date,
// inverted amount range) degrade the field and log a warning; only a
// missing title rejects the record.
type Normalizer struct {
	Rules *RuleSet

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

func NewNormalizer(rules *RuleSet) *Normalizer {
	if rules == nil {
		rules = DefaultRuleSet()
	}
	return &Normalizer{Rules: rules, Now: time.Now}
}

// Normalize validates and converts one raw record. A *ValidationError
// return means the record must be dropped and counted, not that the
// batch failed.
func (n *Normalizer) Normalize(raw RawAAP) (*models.AAP, error) {
	titre := cleanText(raw.Titre)
	if titre == "" {
		return nil, &ValidationError{SourceID: raw.SourceID, Field: "titre", Reason: "missing"}
	}

	now := n.Now().UTC()
	fetchedAt := raw.ScrapedAt
	if fetchedAt.IsZero() {
		fetchedAt = now
	}

	aap := &models.AAP{
		ID:             uuid.New(),
		Titre:          titre,
		Organisme:      cleanText(raw.Organisme),
		Description:    sanitizeHTML(raw.Description),
		URLSource:      strings.TrimSpace(raw.URLSource),
		URLCandidature: strings.TrimSpace(raw.URLCandidature),
		EmailContact:   strings.ToLower(strings.TrimSpace(raw.EmailContact)),
		Tags:           mergeUniqueFold(nil, raw.Tags),
		PerimetreGeo:   cleanText(raw.PerimetreGeo),
		CreatedAt:      now,
		UpdatedAt:      now,
		Sources: []models.Source{{
			ID:        raw.SourceID,
			Name:      raw.SourceName,
			URL:       raw.SourceURL,
			FetchedAt: fetchedAt,
		}},
	}
	if raw.RawPayload != "" {
		aap.RawData = []models.RawPayload{{SourceID: raw.SourceID, Payload: raw.RawPayload}}
	}

	resume := cleanText(raw.Resume)
	if resume == "" {
		resume = HTMLToText(raw.Description)
	}
	aap.Resume = TruncateText(resume, models.MaxResumeLen)

	aap.DatePublication = n.parseDateField(raw.SourceID, "date_publication", raw.DatePublication)
	aap.DateLimite = n.parseDateField(raw.SourceID, "date_limite", raw.DateLimite)
	aap.Statut = deriveStatut(aap.DateLimite, now)

	n.normalizeAmounts(aap, raw)

	inferText := strings.Join([]string{titre, aap.Resume, HTMLToText(raw.Description), strings.Join(raw.Tags, " ")}, " ")
	aap.Categories = n.Rules.InferCategories(inferText, raw.Categories)
	aap.Eligibilite = n.Rules.InferEligibilite(raw.PublicCible)
	if niveau, ok := n.Rules.InferPerimetre(aap.PerimetreGeo); ok {
		aap.PerimetreNiveau = niveau
	}

	return aap, nil
}

func (n *Normalizer) parseDateField(sourceID, field, value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	t, err := parseDate(value)
	if err != nil {
		log.Printf("[normalize] %s: dropping %s %q: %v", sourceID, field, value, err)
		return nil
	}
	return &t
}

// normalizeAmounts carries over connector-provided amounts, falls back
// to parsing the raw amount text, and clears inverted ranges.
func (n *Normalizer) normalizeAmounts(aap *models.AAP, raw RawAAP) {
	aap.MontantMin, aap.MontantMax = raw.MontantMin, raw.MontantMax
	if aap.MontantMin == nil && aap.MontantMax == nil && raw.MontantRaw != "" {
		aap.MontantMin, aap.MontantMax = parseAmounts(raw.MontantRaw)
	}
	if aap.MontantMin != nil && aap.MontantMax != nil && *aap.MontantMin > *aap.MontantMax {
		log.Printf("[normalize] %s: inverted amount range %.0f > %.0f for %q, clearing both",
			raw.SourceID, *aap.MontantMin, *aap.MontantMax, aap.Titre)
		aap.MontantMin, aap.MontantMax = nil, nil
	}
}

// deriveStatut infers the lifecycle state from the deadline alone: no
// deadline reads as an always-open call, a past deadline as closed.
func deriveStatut(dateLimite *time.Time, now time.Time) models.Statut {
	if dateLimite == nil {
		return models.StatutPermanent
	}
	if dateLimite.Before(now.Truncate(24 * time.Hour)) {
		return models.StatutFerme
	}
	return models.StatutOuvert
}

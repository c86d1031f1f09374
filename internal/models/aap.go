package models

import (
	"time"

	"github.com/google/uuid"
)

// Category is the fixed taxonomy used for filtering. Free-form labels
// coming from sources are mapped onto it by inference; anything that
// cannot be mapped falls back to CategoryAutre.
type Category string

const (
	CategoryInsertionEmploi     Category = "insertion-emploi"
	CategoryEducationJeunesse   Category = "education-jeunesse"
	CategorySanteHandicap       Category = "sante-handicap"
	CategoryCultureSport        Category = "culture-sport"
	CategoryEnvironnement       Category = "environnement-transition"
	CategorySolidariteInclusion Category = "solidarite-inclusion"
	CategoryVieAssociative      Category = "vie-associative"
	CategoryNumerique           Category = "numerique"
	CategoryEconomieESS         Category = "economie-ess"
	CategoryLogementUrbanisme   Category = "logement-urbanisme"
	CategoryMobiliteTransport   Category = "mobilite-transport"
	CategoryAutre               Category = "autre"
)

// AllCategories lists every taxonomy value, in display order.
var AllCategories = []Category{
	CategoryInsertionEmploi,
	CategoryEducationJeunesse,
	CategorySanteHandicap,
	CategoryCultureSport,
	CategoryEnvironnement,
	CategorySolidariteInclusion,
	CategoryVieAssociative,
	CategoryNumerique,
	CategoryEconomieESS,
	CategoryLogementUrbanisme,
	CategoryMobiliteTransport,
	CategoryAutre,
}

// ParseCategory maps a slug onto the taxonomy. Unknown slugs are rejected
// rather than coerced so callers decide on the fallback.
func ParseCategory(s string) (Category, bool) {
	for _, c := range AllCategories {
		if string(c) == s {
			return c, true
		}
	}
	return "", false
}

// Eligibilite classifies who may apply.
type Eligibilite string

const (
	EligibiliteAssociations   Eligibilite = "associations"
	EligibiliteCollectivites  Eligibilite = "collectivites"
	EligibiliteEtablissements Eligibilite = "etablissements"
	EligibiliteEntreprises    Eligibilite = "entreprises"
	EligibiliteProfessionnels Eligibilite = "professionnels"
	EligibiliteParticuliers   Eligibilite = "particuliers"
	EligibiliteAutre          Eligibilite = "autre"
)

var AllEligibilites = []Eligibilite{
	EligibiliteAssociations,
	EligibiliteCollectivites,
	EligibiliteEtablissements,
	EligibiliteEntreprises,
	EligibiliteProfessionnels,
	EligibiliteParticuliers,
	EligibiliteAutre,
}

func ParseEligibilite(s string) (Eligibilite, bool) {
	for _, e := range AllEligibilites {
		if string(e) == s {
			return e, true
		}
	}
	return "", false
}

// Statut is the declared lifecycle state of an AAP.
type Statut string

const (
	StatutOuvert    Statut = "ouvert"
	StatutFerme     Statut = "ferme"
	StatutPermanent Statut = "permanent"
	StatutInconnu   Statut = "inconnu"
)

// Perimetre is the normalized geographic scope level, ordered from most
// to least specific.
type Perimetre string

const (
	PerimetreLocal         Perimetre = "local"
	PerimetreDepartemental Perimetre = "departemental"
	PerimetreRegional      Perimetre = "regional"
	PerimetreNational      Perimetre = "national"
	PerimetreEuropeen      Perimetre = "europeen"
	PerimetreInternational Perimetre = "international"
)

// Urgence is derived from the deadline and statut at read time. It is
// never stored: persisting it would let it drift from its inputs.
type Urgence string

const (
	UrgenceUrgent      Urgence = "urgent"      // <= 7 days
	UrgenceProche      Urgence = "proche"      // <= 30 days
	UrgenceConfortable Urgence = "confortable" // > 30 days
	UrgencePermanent   Urgence = "permanent"
	UrgenceExpire      Urgence = "expire"
)

// Source records where an AAP was seen. An AAP corroborated by several
// sources keeps one entry per source.
type Source struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	FetchedAt time.Time `json:"fetched_at"`
}

// RawPayload retains the original per-source record for audit.
type RawPayload struct {
	SourceID string `json:"source_id"`
	Payload  string `json:"payload"`
}

// AAP is the canonical appel-à-projets record, the single shape every
// connector's output is normalized into.
type AAP struct {
	ID uuid.UUID `json:"id"`

	Titre          string `json:"titre"`
	Organisme      string `json:"organisme,omitempty"`
	Resume         string `json:"resume,omitempty"`
	Description    string `json:"description,omitempty"`
	URLSource      string `json:"url_source"`
	URLCandidature string `json:"url_candidature,omitempty"`
	EmailContact   string `json:"email_contact,omitempty"`

	DatePublication *time.Time `json:"date_publication,omitempty"`
	DateLimite      *time.Time `json:"date_limite,omitempty"`

	Categories  []Category    `json:"categories"`
	Tags        []string      `json:"tags,omitempty"`
	Eligibilite []Eligibilite `json:"eligibilite,omitempty"`
	Statut      Statut        `json:"statut"`

	PerimetreGeo    string    `json:"perimetre_geo,omitempty"`
	PerimetreNiveau Perimetre `json:"perimetre_niveau,omitempty"`

	MontantMin *float64 `json:"montant_min,omitempty"`
	MontantMax *float64 `json:"montant_max,omitempty"`

	Sources   []Source     `json:"sources"`
	RawData   []RawPayload `json:"-"`
	Embedding []float32    `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MaxResumeLen caps the resume field; longer text is truncated with an
// ellipsis by the normalizer.
const MaxResumeLen = 500

// IsActive reports whether the AAP still accepts applications at now.
// No deadline means active unless the source explicitly closed it.
func (a *AAP) IsActive(now time.Time) bool {
	if a.Statut == StatutPermanent {
		return true
	}
	if a.Statut == StatutFerme {
		return false
	}
	if a.DateLimite == nil {
		return true
	}
	return !dateOnly(*a.DateLimite).Before(dateOnly(now))
}

// DaysRemaining returns the number of whole days until the deadline,
// negative once passed, or nil when there is no deadline.
func (a *AAP) DaysRemaining(now time.Time) *int {
	if a.DateLimite == nil {
		return nil
	}
	d := int(dateOnly(*a.DateLimite).Sub(dateOnly(now)).Hours() / 24)
	return &d
}

// Urgence classifies deadline proximity at now. Pure function of
// (DateLimite, Statut, now).
func (a *AAP) Urgence(now time.Time) Urgence {
	if a.Statut == StatutPermanent {
		return UrgencePermanent
	}
	days := a.DaysRemaining(now)
	if days == nil {
		return UrgencePermanent
	}
	switch {
	case *days < 0:
		return UrgenceExpire
	case *days <= 7:
		return UrgenceUrgent
	case *days <= 30:
		return UrgenceProche
	default:
		return UrgenceConfortable
	}
}

// ToRow flattens the AAP into the export schema: enum values as slugs,
// derived fields computed at now. Lists stay as []string so the caller
// picks the join convention (CSV vs JSON).
func (a *AAP) ToRow(now time.Time) map[string]any {
	row := map[string]any{
		"id":               a.ID.String(),
		"titre":            a.Titre,
		"organisme":        a.Organisme,
		"url_source":       a.URLSource,
		"url_candidature":  a.URLCandidature,
		"contact":          a.EmailContact,
		"date_publication": formatDate(a.DatePublication),
		"date_limite":      formatDate(a.DateLimite),
		"categories":       slugs(a.Categories),
		"tags":             append([]string(nil), a.Tags...),
		"eligibilite":      sliceToStrings(a.Eligibilite),
		"statut":           string(a.Statut),
		"perimetre_geo":    a.PerimetreGeo,
		"perimetre_niveau": string(a.PerimetreNiveau),
		"fingerprint":      a.Fingerprint(),
		"is_active":        a.IsActive(now),
		"urgence":          string(a.Urgence(now)),
		"source_id":        firstSourceID(a.Sources),
		"created_at":       a.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":       a.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if a.MontantMin != nil {
		row["montant_min"] = *a.MontantMin
	} else {
		row["montant_min"] = nil
	}
	if a.MontantMax != nil {
		row["montant_max"] = *a.MontantMax
	} else {
		row["montant_max"] = nil
	}
	if d := a.DaysRemaining(now); d != nil {
		row["days_remaining"] = *d
	} else {
		row["days_remaining"] = nil
	}
	return row
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}

func slugs(cats []Category) []string {
	out := make([]string, 0, len(cats))
	for _, c := range cats {
		out = append(out, string(c))
	}
	return out
}

func sliceToStrings(es []Eligibilite) []string {
	out := make([]string, 0, len(es))
	for _, e := range es {
		out = append(out, string(e))
	}
	return out
}

func firstSourceID(sources []Source) string {
	if len(sources) == 0 {
		return ""
	}
	return sources[0].ID
}

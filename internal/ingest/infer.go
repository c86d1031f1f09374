package ingest

import (
	"sort"
	"strings"

	"github.com/marion/aap-watch/internal/models"
)

// RuleSet holds the keyword tables driving deterministic field
// inference. Tables are data passed in at construction, not package
// globals, so tests can supply their own and results stay reproducible.
// Rule application order is the slice order and never depends on input.
type RuleSet struct {
	categories  []categoryRule
	eligibilite []eligibiliteRule
	perimetres  []perimetreRule
}

type categoryRule struct {
	Category models.Category
	Keywords []string
}

type eligibiliteRule struct {
	Eligibilite models.Eligibilite
	Keywords    []string
}

type perimetreRule struct {
	Niveau   models.Perimetre
	Keywords []string
}

// DefaultRuleSet returns the built-in French keyword tables. Keywords
// are matched accent- and case-insensitively against folded text, so
// "santé" and "sante" are the same token.
func DefaultRuleSet() *RuleSet {
	return &RuleSet{
		categories: []categoryRule{
			{models.CategoryInsertionEmploi, []string{
				"emploi", "insertion", "recrutement", "formation professionnelle",
				"chomage", "reinsertion", "apprentissage",
			}},
			{models.CategoryEducationJeunesse, []string{
				"education", "jeunesse", "jeune", "scolaire", "etudiant",
				"lycee", "college", "universite", "enfance", "periscolaire",
			}},
			{models.CategorySanteHandicap, []string{
				"sante", "handicap", "medical", "hopital", "prevention",
				"maladie", "soin", "therapie", "accessibilite",
			}},
			{models.CategoryCultureSport, []string{
				"culture", "culturel", "art", "musique", "theatre", "sport",
				"sportif", "musee", "patrimoine", "spectacle", "danse", "cinema",
			}},
			{models.CategoryEnvironnement, []string{
				"environnement", "ecologie", "transition", "climat", "energie",
				"developpement durable", "biodiversite", "recyclage",
			}},
			{models.CategorySolidariteInclusion, []string{
				"solidarite", "inclusion", "social", "precarite", "pauvrete",
				"accompagnement", "egalite", "diversite",
			}},
			{models.CategoryVieAssociative, []string{
				"associatif", "association", "benevolat", "volontariat",
				"engagement", "citoyen", "citoyennete",
			}},
			{models.CategoryNumerique, []string{
				"numerique", "digital", "innovation", "tech", "data",
				"informatique", "startup", "intelligence artificielle",
			}},
			{models.CategoryEconomieESS, []string{
				"ess", "economie sociale", "esus", "cooperative", "scop",
				"scic", "economie solidaire", "impact",
			}},
			{models.CategoryLogementUrbanisme, []string{
				"logement", "habitat", "urbanisme", "quartier", "renovation",
				"hlm", "hebergement",
			}},
			{models.CategoryMobiliteTransport, []string{
				"mobilite", "transport", "deplacement", "velo", "covoiturage",
				"circulation",
			}},
		},
		eligibilite: []eligibiliteRule{
			{models.EligibiliteAssociations, []string{
				"association", "loi 1901", "fondation", "ong", "asso",
			}},
			{models.EligibiliteCollectivites, []string{
				"collectivite", "commune", "mairie", "departement", "region",
				"epci", "intercommunalite", "metropole",
			}},
			{models.EligibiliteEtablissements, []string{
				"etablissement", "ecole", "universite", "hopital",
				"laboratoire", "enseignement", "recherche",
			}},
			{models.EligibiliteEntreprises, []string{
				"entreprise", "societe", "pme", "tpe", "startup", "esus",
				"sarl", "sas",
			}},
			{models.EligibiliteProfessionnels, []string{
				"professionnel", "independant", "artisan", "commercant",
				"freelance", "autoentrepreneur",
			}},
			{models.EligibiliteParticuliers, []string{
				"particulier", "individu", "citoyen", "etudiant", "demandeur",
				"habitant",
			}},
		},
		// Highest specificity first: commune before department before
		// region before country. First match wins.
		perimetres: []perimetreRule{
			{models.PerimetreLocal, []string{
				"paris", "arrondissement", "commune", "ville", "quartier",
			}},
			{models.PerimetreDepartemental, []string{
				"seine-saint-denis", "hauts-de-seine", "val-de-marne",
				"val-d'oise", "essonne", "yvelines", "seine-et-marne",
				"departement", "75", "77", "78", "91", "92", "93", "94", "95",
			}},
			{models.PerimetreRegional, []string{
				"ile-de-france", "idf", "auvergne", "bretagne", "normandie",
				"occitanie", "paca", "grand est", "hauts-de-france",
				"nouvelle-aquitaine", "pays de la loire", "bourgogne",
				"centre-val de loire", "region",
			}},
			{models.PerimetreNational, []string{
				"france", "national", "metropole et outre-mer",
			}},
			{models.PerimetreEuropeen, []string{
				"europe", "europeen", "union europeenne", "ue",
			}},
			{models.PerimetreInternational, []string{
				"international", "mondial", "monde",
			}},
		},
	}
}

// fold canonicalizes text for keyword matching, reusing the fingerprint
// normalization so both stages agree on what "the same word" means.
func fold(s string) string {
	return models.NormalizeKey(s)
}

// containsToken reports whether folded keyword kw occurs in folded
// text. Short keywords and numeric codes must match whole tokens,
// otherwise "ess" matches "presse" and "75" matches "1750"; longer
// keywords match as substrings so "ecologie" covers "ecologique".
func containsToken(text, kw string) bool {
	if kw == "" {
		return false
	}
	if len(kw) <= 3 || (kw[0] >= '0' && kw[0] <= '9') {
		for _, tok := range strings.Fields(text) {
			if tok == kw {
				return true
			}
		}
		return false
	}
	return strings.Contains(text, kw)
}

// InferCategories maps free text plus source-declared labels onto the
// taxonomy. Declared labels that already are valid slugs win outright;
// otherwise keyword matches are ranked by match count (ties broken by
// table order) and truncated to three. No match yields the sentinel.
func (r *RuleSet) InferCategories(text string, declared []string) []models.Category {
	var out []models.Category
	for _, d := range declared {
		if c, ok := models.ParseCategory(strings.TrimSpace(strings.ToLower(d))); ok {
			out = append(out, c)
		}
	}
	if len(out) > 0 {
		if len(out) > 3 {
			out = out[:3]
		}
		return out
	}

	folded := fold(text)
	type scored struct {
		cat   models.Category
		score int
		order int
	}
	var hits []scored
	for i, rule := range r.categories {
		score := 0
		for _, kw := range rule.Keywords {
			if containsToken(folded, fold(kw)) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{rule.Category, score, i})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].order < hits[j].order
	})
	for i := 0; i < len(hits) && i < 3; i++ {
		out = append(out, hits[i].cat)
	}
	if len(out) == 0 {
		out = []models.Category{models.CategoryAutre}
	}
	return out
}

// InferEligibilite derives audience types from the source's free-text
// public-cible field. Absent input yields an empty set; present but
// unmatched input yields the sentinel.
func (r *RuleSet) InferEligibilite(publicCible []string) []models.Eligibilite {
	joined := strings.TrimSpace(strings.Join(publicCible, " "))
	if joined == "" {
		return nil
	}
	folded := fold(joined)

	var out []models.Eligibilite
	for _, rule := range r.eligibilite {
		for _, kw := range rule.Keywords {
			if containsToken(folded, fold(kw)) {
				out = append(out, rule.Eligibilite)
				break
			}
		}
	}
	if len(out) == 0 {
		return []models.Eligibilite{models.EligibiliteAutre}
	}
	return out
}

// InferPerimetre maps a free-text geographic scope onto a level. The
// tables are ordered most-specific first and the first match wins, so
// "Paris, Île-de-France" resolves to local, not regional.
func (r *RuleSet) InferPerimetre(geo string) (models.Perimetre, bool) {
	folded := fold(geo)
	if folded == "" {
		return "", false
	}
	for _, rule := range r.perimetres {
		for _, kw := range rule.Keywords {
			if containsToken(folded, fold(kw)) {
				return rule.Niveau, true
			}
		}
	}
	return "", false
}

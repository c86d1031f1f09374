package ingest

import (
	"testing"

	"github.com/marion/aap-watch/internal/models"
)

func TestInferCategories(t *testing.T) {
	rules := DefaultRuleSet()

	tests := []struct {
		name     string
		text     string
		declared []string
		want     []models.Category
	}{
		{
			name: "keyword match",
			text: "Soutien aux projets d'insertion et de retour à l'emploi",
			want: []models.Category{models.CategoryInsertionEmploi},
		},
		{
			name: "accented keyword matches unaccented table",
			text: "Programme santé et prévention des maladies chroniques",
			want: []models.Category{models.CategorySanteHandicap},
		},
		{
			name: "ranked by match count, capped at three",
			text: "Culture, musique et théâtre pour la jeunesse des quartiers, avec un volet numérique et un accompagnement social",
			want: []models.Category{
				models.CategoryCultureSport,
				models.CategoryEducationJeunesse,
				models.CategorySolidariteInclusion,
			},
		},
		{
			name:     "declared slug wins over keywords",
			text:     "Projets autour du sport et de la culture",
			declared: []string{"numerique"},
			want:     []models.Category{models.CategoryNumerique},
		},
		{
			name:     "invalid declared label falls through to keywords",
			text:     "Transition écologique et climat",
			declared: []string{"Écologie & Climat"},
			want:     []models.Category{models.CategoryEnvironnement},
		},
		{
			name: "no match yields sentinel",
			text: "Lorem ipsum dolor sit amet",
			want: []models.Category{models.CategoryAutre},
		},
		{
			name: "empty text yields sentinel",
			text: "",
			want: []models.Category{models.CategoryAutre},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := rules.InferCategories(tt.text, tt.declared)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("position %d: got %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestInferCategoriesIsDeterministic(t *testing.T) {
	rules := DefaultRuleSet()
	text := "sport culture jeunesse numérique environnement solidarité"
	first := rules.InferCategories(text, nil)
	for i := 0; i < 50; i++ {
		got := rules.InferCategories(text, nil)
		if len(got) != len(first) {
			t.Fatalf("run %d: got %v, want %v", i, got, first)
		}
		for j := range got {
			if got[j] != first[j] {
				t.Fatalf("run %d: got %v, want %v", i, got, first)
			}
		}
	}
}

func TestInferEligibilite(t *testing.T) {
	rules := DefaultRuleSet()

	tests := []struct {
		name        string
		publicCible []string
		want        []models.Eligibilite
	}{
		{
			name:        "single match",
			publicCible: []string{"Associations loi 1901"},
			want:        []models.Eligibilite{models.EligibiliteAssociations},
		},
		{
			name:        "multiple audiences in table order",
			publicCible: []string{"Entreprises et associations du territoire"},
			want: []models.Eligibilite{
				models.EligibiliteAssociations,
				models.EligibiliteEntreprises,
			},
		},
		{
			name:        "accent insensitive",
			publicCible: []string{"Établissements d'enseignement supérieur"},
			want:        []models.Eligibilite{models.EligibiliteEtablissements},
		},
		{
			name:        "present but unmatched yields sentinel",
			publicCible: []string{"tout le monde"},
			want:        []models.Eligibilite{models.EligibiliteAutre},
		},
		{
			name:        "absent yields empty",
			publicCible: nil,
			want:        nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := rules.InferEligibilite(tt.publicCible)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("position %d: got %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestInferPerimetre(t *testing.T) {
	rules := DefaultRuleSet()

	tests := []struct {
		name   string
		geo    string
		want   models.Perimetre
		wantOK bool
	}{
		{"city", "Ville de Paris", models.PerimetreLocal, true},
		{"commune beats region", "Paris, Île-de-France", models.PerimetreLocal, true},
		{"department name", "Seine-Saint-Denis", models.PerimetreDepartemental, true},
		{"department code as token", "Associations du 93", models.PerimetreDepartemental, true},
		{"code embedded in larger number ignored", "Depuis 1934", "", false},
		{"region", "Région Île-de-France", models.PerimetreRegional, true},
		{"country", "France entière", models.PerimetreNational, true},
		{"europe", "Union européenne", models.PerimetreEuropeen, true},
		{"world", "Projets à l'international", models.PerimetreInternational, true},
		{"empty", "", "", false},
		{"unknown place", "Atlantide", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := rules.InferPerimetre(tt.geo)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

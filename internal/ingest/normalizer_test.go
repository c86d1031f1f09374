package ingest

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/marion/aap-watch/internal/models"
)

func testNormalizer() *Normalizer {
	n := NewNormalizer(nil)
	n.Now = func() time.Time {
		return time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	}
	return n
}

func TestNormalizeMinimalRecord(t *testing.T) {
	n := testNormalizer()

	aap, err := n.Normalize(RawAAP{
		Titre:      "  Appel à projets   jeunesse  ",
		URLSource:  "https://example.org/aap/1",
		SourceID:   "test-source",
		SourceName: "Test Source",
		DateLimite: "2026-03-01",
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	if aap.Titre != "Appel à projets jeunesse" {
		t.Errorf("titre not cleaned: %q", aap.Titre)
	}
	if aap.DateLimite == nil || !aap.DateLimite.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("date_limite = %v", aap.DateLimite)
	}
	if aap.Statut != models.StatutOuvert {
		t.Errorf("statut = %s, want ouvert", aap.Statut)
	}
	if len(aap.Sources) != 1 || aap.Sources[0].ID != "test-source" {
		t.Errorf("sources = %+v", aap.Sources)
	}
	if aap.ID == uuid.Nil {
		t.Error("ID not assigned")
	}
}

func TestNormalizeRejectsMissingTitle(t *testing.T) {
	n := testNormalizer()

	for _, titre := range []string{"", "   ", "\t\n"} {
		_, err := n.Normalize(RawAAP{Titre: titre, SourceID: "s1"})
		verr, ok := err.(*ValidationError)
		if !ok {
			t.Fatalf("titre %q: got %T, want *ValidationError", titre, err)
		}
		if verr.Field != "titre" {
			t.Errorf("titre %q: field = %s", titre, verr.Field)
		}
	}
}

func TestNormalizeDateHandling(t *testing.T) {
	n := testNormalizer()

	tests := []struct {
		name       string
		dateLimite string
		want       *time.Time
		wantStatut models.Statut
	}{
		{
			name:       "french long form",
			dateLimite: "24 décembre 2026",
			want:       timePtr(time.Date(2026, 12, 24, 0, 0, 0, 0, time.UTC)),
			wantStatut: models.StatutOuvert,
		},
		{
			name:       "day-first numeric",
			dateLimite: "01/03/2026",
			want:       timePtr(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
			wantStatut: models.StatutOuvert,
		},
		{
			name:       "labelled date",
			dateLimite: "Date limite : 30/06/2026",
			want:       timePtr(time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC)),
			wantStatut: models.StatutOuvert,
		},
		{
			name:       "past deadline closes the call",
			dateLimite: "2025-11-30",
			want:       timePtr(time.Date(2025, 11, 30, 0, 0, 0, 0, time.UTC)),
			wantStatut: models.StatutFerme,
		},
		{
			name:       "garbage degrades to nil, record kept",
			dateLimite: "voir le règlement",
			want:       nil,
			wantStatut: models.StatutPermanent,
		},
		{
			name:       "absent deadline means permanent",
			dateLimite: "",
			want:       nil,
			wantStatut: models.StatutPermanent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			aap, err := n.Normalize(RawAAP{Titre: "T", SourceID: "s1", DateLimite: tt.dateLimite})
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			switch {
			case tt.want == nil && aap.DateLimite != nil:
				t.Errorf("date_limite = %v, want nil", aap.DateLimite)
			case tt.want != nil && (aap.DateLimite == nil || !aap.DateLimite.Equal(*tt.want)):
				t.Errorf("date_limite = %v, want %v", aap.DateLimite, tt.want)
			}
			if aap.Statut != tt.wantStatut {
				t.Errorf("statut = %s, want %s", aap.Statut, tt.wantStatut)
			}
		})
	}
}

func TestNormalizeAmounts(t *testing.T) {
	n := testNormalizer()

	tests := []struct {
		name    string
		raw     RawAAP
		wantMin *float64
		wantMax *float64
	}{
		{
			name:    "connector-provided amounts pass through",
			raw:     RawAAP{Titre: "T", MontantMin: floatPtr(1000), MontantMax: floatPtr(5000)},
			wantMin: floatPtr(1000),
			wantMax: floatPtr(5000),
		},
		{
			name:    "parsed from raw text",
			raw:     RawAAP{Titre: "T", MontantRaw: "de 5 000 à 50 000 euros"},
			wantMin: floatPtr(5000),
			wantMax: floatPtr(50000),
		},
		{
			name:    "ceiling only",
			raw:     RawAAP{Titre: "T", MontantRaw: "jusqu'à 300 000 €"},
			wantMin: nil,
			wantMax: floatPtr(300000),
		},
		{
			name:    "inverted range cleared",
			raw:     RawAAP{Titre: "T", MontantMin: floatPtr(9000), MontantMax: floatPtr(100)},
			wantMin: nil,
			wantMax: nil,
		},
		{
			name:    "no amount info",
			raw:     RawAAP{Titre: "T"},
			wantMin: nil,
			wantMax: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			aap, err := n.Normalize(tt.raw)
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			checkFloat(t, "montant_min", aap.MontantMin, tt.wantMin)
			checkFloat(t, "montant_max", aap.MontantMax, tt.wantMax)
		})
	}
}

func TestNormalizeResumeTruncation(t *testing.T) {
	n := testNormalizer()

	long := strings.Repeat("appel à projets pour les associations ", 30)
	aap, err := n.Normalize(RawAAP{Titre: "T", Resume: long})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got := utf8.RuneCountInString(aap.Resume); got > models.MaxResumeLen {
		t.Errorf("resume length = %d runes, want <= %d", got, models.MaxResumeLen)
	}
	if !strings.HasSuffix(aap.Resume, "...") {
		t.Errorf("truncated resume should end with ellipsis: %q", aap.Resume[len(aap.Resume)-10:])
	}
}

func TestNormalizeResumeTruncationKeepsValidUTF8(t *testing.T) {
	n := testNormalizer()

	// Every rune is multi-byte, so a byte-based cut at the cap would
	// split one in half.
	aap, err := n.Normalize(RawAAP{Titre: "T", Resume: strings.Repeat("é", 600)})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if !utf8.ValidString(aap.Resume) {
		t.Fatalf("resume is invalid UTF-8 after truncation (len=%d bytes)", len(aap.Resume))
	}
	if got := utf8.RuneCountInString(aap.Resume); got != models.MaxResumeLen {
		t.Errorf("resume length = %d runes, want %d", got, models.MaxResumeLen)
	}
	if !strings.HasSuffix(aap.Resume, "...") {
		t.Errorf("truncated resume should end with ellipsis")
	}
}

func TestNormalizeResumeFallsBackToDescription(t *testing.T) {
	n := testNormalizer()

	aap, err := n.Normalize(RawAAP{
		Titre:       "T",
		Description: "<p>Un programme de <b>soutien</b> aux initiatives locales.</p>",
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if aap.Resume != "Un programme de soutien aux initiatives locales." {
		t.Errorf("resume = %q", aap.Resume)
	}
}

func TestNormalizeSanitizesDescription(t *testing.T) {
	n := testNormalizer()

	aap, err := n.Normalize(RawAAP{
		Titre:       "T",
		Description: `<p>ok</p><script>alert("x")</script>`,
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if strings.Contains(aap.Description, "<script>") || strings.Contains(aap.Description, "alert") {
		t.Errorf("script survived sanitization: %q", aap.Description)
	}
}

func TestNormalizeInference(t *testing.T) {
	n := testNormalizer()

	aap, err := n.Normalize(RawAAP{
		Titre:        "Soutien aux projets culturels",
		Resume:       "Théâtre et musique dans les quartiers populaires",
		PublicCible:  []string{"Associations loi 1901"},
		PerimetreGeo: "Seine-Saint-Denis",
		SourceID:     "s1",
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(aap.Categories) == 0 || aap.Categories[0] != models.CategoryCultureSport {
		t.Errorf("categories = %v", aap.Categories)
	}
	if len(aap.Eligibilite) != 1 || aap.Eligibilite[0] != models.EligibiliteAssociations {
		t.Errorf("eligibilite = %v", aap.Eligibilite)
	}
	if aap.PerimetreNiveau != models.PerimetreDepartemental {
		t.Errorf("perimetre_niveau = %s", aap.PerimetreNiveau)
	}
}

func TestNormalizeIsDeterministicOnFingerprintInputs(t *testing.T) {
	n := testNormalizer()

	raw := RawAAP{
		Titre:      "Appel X",
		Organisme:  "Fondation Y",
		DateLimite: "2026-03-01",
		SourceID:   "s1",
	}
	a, err := n.Normalize(raw)
	if err != nil {
		t.Fatal(err)
	}
	b, err := n.Normalize(raw)
	if err != nil {
		t.Fatal(err)
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Errorf("fingerprints differ: %s vs %s", a.Fingerprint(), b.Fingerprint())
	}
	if a.ID == b.ID {
		t.Error("distinct records should get distinct IDs")
	}
}

func timePtr(t time.Time) *time.Time { return &t }

func floatPtr(f float64) *float64 { return &f }

func checkFloat(t *testing.T, name string, got, want *float64) {
	t.Helper()
	switch {
	case want == nil && got != nil:
		t.Errorf("%s = %v, want nil", name, *got)
	case want != nil && got == nil:
		t.Errorf("%s = nil, want %v", name, *want)
	case want != nil && got != nil && *got != *want:
		t.Errorf("%s = %v, want %v", name, *got, *want)
	}
}

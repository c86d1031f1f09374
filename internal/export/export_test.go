package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/marion/aap-watch/internal/collection"
	"github.com/marion/aap-watch/internal/models"
)

var exportNow = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func exportFixture() *collection.Collection {
	deadline := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	min := 5000.0
	max := 20000.0

	coll := collection.New()
	coll.Add(&models.AAP{
		ID:         uuid.New(),
		Titre:      "Appel à projets culture et quartiers",
		Organisme:  "Ville de Paris",
		URLSource:  "https://www.paris.fr/aap/culture",
		DateLimite: &deadline,
		Categories: []models.Category{models.CategoryCultureSport},
		Tags:       []string{"musique", "quartiers"},
		Statut:     models.StatutOuvert,
		MontantMin: &min,
		MontantMax: &max,
		Sources:    []models.Source{{ID: "paris", Name: "Ville de Paris"}},
		CreatedAt:  exportNow,
		UpdatedAt:  exportNow,
	})
	coll.Add(&models.AAP{
		ID:         uuid.New(),
		Titre:      "Fonds permanent solidarité",
		Organisme:  "Fondation de France",
		URLSource:  "https://www.fondationdefrance.org/fonds",
		Categories: []models.Category{models.CategorySolidariteInclusion},
		Statut:     models.StatutPermanent,
		Sources:    []models.Source{{ID: "fondation-de-france", Name: "Fondation de France"}},
		CreatedAt:  exportNow,
		UpdatedAt:  exportNow,
	})
	return coll
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, exportFixture(), exportNow); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parse output: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("records = %d, want header + 2 rows", len(records))
	}

	header := records[0]
	if len(header) != len(Columns) {
		t.Fatalf("header has %d columns, want %d", len(header), len(Columns))
	}
	for i, col := range Columns {
		if header[i] != col {
			t.Errorf("header[%d] = %q, want %q", i, header[i], col)
		}
	}

	col := func(name string) int {
		for i, c := range Columns {
			if c == name {
				return i
			}
		}
		t.Fatalf("no column %q", name)
		return -1
	}

	first := records[1]
	if got := first[col("tags")]; got != "musique;quartiers" {
		t.Errorf("tags cell = %q", got)
	}
	if got := first[col("montant_max")]; got != "20000" {
		t.Errorf("montant_max cell = %q", got)
	}
	if got := first[col("days_remaining")]; got != "28" {
		t.Errorf("days_remaining cell = %q", got)
	}
	if got := first[col("urgence")]; got != "proche" {
		t.Errorf("urgence cell = %q", got)
	}

	second := records[2]
	if got := second[col("montant_min")]; got != "" {
		t.Errorf("missing amount must export empty, got %q", got)
	}
	if got := second[col("urgence")]; got != "permanent" {
		t.Errorf("urgence cell = %q", got)
	}
	if got := second[col("is_active")]; got != "true" {
		t.Errorf("is_active cell = %q", got)
	}
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteJSON(&buf, exportFixture(), exportNow); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	var rows []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rows); err != nil {
		t.Fatalf("parse output: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}

	for _, row := range rows {
		for _, colName := range Columns {
			if _, ok := row[colName]; !ok {
				t.Errorf("row missing column %q", colName)
			}
		}
	}

	if rows[0]["date_limite"] != "2026-03-01" {
		t.Errorf("date_limite = %v", rows[0]["date_limite"])
	}
	if rows[1]["days_remaining"] != nil {
		t.Errorf("days_remaining = %v, want null", rows[1]["days_remaining"])
	}
}

func TestRenderTable(t *testing.T) {
	var buf bytes.Buffer
	RenderTable(&buf, exportFixture(), exportNow)

	out := buf.String()
	for _, want := range []string{"Ville de Paris", "2026-03-01", "proche", "culture-sport"} {
		if !strings.Contains(out, want) {
			t.Errorf("table output missing %q:\n%s", want, out)
		}
	}
}

func TestFormatMontant(t *testing.T) {
	min := 1000.0
	max := 5000.0
	tests := []struct {
		name     string
		min, max *float64
		want     string
	}{
		{"range", &min, &max, "1000 € – 5000 €"},
		{"single", &min, &min, "1000 €"},
		{"min only", &min, nil, "dès 1000 €"},
		{"max only", nil, &max, "jusqu'à 5000 €"},
		{"none", nil, nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatMontant(tt.min, tt.max); got != tt.want {
				t.Errorf("formatMontant = %q, want %q", got, tt.want)
			}
		})
	}
}

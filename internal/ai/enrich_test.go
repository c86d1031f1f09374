package ai

import (
	"context"
	"errors"
	"testing"

	"github.com/marion/aap-watch/internal/ingest"
)

type stubGenerator struct {
	resp string
	err  error
}

func (s *stubGenerator) GenerateCompletion(ctx context.Context, prompt string, jsonMode bool) (string, error) {
	return s.resp, s.err
}

func TestEnrichFillsOnlyMissingFields(t *testing.T) {
	gen := &stubGenerator{resp: `{
		"date_limite_iso": "2026-03-01",
		"organisme": "Fondation Y",
		"resume": "Un appel à projets.",
		"categories": ["culture-sport"],
		"public_cible": ["associations"],
		"perimetre_geo": "Île-de-France",
		"montant_min": 1000,
		"montant_max": 5000
	}`}
	e := NewEnricher(gen)

	raw := ingest.RawAAP{
		Titre:       "Appel X",
		Organisme:   "Organisme Connu", // already set, must survive
		Description: "Texte de l'appel.",
	}
	got, err := e.Enrich(context.Background(), raw)
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}

	if got.Organisme != "Organisme Connu" {
		t.Errorf("organisme overwritten: %q", got.Organisme)
	}
	if got.DateLimite != "2026-03-01" {
		t.Errorf("date_limite = %q", got.DateLimite)
	}
	if len(got.Categories) != 1 || got.Categories[0] != "culture-sport" {
		t.Errorf("categories = %v", got.Categories)
	}
	if got.MontantMax == nil || *got.MontantMax != 5000 {
		t.Errorf("montant_max = %v", got.MontantMax)
	}
}

func TestEnrichDiscardsInvalidProposals(t *testing.T) {
	gen := &stubGenerator{resp: `{
		"date_limite_iso": "bientôt",
		"categories": ["Culture & Loisirs", "numerique"]
	}`}
	e := NewEnricher(gen)

	got, err := e.Enrich(context.Background(), ingest.RawAAP{
		Titre:       "Appel X",
		Description: "Texte.",
	})
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if got.DateLimite != "" {
		t.Errorf("invalid date accepted: %q", got.DateLimite)
	}
	if len(got.Categories) != 1 || got.Categories[0] != "numerique" {
		t.Errorf("vocabulary filter failed: %v", got.Categories)
	}
}

func TestEnrichHandlesMarkdownFencedOutput(t *testing.T) {
	gen := &stubGenerator{resp: "```json\n{\"organisme\": \"Fondation Z\"}\n```"}
	e := NewEnricher(gen)

	got, err := e.Enrich(context.Background(), ingest.RawAAP{Titre: "T", Description: "d"})
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if got.Organisme != "Fondation Z" {
		t.Errorf("organisme = %q", got.Organisme)
	}
}

func TestEnrichSkipsRecordsWithoutText(t *testing.T) {
	gen := &stubGenerator{err: errors.New("should not be called")}
	e := NewEnricher(gen)

	raw := ingest.RawAAP{Titre: "Appel X"}
	got, err := e.Enrich(context.Background(), raw)
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if got.Titre != raw.Titre {
		t.Errorf("record changed: %+v", got)
	}
}

func TestEnrichPropagatesBackendFailure(t *testing.T) {
	gen := &stubGenerator{err: errors.New("model unavailable")}
	e := NewEnricher(gen)

	_, err := e.Enrich(context.Background(), ingest.RawAAP{Titre: "T", Description: "d"})
	if err == nil {
		t.Fatal("expected error from failing backend")
	}
}

func TestExtractFirstJSONObject(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{`{"a": 1}`, `{"a": 1}`, true},
		{`prefix {"a": {"b": 2}} suffix`, `{"a": {"b": 2}}`, true},
		{`{"s": "brace } in string"}`, `{"s": "brace } in string"}`, true},
		{`no json here`, ``, false},
		{`{"unclosed": 1`, ``, false},
	}
	for _, tt := range tests {
		got, ok := extractFirstJSONObject(tt.in)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("extractFirstJSONObject(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

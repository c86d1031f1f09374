package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// stubConnector returns canned records or an error.
type stubConnector struct {
	id    string
	raws  []RawAAP
	err   error
	delay time.Duration
}

func (s *stubConnector) SourceID() string   { return s.id }
func (s *stubConnector) SourceName() string { return "Stub " + s.id }

func (s *stubConnector) FetchRaw(ctx context.Context) ([]RawAAP, error) {
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, &SourceUnavailable{SourceID: s.id, Cause: ctx.Err()}
		case <-time.After(s.delay):
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.raws, nil
}

func testPipeline() *Pipeline {
	p := NewPipeline(&Registry{}, nil, testNormalizer())
	p.SourceTimeout = 200 * time.Millisecond
	return p
}

func TestPipelineDeduplicatesAcrossSources(t *testing.T) {
	p := testPipeline()

	connectors := []Connector{
		&stubConnector{id: "a", raws: []RawAAP{{
			Titre:      "Appel X",
			Organisme:  "Fondation Y",
			DateLimite: "2026-03-01",
			SourceID:   "a",
			MontantRaw: "jusqu'à 10 000 €",
		}}},
		&stubConnector{id: "b", raws: []RawAAP{{
			Titre:      "APPEL  X", // same call, sloppier casing and spacing
			Organisme:  "fondation y",
			DateLimite: "01/03/2026",
			SourceID:   "b",
		}}},
	}

	coll, stats, err := p.Run(context.Background(), connectors)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if coll.Len() != 1 {
		t.Fatalf("got %d entries, want 1", coll.Len())
	}

	merged := coll.All()[0]
	if len(merged.Sources) != 2 {
		t.Errorf("sources = %d, want 2", len(merged.Sources))
	}
	if merged.MontantMax == nil || *merged.MontantMax != 10000 {
		t.Errorf("montant_max = %v, want 10000", merged.MontantMax)
	}
	if len(stats) != 2 {
		t.Fatalf("stats entries = %d, want 2", len(stats))
	}
	for _, st := range stats {
		if st.Found != 1 || st.Normalized != 1 || st.Failed {
			t.Errorf("stats for %s = %+v", st.SourceID, st)
		}
	}
}

func TestPipelineMergeOrderIsConnectorOrder(t *testing.T) {
	p := testPipeline()

	// Source "a" is slower but comes first: its url_candidature must
	// win the first-writer-wins merge regardless of arrival order.
	connectors := []Connector{
		&stubConnector{id: "a", delay: 50 * time.Millisecond, raws: []RawAAP{{
			Titre: "Appel X", Organisme: "Y", DateLimite: "2026-03-01",
			SourceID: "a", URLCandidature: "https://a.example/candidater",
		}}},
		&stubConnector{id: "b", raws: []RawAAP{{
			Titre: "Appel X", Organisme: "Y", DateLimite: "2026-03-01",
			SourceID: "b", URLCandidature: "https://b.example/candidater",
		}}},
	}

	for i := 0; i < 5; i++ {
		coll, _, err := p.Run(context.Background(), connectors)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		got := coll.All()[0].URLCandidature
		if got != "https://a.example/candidater" {
			t.Fatalf("run %d: url_candidature = %q, want source a's value", i, got)
		}
	}
}

func TestPipelineDropsInvalidRecordsAndContinues(t *testing.T) {
	p := testPipeline()

	raws := make([]RawAAP, 0, 1000)
	for i := 0; i < 1000; i++ {
		titre := fmt.Sprintf("Appel %d", i)
		if i == 100 || i == 500 || i == 900 {
			titre = "   "
		}
		raws = append(raws, RawAAP{Titre: titre, SourceID: "bulk", DateLimite: "2026-06-30"})
	}

	coll, stats, err := p.Run(context.Background(), []Connector{&stubConnector{id: "bulk", raws: raws}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if coll.Len() != 997 {
		t.Errorf("entries = %d, want 997", coll.Len())
	}
	if stats[0].Dropped != 3 {
		t.Errorf("dropped = %d, want 3", stats[0].Dropped)
	}
	if stats[0].Normalized != 997 {
		t.Errorf("normalized = %d, want 997", stats[0].Normalized)
	}
}

func TestPipelinePartialSourceFailure(t *testing.T) {
	p := testPipeline()

	connectors := []Connector{
		&stubConnector{id: "down", err: &SourceUnavailable{SourceID: "down", Cause: errors.New("boom")}},
		&stubConnector{id: "up", raws: []RawAAP{{Titre: "Appel X", SourceID: "up"}}},
	}

	coll, stats, err := p.Run(context.Background(), connectors)
	if err != nil {
		t.Fatalf("partial failure must not fail the run: %v", err)
	}
	if coll.Len() != 1 {
		t.Errorf("entries = %d, want 1", coll.Len())
	}

	var downStats IngestionStats
	for _, st := range stats {
		if st.SourceID == "down" {
			downStats = st
		}
	}
	if !downStats.Failed {
		t.Errorf("source down not marked failed: %+v", downStats)
	}
}

func TestPipelineAllSourcesFailed(t *testing.T) {
	p := testPipeline()

	connectors := []Connector{
		&stubConnector{id: "a", err: &SourceUnavailable{SourceID: "a", Cause: errors.New("boom")}},
		&stubConnector{id: "b", err: &SourceUnavailable{SourceID: "b", Cause: errors.New("boom")}},
	}

	_, _, err := p.Run(context.Background(), connectors)
	if !errors.Is(err, ErrAllSourcesFailed) {
		t.Fatalf("err = %v, want ErrAllSourcesFailed", err)
	}
}

func TestPipelineSourceTimeout(t *testing.T) {
	p := testPipeline()

	connectors := []Connector{
		&stubConnector{id: "slow", delay: 5 * time.Second},
		&stubConnector{id: "fast", raws: []RawAAP{{Titre: "Appel X", SourceID: "fast"}}},
	}

	start := time.Now()
	coll, _, err := p.Run(context.Background(), connectors)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("run took %v, timeout not enforced", elapsed)
	}
	if coll.Len() != 1 {
		t.Errorf("entries = %d, want 1", coll.Len())
	}
}

// fakeEnricher fills the organisme on records missing one.
type fakeEnricher struct {
	calls int
	fail  bool
}

func (f *fakeEnricher) Enrich(ctx context.Context, raw RawAAP) (RawAAP, error) {
	f.calls++
	if f.fail {
		return RawAAP{}, errors.New("model unavailable")
	}
	if raw.Organisme == "" {
		raw.Organisme = "Organisme Deviné"
	}
	return raw, nil
}

func TestPipelineEnrichmentFillsMissingFields(t *testing.T) {
	p := testPipeline()
	enricher := &fakeEnricher{}
	p.Enricher = enricher

	coll, _, err := p.Run(context.Background(), []Connector{
		&stubConnector{id: "a", raws: []RawAAP{{Titre: "Appel X", SourceID: "a"}}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if enricher.calls != 1 {
		t.Errorf("enricher calls = %d, want 1", enricher.calls)
	}
	if got := coll.All()[0].Organisme; got != "Organisme Deviné" {
		t.Errorf("organisme = %q", got)
	}
}

func TestPipelineEnrichmentFailsOpen(t *testing.T) {
	p := testPipeline()
	p.Enricher = &fakeEnricher{fail: true}

	coll, _, err := p.Run(context.Background(), []Connector{
		&stubConnector{id: "a", raws: []RawAAP{{Titre: "Appel X", SourceID: "a"}}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if coll.Len() != 1 {
		t.Fatalf("record lost on enrichment failure")
	}
	if got := coll.All()[0].Titre; got != "Appel X" {
		t.Errorf("titre = %q", got)
	}
}

package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/marion/aap-watch/internal/collection"
)

// Enricher fills missing RawAAP fields from unstructured text, usually
// via an LLM. Implementations must fail open: a broken enricher returns
// an error and the pipeline keeps the unenriched record.
type Enricher interface {
	Enrich(ctx context.Context, raw RawAAP) (RawAAP, error)
}

// Pipeline runs a full ingestion cycle: fetch every enabled source
// concurrently, then normalize and merge the results sequentially in
// registry order so the merged output is the same on every run.
type Pipeline struct {
	Registry   *Registry
	Fetcher    Fetcher
	Normalizer *Normalizer

	// Enricher is optional; nil disables LLM enrichment.
	Enricher Enricher

	// SourceTimeout bounds each connector's fetch. Default 2 minutes.
	SourceTimeout time.Duration
}

func NewPipeline(reg *Registry, fetcher Fetcher, normalizer *Normalizer) *Pipeline {
	return &Pipeline{
		Registry:      reg,
		Fetcher:       fetcher,
		Normalizer:    normalizer,
		SourceTimeout: 2 * time.Minute,
	}
}

// ErrAllSourcesFailed is returned when not a single source produced
// records. Partial failure is routine; total failure is not.
var ErrAllSourcesFailed = errors.New("all sources failed")

// BuildConnectors instantiates one connector per enabled source, in
// registry order.
func (p *Pipeline) BuildConnectors() ([]Connector, error) {
	sources := p.Registry.EnabledSources()
	connectors := make([]Connector, 0, len(sources))
	for _, cfg := range sources {
		if f, ok := p.Fetcher.(*HTTPFetcher); ok {
			f.Configure(cfg)
		}
		switch cfg.Kind {
		case "api":
			connectors = append(connectors, NewAPIConnector(cfg, p.Fetcher))
		case "html":
			connectors = append(connectors, NewHTMLConnector(cfg))
		case "rss":
			connectors = append(connectors, NewRSSConnector(cfg, p.Fetcher))
		case "pdf":
			connectors = append(connectors, NewPDFConnector(cfg, p.Fetcher))
		default:
			return nil, fmt.Errorf("source %s: unknown kind %q", cfg.ID, cfg.Kind)
		}
	}
	return connectors, nil
}

type fetchResult struct {
	index    int
	sourceID string
	raws     []RawAAP
	err      error
	duration time.Duration
}

// Run executes one ingestion cycle over the given connectors (or all
// registry connectors when nil) and returns the merged collection plus
// per-source stats. A failing source is logged and skipped; only when
// every source fails does Run return an error.
func (p *Pipeline) Run(ctx context.Context, connectors []Connector) (*collection.Collection, []IngestionStats, error) {
	if connectors == nil {
		var err error
		connectors, err = p.BuildConnectors()
		if err != nil {
			return nil, nil, err
		}
	}
	if len(connectors) == 0 {
		return nil, nil, fmt.Errorf("no sources configured")
	}

	results := make(chan fetchResult, len(connectors))
	for i, conn := range connectors {
		go func(index int, conn Connector) {
			start := time.Now()
			fetchCtx, cancel := context.WithTimeout(ctx, p.SourceTimeout)
			defer cancel()

			raws, err := conn.FetchRaw(fetchCtx)
			results <- fetchResult{
				index:    index,
				sourceID: conn.SourceID(),
				raws:     raws,
				err:      err,
				duration: time.Since(start),
			}
		}(i, conn)
	}

	// Fan-in: gather everything, then process in connector order so
	// first-writer-wins merges are reproducible.
	byIndex := make([]fetchResult, len(connectors))
	for range connectors {
		res := <-results
		byIndex[res.index] = res
	}

	coll := collection.New()
	stats := make([]IngestionStats, 0, len(connectors))
	failed := 0

	for _, res := range byIndex {
		st := IngestionStats{SourceID: res.sourceID, Duration: res.duration}
		if res.err != nil {
			log.Printf("[ingest] source %s failed: %v", res.sourceID, res.err)
			st.Failed = true
			failed++
			stats = append(stats, st)
			continue
		}
		st.Found = len(res.raws)

		for _, raw := range res.raws {
			raw = p.enrich(ctx, raw)

			aap, err := p.Normalizer.Normalize(raw)
			if err != nil {
				var verr *ValidationError
				if errors.As(err, &verr) {
					log.Printf("[ingest] %v", verr)
					st.Dropped++
					continue
				}
				return nil, nil, err
			}
			coll.Add(aap)
			st.Normalized++
		}
		stats = append(stats, st)
	}

	if failed == len(connectors) {
		return nil, stats, ErrAllSourcesFailed
	}

	log.Printf("[ingest] run complete: %d sources (%d failed), %d distinct AAPs",
		len(connectors), failed, coll.Len())
	return coll, stats, nil
}

// enrich applies the optional LLM pass to records that still miss key
// fields. Enrichment failure keeps the original record.
func (p *Pipeline) enrich(ctx context.Context, raw RawAAP) RawAAP {
	if p.Enricher == nil {
		return raw
	}
	if raw.DateLimite != "" && raw.Organisme != "" && len(raw.Categories) > 0 {
		return raw
	}
	enriched, err := p.Enricher.Enrich(ctx, raw)
	if err != nil {
		log.Printf("[ingest] %s: enrichment failed for %q, keeping original: %v", raw.SourceID, raw.Titre, err)
		return raw
	}
	return enriched
}

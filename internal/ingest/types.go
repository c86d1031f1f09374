package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RawAAP is the untrusted, unnormalized record a connector extracts from
// its source. Fields are optional: different sources provide different
// data, and the normalizer fills the gaps by inference. The struct is
// consumed exactly once, by Normalizer.Normalize.
type RawAAP struct {
	Titre     string
	URLSource string

	SourceID   string
	SourceName string
	SourceURL  string

	// Dates as found, unparsed. The normalizer owns parsing.
	DatePublication string
	DateLimite      string

	Organisme    string
	OrganismeURL string

	Resume      string
	Description string

	URLCandidature string
	EmailContact   string

	// Classification as declared by the source; mapped onto the fixed
	// taxonomy later, possibly enriched by the LLM first.
	Categories  []string
	Tags        []string
	PublicCible []string

	PerimetreGeo string

	MontantMin *float64
	MontantMax *float64
	MontantRaw string

	// Original payload retained for audit.
	RawPayload string
	ScrapedAt  time.Time
}

// Connector is the seam where source-specific mechanics plug in: HTML
// scraping, REST polling, RSS parsing, PDF extraction. A connector
// returns every item it could extract; a single malformed item is
// dropped and counted, never fatal. Transport or parse failure of the
// whole source surfaces as *SourceUnavailable.
type Connector interface {
	SourceID() string
	SourceName() string
	FetchRaw(ctx context.Context) ([]RawAAP, error)
}

// SourceUnavailable isolates one failing source for the run. It is
// caught at the orchestration boundary, logged, and excluded from the
// merge; it never aborts the batch.
type SourceUnavailable struct {
	SourceID string
	Cause    error
}

func (e *SourceUnavailable) Error() string {
	return fmt.Sprintf("source %s unavailable: %v", e.SourceID, e.Cause)
}

func (e *SourceUnavailable) Unwrap() error { return e.Cause }

// ValidationError marks a single raw record that failed required-field
// checks. The record is dropped with a warning; the batch continues.
type ValidationError struct {
	SourceID string
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid record from %s: %s %s", e.SourceID, e.Field, e.Reason)
}

// FetchedDocument is the raw result of one fetch.
type FetchedDocument struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        io.ReadCloser
	FetchedAt   time.Time
	Headers     http.Header
}

// Fetcher retrieves raw content from a URL. Connectors share one
// implementation so rate limiting and robots.txt handling stay in one
// place.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*FetchedDocument, error)
}

// IngestionStats summarizes one source's contribution to a run.
type IngestionStats struct {
	SourceID   string        `json:"source_id"`
	Found      int           `json:"found"`
	Normalized int           `json:"normalized"`
	Dropped    int           `json:"dropped"`
	Failed     bool          `json:"failed"`
	Duration   time.Duration `json:"duration_ms"`
}

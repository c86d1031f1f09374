package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// APIConnector pulls AAP records from an OpenDataSoft-style dataset
// endpoint (data.iledefrance.fr and friends expose the same API).
type APIConnector struct {
	cfg     SourceConfig
	fetcher Fetcher
}

func NewAPIConnector(cfg SourceConfig, fetcher Fetcher) *APIConnector {
	if cfg.API.PageSize <= 0 {
		cfg.API.PageSize = 100
	}
	return &APIConnector{cfg: cfg, fetcher: fetcher}
}

func (c *APIConnector) SourceID() string   { return c.cfg.ID }
func (c *APIConnector) SourceName() string { return c.cfg.Name }

type odsResponse struct {
	TotalCount int               `json:"total_count"`
	Results    []json.RawMessage `json:"results"`
}

// FetchRaw pages through the dataset until exhaustion (or MaxRows).
// Individual records that fail to decode are skipped with a warning;
// a failed page fails the whole source.
func (c *APIConnector) FetchRaw(ctx context.Context) ([]RawAAP, error) {
	var out []RawAAP
	offset := 0

	for {
		page, total, err := c.fetchPage(ctx, offset)
		if err != nil {
			return nil, &SourceUnavailable{SourceID: c.cfg.ID, Cause: err}
		}
		out = append(out, page...)

		offset += c.cfg.API.PageSize
		if offset >= total {
			break
		}
		if c.cfg.API.MaxRows > 0 && offset >= c.cfg.API.MaxRows {
			break
		}
	}
	return out, nil
}

func (c *APIConnector) fetchPage(ctx context.Context, offset int) ([]RawAAP, int, error) {
	endpoint := fmt.Sprintf("%s/api/explore/v2.1/catalog/datasets/%s/records",
		strings.TrimRight(c.cfg.BaseURL, "/"), url.PathEscape(c.cfg.API.Dataset))

	q := url.Values{}
	q.Set("limit", strconv.Itoa(c.cfg.API.PageSize))
	q.Set("offset", strconv.Itoa(offset))
	if c.cfg.API.Where != "" {
		q.Set("where", c.cfg.API.Where)
	}
	if c.cfg.APIKey != "" {
		q.Set("apikey", c.cfg.APIKey)
	}

	doc, err := c.fetcher.Fetch(ctx, endpoint+"?"+q.Encode())
	if err != nil {
		return nil, 0, err
	}
	defer doc.Body.Close()

	body, err := io.ReadAll(io.LimitReader(doc.Body, maxBodyBytes))
	if err != nil {
		return nil, 0, err
	}

	var resp odsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, 0, fmt.Errorf("decoding page at offset %d: %w", offset, err)
	}

	raws := make([]RawAAP, 0, len(resp.Results))
	for _, rec := range resp.Results {
		raw, err := c.mapRecord(rec, doc.FetchedAt)
		if err != nil {
			log.Printf("[ingest] %s: skipping record: %v", c.cfg.ID, err)
			continue
		}
		raws = append(raws, raw)
	}
	return raws, resp.TotalCount, nil
}

// odsRecord covers the field names the regional open-data portals use.
// Portals are inconsistent, so several aliases map to each field.
type odsRecord struct {
	Titre     string `json:"titre"`
	Title     string `json:"title"`
	Intitule  string `json:"intitule"`
	Organisme string `json:"organisme"`
	Porteur   string `json:"porteur"`

	Description string `json:"description"`
	Chapo       string `json:"chapo"`
	Objet       string `json:"objet"`

	URL            string `json:"url"`
	Lien           string `json:"lien"`
	URLCandidature string `json:"url_candidature"`
	Contact        string `json:"contact"`

	DatePublication string `json:"date_publication"`
	DateOuverture   string `json:"date_ouverture"`
	DateLimite      string `json:"date_limite"`
	DateCloture     string `json:"date_cloture"`

	Thematique    string `json:"thematique"`
	Thematiques   string `json:"thematiques"`
	PublicCible   string `json:"public_cible"`
	Beneficiaires string `json:"beneficiaires"`

	Perimetre  string `json:"perimetre"`
	Territoire string `json:"territoire"`

	Montant string `json:"montant"`
}

func (c *APIConnector) mapRecord(rec json.RawMessage, fetchedAt time.Time) (RawAAP, error) {
	var r odsRecord
	if err := json.Unmarshal(rec, &r); err != nil {
		return RawAAP{}, err
	}

	titre := firstNonEmpty(r.Titre, r.Title, r.Intitule)
	if titre == "" {
		return RawAAP{}, fmt.Errorf("record has no title field")
	}

	raw := RawAAP{
		Titre:           titre,
		Organisme:       firstNonEmpty(r.Organisme, r.Porteur),
		Resume:          firstNonEmpty(r.Chapo, r.Objet),
		Description:     r.Description,
		URLSource:       firstNonEmpty(r.URL, r.Lien),
		URLCandidature:  r.URLCandidature,
		EmailContact:    extractEmail(r.Contact),
		DatePublication: firstNonEmpty(r.DatePublication, r.DateOuverture),
		DateLimite:      firstNonEmpty(r.DateLimite, r.DateCloture),
		PerimetreGeo:    firstNonEmpty(r.Perimetre, r.Territoire),
		MontantRaw:      r.Montant,
		SourceID:        c.cfg.ID,
		SourceName:      c.cfg.Name,
		SourceURL:       c.cfg.BaseURL,
		RawPayload:      string(rec),
		ScrapedAt:       fetchedAt,
	}
	if t := firstNonEmpty(r.Thematique, r.Thematiques); t != "" {
		raw.Tags = splitAndCleanList(strings.ReplaceAll(t, ",", "\n"))
	}
	if p := firstNonEmpty(r.PublicCible, r.Beneficiaires); p != "" {
		raw.PublicCible = splitAndCleanList(strings.ReplaceAll(p, ",", "\n"))
	}
	if raw.URLSource == "" {
		raw.URLSource = c.cfg.BaseURL
	}
	return raw, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func extractEmail(s string) string {
	for _, tok := range strings.Fields(s) {
		if strings.Count(tok, "@") == 1 && strings.Contains(tok, ".") {
			return strings.Trim(tok, "<>,;:()")
		}
	}
	return ""
}

package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/marion/aap-watch/internal/collection"
	"github.com/marion/aap-watch/internal/models"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// ListParams filters the persisted AAPs. Zero values mean "no filter".
type ListParams struct {
	Categories  []string
	Eligibilite []string
	Source      string
	Statut      string
	// ActiveOnly keeps AAPs still accepting applications: permanent,
	// or not closed with a deadline in the future (or none at all).
	ActiveOnly bool
	// Urgence filters on deadline proximity, evaluated at query time:
	// urgent (≤7 days), proche (8–30), confortable (>30), permanent,
	// expire.
	Urgence string
	Query   string

	SortBy string // "deadline" (default), "newest"
	Limit  int
	Offset int
}

type ListResult struct {
	AAPs   []models.AAP `json:"aaps"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

const selectCols = `id, fingerprint, titre, organisme, resume, description,
	url_source, url_candidature, email_contact,
	date_publication, date_limite,
	categories, tags, eligibilite, statut,
	perimetre_geo, perimetre_niveau,
	montant_min, montant_max,
	sources, raw_data, embedding,
	created_at, updated_at`

// UpsertAAP persists one AAP keyed on its fingerprint. A later run
// refreshes the fields it actually has values for and keeps the stored
// value where the new run came back empty; created_at never changes.
func (s *Store) UpsertAAP(ctx context.Context, a *models.AAP) error {
	sourcesJSON, err := json.Marshal(a.Sources)
	if err != nil {
		return fmt.Errorf("marshal sources: %w", err)
	}
	rawJSON, err := json.Marshal(a.RawData)
	if err != nil {
		return fmt.Errorf("marshal raw data: %w", err)
	}

	var embedding any
	if len(a.Embedding) > 0 {
		embedding = pgvector.NewVector(a.Embedding)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO aaps (
			id, fingerprint, titre, organisme, resume, description,
			url_source, url_candidature, email_contact,
			date_publication, date_limite,
			categories, tags, eligibilite, statut,
			perimetre_geo, perimetre_niveau,
			montant_min, montant_max,
			sources, raw_data, embedding,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24
		)
		ON CONFLICT (fingerprint) DO UPDATE SET
			titre            = EXCLUDED.titre,
			organisme        = COALESCE(NULLIF(EXCLUDED.organisme, ''), aaps.organisme),
			resume           = COALESCE(NULLIF(EXCLUDED.resume, ''), aaps.resume),
			description      = COALESCE(NULLIF(EXCLUDED.description, ''), aaps.description),
			url_source       = COALESCE(NULLIF(EXCLUDED.url_source, ''), aaps.url_source),
			url_candidature  = COALESCE(NULLIF(EXCLUDED.url_candidature, ''), aaps.url_candidature),
			email_contact    = COALESCE(NULLIF(EXCLUDED.email_contact, ''), aaps.email_contact),
			date_publication = COALESCE(EXCLUDED.date_publication, aaps.date_publication),
			date_limite      = COALESCE(EXCLUDED.date_limite, aaps.date_limite),
			categories       = EXCLUDED.categories,
			tags             = EXCLUDED.tags,
			eligibilite      = EXCLUDED.eligibilite,
			statut           = EXCLUDED.statut,
			perimetre_geo    = COALESCE(NULLIF(EXCLUDED.perimetre_geo, ''), aaps.perimetre_geo),
			perimetre_niveau = COALESCE(NULLIF(EXCLUDED.perimetre_niveau, ''), aaps.perimetre_niveau),
			montant_min      = COALESCE(EXCLUDED.montant_min, aaps.montant_min),
			montant_max      = COALESCE(EXCLUDED.montant_max, aaps.montant_max),
			sources          = EXCLUDED.sources,
			raw_data         = EXCLUDED.raw_data,
			embedding        = COALESCE(EXCLUDED.embedding, aaps.embedding),
			updated_at       = EXCLUDED.updated_at
	`,
		a.ID, a.Fingerprint(), a.Titre, a.Organisme, a.Resume, a.Description,
		a.URLSource, a.URLCandidature, a.EmailContact,
		a.DatePublication, a.DateLimite,
		categoryStrings(a.Categories), a.Tags, eligibiliteStrings(a.Eligibilite), string(a.Statut),
		a.PerimetreGeo, string(a.PerimetreNiveau),
		a.MontantMin, a.MontantMax,
		sourcesJSON, rawJSON, embedding,
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert %q: %w", a.Titre, err)
	}
	return nil
}

// SaveCollection upserts every entry of an ingested collection.
func (s *Store) SaveCollection(ctx context.Context, coll *collection.Collection) (int, error) {
	saved := 0
	for _, a := range coll.All() {
		if err := s.UpsertAAP(ctx, a); err != nil {
			return saved, err
		}
		saved++
	}
	return saved, nil
}

// buildListWhere translates ListParams into a WHERE clause. Factored
// out so the SQL shape can be tested without a database.
func buildListWhere(params ListParams) (string, []any) {
	where := "WHERE 1=1"
	var args []any
	argIdx := 1

	if params.Query != "" {
		where += fmt.Sprintf(" AND (titre ILIKE '%%' || $%d || '%%' OR resume ILIKE '%%' || $%d || '%%' OR organisme ILIKE '%%' || $%d || '%%')", argIdx, argIdx, argIdx)
		args = append(args, params.Query)
		argIdx++
	}
	if len(params.Categories) > 0 {
		where += fmt.Sprintf(" AND categories && $%d", argIdx)
		args = append(args, params.Categories)
		argIdx++
	}
	if len(params.Eligibilite) > 0 {
		where += fmt.Sprintf(" AND eligibilite && $%d", argIdx)
		args = append(args, params.Eligibilite)
		argIdx++
	}
	if params.Source != "" {
		where += fmt.Sprintf(" AND EXISTS (SELECT 1 FROM jsonb_array_elements(sources) src WHERE src->>'id' = $%d)", argIdx)
		args = append(args, params.Source)
		argIdx++
	}
	if params.Statut != "" {
		where += fmt.Sprintf(" AND statut = $%d", argIdx)
		args = append(args, params.Statut)
		argIdx++
	}
	if params.ActiveOnly {
		where += " AND (statut = 'permanent' OR (statut != 'ferme' AND (date_limite IS NULL OR date_limite >= CURRENT_DATE)))"
	}
	if clause, ok := urgenceClause(params.Urgence); ok {
		where += " AND " + clause
	}

	return where, args
}

// urgenceClause translates an urgence bucket into SQL over date_limite.
// The buckets mirror models.AAP.Urgence.
func urgenceClause(urgence string) (string, bool) {
	switch urgence {
	case "urgent":
		return "(statut != 'permanent' AND date_limite >= CURRENT_DATE AND date_limite <= CURRENT_DATE + 7)", true
	case "proche":
		return "(statut != 'permanent' AND date_limite > CURRENT_DATE + 7 AND date_limite <= CURRENT_DATE + 30)", true
	case "confortable":
		return "(statut != 'permanent' AND date_limite > CURRENT_DATE + 30)", true
	case "permanent":
		return "(statut = 'permanent' OR date_limite IS NULL)", true
	case "expire":
		return "(statut != 'permanent' AND date_limite < CURRENT_DATE)", true
	default:
		return "", false
	}
}

func (s *Store) List(ctx context.Context, params ListParams) (*ListResult, error) {
	if params.Limit <= 0 || params.Limit > 200 {
		params.Limit = 50
	}

	where, args := buildListWhere(params)

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM aaps "+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count failed: %w", err)
	}

	sql := fmt.Sprintf("SELECT %s FROM aaps %s", selectCols, where)
	switch params.SortBy {
	case "newest":
		sql += " ORDER BY created_at DESC"
	default:
		sql += " ORDER BY date_limite ASC NULLS LAST, titre ASC"
	}
	sql += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, params.Limit, params.Offset)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	aaps := []models.AAP{}
	for rows.Next() {
		a, err := scanAAP(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		aaps = append(aaps, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration failed: %w", err)
	}

	return &ListResult{AAPs: aaps, Total: total, Limit: params.Limit, Offset: params.Offset}, nil
}

func (s *Store) GetByID(ctx context.Context, id string) (*models.AAP, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf("SELECT %s FROM aaps WHERE id = $1", selectCols), id)
	a, err := scanAAP(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) GetByFingerprint(ctx context.Context, fp string) (*models.AAP, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf("SELECT %s FROM aaps WHERE fingerprint = $1", selectCols), fp)
	a, err := scanAAP(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// SearchSimilar returns the AAPs nearest to the given embedding, most
// similar first. Entries without an embedding are excluded.
func (s *Store) SearchSimilar(ctx context.Context, embedding []float32, limit int) ([]models.AAP, error) {
	if limit <= 0 || limit > 50 {
		limit = 10
	}
	sql := fmt.Sprintf(`
		SELECT %s FROM aaps
		WHERE embedding IS NOT NULL
		ORDER BY embedding <=> $1
		LIMIT $2
	`, selectCols)

	rows, err := s.pool.Query(ctx, sql, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("similarity query failed: %w", err)
	}
	defer rows.Close()

	var aaps []models.AAP
	for rows.Next() {
		a, err := scanAAP(rows.Scan)
		if err != nil {
			return nil, err
		}
		aaps = append(aaps, a)
	}
	return aaps, rows.Err()
}

// ListMissingEmbeddings returns up to limit AAPs that have no embedding
// yet, oldest first so a backfill makes steady progress.
func (s *Store) ListMissingEmbeddings(ctx context.Context, limit int) ([]models.AAP, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	sql := fmt.Sprintf(`
		SELECT %s FROM aaps
		WHERE embedding IS NULL
		ORDER BY created_at ASC
		LIMIT $1
	`, selectCols)

	rows, err := s.pool.Query(ctx, sql, limit)
	if err != nil {
		return nil, fmt.Errorf("missing-embeddings query failed: %w", err)
	}
	defer rows.Close()

	var aaps []models.AAP
	for rows.Next() {
		a, err := scanAAP(rows.Scan)
		if err != nil {
			return nil, err
		}
		aaps = append(aaps, a)
	}
	return aaps, rows.Err()
}

func (s *Store) UpdateEmbedding(ctx context.Context, id uuid.UUID, embedding []float32) error {
	_, err := s.pool.Exec(ctx,
		"UPDATE aaps SET embedding = $2, updated_at = NOW() WHERE id = $1",
		id, pgvector.NewVector(embedding),
	)
	return err
}

// SourceSummary is one row of the sources listing.
type SourceSummary struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func (s *Store) ListSources(ctx context.Context) ([]SourceSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT src->>'id', MAX(src->>'name'), COUNT(*)
		FROM aaps, jsonb_array_elements(sources) src
		GROUP BY src->>'id'
		ORDER BY src->>'id'
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SourceSummary
	for rows.Next() {
		var ss SourceSummary
		if err := rows.Scan(&ss.ID, &ss.Name, &ss.Count); err != nil {
			return nil, err
		}
		out = append(out, ss)
	}
	return out, rows.Err()
}

func (s *Store) GetStats(ctx context.Context) (map[string]any, error) {
	stats := make(map[string]any)

	var total, active, permanent int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM aaps").Scan(&total); err != nil {
		return nil, err
	}
	stats["total"] = total

	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM aaps
		WHERE statut = 'permanent' OR (statut != 'ferme' AND (date_limite IS NULL OR date_limite >= CURRENT_DATE))
	`).Scan(&active); err != nil {
		return nil, err
	}
	stats["active"] = active

	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM aaps WHERE statut = 'permanent'").Scan(&permanent); err != nil {
		return nil, err
	}
	stats["permanent"] = permanent

	byCategory := map[string]int{}
	rows, err := s.pool.Query(ctx, "SELECT unnest(categories), COUNT(*) FROM aaps GROUP BY 1 ORDER BY 2 DESC")
	if err == nil {
		for rows.Next() {
			var cat string
			var count int
			if scanErr := rows.Scan(&cat, &count); scanErr == nil {
				byCategory[cat] = count
			}
		}
		rows.Close()
	}
	stats["by_category"] = byCategory

	return stats, nil
}

func scanAAP(scan func(dest ...any) error) (models.AAP, error) {
	var a models.AAP
	var fingerprint, statut, perimetreNiveau string
	var categories, eligibilite []string
	var sourcesRaw, rawDataRaw []byte
	var embedding *pgvector.Vector
	var datePublication, dateLimite *time.Time

	err := scan(
		&a.ID, &fingerprint, &a.Titre, &a.Organisme, &a.Resume, &a.Description,
		&a.URLSource, &a.URLCandidature, &a.EmailContact,
		&datePublication, &dateLimite,
		&categories, &a.Tags, &eligibilite, &statut,
		&a.PerimetreGeo, &perimetreNiveau,
		&a.MontantMin, &a.MontantMax,
		&sourcesRaw, &rawDataRaw, &embedding,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return a, err
	}

	a.DatePublication = datePublication
	a.DateLimite = dateLimite
	a.Statut = models.Statut(statut)
	a.PerimetreNiveau = models.Perimetre(perimetreNiveau)
	for _, c := range categories {
		a.Categories = append(a.Categories, models.Category(c))
	}
	for _, e := range eligibilite {
		a.Eligibilite = append(a.Eligibilite, models.Eligibilite(e))
	}
	if len(sourcesRaw) > 0 {
		_ = json.Unmarshal(sourcesRaw, &a.Sources)
	}
	if len(rawDataRaw) > 0 {
		_ = json.Unmarshal(rawDataRaw, &a.RawData)
	}
	if embedding != nil {
		a.Embedding = embedding.Slice()
	}
	return a, nil
}

func categoryStrings(cats []models.Category) []string {
	out := make([]string, 0, len(cats))
	for _, c := range cats {
		out = append(out, string(c))
	}
	return out
}

func eligibiliteStrings(els []models.Eligibilite) []string {
	out := make([]string, 0, len(els))
	for _, e := range els {
		out = append(out, string(e))
	}
	return out
}

package collection

import (
	"log"
	"sort"
	"time"

	"github.com/marion/aap-watch/internal/models"
)

// Collection is an ordered set of AAPs, unique by fingerprint. It owns
// the merge semantics: once an AAP is inside a Collection only the
// Collection may touch its provenance.
type Collection struct {
	aaps          []*models.AAP
	byFingerprint map[string]*models.AAP
	sourceIDs     map[string]struct{}
}

func New() *Collection {
	return &Collection{
		byFingerprint: make(map[string]*models.AAP),
		sourceIDs:     make(map[string]struct{}),
	}
}

func (c *Collection) Len() int { return len(c.aaps) }

// All returns the entries in insertion order. The slice is a copy; the
// entries are shared.
func (c *Collection) All() []*models.AAP {
	out := make([]*models.AAP, len(c.aaps))
	copy(out, c.aaps)
	return out
}

// Get looks an AAP up by fingerprint.
func (c *Collection) Get(fingerprint string) (*models.AAP, bool) {
	a, ok := c.byFingerprint[fingerprint]
	return a, ok
}

// SourceIDs returns the ids of every source that contributed at least
// one entry.
func (c *Collection) SourceIDs() []string {
	out := make([]string, 0, len(c.sourceIDs))
	for id := range c.sourceIDs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Add inserts an AAP, or merges it into the existing entry sharing its
// fingerprint. Returns true when a new entry was created.
func (c *Collection) Add(a *models.AAP) bool {
	fp := a.Fingerprint()
	for _, s := range a.Sources {
		c.sourceIDs[s.ID] = struct{}{}
	}
	if existing, ok := c.byFingerprint[fp]; ok {
		mergeInto(existing, a)
		return false
	}
	c.aaps = append(c.aaps, a)
	c.byFingerprint[fp] = a
	return true
}

// Merge folds every entry of other into the receiver. Pairwise merging
// is first-writer-wins on conflicting non-nil fields, so the outcome of
// a three-way merge depends on call order; callers that need
// determinism merge collections in a fixed order (the pipeline uses
// registry order).
func (c *Collection) Merge(other *Collection) {
	for _, a := range other.aaps {
		c.Add(a)
	}
}

// mergeInto fills dst's absent fields from src and unions provenance.
// A present dst field is never overwritten: conflicting non-empty
// values are kept as-is and logged, never raised.
func mergeInto(dst, src *models.AAP) {
	fillString(&dst.Organisme, src.Organisme, dst.Titre, "organisme")
	fillString(&dst.Resume, src.Resume, dst.Titre, "")
	fillString(&dst.Description, src.Description, dst.Titre, "")
	fillString(&dst.URLCandidature, src.URLCandidature, dst.Titre, "url_candidature")
	fillString(&dst.EmailContact, src.EmailContact, dst.Titre, "")
	fillString(&dst.PerimetreGeo, src.PerimetreGeo, dst.Titre, "")

	if dst.DatePublication == nil {
		dst.DatePublication = src.DatePublication
	}
	if dst.DateLimite == nil {
		dst.DateLimite = src.DateLimite
	}
	if dst.MontantMin == nil {
		dst.MontantMin = src.MontantMin
	}
	if dst.MontantMax == nil {
		dst.MontantMax = src.MontantMax
	}
	if dst.PerimetreNiveau == "" {
		dst.PerimetreNiveau = src.PerimetreNiveau
	}
	if dst.Statut == "" || dst.Statut == models.StatutInconnu {
		dst.Statut = src.Statut
	}
	if isDefaultCategories(dst.Categories) && !isDefaultCategories(src.Categories) {
		dst.Categories = src.Categories
	}
	if len(dst.Eligibilite) == 0 {
		dst.Eligibilite = src.Eligibilite
	}
	if len(dst.Embedding) == 0 {
		dst.Embedding = src.Embedding
	}

	dst.Tags = unionTags(dst.Tags, src.Tags, 10)
	dst.Sources = unionSources(dst.Sources, src.Sources)
	dst.RawData = append(dst.RawData, src.RawData...)

	if src.UpdatedAt.After(dst.UpdatedAt) {
		dst.UpdatedAt = src.UpdatedAt
	}
}

func fillString(dst *string, src, title, field string) {
	if *dst == "" {
		*dst = src
		return
	}
	if field != "" && src != "" && src != *dst {
		// Informational only: first writer wins.
		log.Printf("[merge] conflicting %s for %q: kept %q, dropped %q", field, title, *dst, src)
	}
}

func isDefaultCategories(cats []models.Category) bool {
	return len(cats) == 0 || (len(cats) == 1 && cats[0] == models.CategoryAutre)
}

func unionTags(dst, src []string, max int) []string {
	seen := make(map[string]struct{}, len(dst))
	for _, t := range dst {
		seen[t] = struct{}{}
	}
	for _, t := range src {
		if len(dst) >= max {
			break
		}
		if _, ok := seen[t]; ok {
			continue
		}
		dst = append(dst, t)
		seen[t] = struct{}{}
	}
	return dst
}

func unionSources(dst, src []models.Source) []models.Source {
	seen := make(map[string]struct{}, len(dst))
	for _, s := range dst {
		seen[s.ID] = struct{}{}
	}
	for _, s := range src {
		if _, ok := seen[s.ID]; ok {
			continue
		}
		dst = append(dst, s)
		seen[s.ID] = struct{}{}
	}
	return dst
}

// filter builds a view containing the entries for which keep returns
// true. Views share entries with the receiver and never mutate it.
func (c *Collection) filter(keep func(*models.AAP) bool) *Collection {
	out := New()
	for _, a := range c.aaps {
		if keep(a) {
			out.aaps = append(out.aaps, a)
			out.byFingerprint[a.Fingerprint()] = a
			for _, s := range a.Sources {
				out.sourceIDs[s.ID] = struct{}{}
			}
		}
	}
	return out
}

// FilterActive keeps AAPs still open at now.
func (c *Collection) FilterActive(now time.Time) *Collection {
	return c.filter(func(a *models.AAP) bool { return a.IsActive(now) })
}

// FilterExpired is the complement of FilterActive.
func (c *Collection) FilterExpired(now time.Time) *Collection {
	return c.filter(func(a *models.AAP) bool { return !a.IsActive(now) })
}

// FilterByCategory keeps AAPs matching at least one of the given
// categories.
func (c *Collection) FilterByCategory(cats ...models.Category) *Collection {
	want := make(map[models.Category]struct{}, len(cats))
	for _, cat := range cats {
		want[cat] = struct{}{}
	}
	return c.filter(func(a *models.AAP) bool {
		for _, cat := range a.Categories {
			if _, ok := want[cat]; ok {
				return true
			}
		}
		return false
	})
}

// FilterByEligibilite keeps AAPs open to at least one of the given
// audiences.
func (c *Collection) FilterByEligibilite(els ...models.Eligibilite) *Collection {
	want := make(map[models.Eligibilite]struct{}, len(els))
	for _, e := range els {
		want[e] = struct{}{}
	}
	return c.filter(func(a *models.AAP) bool {
		for _, e := range a.Eligibilite {
			if _, ok := want[e]; ok {
				return true
			}
		}
		return false
	})
}

// FilterByUrgence keeps AAPs whose derived urgence at now is one of the
// given buckets.
func (c *Collection) FilterByUrgence(now time.Time, urgences ...models.Urgence) *Collection {
	want := make(map[models.Urgence]struct{}, len(urgences))
	for _, u := range urgences {
		want[u] = struct{}{}
	}
	return c.filter(func(a *models.AAP) bool {
		_, ok := want[a.Urgence(now)]
		return ok
	})
}

var urgenceRank = map[models.Urgence]int{
	models.UrgenceUrgent:      0,
	models.UrgenceProche:      1,
	models.UrgenceConfortable: 2,
	models.UrgencePermanent:   3,
	models.UrgenceExpire:      4,
}

// SortByUrgence returns a new Collection ordered most-urgent first;
// within a bucket the nearest deadline wins.
func (c *Collection) SortByUrgence(now time.Time) *Collection {
	out := New()
	out.aaps = c.All()
	sort.SliceStable(out.aaps, func(i, j int) bool {
		a, b := out.aaps[i], out.aaps[j]
		ra, rb := urgenceRank[a.Urgence(now)], urgenceRank[b.Urgence(now)]
		if ra != rb {
			return ra < rb
		}
		if a.DateLimite == nil || b.DateLimite == nil {
			return b.DateLimite == nil && a.DateLimite != nil
		}
		return a.DateLimite.Before(*b.DateLimite)
	})
	for _, a := range out.aaps {
		out.byFingerprint[a.Fingerprint()] = a
		for _, s := range a.Sources {
			out.sourceIDs[s.ID] = struct{}{}
		}
	}
	return out
}

// Stats is a pure aggregation over the collection at now.
type Stats struct {
	Total         int            `json:"total"`
	Active        int            `json:"active"`
	ByCategory    map[string]int `json:"by_category"`
	ByEligibilite map[string]int `json:"by_eligibilite"`
	BySource      map[string]int `json:"by_source"`
	ByUrgence     map[string]int `json:"by_urgence"`
}

func (c *Collection) Stats(now time.Time) Stats {
	s := Stats{
		Total:         len(c.aaps),
		ByCategory:    make(map[string]int),
		ByEligibilite: make(map[string]int),
		BySource:      make(map[string]int),
		ByUrgence:     make(map[string]int),
	}
	for _, a := range c.aaps {
		if a.IsActive(now) {
			s.Active++
		}
		for _, cat := range a.Categories {
			s.ByCategory[string(cat)]++
		}
		for _, e := range a.Eligibilite {
			s.ByEligibilite[string(e)]++
		}
		for _, src := range a.Sources {
			s.BySource[src.ID]++
		}
		s.ByUrgence[string(a.Urgence(now))]++
	}
	return s
}

// ToRows flattens the collection for export, one row per entry, in
// collection order.
func (c *Collection) ToRows(now time.Time) []map[string]any {
	rows := make([]map[string]any, 0, len(c.aaps))
	for _, a := range c.aaps {
		rows = append(rows, a.ToRow(now))
	}
	return rows
}

package export

import (
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/marion/aap-watch/internal/collection"
	"github.com/marion/aap-watch/internal/models"
)

const titleColumnWidth = 48

// RenderTable prints the collection as a terminal table, one AAP per
// row, sorted the way the collection already is.
func RenderTable(w io.Writer, coll *collection.Collection, now time.Time) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Titre", "Organisme", "Date limite", "Urgence", "Catégories", "Montant"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, WidthMax: titleColumnWidth},
		{Number: 6, Align: text.AlignRight},
	})

	for _, a := range coll.All() {
		deadline := "—"
		if a.DateLimite != nil {
			deadline = a.DateLimite.Format("2006-01-02")
		}
		t.AppendRow(table.Row{
			truncate(a.Titre, titleColumnWidth),
			a.Organisme,
			deadline,
			string(a.Urgence(now)),
			strings.Join(categorySlugs(a.Categories), ", "),
			formatMontant(a.MontantMin, a.MontantMax),
		})
	}

	t.AppendFooter(table.Row{"", "", "", "", "Total", coll.Len()})
	t.Render()
}

// RenderStats prints the collection stats as small per-dimension
// tables, counts descending.
func RenderStats(w io.Writer, stats collection.Stats) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"", "Count"})
	t.AppendRow(table.Row{"Total", stats.Total})
	t.AppendRow(table.Row{"Actifs", stats.Active})
	t.Render()

	renderCounts(w, "Catégorie", stats.ByCategory)
	renderCounts(w, "Éligibilité", stats.ByEligibilite)
	renderCounts(w, "Source", stats.BySource)
	renderCounts(w, "Urgence", stats.ByUrgence)
}

func renderCounts(w io.Writer, label string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}

	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{label, "Count"})
	for _, k := range keys {
		t.AppendRow(table.Row{k, counts[k]})
	}
	t.Render()
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}

func formatMontant(min, max *float64) string {
	format := func(f float64) string {
		return strconv.FormatFloat(f, 'f', -1, 64) + " €"
	}
	switch {
	case min != nil && max != nil:
		if *min == *max {
			return format(*min)
		}
		return format(*min) + " – " + format(*max)
	case min != nil:
		return "dès " + format(*min)
	case max != nil:
		return "jusqu'à " + format(*max)
	default:
		return ""
	}
}

func categorySlugs(cats []models.Category) []string {
	out := make([]string, 0, len(cats))
	for _, c := range cats {
		out = append(out, string(c))
	}
	return out
}

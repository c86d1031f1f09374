// Package export flattens a collection into the formats downstream
// consumers read: CSV for spreadsheets, JSON for tooling, and rendered
// tables for the terminal.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/marion/aap-watch/internal/collection"
)

// Columns is the flat export schema, in output order. Every format
// derives from the same row maps so the column set stays consistent.
var Columns = []string{
	"id",
	"titre",
	"organisme",
	"url_source",
	"url_candidature",
	"contact",
	"date_publication",
	"date_limite",
	"categories",
	"tags",
	"eligibilite",
	"statut",
	"perimetre_geo",
	"perimetre_niveau",
	"montant_min",
	"montant_max",
	"fingerprint",
	"is_active",
	"days_remaining",
	"urgence",
	"source_id",
	"created_at",
	"updated_at",
}

// listSeparator joins multi-valued cells in CSV output. Semicolon keeps
// the file loadable in French locales where comma is the CSV delimiter.
const listSeparator = ";"

// WriteCSV writes the collection as CSV with a header row. Derived
// fields (is_active, days_remaining, urgence) are computed at now.
func WriteCSV(w io.Writer, coll *collection.Collection, now time.Time) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(Columns); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for _, row := range coll.ToRows(now) {
		record := make([]string, len(Columns))
		for i, col := range Columns {
			record[i] = formatCell(row[col])
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// WriteJSON writes the collection as an indented JSON array of flat
// row objects, the same schema as the CSV.
func WriteJSON(w io.Writer, coll *collection.Collection, now time.Time) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(coll.ToRows(now))
}

func formatCell(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case []string:
		return strings.Join(val, listSeparator)
	default:
		return fmt.Sprint(val)
	}
}

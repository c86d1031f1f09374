package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/marion/aap-watch/internal/collection"
	"github.com/marion/aap-watch/internal/db"
	"github.com/marion/aap-watch/internal/export"
)

var (
	exportOut         string
	exportFormat      string
	exportQuery       string
	exportCategories  []string
	exportEligibilite []string
	exportSource      string
	exportStatut      string
	exportActiveOnly  bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored AAPs as CSV or JSON",
	Long: `Export reads the AAPs persisted in the database, applies the given
filters, and writes them as a flat file.

Example:
  aapwatch export --format csv --out aaps.csv
  aapwatch export --active --categories culture-sport --format json`,
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().StringVar(&exportOut, "out", "", "output path (default: stdout)")
	exportCmd.Flags().StringVar(&exportFormat, "format", "csv", "output format: csv or json")
	exportCmd.Flags().StringVar(&exportQuery, "q", "", "full-text filter on titre, resume and organisme")
	exportCmd.Flags().StringSliceVar(&exportCategories, "categories", nil, "filter by category slugs")
	exportCmd.Flags().StringSliceVar(&exportEligibilite, "eligibilite", nil, "filter by eligibility slugs")
	exportCmd.Flags().StringVar(&exportSource, "source", "", "filter by source ID")
	exportCmd.Flags().StringVar(&exportStatut, "statut", "", "filter by statut")
	exportCmd.Flags().BoolVar(&exportActiveOnly, "active", false, "only AAPs still accepting applications")
}

func runExport(cmd *cobra.Command, args []string) error {
	format := strings.ToLower(exportFormat)
	if format != "csv" && format != "json" {
		return fmt.Errorf("unknown format %q (want csv or json)", exportFormat)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.Connect(ctx)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer pool.Close()

	coll, err := loadCollection(ctx, db.NewStore(pool), db.ListParams{
		Query:       exportQuery,
		Categories:  exportCategories,
		Eligibilite: exportEligibilite,
		Source:      exportSource,
		Statut:      exportStatut,
		ActiveOnly:  exportActiveOnly,
	})
	if err != nil {
		return err
	}

	out := os.Stdout
	if exportOut != "" {
		f, err := os.Create(exportOut)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	now := time.Now()
	switch format {
	case "csv":
		err = export.WriteCSV(out, coll, now)
	case "json":
		err = export.WriteJSON(out, coll, now)
	}
	if err != nil {
		return err
	}

	if exportOut != "" {
		fmt.Fprintf(os.Stderr, "Exported %d AAPs to %s\n", coll.Len(), exportOut)
	}
	return nil
}

// loadCollection pages through the store until the filter is exhausted
// and rebuilds an in-memory collection from the rows.
func loadCollection(ctx context.Context, store *db.Store, params db.ListParams) (*collection.Collection, error) {
	const pageSize = 200

	coll := collection.New()
	params.Limit = pageSize
	for offset := 0; ; offset += pageSize {
		params.Offset = offset
		page, err := store.List(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("list failed at offset %d: %w", offset, err)
		}
		for i := range page.AAPs {
			coll.Add(&page.AAPs[i])
		}
		if offset+len(page.AAPs) >= page.Total || len(page.AAPs) == 0 {
			break
		}
	}
	return coll, nil
}

package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/marion/aap-watch/internal/db"
	"github.com/marion/aap-watch/internal/export"
	"github.com/marion/aap-watch/internal/ingest"
)

var (
	ingestSources []string
	ingestTimeout time.Duration
	ingestSave    bool
	ingestCSV     string
	ingestJSON    string
	ingestTable   bool
	ingestStats   bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run an ingestion cycle over the configured sources",
	Long: `Ingest fetches every enabled source, normalizes and deduplicates
the results, and writes them to the database and/or to flat files.

Example:
  aapwatch ingest --table
  aapwatch ingest --source paris,carenews --csv aaps.csv
  aapwatch ingest --save`,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().StringSliceVar(&ingestSources, "source", nil, "restrict to these source IDs (default: all enabled)")
	ingestCmd.Flags().DurationVar(&ingestTimeout, "timeout", 10*time.Minute, "overall run timeout")
	ingestCmd.Flags().BoolVar(&ingestSave, "save", false, "persist the results to the database")
	ingestCmd.Flags().StringVar(&ingestCSV, "csv", "", "write the results as CSV to this path")
	ingestCmd.Flags().StringVar(&ingestJSON, "json", "", "write the results as JSON to this path")
	ingestCmd.Flags().BoolVar(&ingestTable, "table", false, "print the results as a table")
	ingestCmd.Flags().BoolVar(&ingestStats, "stats", false, "print run statistics")
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
	defer cancel()

	pipeline, err := buildPipeline()
	if err != nil {
		return err
	}

	connectors, err := selectConnectors(pipeline, ingestSources)
	if err != nil {
		return err
	}

	coll, stats, err := pipeline.Run(ctx, connectors)
	if err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}

	if verbose {
		for _, st := range stats {
			if st.Failed {
				fmt.Fprintf(os.Stderr, "✗ %s: failed (%v)\n", st.SourceID, st.Duration.Round(time.Millisecond))
				continue
			}
			fmt.Fprintf(os.Stderr, "✓ %s: %d found, %d normalized, %d dropped (%v)\n",
				st.SourceID, st.Found, st.Normalized, st.Dropped, st.Duration.Round(time.Millisecond))
		}
	}

	now := time.Now()

	if ingestSave {
		pool, err := db.Connect(ctx)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer pool.Close()
		if err := db.ApplyMigrations(ctx, pool); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}

		saved, err := db.NewStore(pool).SaveCollection(ctx, coll)
		if err != nil {
			return fmt.Errorf("save failed after %d upserts: %w", saved, err)
		}
		fmt.Fprintf(os.Stderr, "Saved %d AAPs to database\n", saved)
	}

	if ingestCSV != "" {
		if err := writeFile(ingestCSV, func(f *os.File) error {
			return export.WriteCSV(f, coll, now)
		}); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Wrote %s\n", ingestCSV)
	}

	if ingestJSON != "" {
		if err := writeFile(ingestJSON, func(f *os.File) error {
			return export.WriteJSON(f, coll, now)
		}); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Wrote %s\n", ingestJSON)
	}

	if ingestTable {
		export.RenderTable(os.Stdout, coll.SortByUrgence(now), now)
	}

	if ingestStats {
		export.RenderStats(os.Stdout, coll.Stats(now))
	}

	if !ingestSave && ingestCSV == "" && ingestJSON == "" && !ingestTable && !ingestStats {
		fmt.Printf("Ingested %d distinct AAPs (use --save, --csv, --json or --table)\n", coll.Len())
	}

	return nil
}

// selectConnectors restricts the pipeline to the named sources, or
// returns nil (meaning all enabled sources) when the filter is empty.
func selectConnectors(pipeline *ingest.Pipeline, ids []string) ([]ingest.Connector, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	all, err := pipeline.BuildConnectors()
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	var selected []ingest.Connector
	for _, conn := range all {
		if wanted[conn.SourceID()] {
			selected = append(selected, conn)
			delete(wanted, conn.SourceID())
		}
	}
	for id := range wanted {
		return nil, fmt.Errorf("unknown or disabled source %q", id)
	}
	return selected, nil
}

func writeFile(path string, write func(*os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

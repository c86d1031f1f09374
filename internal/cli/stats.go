package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/marion/aap-watch/internal/db"
	"github.com/marion/aap-watch/internal/export"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print aggregate statistics over the stored AAPs",
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.Connect(ctx)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer pool.Close()

	coll, err := loadCollection(ctx, db.NewStore(pool), db.ListParams{})
	if err != nil {
		return err
	}

	export.RenderStats(os.Stdout, coll.Stats(time.Now()))
	return nil
}

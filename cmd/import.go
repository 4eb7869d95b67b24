package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newImportCmd() *cobra.Command {
	var (
		sources     string
		execute     bool
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Loads subject classifications and the source list",
		Long: `Fetches the current subject area classifications from the upstream API
and loads the source list CSV (a local path or gs://bucket/object), linking
each source to its classification codes.

How to refresh the source list:
  1. Download the latest source list spreadsheet.
  2. Export its first tab as CSV.
  3. Run: scopus-crawler import --sources sources.csv
  4. Review the summary, then rerun with --execute to write.

Without --execute nothing is written.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			summary, err := appInstance.RunImport(cmd.Context(), sources, execute, concurrency)
			if err != nil {
				return err
			}
			if !execute {
				appInstance.Logger().Info("dry run only, rerun with --execute to write", zap.Any("summary", summary))
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(summary); err != nil {
				return fmt.Errorf("write summary: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sources, "sources", "", "source list CSV path or gs:// URI (classifications only when empty)")
	cmd.Flags().BoolVar(&execute, "execute", false, "actually write reference records")
	cmd.Flags().IntVar(&concurrency, "concurrency", 8, "concurrent source upserts")
	return cmd
}

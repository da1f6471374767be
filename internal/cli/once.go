package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	onceAsOf   string
	onceDryRun bool
)

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single evaluation pass and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		asOf := time.Now().UTC()
		if onceAsOf != "" {
			parsed, err := time.Parse("2006-01-02", onceAsOf)
			if err != nil {
				return fmt.Errorf("invalid --as-of value: %w", err)
			}
			asOf = parsed
		}

		return getApp().RunOnce(cmd.Context(), asOf, onceDryRun)
	},
}

func init() {
	onceCmd.Flags().StringVar(&onceAsOf, "as-of", "", "Evaluate history as of this date (YYYY-MM-DD, defaults to today)")
	onceCmd.Flags().BoolVar(&onceDryRun, "dry-run", false, "Score and attribute without writing to storage")
}

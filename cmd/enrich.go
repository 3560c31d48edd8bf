package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/market-harvester/internal/enrich"
)

func (c *cli) newEnrichCmd() *cobra.Command {
	var start, end string
	cmd := &cobra.Command{
		Use:       "enrich tweets|news",
		Short:     "Score harvested text that has no sentiment yet",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"tweets", "news"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				window enrich.Window
				err    error
			)
			if window.Start, err = parseDate(start); err != nil {
				return err
			}
			if window.End, err = parseDate(end); err != nil {
				return err
			}
			if !window.Start.IsZero() && !window.End.IsZero() && !window.Start.Before(window.End) {
				return fmt.Errorf("--start must be before --end")
			}
			result, err := c.app.Enrich(cmd.Context(), args[0], window)
			c.app.Logger().Info("Enrichment summary",
				zap.String("kind", args[0]),
				zap.Int("chunks", result.Chunks),
				zap.Int("written", result.Written),
				zap.Int("skipped", result.Skipped),
			)
			return err
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "only records after this date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "only records before this date (YYYY-MM-DD)")
	return cmd
}

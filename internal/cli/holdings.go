package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"portfolio-copilot/internal/store"
	"portfolio-copilot/internal/valuation"
)

func newHoldingsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "holdings",
		Short: "Show holdings valued at the last fetched prices",
		Long: `Fetch holdings once and value them at the prices returned with the
snapshot. No live stream is opened; use 'watch' for live values.

When the holdings source is unreachable the last cached snapshot is shown and
marked stale.`,
		Example: `  copilot holdings
  copilot holdings --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			src := app.HoldingsSource()
			holdings, err := src.Holdings(ctx)
			if err != nil {
				output.Error("Failed to fetch holdings: %v", err)
				return err
			}

			v := valuation.Compute(holdings, nil)

			var stale bool
			var syncedAt time.Time
			if cs, ok := src.(*store.CachedSource); ok {
				stale, syncedAt = cs.Stale()
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"source":     app.Config.Holdings.Source,
					"stale":      stale,
					"rows":       v.Rows,
					"aggregates": v.Aggregates,
				})
			}

			output.Bold("Holdings (%s)", app.Config.Holdings.Source)
			if stale {
				output.Warning("Source unavailable, showing cached snapshot from %s", FormatDateTime(syncedAt))
			}
			output.Println()
			renderValuation(output, v)
			return nil
		},
	}
}

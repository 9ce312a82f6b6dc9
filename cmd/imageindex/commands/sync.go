package commands

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/nucleus/imageindex/internal/backfill"
	"github.com/nucleus/imageindex/internal/orchestration"
)

var syncMaxCycles int

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Upload new images and embed until nothing is pending",
	Long: `Runs the sync loop: scan the image directory, upload files the metadata
store does not know yet, embed pending rows, and repeat until every row has
an embedding. Rows that keep failing stay pending for the next run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, needs{objects: true, provider: true})
		if err != nil {
			return err
		}
		defer a.Close()

		maxCycles := globalConfig.Sync.MaxCycles
		if cmd.Flags().Changed("max-cycles") {
			maxCycles = syncMaxCycles
		}
		summary, err := a.orchestrator(maxCycles).Run(ctx)
		if printErr := printJSON(cmd, map[string]any{
			"cycles":        summary.Cycles,
			"uploaded":      summary.Uploaded,
			"upload_failed": summary.UploadFailed,
			"embedded":      summary.Embedded,
			"embed_failed":  summary.EmbedFailed,
			"pending":       summary.Pending,
		}); printErr != nil {
			return printErr
		}
		if errors.Is(err, orchestration.ErrMaxCyclesReached) {
			a.log.Warn(err.Error())
			return nil
		}
		return err
	},
}

var embedCmd = &cobra.Command{
	Use:   "embed",
	Short: "Embed pending rows once, without scanning or uploading",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, needs{objects: true, provider: true})
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.worker().Drain(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd, map[string]any{
			"batches":   report.Batches,
			"succeeded": report.Succeeded,
			"failed":    report.Failed,
		})
	},
}

var backfillDimsPageSize int

var backfillDimsCmd = &cobra.Command{
	Use:   "backfill-dims",
	Short: "Fill in missing pixel dimensions from local files",
	Long: `Pages through rows recorded without width or height, decodes the matching
local file, and stores its dimensions. Embeddings are never touched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, needs{})
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := backfill.NewDimensionWorker(globalConfig.ImageDir, a.store, backfillDimsPageSize, &a.storeRetry, a.log).Run(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd, map[string]any{
			"scanned":     report.Scanned,
			"updated":     report.Updated,
			"missing":     report.Missing,
			"undecodable": report.Undecodable,
		})
	},
}

func init() {
	syncCmd.Flags().IntVar(&syncMaxCycles, "max-cycles", 0, "stop after this many cycles (0 = until done)")
	backfillDimsCmd.Flags().IntVar(&backfillDimsPageSize, "page-size", 200, "rows read per page")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(embedCmd)
	rootCmd.AddCommand(backfillDimsCmd)
}

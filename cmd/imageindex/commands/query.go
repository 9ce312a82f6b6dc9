package commands

import (
	"strings"

	"github.com/spf13/cobra"
)

var queryLimit int

var searchCmd = &cobra.Command{
	Use:   "search [text]",
	Short: "Free-text similarity search",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, needs{provider: true})
		if err != nil {
			return err
		}
		defer a.Close()

		rows, err := a.planner().Search(ctx, strings.Join(args, " "), queryLimit)
		if err != nil {
			return err
		}
		return printJSON(cmd, rows)
	},
}

var neighborsCmd = &cobra.Command{
	Use:   "neighbors [file]",
	Short: "Images most similar to a stored image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, needs{})
		if err != nil {
			return err
		}
		defer a.Close()

		p := a.planner()
		rows, err := p.NeighborsOf(ctx, args[0], queryLimit, p.Hints())
		if err != nil {
			return err
		}
		return printJSON(cmd, rows)
	},
}

var recentCmd = &cobra.Command{
	Use:   "recent",
	Short: "Newest embedded images",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, needs{})
		if err != nil {
			return err
		}
		defer a.Close()

		rows, err := a.planner().Recent(ctx, queryLimit)
		if err != nil {
			return err
		}
		names := make([]string, 0, len(rows))
		for _, r := range rows {
			names = append(names, r.FileName)
		}
		return printJSON(cmd, names)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Row counts by encoding state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, needs{})
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.planner().Stats(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd, map[string]any{
			"namespace": a.namespace,
			"index":     a.store.IndexStrategy(),
			"total":     stats.Total,
			"encoded":   stats.Encoded,
			"pending":   stats.Pending,
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{searchCmd, neighborsCmd, recentCmd} {
		c.Flags().IntVarP(&queryLimit, "limit", "n", 0, "maximum results (0 = configured default)")
		rootCmd.AddCommand(c)
	}
	rootCmd.AddCommand(statsCmd)
}

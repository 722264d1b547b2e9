package commands

import (
	"github.com/spf13/cobra"

	"github.com/dyluth/crucible/internal/watch"
)

var watchComponents []string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream lifecycle events",
	Long: `Stream lifecycle events published by the orchestrator until interrupted.

Examples:
  crucible watch
  crucible watch --component minting --component consensus`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringSliceVar(&watchComponents, "component", nil, "Only show these components (clustering, assignment, queue, consensus, minting)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	return watch.StreamEvents(ctx, client, watchComponents, cmd.OutOrStdout())
}

package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dyluth/crucible/internal/printer"
	"github.com/dyluth/crucible/internal/scaffold"
)

var forceInit bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter crucible.yml",
	Long: `Write a starter crucible.yml in the current directory with one example
agent, one example node and the default thresholds.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVarP(&forceInit, "force", "f", false, "Overwrite an existing crucible.yml")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	dir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}

	if forceInit {
		printer.Warning("Replacing existing %s\n", scaffold.ConfigFile)
	}

	path, err := scaffold.Initialize(dir, forceInit)
	if err != nil {
		return printer.Error("failed to initialize", err.Error(), nil)
	}

	printer.Success("Wrote %s\n", path)
	printer.Info("\nNext steps:\n")
	printer.Info("  1. Declare your agents and agent-core nodes in %s\n", scaffold.ConfigFile)
	printer.Info("  2. Run 'crucible serve' to start the orchestrator\n")
	return nil
}

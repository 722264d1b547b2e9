package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dyluth/crucible/internal/config"
	"github.com/dyluth/crucible/internal/orchestrator"
	"github.com/dyluth/crucible/internal/printer"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator",
	Long: `Run the long-lived orchestrator for an instance.

The orchestrator subscribes to the instance's inbound channels (reports,
artifacts, votes, heartbeats, solutions, validations), drives clustering,
assignment, discovery, consensus and minting, and serves /healthz and
/status on the configured health address.

When --config points at a missing file the built-in defaults are used.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "crucible.yml", "Path to crucible.yml")
	rootCmd.AddCommand(serveCmd)
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		printer.Warning("%s not found, using defaults\n", path)
		return config.Default(), nil
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, printer.ErrorWithContext(
			"invalid configuration",
			fmt.Sprintf("Error: %v", err),
			map[string]string{"Config": path},
			[]string{"Fix the file and retry"},
		)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(serveConfigPath)
	if err != nil {
		return err
	}

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	printer.Step("Starting orchestrator for instance '%s' with %d agents and %d nodes\n",
		instanceName, len(cfg.Assignment.Agents), len(cfg.Consensus.Nodes))

	engine, err := orchestrator.NewEngine(client, instanceName, cfg)
	if err != nil {
		return printer.Error("failed to start orchestrator", fmt.Sprintf("Error: %v", err), nil)
	}

	if err := engine.Run(ctx); err != nil {
		return printer.Error("orchestrator stopped with an error", fmt.Sprintf("Error: %v", err), nil)
	}

	printer.Success("Orchestrator stopped\n")
	return nil
}

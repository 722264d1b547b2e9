package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/dyluth/crucible/internal/instance"
	"github.com/dyluth/crucible/internal/printer"
	"github.com/dyluth/crucible/pkg/blackboard"
)

const defaultRedisURL = "redis://localhost:6379"

var (
	instanceName string
	redisURL     string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "crucible",
	Short: "Crucible - error clustering and skill minting for agent swarms",
	Long: `Crucible turns streams of agent error reports into clusters, assigns
agents to fix them, and mints the adapters they train into a shared skill
ledger once a quorum of agent-core nodes approves them.

State lives on a Redis blackboard shared by the orchestrator (crucible serve)
and every other command.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// If no subcommand is specified, show help
		return cmd.Help()
	},
	// Enable strict flag parsing - unknown flags will cause an error
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute runs the root command with ctx, cancelled on SIGINT/SIGTERM by main.
func Execute(ctx context.Context) error {
	// Silence Cobra's default error and usage printing
	// We print formatted colored errors directly in the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.ExecuteContext(ctx)
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&instanceName, "name", "n", envOr("CRUCIBLE_INSTANCE_NAME", "default"), "Instance name (env CRUCIBLE_INSTANCE_NAME)")
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis-url", envOr("REDIS_URL", defaultRedisURL), "Redis URL (env REDIS_URL)")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// connect opens and verifies the blackboard for the selected instance.
// Caller must Close the client.
func connect(ctx context.Context) (*blackboard.Client, error) {
	if err := instance.ValidateName(instanceName); err != nil {
		return nil, printer.Error(
			"invalid instance name",
			fmt.Sprintf("Error: %v", err),
			[]string{"Pass --name or set CRUCIBLE_INSTANCE_NAME"},
		)
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, printer.Error(
			"invalid Redis URL",
			fmt.Sprintf("Could not parse %q: %v", redisURL, err),
			[]string{"Use the form redis://host:port/db"},
		)
	}

	client, err := blackboard.NewClient(opts, instanceName)
	if err != nil {
		return nil, fmt.Errorf("failed to create blackboard client: %w", err)
	}

	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, printer.ErrorWithContext(
			"Redis not accessible",
			fmt.Sprintf("Error: %v", err),
			map[string]string{"Redis": redisURL, "Instance": instanceName},
			[]string{"Start Redis or point --redis-url at a running server"},
		)
	}

	return client, nil
}

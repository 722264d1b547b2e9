package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/crucible/internal/printer"
	"github.com/dyluth/crucible/pkg/blackboard"
)

var (
	heartbeatNode    string
	heartbeatAddress string
)

var heartbeatCmd = &cobra.Command{
	Use:   "heartbeat",
	Short: "Send a node heartbeat",
	Long: `Send a heartbeat for an agent-core node. A node that misses three
heartbeat intervals is marked offline and stops counting toward quorum.

Passing --address registers the node if the orchestrator does not know it yet.`,
	RunE: runHeartbeat,
}

func init() {
	heartbeatCmd.Flags().StringVar(&heartbeatNode, "node", "", "Node id")
	heartbeatCmd.Flags().StringVar(&heartbeatAddress, "address", "", "Node address, registers unknown nodes")
	heartbeatCmd.MarkFlagRequired("node")
	rootCmd.AddCommand(heartbeatCmd)
}

func runHeartbeat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	msg := blackboard.HeartbeatMessage{NodeID: heartbeatNode, Address: heartbeatAddress}
	if err := client.PublishInbound(ctx, blackboard.InboundHeartbeats, msg); err != nil {
		return fmt.Errorf("failed to publish heartbeat: %w", err)
	}

	printer.Success("Heartbeat sent for node %s\n", heartbeatNode)
	return nil
}

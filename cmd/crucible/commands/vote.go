package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/crucible/internal/printer"
	"github.com/dyluth/crucible/pkg/blackboard"
)

var (
	voteNode     string
	voteDecision string
	voteReason   string
)

var voteCmd = &cobra.Command{
	Use:   "vote PROPOSAL_ID",
	Short: "Cast a node's vote on a skill proposal",
	Long: `Cast a vote on behalf of an agent-core node.

Examples:
  crucible vote 3f8e... --node node-1 --decision approve
  crucible vote 3f8e... --node node-2 --decision reject --reason "weights look degenerate"`,
	Args: cobra.ExactArgs(1),
	RunE: runVote,
}

func init() {
	voteCmd.Flags().StringVar(&voteNode, "node", "", "Voting node id")
	voteCmd.Flags().StringVar(&voteDecision, "decision", "", "approve, reject or abstain")
	voteCmd.Flags().StringVar(&voteReason, "reason", "", "Optional reason")
	voteCmd.MarkFlagRequired("node")
	voteCmd.MarkFlagRequired("decision")
	rootCmd.AddCommand(voteCmd)
}

func runVote(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	msg := blackboard.VoteMessage{
		ProposalID: args[0],
		NodeID:     voteNode,
		Decision:   blackboard.VoteDecision(voteDecision),
		Reason:     voteReason,
	}
	if err := msg.Validate(); err != nil {
		return printer.Error("invalid vote", fmt.Sprintf("Error: %v", err), []string{"Valid decisions: approve, reject, abstain"})
	}

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.PublishInbound(ctx, blackboard.InboundVotes, msg); err != nil {
		return fmt.Errorf("failed to publish vote: %w", err)
	}

	printer.Success("Vote %s from %s sent for proposal %s\n", msg.Decision, msg.NodeID, msg.ProposalID)
	return nil
}

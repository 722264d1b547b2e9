package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/crucible/internal/printer"
	"github.com/dyluth/crucible/internal/watch"
	"github.com/dyluth/crucible/pkg/blackboard"
)

var (
	submitFile        string
	submitPriority    int
	submitWait        time.Duration
	submitSubmittedBy string
	submitClusterID   string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a trained adapter for discovery and minting",
	Long: `Submit an adapter artifact read from a JSON file.

The orchestrator queues it for discovery, validates it, proposes it to the
agent-core nodes and mints it once approved. With --wait the command blocks
until the minting request settles and exits non-zero unless it was minted.

Examples:
  crucible submit --file artifact.json --priority 5
  crucible submit --file artifact.json --submitted-by agent-7 --wait 2m`,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVarP(&submitFile, "file", "f", "", "JSON artifact (- for stdin)")
	submitCmd.Flags().IntVarP(&submitPriority, "priority", "p", 0, "Queue priority, higher first")
	submitCmd.Flags().DurationVar(&submitWait, "wait", 0, "Wait up to this long for the skill to settle")
	submitCmd.Flags().StringVar(&submitSubmittedBy, "submitted-by", "", "Requester id recorded on the minted skill")
	submitCmd.Flags().StringVar(&submitClusterID, "cluster", "", "Cluster the adapter was trained for")
	submitCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var artifact blackboard.Artifact
	if err := readJSONFile(submitFile, cmd.InOrStdin(), &artifact); err != nil {
		return err
	}
	if artifact.CreatedAtMs == 0 {
		artifact.CreatedAtMs = time.Now().UnixMilli()
	}
	if err := artifact.Validate(); err != nil {
		return printer.Error("invalid artifact", fmt.Sprintf("Error: %v", err), nil)
	}

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	submission := blackboard.ArtifactSubmission{
		Artifact: artifact,
		Provenance: blackboard.Provenance{
			ClusterID:   submitClusterID,
			SubmittedBy: submitSubmittedBy,
		},
		Priority: submitPriority,
	}
	if err := client.PublishInbound(ctx, blackboard.InboundArtifacts, submission); err != nil {
		return fmt.Errorf("failed to publish artifact: %w", err)
	}

	printer.Success("Artifact %s submitted to instance '%s'\n", artifact.SkillID, instanceName)

	if submitWait <= 0 {
		return nil
	}

	printer.Step("Waiting up to %s for skill %s...\n", submitWait, artifact.SkillID)
	req, err := watch.PollForSkill(ctx, client, artifact.SkillID, submitWait)
	if err != nil {
		return printer.Error("skill did not settle", fmt.Sprintf("Error: %v", err), []string{
			fmt.Sprintf("Follow progress:\n  crucible watch --name %s", instanceName),
		})
	}

	if req.Status != blackboard.MintingStatusMinted {
		return printer.ErrorWithContext(
			fmt.Sprintf("skill %s was not minted", artifact.SkillID),
			req.FailureReason,
			map[string]string{"Status": printer.Status(req.Status), "Request": req.ID},
			nil,
		)
	}

	printer.Success("Skill %s minted at block %d (tx %s)\n", artifact.SkillID, req.BlockHeight, req.TxHash)
	return nil
}

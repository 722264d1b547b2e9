package commands

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/dyluth/crucible/internal/printer"
	"github.com/dyluth/crucible/internal/resolver"
	"github.com/dyluth/crucible/pkg/blackboard"
)

var requestJSON bool

var requestCmd = &cobra.Command{
	Use:   "request REQUEST_ID",
	Short: "Show a minting request",
	Long: `Show the state of a minting request.

REQUEST_ID may be the full UUID or a unique prefix of at least 6 characters.

Examples:
  crucible request 3f2a9c
  crucible request 3f2a9c10-... --json`,
	Args: cobra.ExactArgs(1),
	RunE: runRequest,
}

func init() {
	requestCmd.Flags().BoolVar(&requestJSON, "json", false, "Print the full request as JSON")
	rootCmd.AddCommand(requestCmd)
}

func runRequest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	requestID, err := resolver.ResolveRequestID(ctx, client, args[0])
	if err != nil {
		if amb, ok := err.(*resolver.AmbiguousError); ok {
			return printer.Error("ambiguous request id", amb.Error(), amb.Suggestions())
		}
		if resolver.IsNotFoundError(err) {
			return printer.Error("request not found", err.Error(), []string{
				fmt.Sprintf("List minted skills:\n  crucible skills --name %s", instanceName),
			})
		}
		return printer.Error("invalid request id", err.Error(), nil)
	}

	req, err := client.GetMintingRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("failed to load minting request: %w", err)
	}

	if requestJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(req)
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(cmd.OutOrStdout())
	for _, row := range requestRows(req) {
		tw.AppendRow(row)
	}
	tw.Render()
	return nil
}

func requestRows(req *blackboard.MintingRequest) []table.Row {
	rows := []table.Row{
		{"Request", req.ID},
		{"Skill", req.Artifact.SkillID},
		{"Status", printer.Status(req.Status)},
		{"Requester", orDash(req.RequesterID)},
		{"Priority", req.Priority},
	}
	if req.Discovery.Name != "" {
		rows = append(rows, table.Row{"Discovered", fmt.Sprintf("%s (%s)", req.Discovery.Name, req.Discovery.Category)})
	}
	if req.Validation != nil {
		rows = append(rows, table.Row{"Validation", fmt.Sprintf("%.3f", req.Validation.Overall)})
		if len(req.Validation.Errors) > 0 {
			rows = append(rows, table.Row{"Errors", strings.Join(req.Validation.Errors, "; ")})
		}
	}
	if req.ProposalID != "" {
		rows = append(rows, table.Row{"Proposal", req.ProposalID})
	}
	if req.TxHash != "" {
		rows = append(rows, table.Row{"Block", req.BlockHeight}, table.Row{"Tx", req.TxHash})
	}
	if req.FailureReason != "" {
		rows = append(rows, table.Row{"Failure", req.FailureReason})
	}
	if req.UpdatedAtMs > 0 {
		rows = append(rows, table.Row{"Updated", time.UnixMilli(req.UpdatedAtMs).UTC().Format(time.RFC3339)})
	}
	return rows
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/crucible/internal/catalog"
	"github.com/dyluth/crucible/internal/printer"
	"github.com/dyluth/crucible/internal/timespec"
)

var (
	skillsOutputFormat string
	skillsSince        string
	skillsUntil        string
	skillsCategory     string
	skillsRequester    string
)

var skillsCmd = &cobra.Command{
	Use:   "skills",
	Short: "List minted skills",
	Long: `List skills minted by an instance, oldest first.

Output Formats:
  default - Human-readable table
  jsonl   - Line-delimited JSON, one skill record per line

Filters:
  --since      - Minted after this time (duration, days or RFC3339)
  --until      - Minted before this time
  --category   - Category glob pattern ("debug*")
  --requester  - Exact requester id

Examples:
  crucible skills --since 7d
  crucible skills --category "net*" --output jsonl | jq .hash`,
	RunE: runSkills,
}

func init() {
	skillsCmd.Flags().StringVarP(&skillsOutputFormat, "output", "o", "default", "Output format: default or jsonl")
	skillsCmd.Flags().StringVar(&skillsSince, "since", "", "Show skills minted after time")
	skillsCmd.Flags().StringVar(&skillsUntil, "until", "", "Show skills minted before time")
	skillsCmd.Flags().StringVar(&skillsCategory, "category", "", "Filter by category (glob pattern)")
	skillsCmd.Flags().StringVar(&skillsRequester, "requester", "", "Filter by requester (exact match)")
	rootCmd.AddCommand(skillsCmd)
}

func runSkills(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	format, err := catalog.ParseOutputFormat(skillsOutputFormat)
	if err != nil {
		return printer.Error("invalid output format", fmt.Sprintf("Unknown format: %s", skillsOutputFormat), []string{"Valid formats: default, jsonl"})
	}

	since, until, err := timespec.ParseRange(skillsSince, skillsUntil, time.Now())
	if err != nil {
		return printer.Error("invalid time filter", fmt.Sprintf("Error: %v", err), nil)
	}

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	filters := &catalog.Criteria{
		SinceTimestampMs: since,
		UntilTimestampMs: until,
		CategoryGlob:     skillsCategory,
		Requester:        skillsRequester,
	}
	return catalog.ListSkills(ctx, client, format, filters, cmd.OutOrStdout())
}

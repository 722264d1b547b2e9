package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dyluth/crucible/internal/printer"
	"github.com/dyluth/crucible/pkg/blackboard"
)

var reportFile string

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Publish an error report for clustering",
	Long: `Publish an error report read from a JSON file.

A missing id is generated and a missing timestamp is set to now.

Examples:
  crucible report --file report.json
  crucible report --file - < report.json`,
	RunE: runReport,
}

func init() {
	reportCmd.Flags().StringVarP(&reportFile, "file", "f", "", "JSON error report (- for stdin)")
	reportCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(reportCmd)
}

// readJSONFile decodes path, or stdin when path is "-".
func readJSONFile(path string, stdin io.Reader, v interface{}) error {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return printer.Error("failed to read input", fmt.Sprintf("Error: %v", err), nil)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return printer.ErrorWithContext(
			"invalid JSON",
			fmt.Sprintf("Error: %v", err),
			map[string]string{"File": path},
			nil,
		)
	}
	return nil
}

func runReport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var report blackboard.ErrorReport
	if err := readJSONFile(reportFile, cmd.InOrStdin(), &report); err != nil {
		return err
	}
	if report.ID == "" {
		report.ID = uuid.New().String()
	}
	if report.TimestampMs == 0 {
		report.TimestampMs = time.Now().UnixMilli()
	}
	if err := report.Validate(); err != nil {
		return printer.Error("invalid error report", fmt.Sprintf("Error: %v", err), nil)
	}

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.PublishInbound(ctx, blackboard.InboundReports, report); err != nil {
		return fmt.Errorf("failed to publish report: %w", err)
	}

	printer.Success("Report %s published to instance '%s'\n", report.ID, instanceName)
	return nil
}

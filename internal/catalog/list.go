// Package catalog lists minted skills from the blackboard for the CLI.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/dyluth/crucible/pkg/blackboard"
)

// OutputFormat specifies how to format the skill list output.
type OutputFormat string

const (
	// OutputFormatDefault renders a table with shortened hashes
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSONL outputs complete skill records as line-delimited JSON
	OutputFormatJSONL OutputFormat = "jsonl"
)

// ParseOutputFormat validates a --output flag value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case OutputFormatDefault, OutputFormatJSONL:
		return OutputFormat(s), nil
	default:
		return "", fmt.Errorf("unknown output format: %s (must be '%s' or '%s')", s, OutputFormatDefault, OutputFormatJSONL)
	}
}

// ListSkills writes the instance's minted skills in mint order, oldest first.
// A nil filter lists everything.
func ListSkills(ctx context.Context, client *blackboard.Client, format OutputFormat, filters *Criteria, w io.Writer) error {
	all, err := client.ListSkills(ctx)
	if err != nil {
		return fmt.Errorf("failed to list skills: %w", err)
	}

	skills := make([]*blackboard.SkillRecord, 0, len(all))
	for _, s := range all {
		if filters != nil && !filters.Matches(s) {
			continue
		}
		skills = append(skills, s)
	}

	switch format {
	case OutputFormatDefault:
		FormatTable(w, skills, client.InstanceName(), time.Now())
	case OutputFormatJSONL:
		if err := FormatJSONL(w, skills); err != nil {
			return fmt.Errorf("failed to format JSONL output: %w", err)
		}
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}

	return nil
}

// FormatTable writes skills as a table. Returns the number of rows written.
func FormatTable(w io.Writer, skills []*blackboard.SkillRecord, instanceName string, now time.Time) int {
	if len(skills) == 0 {
		fmt.Fprintf(w, "No skills minted for instance '%s'\n", instanceName)
		return 0
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Skill", "Name", "Category", "Requester", "Block", "Hash", "Minted"})
	for _, s := range skills {
		block := fmt.Sprintf("%d", s.BlockHeight)
		if s.Simulated {
			block += " (sim)"
		}
		tw.AppendRow(table.Row{
			s.SkillID,
			s.Name,
			s.Category,
			orDash(s.RequesterID),
			block,
			shortHash(s.Hash),
			formatAge(s.MintedAtMs, now),
		})
	}
	tw.Render()

	noun := "skill"
	if len(skills) != 1 {
		noun = "skills"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(skills), noun)

	return len(skills)
}

// FormatJSONL writes each skill as a single JSON object on its own line.
func FormatJSONL(w io.Writer, skills []*blackboard.SkillRecord) error {
	for _, s := range skills {
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("failed to marshal skill to JSON: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return orDash(hash)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// formatAge renders a mint time relative to now, e.g. "2m ago".
func formatAge(timestampMs int64, now time.Time) string {
	if timestampMs == 0 {
		return "-"
	}

	diff := now.Sub(time.UnixMilli(timestampMs))
	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}

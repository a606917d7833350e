package formatting

import (
	"fmt"
	"strings"

	"github.com/aonescu/kubefacts/internal/types"
)

const rule = "────────────────────────\n"

// FormatChange renders one change as "<relation>: <value> <+/-weight>".
func FormatChange(relation string, ch types.Change) string {
	return fmt.Sprintf("%s: %s %+d", relation, ch.Value, ch.Weight)
}

// FormatDelta renders every change of a delta, one per line.
func FormatDelta(delta types.Delta) []string {
	lines := make([]string, 0, delta.Size())
	for _, rd := range delta {
		for _, ch := range rd.Changes {
			lines = append(lines, FormatChange(rd.Relation, ch))
		}
	}
	return lines
}

func FormatCommit(c types.Commit) string {
	var output strings.Builder

	output.WriteString("\nCOMMIT\n")
	output.WriteString(rule)
	output.WriteString(fmt.Sprintf("%s\n", c.TxID))
	output.WriteString(fmt.Sprintf("Source: %s\n", c.Source))
	output.WriteString(fmt.Sprintf("Time: %s\n", c.Timestamp.Format("2006-01-02T15:04:05.000Z07:00")))
	output.WriteString(fmt.Sprintf("Updates: %d\n", c.Updates))
	if c.Skipped > 0 {
		output.WriteString(fmt.Sprintf("Skipped: %d\n", c.Skipped))
	}
	output.WriteString("\n")

	if len(c.Delta) == 0 {
		output.WriteString("NO CHANGES\n")
		return output.String()
	}

	for _, rd := range c.Delta {
		output.WriteString(fmt.Sprintf("%s\n", rd.Relation))
		output.WriteString(rule)
		for _, ch := range rd.Changes {
			output.WriteString(fmt.Sprintf("%+d %s\n", ch.Weight, ch.Value))
		}
		output.WriteString("\n")
	}

	return output.String()
}

// GenerateSummary totals a run of commits by source and by relation.
func GenerateSummary(commits []types.Commit) map[string]interface{} {
	summary := map[string]interface{}{
		"commits":   len(commits),
		"updates":   0,
		"skipped":   0,
		"added":     0,
		"removed":   0,
		"by_source": make(map[string]int),
		"relations": make(map[string]int),
	}

	for _, c := range commits {
		summary["updates"] = summary["updates"].(int) + c.Updates
		summary["skipped"] = summary["skipped"].(int) + c.Skipped
		summary["by_source"].(map[string]int)[c.Source]++

		relations := summary["relations"].(map[string]int)
		for _, rd := range c.Delta {
			for _, ch := range rd.Changes {
				relations[rd.Relation] += ch.Weight
				if ch.Weight > 0 {
					summary["added"] = summary["added"].(int) + ch.Weight
				} else {
					summary["removed"] = summary["removed"].(int) - ch.Weight
				}
			}
		}
	}

	return summary
}

package policydiff

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatText renders the diff result as human-readable text.
func FormatText(r *DiffResult) string {
	if !r.HasChanges {
		return fmt.Sprintf("Policy diff: %s → %s\n\nNo changes detected.\n", r.OldLabel, r.NewLabel)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Policy diff: %s → %s\n", r.OldLabel, r.NewLabel)

	if len(r.RuleChanges) > 0 {
		b.WriteString("\n  Rules:\n")
		for _, rc := range r.RuleChanges {
			mark := "~"
			switch rc.Type {
			case "added":
				mark = "+"
			case "removed":
				mark = "-"
			}
			fmt.Fprintf(&b, "    %s %-20s %s", mark, rc.ID, rc.Rule)
			if len(rc.Fields) > 0 {
				fmt.Fprintf(&b, " [%s]", strings.Join(rc.Fields, ","))
			}
			if rc.Comment != "" {
				fmt.Fprintf(&b, "  (%s)", rc.Comment)
			}
			b.WriteString("\n")
		}
	}

	if len(r.Changes) > 0 {
		b.WriteString("\n")
		for _, c := range r.Changes {
			switch {
			case c.Old == "":
				fmt.Fprintf(&b, "  %s: + %s", c.Field, c.New)
			case c.New == "":
				fmt.Fprintf(&b, "  %s: - %s", c.Field, c.Old)
			default:
				fmt.Fprintf(&b, "  %-24s %s → %s", c.Field+":", c.Old, c.New)
			}
			if c.Comment != "" && c.Comment != "added" && c.Comment != "removed" {
				fmt.Fprintf(&b, "  (%s)", c.Comment)
			}
			b.WriteString("\n")
		}
	}

	return b.String()
}

// FormatJSON renders the diff result as JSON.
func FormatJSON(r *DiffResult) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal diff result: %w", err)
	}
	return string(data), nil
}

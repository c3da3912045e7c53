package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const separator = "──────────────────────────────────────────────────────────────────────────"

// FormatTimeline renders a ReplayResult as a human-readable text timeline.
func FormatTimeline(result *ReplayResult) string {
	if len(result.Entries) == 0 {
		return fmt.Sprintf("Replay: %s | No entries found.\n", result.Filter)
	}

	var b strings.Builder

	first := formatDateRange(result.Summary.FirstTimestamp)
	last := formatTimeOnly(result.Summary.LastTimestamp)
	b.WriteString(fmt.Sprintf("Replay: %s | %s–%s UTC\n", result.Filter, first, last))
	b.WriteString(separator + "\n")

	for _, e := range result.Entries {
		ts := formatTimeOnly(e.Timestamp)
		verdict := strings.ToUpper(e.Decision)
		if e.Outcome != nil {
			verdict = strings.ToUpper(e.Outcome.Status)
		}
		b.WriteString(fmt.Sprintf("%-6d %-9s %-18s %-20s %-12s %-16s %s\n",
			e.Seq, ts, truncate(e.Event, 18), truncate(verdict, 20),
			truncate(e.Principal, 12), truncate(e.Action.Kind, 16),
			truncate(e.Action.Summary, 40)))
	}

	b.WriteString(separator + "\n")
	b.WriteString(formatSummary(result.Summary))
	return b.String()
}

// FormatJSON renders a ReplayResult as indented JSON.
func FormatJSON(result *ReplayResult) (string, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal replay result: %w", err)
	}
	return string(data), nil
}

func formatDateRange(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatTimeOnly(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("15:04:05")
}

func formatSummary(s ReplaySummary) string {
	parts := []string{}
	if s.AllowCount > 0 {
		parts = append(parts, fmt.Sprintf("%d allow", s.AllowCount))
	}
	if s.DenyCount > 0 {
		parts = append(parts, fmt.Sprintf("%d deny", s.DenyCount))
	}
	if s.ConfirmCount > 0 {
		parts = append(parts, fmt.Sprintf("%d confirm", s.ConfirmCount))
	}
	if s.ExecutedCount > 0 {
		parts = append(parts, fmt.Sprintf("%d executed (%d failed)", s.ExecutedCount, s.FailedCount))
	}
	if s.ViolationCount > 0 {
		parts = append(parts, fmt.Sprintf("%d violation", s.ViolationCount))
	}
	if len(parts) == 0 {
		parts = append(parts, "no decisions")
	}
	return fmt.Sprintf("Summary: %s | %d entries\n", strings.Join(parts, ", "), s.Total)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

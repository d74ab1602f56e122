package audit

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

const separator = "──────────────────────────────────────────────────────────────────"

// FormatTimeline renders a ReplayResult as a text timeline.
func FormatTimeline(result *ReplayResult) string {
	room := result.RoomCode
	if room == "" {
		room = "all rooms"
	}
	if len(result.Entries) == 0 {
		return fmt.Sprintf("Room: %s | No entries found.\n", room)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Room: %s | %s–%s UTC\n", room,
		reformat(result.Summary.FirstTimestamp, "2006-01-02 15:04:05"),
		reformat(result.Summary.LastTimestamp, "15:04:05"))
	b.WriteString(separator + "\n")

	for _, e := range result.Entries {
		ts := reformat(e.Timestamp, "15:04:05")
		switch e.Type {
		case TypeTransition:
			fmt.Fprintf(&b, "%-10s %-10s %s -> %s", ts, "STATE", e.From, e.To)
		case TypeViolation:
			fmt.Fprintf(&b, "%-10s %-10s %s", ts, "VIOLATION", e.Kind)
		default:
			fmt.Fprintf(&b, "%-10s %-10s", ts, strings.ToUpper(e.Type))
		}
		if e.Detail != "" {
			fmt.Fprintf(&b, "  %s", truncate(e.Detail, 60))
		}
		b.WriteByte('\n')
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

func formatSummary(s ReplaySummary) string {
	kinds := make([]string, 0, len(s.ByKind))
	for k := range s.ByKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		parts = append(parts, fmt.Sprintf("%d %s", s.ByKind[k], k))
	}

	line := fmt.Sprintf("Summary: %d transitions, %d violations", s.Transitions, s.Violations)
	if len(parts) > 0 {
		line += " (" + strings.Join(parts, ", ") + ")"
	}
	if s.FinalState != "" {
		line += " | Final state: " + s.FinalState
	}
	return line + "\n"
}

func reformat(ts, layout string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format(layout)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/proctorguard/internal/audit"
)

var (
	replayRoom   string
	replayFrom   string
	replayTo     string
	replayFormat string
)

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalVerifyCmd)
	journalCmd.AddCommand(journalReplayCmd)
	journalReplayCmd.Flags().StringVarP(&replayRoom, "room", "r", "", "Only show entries for this room code")
	journalReplayCmd.Flags().StringVar(&replayFrom, "from", "", "Start time filter (RFC3339)")
	journalReplayCmd.Flags().StringVar(&replayTo, "to", "", "End time filter (RFC3339)")
	journalReplayCmd.Flags().StringVarP(&replayFormat, "format", "f", "text", "Output format (text|json)")
}

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Session journal operations",
	Long:  "Commands for checking and reading the hash-chained session journal\nwritten when audit_log_path is configured.",
}

var journalVerifyCmd = &cobra.Command{
	Use:   "verify <path>",
	Short: "Verify hash chain integrity of a session journal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		result := audit.Verify(args[0])
		if !result.Valid {
			fmt.Fprintf(cmd.ErrOrStderr(), "FAILED at line %d: %s\n", result.ErrorLine, result.Error)
			return &exitError{code: 1}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "OK: %d entries verified\n", result.Lines)
		return nil
	},
}

var journalReplayCmd = &cobra.Command{
	Use:   "replay <path>",
	Short: "Render a room's session timeline",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalReplay,
}

func runJournalReplay(cmd *cobra.Command, args []string) error {
	filter := audit.ReplayFilter{RoomCode: replayRoom}
	var err error
	if filter.From, err = parseBound("--from", replayFrom); err != nil {
		return err
	}
	if filter.To, err = parseBound("--to", replayTo); err != nil {
		return err
	}

	result, err := audit.Replay(args[0], filter)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch replayFormat {
	case "json":
		s, err := audit.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, s)
	case "text":
		fmt.Fprint(out, audit.FormatTimeline(result))
	default:
		return fmt.Errorf("unknown format %q (want text or json)", replayFormat)
	}
	return nil
}

func parseBound(flag, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s time %q: %w", flag, v, err)
	}
	return t, nil
}

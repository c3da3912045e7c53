package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/kalpana/internal/audit"
)

var (
	replaySession     string
	replayPrincipal   string
	replayCorrelation string
	replayFrom        string
	replayTo          string
	replayFormat      string
)

func init() {
	auditCmd.AddCommand(replayCmd)
	replayCmd.Flags().StringVar(&replaySession, "session", "", "Only entries for this session id")
	replayCmd.Flags().StringVar(&replayPrincipal, "principal", "", "Only entries for this principal")
	replayCmd.Flags().StringVar(&replayCorrelation, "correlation", "", "Only entries for this correlation id")
	replayCmd.Flags().StringVar(&replayFrom, "from", "", "Start time filter (RFC3339)")
	replayCmd.Flags().StringVar(&replayTo, "to", "", "End time filter (RFC3339)")
	replayCmd.Flags().StringVarP(&replayFormat, "format", "f", "text", "Output format (text|json)")
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay decisions from the audit log",
	Long:  "Reads the audit log, filters by session, principal, correlation id, and time\nrange, and renders a decision timeline with a summary.",
	Args:  cobra.NoArgs,
	RunE:  runReplay,
}

func replayFilter() (audit.ReplayFilter, error) {
	filter := audit.ReplayFilter{
		SessionID:     replaySession,
		Principal:     replayPrincipal,
		CorrelationID: replayCorrelation,
	}
	if replayFrom != "" {
		from, err := time.Parse(time.RFC3339, replayFrom)
		if err != nil {
			return filter, fmt.Errorf("invalid --from time %q: %w", replayFrom, err)
		}
		filter.From = from
	}
	if replayTo != "" {
		to, err := time.Parse(time.RFC3339, replayTo)
		if err != nil {
			return filter, fmt.Errorf("invalid --to time %q: %w", replayTo, err)
		}
		filter.To = to
	}
	return filter, nil
}

func runReplay(cmd *cobra.Command, args []string) error {
	filter, err := replayFilter()
	if err != nil {
		return err
	}
	sink, err := openAuditReader()
	if err != nil {
		return err
	}
	defer sink.Close()

	result, err := audit.Replay(sink, filter)
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
	default:
		fmt.Fprint(out, audit.FormatTimeline(result))
	}
	return nil
}

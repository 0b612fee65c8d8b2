package cmd

import (
	"fmt"
	"time"

	"github.com/agentstation/utc"
	"github.com/spf13/cobra"

	"github.com/agentstation/canonmap"
)

var (
	replayFrom     string
	replayTo       string
	replayAfterSeq uint64
	replayPageSize int
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-emit persisted canonization records",
	Long: `Replay pages through the audit log in original completion order and
re-emits each completed record's event against current canonical state.
Identities are never re-resolved and no merge decisions are re-made.
Use --after-seq to resume an interrupted replay.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newCanonizer()
		if err != nil {
			return err
		}

		opts := canonmap.ReplayOptions{
			AfterSeq: replayAfterSeq,
			PageSize: replayPageSize,
		}
		if opts.From, err = parseTimeFlag(replayFrom); err != nil {
			return err
		}
		if opts.To, err = parseTimeFlag(replayTo); err != nil {
			return err
		}

		report, err := c.Replay(cmd.Context(), opts)
		if report != nil {
			if perr := printJSON(report); perr != nil && err == nil {
				err = perr
			}
		}
		return err
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayFrom, "from", "", "start of time range (RFC3339)")
	replayCmd.Flags().StringVar(&replayTo, "to", "", "end of time range (RFC3339)")
	replayCmd.Flags().Uint64Var(&replayAfterSeq, "after-seq", 0, "resume after this sequence number")
	replayCmd.Flags().IntVar(&replayPageSize, "page-size", 0, "records per store round-trip")
}

func parseTimeFlag(value string) (utc.Time, error) {
	if value == "" {
		return utc.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return utc.Time{}, fmt.Errorf("bad time %q: %w", value, err)
	}
	return utc.New(ts), nil
}

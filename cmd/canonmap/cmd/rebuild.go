package cmd

import (
	"github.com/spf13/cobra"

	"github.com/agentstation/canonmap/pkg/canonical"
)

var rebuildViews []string

var rebuildCmd = &cobra.Command{
	Use:   "rebuild <identity>",
	Short: "Rebuild the canonical record of one identity",
	Long: `Rebuild reruns Projection for one canonical identity from its stored
footprints and prints the resulting record. Identity assignment and
committed merge decisions are never touched, so rebuilding unchanged
state always prints the same record.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newCanonizer()
		if err != nil {
			return err
		}

		record, err := c.RebuildViews(cmd.Context(), canonical.Identity(args[0]), rebuildViews...)
		if err != nil {
			return err
		}
		return printJSON(record)
	},
}

func init() {
	rebuildCmd.Flags().StringSliceVar(&rebuildViews, "view", nil, "restrict to named views")
}

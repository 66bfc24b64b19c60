package commands

import (
	"fmt"

	"tilevault/pkg/exporter"

	"github.com/spf13/cobra"
)

var fragmentsCmd = &cobra.Command{
	Use:   "fragments [array]",
	Short: "List committed fragments",
	Long:  `List the committed fragments of an array, oldest first. Fragments that were never finalized are not shown.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		arrayURI, err := TV.ArrayURI(args[0])
		if err != nil {
			return err
		}

		frags, err := TV.Manager.ListFragments(cmd.Context(), arrayURI)
		if err != nil {
			return fmt.Errorf("failed to list fragments: %w", err)
		}
		if len(frags) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No fragments yet.")
			return nil
		}
		return exporter.PrintFragments(frags, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(fragmentsCmd)
}

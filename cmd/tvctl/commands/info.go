package commands

import (
	"fmt"

	"tilevault/pkg/exporter"
	"tilevault/pkg/storagemgr"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info [array] [fragment]",
	Short: "Show fragment metadata",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		arrayURI, err := TV.ArrayURI(args[0])
		if err != nil {
			return err
		}
		fragURI, err := fragmentURI(arrayURI, args[1])
		if err != nil {
			return err
		}

		schema, err := TV.Manager.ArrayOpen(ctx, arrayURI)
		if err != nil {
			return fmt.Errorf("failed to open array: %w", err)
		}
		defer TV.Manager.ArrayClose(arrayURI)

		q, err := storagemgr.NewQuery(schema)
		if err != nil {
			return err
		}
		f, err := TV.Manager.FragmentOpenRead(ctx, q, fragURI)
		if err != nil {
			return fmt.Errorf("failed to open fragment: %w", err)
		}
		defer TV.Manager.FragmentCloseRead(f)

		return exporter.PrintMetadata(f.Metadata(), cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

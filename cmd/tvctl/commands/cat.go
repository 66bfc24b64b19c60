package commands

import (
	"fmt"

	"tilevault/pkg/exporter"

	"github.com/spf13/cobra"
)

var catAttr string

var catCmd = &cobra.Command{
	Use:   "cat [array] [fragment]",
	Short: "Write a fragment attribute to stdout",
	Long:  `Stream the raw bytes of one attribute of a fragment to stdout, tile by tile. Redirect to save: tvctl cat arr __f > out.bin`,
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

		// 默认导出第一个属性
		attr := catAttr
		if attr == "" {
			attr = schema.AttributeName(0)
		}

		if err := exporter.NewExporter(TV.Manager).ExportAttribute(ctx, schema, fragURI, attr, cmd.OutOrStdout()); err != nil {
			return fmt.Errorf("cat failed: %w", err)
		}
		return nil
	},
}

func bindCatFlags() {
	catCmd.ResetFlags()
	catCmd.Flags().StringVar(&catAttr, "attr", "", "attribute to export (default: the first attribute)")
}

func init() {
	bindCatFlags()
	rootCmd.AddCommand(catCmd)
}

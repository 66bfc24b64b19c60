package commands

import (
	"fmt"
	"os"

	"tilevault/pkg/ingester"

	"github.com/spf13/cobra"
)

var putCmd = &cobra.Command{
	Use:   "put [array] [file]",
	Short: "Write a file as a new dense fragment",
	Long:  `Stream a local file into a new dense fragment. The array must be 1-D with a single fixed-size attribute.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		arrayURI, err := TV.ArrayURI(args[0])
		if err != nil {
			return err
		}

		// 1. 打开数组
		schema, err := TV.Manager.ArrayOpen(ctx, arrayURI)
		if err != nil {
			return fmt.Errorf("failed to open array: %w", err)
		}
		defer TV.Manager.ArrayClose(arrayURI)

		// 2. 打开文件
		file, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer file.Close()
		info, err := file.Stat()
		if err != nil {
			return err
		}

		// 3. 流式写入
		f, err := ingester.NewIngester(TV.Manager).IngestFile(ctx, schema, file, info.Size())
		if err != nil {
			return fmt.Errorf("put failed: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "✅ Wrote %d cells in %d tiles\n", f.Metadata().CellNum(), f.Metadata().TileNum())
		fmt.Fprintln(cmd.OutOrStdout(), f.URI().LastPathPart())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(putCmd)
}

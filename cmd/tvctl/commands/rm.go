package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var rmCmd = &cobra.Command{
	Use:   "rm [array] [fragments...]",
	Short: "Remove fragments",
	Long:  `Delete fragments from storage (and from the catalog, when one is configured).`,
	Args:  cobra.MinimumNArgs(2), // 数组加至少一个 fragment
	RunE: func(cmd *cobra.Command, args []string) error {
		arrayURI, err := TV.ArrayURI(args[0])
		if err != nil {
			return err
		}

		count := 0
		for _, name := range args[1:] {
			fragURI, err := fragmentURI(arrayURI, name)
			if err != nil {
				return err
			}
			if !TV.Manager.IsDir(cmd.Context(), fragURI) {
				return fmt.Errorf("fragment %s does not exist", name)
			}
			if err := TV.Manager.RemoveFragment(cmd.Context(), arrayURI, fragURI); err != nil {
				return fmt.Errorf("failed to remove %s: %w", name, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed: %s\n", name)
			count++
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ Removed %d fragments.\n", count)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rmCmd)
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var gcDryRun bool

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Sweep vault entries unreferenced by any resource",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closeEngine, err := openEngine()
		if err != nil {
			return err
		}
		defer closeEngine()

		removed, err := eng.SweepVault(gcDryRun)
		if err != nil {
			return err
		}
		if gcDryRun {
			fmt.Printf("%d unreferenced payloads (dry run, nothing removed)\n", len(removed))
		} else {
			fmt.Printf("Removed %d unreferenced payloads\n", len(removed))
		}
		return nil
	},
}

func init() {
	gcCmd.Flags().BoolVar(&gcDryRun, "dry-run", false, "report without removing")
	rootCmd.AddCommand(gcCmd)
}

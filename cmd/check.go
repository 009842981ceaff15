package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pipetrace/pipetrace/internal/files"
)

var checkDeep bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Integrity-check every registered file resource",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closeEngine, err := openEngine()
		if err != nil {
			return err
		}
		defer closeEngine()

		results, err := eng.CheckAllFiles(checkDeep || cfg.DeepCheck)
		if err != nil {
			return err
		}
		bad := 0
		for _, r := range results {
			if r.Result == files.CheckOK {
				continue
			}
			bad++
			fmt.Printf("%-7s %s\n", r.Result, r.FileResource.Path)
		}
		fmt.Printf("%d file resources checked, %d problems\n", len(results), bad)
		if bad > 0 {
			return fmt.Errorf("%d file resources failed the integrity check", bad)
		}
		return nil
	},
}

func init() {
	checkCmd.Flags().BoolVar(&checkDeep, "deep", false, "also compare MD5s")
	rootCmd.AddCommand(checkCmd)
}

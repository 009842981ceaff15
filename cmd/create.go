package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pipetrace/pipetrace/internal/engine"
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Initialize a new provenance database and vault",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(cfg.Database); err == nil {
			return fmt.Errorf("database %s already exists", cfg.Database)
		}
		if err := engine.CreateNew(cfg.Database, cfg.Vault); err != nil {
			return err
		}
		fmt.Printf("Created database %s with vault %s\n", cfg.Database, cfg.Vault)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(createCmd)
}

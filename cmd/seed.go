package cmd

import (
	"github.com/arcward/ambassador/ambassador"
	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create the built-in species, colours and transformations",
	Long: "Create the built-in species, colours and transformations. " +
		"Entries which already exist are left alone.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		db, err := openDatabase(cmd)
		if err != nil {
			return err
		}
		result, err := ambassador.SeedCatalog(cmd.Context(), db, cfg.DatabaseType)
		if err != nil {
			return err
		}
		printSeedResult(cmd.OutOrStdout(), result)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

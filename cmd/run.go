package cmd

import (
	"log"

	"github.com/arcward/ambassador/ambassador"
	"github.com/spf13/cobra"
)

var registerCommands bool

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the bot, admin API and (optionally) webhook server",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		bot, err := ambassador.New(cfg)
		if err != nil {
			log.Fatalf("error creating bot: %s", err.Error())
		}
		if registerCommands {
			bot.RegisterCommandsOnReady()
		}
		if err = bot.Run(ctx); err != nil {
			log.Fatalf("error running bot: %s", err.Error())
		}
	},
}

//goland:noinspection GoLinter
func init() {
	runCmd.Flags().BoolVar(
		&registerCommands,
		"register-commands",
		false,
		"Overwrite the bot's slash commands once connected",
	)
	rootCmd.AddCommand(runCmd)
}

package main

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "parley",
	Short:         "parley is a terminal client and relay for one-to-one chat",
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// reinitialize the logger because we can now parse --log-level and co
		// from the command line flag
		if err := initConfig(cmd); err != nil {
			return err
		}
		return initLogger(cmd)
	},
}

func main() {
	// .env is optional; variables already in the environment win
	_ = godotenv.Load()

	err := initRootCmd()
	cobra.CheckErr(err)

	rootCmd.AddCommand(
		newChatCommand(),
		newRelayCommand(),
		newWhoamiCommand(),
		newLogoutCommand(),
	)

	cobra.CheckErr(rootCmd.Execute())
}

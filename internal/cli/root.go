package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/botfactory/botfactory/internal/cli.version=1.2.3"
	version = "1.0.0"
	logo    = "\n" +
		"  ____        _   _____          _\n" +
		" | __ )  ___ | |_|  ___|_ _  ___| |_ ___  _ __ _   _\n" +
		" |  _ \\ / _ \\| __| |_ / _` |/ __| __/ _ \\| '__| | | |\n" +
		" | |_) | (_) | |_|  _| (_| | (__| || (_) | |  | |_| |\n" +
		" |____/ \\___/ \\__|_|  \\__,_|\\___|\\__\\___/|_|   \\__, |\n" +
		"                                               |___/\n"
)

var rootCmd = &cobra.Command{
	Use:   "botfactory",
	Short: "BotFactory - Ecosystem governance bot runtime",
	Long:  color.CyanString(logo) + "\nA bot runtime for ecosystem governance: domain registry, integration reviews, compliance and automated PR review.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(governanceCmd)
}

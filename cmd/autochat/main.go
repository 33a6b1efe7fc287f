package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:   "autochat",
		Short: "Telegram bot that keeps group chats talking",
		Long: `autochat joins the conversation in chats it is part of on a recurring,
semi-random schedule. Scheduled tasks live in a database and survive restarts.

Running without a subcommand is the same as "autochat run".`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd.Context(), cfgPath)
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to the config file (yaml or json)")

	root.AddCommand(runCmd(&cfgPath))
	root.AddCommand(statusCmd(&cfgPath))
	root.AddCommand(tasksCmd(&cfgPath))
	root.AddCommand(configCmd(&cfgPath))
	return root
}

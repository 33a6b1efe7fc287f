package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"autochat/internal/app"
)

func configCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Config file helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Parse and validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(*cfgPath)
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.New(color.FgRed).Sprint("✗"), *cfgPath)
				return err
			}
			driver := cfg.Storage.Driver
			if driver == "" {
				driver = "sqlite"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (storage=%s, scheduler.enabled=%v, llm.enabled=%v, http.enabled=%v)\n",
				color.New(color.FgGreen).Sprint("✓"), *cfgPath, driver, cfg.Scheduler.Enabled, cfg.LLM.Enabled, cfg.HTTP.Enabled)
			return nil
		},
	})
	return cmd
}

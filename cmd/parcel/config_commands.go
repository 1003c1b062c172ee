package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"parcel/internal/config"
)

func newConfigCommand(cli *cliContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the parcel configuration file",
	}
	cmd.AddCommand(newConfigInitCommand(cli), newConfigShowCommand(cli))
	return cmd
}

func newConfigInitCommand(cli *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write an annotated sample config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteSample(cli.configPath); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", cli.configPath)
			return nil
		},
	}
}

func newConfigShowCommand(cli *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cli.loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				fmt.Printf("Warning: %v\n", err)
			}
			return printJSON(cfg)
		},
	}
}

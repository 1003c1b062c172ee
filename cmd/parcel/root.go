package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"parcel/internal/config"
	"parcel/internal/ipc"
)

type cliContext struct {
	configPath string
	jsonOutput bool
}

func (c *cliContext) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *cliContext) dial() (*ipc.Client, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	client, err := ipc.Dial(cfg.Paths.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to parceld at %s (is the daemon running?): %w", cfg.Paths.SocketPath, err)
	}
	return client, nil
}

func newRootCommand() *cobra.Command {
	cli := &cliContext{}

	cmd := &cobra.Command{
		Use:           "parcel",
		Short:         "Control the parcel package-manager daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&cli.configPath, "config", config.DefaultConfigPath(), "path to the config file")
	cmd.PersistentFlags().BoolVar(&cli.jsonOutput, "json", false, "emit machine-readable JSON")

	cmd.AddCommand(
		newStatusCommand(cli),
		newApplyCommand(cli),
		newExpectationsCommand(cli),
		newWorkersCommand(cli),
		newJournalCommand(cli),
		newConfigCommand(cli),
	)
	return cmd
}

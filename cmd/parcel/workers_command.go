package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newWorkersCommand(cli *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "List workers connected to the expectation manager",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cli.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			resp, err := client.WorkerList()
			if err != nil {
				return err
			}
			if cli.jsonOutput {
				return printJSON(resp.Workers)
			}

			if len(resp.Workers) == 0 {
				fmt.Println("No workers connected")
				return nil
			}
			tw := newTable("ID", "CONCURRENCY", "ASSIGNMENTS", "CONNECTED")
			for _, w := range resp.Workers {
				tw.AppendRow([]any{w.ID, w.Concurrency, w.Assignments, w.Connected})
			}
			tw.Render()
			return nil
		},
	}
}

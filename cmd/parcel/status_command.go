package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newStatusCommand(cli *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and expectation status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cli.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			resp, err := client.Status()
			if err != nil {
				return err
			}
			if cli.jsonOutput {
				return printJSON(resp)
			}

			fmt.Printf("Running:   %v (pid %d)\n", resp.Running, resp.PID)
			if resp.WorkforceEndpoint != "" {
				fmt.Printf("Workforce: %s\n", resp.WorkforceEndpoint)
			}
			if resp.ManagerID != "" {
				fmt.Printf("Manager:   %s at %s\n", resp.ManagerID, resp.ManagerEndpoint)
			}
			if resp.JournalPath != "" {
				fmt.Printf("Journal:   %s\n", resp.JournalPath)
			}
			if resp.LastError != "" {
				fmt.Printf("Last error: %s\n", resp.LastError)
			}

			if len(resp.ExpectationStats) > 0 {
				tw := newTable("STATE", "COUNT")
				states := make([]string, 0, len(resp.ExpectationStats))
				for state := range resp.ExpectationStats {
					states = append(states, state)
				}
				sort.Strings(states)
				for _, state := range states {
					tw.AppendRow([]any{state, resp.ExpectationStats[state]})
				}
				tw.Render()
			}
			return nil
		},
	}
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newExpectationsCommand(cli *cliContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "expectations",
		Aliases: []string{"exp"},
		Short:   "Inspect and control tracked expectations",
	}
	cmd.AddCommand(
		newExpectationsListCommand(cli),
		newExpectationsDescribeCommand(cli),
		newExpectationsAbortCommand(cli),
		newExpectationsRestartCommand(cli),
	)
	return cmd
}

func newExpectationsListCommand(cli *cliContext) *cobra.Command {
	var states []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked expectations in evaluation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cli.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			resp, err := client.ExpectationList(states)
			if err != nil {
				return err
			}
			if cli.jsonOutput {
				return printJSON(resp.Items)
			}

			if len(resp.Items) == 0 {
				fmt.Println("No tracked expectations")
				return nil
			}
			tw := newTable("ID", "PRIO", "TYPE", "STATE", "WORKER", "PROGRESS", "REASON")
			for _, item := range resp.Items {
				tw.AppendRow([]any{
					item.ID,
					item.Priority,
					item.Type,
					item.State,
					item.AssignedWorker,
					fmt.Sprintf("%.0f%%", item.WorkProgress*100),
					item.Reason.User,
				})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&states, "state", nil, "filter by state (repeatable)")
	return cmd
}

func newExpectationsDescribeCommand(cli *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "describe <id>",
		Short: "Show one tracked expectation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cli.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			resp, err := client.ExpectationDescribe(args[0])
			if err != nil {
				return err
			}
			if cli.jsonOutput {
				return printJSON(resp.Item)
			}

			item := resp.Item
			fmt.Printf("ID:       %s\n", item.ID)
			fmt.Printf("Label:    %s\n", item.Label)
			fmt.Printf("Type:     %s\n", item.Type)
			fmt.Printf("Priority: %d\n", item.Priority)
			fmt.Printf("State:    %s\n", item.State)
			fmt.Printf("Reason:   %s\n", item.Reason.User)
			if item.Reason.Tech != item.Reason.User {
				fmt.Printf("Tech:     %s\n", item.Reason.Tech)
			}
			if item.AssignedWorker != "" {
				fmt.Printf("Worker:   %s\n", item.AssignedWorker)
			}
			if item.ActualVersionHash != "" {
				fmt.Printf("Version:  %s\n", item.ActualVersionHash)
			}
			if item.ErrorCount > 0 {
				fmt.Printf("Errors:   %d (last: %s)\n", item.ErrorCount, item.LastError)
			}
			return nil
		},
	}
}

func newExpectationsAbortCommand(cli *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "abort <id>",
		Short: "Abort an expectation (terminal until upstream updates it)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cli.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			if _, err := client.Abort(args[0]); err != nil {
				return err
			}
			fmt.Printf("Abort requested for %s\n", args[0])
			return nil
		},
	}
}

func newExpectationsRestartCommand(cli *cliContext) *cobra.Command {
	return &cobra.Command{
		Use:   "restart <id>",
		Short: "Cancel running work and restart the lifecycle from NEW",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cli.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			if _, err := client.Restart(args[0]); err != nil {
				return err
			}
			fmt.Printf("Restart requested for %s\n", args[0])
			return nil
		},
	}
}

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"parcel/internal/ipc"
)

func newJournalCommand(cli *cliContext) *cobra.Command {
	var expectationID string
	var limit int

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show recent status transitions from the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cli.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			resp, err := client.JournalTail(ipc.JournalTailRequest{
				ExpectationID: expectationID,
				Limit:         limit,
			})
			if err != nil {
				return err
			}
			if cli.jsonOutput {
				return printJSON(resp.Entries)
			}

			if len(resp.Entries) == 0 {
				fmt.Println("No journal entries")
				return nil
			}
			tw := newTable("AT", "SUBJECT", "STATE", "REASON", "ERR")
			for _, entry := range resp.Entries {
				subject := entry.ExpectationID
				if subject == "" {
					subject = entry.ContainerID
				}
				errMark := ""
				if entry.IsError {
					errMark = "!"
				}
				tw.AppendRow([]any{
					entry.At.Local().Format(time.TimeOnly),
					subject,
					entry.State,
					entry.ReasonUser,
					errMark,
				})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&expectationID, "expectation", "", "filter by expectation id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries to show")
	return cmd
}

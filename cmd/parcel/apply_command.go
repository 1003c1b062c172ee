package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"parcel/internal/container"
	"parcel/internal/expectation"
	"parcel/internal/ipc"
)

// applyFile is the JSON document accepted by `parcel apply -f`.
type applyFile struct {
	Expectations []expectation.Expectation `json:"expectations"`
	Containers   []container.Container     `json:"containers,omitempty"`
}

func newApplyCommand(cli *cliContext) *cobra.Command {
	var filePath string

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Submit the full desired set of expectations and containers",
		Long: `Reads a JSON document with the full desired expectation and container
set and submits it to the expectation manager. The manager diffs it against
what it already tracks: new ids start in NEW, changed definitions restart,
and ids missing from the document are gracefully removed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw []byte
			var err error
			if filePath == "-" {
				raw, err = io.ReadAll(os.Stdin)
			} else {
				raw, err = os.ReadFile(filePath)
			}
			if err != nil {
				return fmt.Errorf("read expectation set: %w", err)
			}

			var doc applyFile
			if err := json.Unmarshal(raw, &doc); err != nil {
				return fmt.Errorf("parse expectation set: %w", err)
			}

			client, err := cli.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			resp, err := client.Apply(ipc.ApplyRequest{
				Expectations: doc.Expectations,
				Containers:   doc.Containers,
			})
			if err != nil {
				return err
			}
			if cli.jsonOutput {
				return printJSON(resp)
			}
			fmt.Printf("Applied %d expectation(s), %d container(s)\n", resp.Expectations, resp.Containers)
			return nil
		},
	}
	cmd.Flags().StringVarP(&filePath, "file", "f", "", "JSON file with the desired set (use - for stdin)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/scopekit/pkg/batch"
)

var fixtureCmd = &cobra.Command{
	Use:   "fixture [path]",
	Short: "Write the demonstration command file",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runFixture,
}

func init() {
	rootCmd.AddCommand(fixtureCmd)
}

func runFixture(cmd *cobra.Command, args []string) error {
	path := cfg.Batch.Input
	if len(args) == 1 {
		path = args[0]
	}

	records := batch.DefaultFixture()
	if err := batch.WriteFixture(path, records); err != nil {
		return err
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Operation", "Priority")
	for _, rec := range records {
		table.Append(rec.ID, rec.Operation, rec.Priority)
	}
	table.Render()
	fmt.Printf("\nWrote %d records to %s\n", len(records), path)
	return nil
}

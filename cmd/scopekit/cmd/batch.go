package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/psantana5/scopekit/pkg/audit"
	"github.com/psantana5/scopekit/pkg/batch"
)

var (
	batchInput  string
	batchFailOn string
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Process command files",
}

var batchRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Process a command file inside a journaled unit",
	Long: `Reads the command file lazily and journals each record before processing it.
The first failing record aborts the batch: the abort is journaled, the input
and journal are closed, and the failure is returned.`,
	RunE: runBatch,
}

func init() {
	rootCmd.AddCommand(batchCmd)
	batchCmd.AddCommand(batchRunCmd)

	batchRunCmd.Flags().StringVarP(&batchInput, "input", "i", "", "command file (default batch.input from config)")
	batchRunCmd.Flags().StringVar(&batchFailOn, "fail-on", "", "operation that fails (default batch.fail_operation from config)")
}

func runBatch(cmd *cobra.Command, args []string) error {
	delay, err := cfg.BatchDelay()
	if err != nil {
		return err
	}

	input := batchInput
	if input == "" {
		input = cfg.Batch.Input
	}
	failOn := batchFailOn
	if failOn == "" {
		failOn = cfg.Batch.FailOperation
	}

	pc := batch.Config{
		Input:   input,
		Journal: cfg.Audit.Path,
		Delay:   delay,
	}
	if cfg.Audit.Backend != "file" {
		pc.OpenJournal = func() (audit.Sink, error) {
			return audit.Open(cfg.AuditFor("batch"))
		}
	}

	body := func(ctx context.Context, rec batch.Record) error { return nil }
	if failOn != "" {
		body = batch.FailOn(failOn)
	}

	p := batch.NewProcessor(pc, logger, observe()...)
	_, err = p.Run(cmd.Context(), func(ctx context.Context, rec batch.Record) error {
		if err := body(ctx, rec); err != nil {
			return err
		}
		fmt.Printf("  > %s processed\n", rec.ID)
		return nil
	})
	fmt.Printf("%d records processed\n", p.Processed())
	return err
}

package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/scopekit/pkg/audit"
)

var (
	auditUnit string
	auditTail int
	auditKeep int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit journal",
}

var auditShowCmd = &cobra.Command{
	Use:   "show [path]",
	Short: "Show audit records",
	Long: `Shows records from the configured audit backend. For the file backend an
explicit path may be given; SQL backends are filtered by --unit.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAuditShow,
}

var auditLogrotateCmd = &cobra.Command{
	Use:   "logrotate",
	Short: "Print a logrotate stanza for the file journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Audit.Backend != "file" {
			return fmt.Errorf("logrotate only applies to the file backend, not %s", cfg.Audit.Backend)
		}
		fmt.Print(audit.LogrotateConfig(cfg.Audit.Path, auditKeep))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditShowCmd)
	auditCmd.AddCommand(auditLogrotateCmd)

	auditShowCmd.Flags().StringVar(&auditUnit, "unit", "batch", "unit whose records to show (SQL backends)")
	auditShowCmd.Flags().IntVarP(&auditTail, "tail", "n", 0, "show only the last n records")
	auditLogrotateCmd.Flags().IntVar(&auditKeep, "keep", 90, "days of rotated journals to keep")
}

func loadEntries(args []string) ([]audit.Entry, error) {
	if cfg.Audit.Backend == "file" || len(args) == 1 {
		path := cfg.Audit.Path
		if len(args) == 1 {
			path = args[0]
		}
		return audit.ReadFile(path)
	}

	sink, err := audit.Open(cfg.AuditFor(auditUnit))
	if err != nil {
		return nil, err
	}
	defer sink.Close()

	sqlSink, ok := sink.(*audit.SQLSink)
	if !ok {
		return nil, fmt.Errorf("backend %s cannot be listed", cfg.Audit.Backend)
	}
	return sqlSink.Entries()
}

func runAuditShow(cmd *cobra.Command, args []string) error {
	entries, err := loadEntries(args)
	if err != nil {
		return fmt.Errorf("failed to read audit records: %w", err)
	}
	if auditTail > 0 && len(entries) > auditTail {
		entries = entries[len(entries)-auditTail:]
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	if len(entries) == 0 {
		fmt.Println("No audit records")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Time", "Event")
	for _, e := range entries {
		ts := "-"
		if !e.Time.IsZero() {
			ts = e.Time.Format(audit.TimeLayout)
		}
		table.Append(ts, e.Message)
	}
	table.Render()
	fmt.Printf("\nTotal records: %d\n", len(entries))
	return nil
}

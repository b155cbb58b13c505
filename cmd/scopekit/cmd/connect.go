package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/psantana5/scopekit/pkg/conn"
	"github.com/psantana5/scopekit/pkg/scope"
)

var (
	connectLog   string
	connectQuery string
	connectFail  bool
)

var connectCmd = &cobra.Command{
	Use:   "connect [service...]",
	Short: "Open connections inside one unit and journal the session",
	Long: `Opens an activity log and then one connection per service, records a line
per service and closes everything in reverse order. Without arguments the
default services are used. The unit's policy comes from the config's policies
section, keyed by unit name ("fleet" when more than one service is given).`,
	RunE: runConnect,
}

func init() {
	rootCmd.AddCommand(connectCmd)

	connectCmd.Flags().StringVar(&connectLog, "log", "", "activity log (default audit.path from config)")
	connectCmd.Flags().StringVar(&connectQuery, "query", "", "query to run on each connection")
	connectCmd.Flags().BoolVar(&connectFail, "fail", false, "fail after opening the connections")
}

func runConnect(cmd *cobra.Command, args []string) error {
	services := args
	if len(services) == 0 {
		services = conn.DefaultServices
	}
	name := "fleet"
	if len(services) == 1 {
		name = services[0]
	}

	logPath := connectLog
	if logPath == "" {
		logPath = cfg.Audit.Path
	}

	u := conn.Fleet(name, services, logPath, logger, unitOptions(name)...)
	out, err := u.Run(cmd.Context(), func(ctx context.Context, h *scope.Handles) error {
		for _, svc := range services {
			c, err := scope.HandleAs[*conn.Connection](h, svc)
			if err != nil {
				return err
			}
			if connectQuery != "" {
				if err := c.Query(connectQuery); err != nil {
					return err
				}
			}
			if err := u.Record(fmt.Sprintf("task performed on %s", c.Service())); err != nil {
				return err
			}
		}
		if connectFail {
			return errors.New("critical processing failure")
		}
		return nil
	})

	var acqErr *scope.AcquisitionError
	if errors.As(err, &acqErr) {
		return err
	}
	printOutcome(name, out)
	return err
}

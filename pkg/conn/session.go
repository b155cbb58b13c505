package conn

import (
	"github.com/psantana5/scopekit/pkg/logging"
	"github.com/psantana5/scopekit/pkg/scope"
)

// ActivityLog is the resource name of a session's audit file
const ActivityLog = "activity"

// Session declares a unit that holds an activity log and then a connection
// to service. The connection is closed before the log.
func Session(service, logPath string, logger *logging.Logger, opts ...scope.Option) *scope.Unit {
	return Fleet(service, []string{service}, logPath, logger, opts...)
}

// Fleet declares a unit holding one connection per service, opened in the
// given order. When logPath is set the activity log is acquired first.
func Fleet(name string, services []string, logPath string, logger *logging.Logger, opts ...scope.Option) *scope.Unit {
	var acquirers []scope.Acquirer
	if logPath != "" {
		acquirers = append(acquirers, scope.AuditFile(ActivityLog, logPath))
	}
	for _, svc := range services {
		acquirers = append(acquirers, Acquirer(svc, logger))
	}

	opts = append([]scope.Option{scope.WithLogger(logger)}, opts...)
	return scope.New(name, acquirers, opts...)
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/scopekit/internal/config"
	"github.com/psantana5/scopekit/pkg/logging"
	"github.com/psantana5/scopekit/pkg/metrics"
	"github.com/psantana5/scopekit/pkg/scope"
	"github.com/psantana5/scopekit/pkg/tracing"
)

var (
	cfgFile      string
	outputFormat string
	logLevel     string

	cfg      *config.Config
	logger   *logging.Logger
	recorder *metrics.Recorder
	tracer   *tracing.Provider
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "scopekit",
	Short: "Scoped resource management demonstrations",
	Long: `scopekit runs work inside scoped units that acquire resources in order,
release them in reverse exactly once, and journal every unit to an audit log.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// Metrics and spans are flushed even when the command fails.
func Execute() error {
	err := rootCmd.Execute()
	teardown()
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.scopekit/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// configPath returns the flag value, or the home config if one exists
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	path := filepath.Join(home, ".scopekit", "config.yaml")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.LoadWith(viper.GetViper(), configPath())
	if err != nil {
		return err
	}

	logger = cfg.Logger()
	recorder = metrics.NewRecorder()

	tracer, err = tracing.Init(cfg.TracerSettings())
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	return nil
}

func teardown() {
	if cfg != nil && cfg.Metrics.Textfile != "" && recorder != nil {
		if err := recorder.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			logger.Error("failed to write metrics", map[string]interface{}{"error": err})
		}
	}
	if tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(ctx); err != nil {
			logger.Warn("tracing shutdown failed", map[string]interface{}{"error": err})
		}
	}
	if logger != nil {
		logger.Sync()
	}
}

// observe wires the shared logger, metrics and tracer into a unit
func observe() []scope.Option {
	return []scope.Option{
		scope.WithLogger(logger),
		scope.WithMetrics(recorder),
		scope.WithTracer(tracer.Tracer()),
	}
}

// unitOptions adds the configured policy for name
func unitOptions(name string) []scope.Option {
	return append(observe(), scope.WithPolicy(cfg.PolicyFor(name)))
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

func printOutcome(name string, out scope.Outcome) {
	switch {
	case out.Suppressed:
		fmt.Printf("%s: failure absorbed: %v\n", name, out.Cause)
	case out.Err != nil:
		fmt.Printf("%s: failed: %v\n", name, out.Err)
	default:
		fmt.Printf("%s: completed\n", name)
	}
}

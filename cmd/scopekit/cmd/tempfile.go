package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/psantana5/scopekit/pkg/scope"
	"github.com/psantana5/scopekit/pkg/tempfile"
)

var (
	tempPolicy string
	tempFail   bool
	tempDir    string
)

var tempfileCmd = &cobra.Command{
	Use:   "tempfile [path]",
	Short: "Write to a scratch file that is removed afterwards",
	Long: `Creates a scratch file inside a unit, writes to it and removes it on exit.
With --policy absorb a failure is logged and suppressed; with propagate it is
returned as the command's error.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTempfile,
}

var tempfileMultiCmd = &cobra.Command{
	Use:   "multi",
	Short: "Open several files through one stack and remove them",
	RunE:  runTempfileMulti,
}

func init() {
	rootCmd.AddCommand(tempfileCmd)
	tempfileCmd.AddCommand(tempfileMultiCmd)

	tempfileCmd.Flags().StringVar(&tempPolicy, "policy", "absorb", "exit policy: absorb or propagate")
	tempfileCmd.Flags().BoolVar(&tempFail, "fail", false, "fail inside the block")
	tempfileMultiCmd.Flags().StringVar(&tempDir, "dir", ".", "directory for the files")
}

func runTempfile(cmd *cobra.Command, args []string) error {
	policy, err := scope.ParsePolicy(tempPolicy)
	if err != nil {
		return err
	}

	path := "temp_scope.txt"
	if len(args) == 1 {
		path = args[0]
	}

	out, err := tempfile.With(cmd.Context(), path, policy, logger, func(ctx context.Context, g *tempfile.Guard) error {
		if _, err := g.WriteString("written inside the unit\n"); err != nil {
			return err
		}
		if tempFail {
			return errors.New("deliberate failure")
		}
		return nil
	}, observe()...)
	if err != nil {
		return err
	}
	printOutcome("tempfile", out)
	return nil
}

func runTempfileMulti(cmd *cobra.Command, args []string) error {
	var paths []string
	for _, name := range []string{"log_a.txt", "log_b.txt", "log_c.txt"} {
		paths = append(paths, filepath.Join(tempDir, name))
	}

	return tempfile.OpenAll(cmd.Context(), paths, logger, func(ctx context.Context, files []*os.File) error {
		fmt.Printf("%d files open\n", len(files))
		for _, f := range files {
			if _, err := f.WriteString("shared data\n"); err != nil {
				return err
			}
		}
		return nil
	})
}

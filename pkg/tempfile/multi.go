package tempfile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/psantana5/scopekit/pkg/logging"
	"github.com/psantana5/scopekit/pkg/resource"
)

// OpenAll creates every path through one stack, hands the open files to body
// and then closes and removes them, last path first. If a create fails the
// files already opened are cleaned up before the error is returned.
func OpenAll(ctx context.Context, paths []string, logger *logging.Logger, body func(ctx context.Context, files []*os.File) error) error {
	if logger == nil {
		logger = logging.Nop()
	}
	stack := resource.NewStack(resource.WithLogger(logger))
	files := make([]*os.File, 0, len(paths))

	for _, p := range paths {
		f, err := os.Create(p)
		if err != nil {
			if relErr := stack.Unwind(); relErr != nil {
				logger.Error("cleanup after failed create", map[string]interface{}{"error": relErr})
			}
			return fmt.Errorf("failed to create %s: %w", p, err)
		}
		path := p
		stack.Callback("remove "+path, func() error {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			return nil
		})
		files = append(files, resource.PushCloser(stack, path, f))
	}
	logger.Info("files opened", map[string]interface{}{"count": len(files)})

	err := body(ctx, files)
	relErr := stack.Unwind()
	if err != nil {
		if relErr != nil {
			logger.Error("cleanup failed after body error", map[string]interface{}{"error": relErr})
		}
		return err
	}
	if relErr != nil {
		return relErr
	}
	logger.Info("files cleaned up", map[string]interface{}{"count": len(files)})
	return nil
}

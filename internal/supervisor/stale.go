package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
)

// KillStale interrupts runner processes left behind by a previous run whose
// process name matches pattern. An empty pattern does nothing.
func KillStale(ctx context.Context, pattern string, logger *slog.Logger) error {
	if pattern == "" {
		return nil
	}

	err := exec.CommandContext(ctx, "pkill", "-INT", pattern).Run()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		logger.Info("interrupted stale runner processes", "pattern", pattern)
		return nil
	case errors.As(err, &exitErr) && exitErr.ExitCode() == 1:
		logger.Debug("no stale runner processes", "pattern", pattern)
		return nil
	default:
		return fmt.Errorf("pkill %s: %w", pattern, err)
	}
}

//go:build windows

package main

import (
	"context"
	"log/slog"
	"os"
	"syscall"
)

func getShutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

// handleReloadSignals waits for ctx; there is no reload signal on Windows,
// the config watcher covers reloads.
func handleReloadSignals(ctx context.Context, _ *slog.Logger, _ func()) error {
	<-ctx.Done()
	return ctx.Err()
}

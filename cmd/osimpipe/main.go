// File: cmd/osimpipe/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/xkilldash9x/osimpipe/cmd"
)

// Allows mocking os.Exit in tests.
var osExit = os.Exit

func main() {
	// Set up a context that listens for interrupt signals (SIGINT, SIGTERM) for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx); err != nil {
		stop()
		osExit(cmd.ExitCode(err))
	}
}

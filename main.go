// ./main.go
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

// main is the entry point for the osimpipe CLI when built from the module root.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := cmd.Execute(ctx)
	stop()
	if err != nil {
		osExit(cmd.ExitCode(err))
	}
}

// Command pqmatrix builds, verifies, tests and benchmarks post-quantum
// implementations across a configured platform matrix.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"pqmatrix/internal/cli"
)

func main() {
	// SIGINT/SIGTERM stop scheduling; running cells finish their current phase
	// and the partial report is still written.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	res, err := cli.Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "pqmatrix:", err)
	}
	os.Exit(res.ExitCode)
}

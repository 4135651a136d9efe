// Command sekisho manages agent tokens and secure handoffs for one
// workspace. Run "sekisho help" for the command list.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/bdobrica/Sekisho/internal/sekisho/cli"
	"github.com/bdobrica/Sekisho/internal/sekisho/observability"
)

func main() {
	observability.SetupFromEnv()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	os.Exit(cli.Run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

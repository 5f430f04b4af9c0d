package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/wysh3/searchrelay/cmd"
	"github.com/wysh3/searchrelay/internal/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx)
	observability.Sync()
	if err != nil {
		os.Exit(1)
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"uscope-rpc/cmd/uscopectl/command"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := command.NewRootCommandeer().GetCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

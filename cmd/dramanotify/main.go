package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/growdelan/dramanotify"
)

var version = "current"

func main() {
	dramanotify.Version = version
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer cancel()
	var cli dramanotify.CLI
	os.Exit(cli.Run(ctx))
}

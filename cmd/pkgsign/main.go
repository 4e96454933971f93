package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"

	"github.com/digitorus/pkgsign/cli"
)

type ExitCoder interface {
	error
	ExitCode() int
}

var osExit = os.Exit

func main() {
	log.SetFlags(0)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := cli.New().ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}

	log.Printf("pkgsign: %v", err)
	var ec ExitCoder
	if errors.As(err, &ec) {
		osExit(ec.ExitCode())
		return
	}
	osExit(1)
}

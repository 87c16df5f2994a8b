package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		exitErr(err)
	}
}

func exitErr(err error) {
	if _, silent := err.(exitCodeError); !silent {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(1)
}

// exitCodeError ends the process with status 1 after the command already
// reported the problem.
type exitCodeError struct{ msg string }

func (e exitCodeError) Error() string { return e.msg }

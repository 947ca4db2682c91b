package main

import (
	"context"
	"os/signal"
	"syscall"
)

// cliContext returns a context cancelled on SIGINT/SIGTERM, so `dag run`
// can be interrupted cleanly from a terminal the same way services/
// orchestrator/main.go's daemon shuts down.
func cliContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return ctx
}

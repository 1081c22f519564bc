// Command supplychalao runs the Supply Chalao dashboard and, optionally, the
// self-hosted backend it talks to.
//
//	supplychalao backend          # auth, rows and change feed on :54321
//	supplychalao web              # dashboard on 127.0.0.1:3000
//	supplychalao web --memory     # dashboard over an in-process backend
//
// Settings come from the environment, with .env.local and .env filling in
// anything unset. Flags override both.
//
// STARTUP ORDER (web):
//
//  1. parse flags and build the slog logger
//  2. pick the backend: in-memory, the REST client, or none when unconfigured
//  3. start the session manager so the first page already has a decision
//  4. serve until SIGINT/SIGTERM, then drain for web.ShutdownTimeout
//
// main stays thin. Everything it wires lives under internal/, where tests
// can reach it.
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
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// fanrelay relays one inbound TCP stream or UDP datagram flow to many
// destinations.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"fanrelay/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "fanrelay: %v\n", err)
		os.Exit(1)
	}
}

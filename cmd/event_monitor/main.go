// Event monitor prints the card and loop events a gate bridge publishes.
// Depends on the gate bridge API being online.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/NotCoffee418/gate_bridge/pkg/eventfeed"
	"github.com/NotCoffee418/gate_bridge/pkg/logsink"
	"github.com/rs/zerolog/log"
)

func main() {
	logsink.Init(logsink.Config{
		App:     "event_monitor",
		Level:   os.Getenv("GATE_BRIDGE_LOG_LEVEL"),
		Console: true,
	})

	// Set the host:port from env var GATE_BRIDGE_HOST
	host := os.Getenv("GATE_BRIDGE_HOST")
	if host == "" {
		host = "localhost:3000"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Subscribe to websocket with revive
	err := eventfeed.Listen(ctx, eventfeed.FeedURL(host), handleMessage, log.Logger)
	if err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("event feed lost")
		stop()
		os.Exit(1)
	}
}

// Print every event as one JSON line
func handleMessage(m eventfeed.Message) {
	fmt.Println(string(m.ToJsonBytes()))
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/opswire/opswire/internal/agent"
	"github.com/opswire/opswire/internal/clock"
	"github.com/opswire/opswire/internal/config"
	"github.com/opswire/opswire/internal/logging"
)

var version = "dev"

func main() {
	cfg, err := config.LoadAgent(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	fmt.Println("ops-agent " + version)
	fmt.Println("=============================================")
	fmt.Printf("OPS_SERVER_HOST=%s\n", cfg.ServerHost)
	fmt.Printf("OPS_SERVER_PORT=%d\n", cfg.ServerPort)
	fmt.Printf("OPS_HEARTBEAT_INTERVAL=%s\n", cfg.HeartbeatInterval)
	fmt.Printf("OPS_TCP_AUTH_ENABLED=%t\n", cfg.TCPAuthEnabled)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	a, err := agent.New(cfg, clock.Real{}, log)
	if err != nil {
		log.Error("failed to initialise agent", "error", err)
		os.Exit(2)
	}
	defer a.Close()

	log.Info("ops-agent started", "version", version, "agent_id", a.ID())

	if err := a.Run(ctx); err != nil {
		if errors.Is(err, agent.ErrRetriesExhausted) {
			log.Error("giving up after repeated connection failures")
			os.Exit(3)
		}
		log.Error("agent exited with error", "error", err)
		os.Exit(2)
	}

	log.Info("agent shutdown complete")
}

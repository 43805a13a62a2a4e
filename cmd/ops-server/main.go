package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/opswire/opswire/internal/catalog"
	"github.com/opswire/opswire/internal/clock"
	"github.com/opswire/opswire/internal/config"
	"github.com/opswire/opswire/internal/events"
	"github.com/opswire/opswire/internal/logging"
	"github.com/opswire/opswire/internal/notify"
	"github.com/opswire/opswire/internal/policy"
	"github.com/opswire/opswire/internal/server"
	"github.com/opswire/opswire/internal/web"
)

var version = "dev"

func main() {
	cfg, err := config.LoadServer(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	fmt.Println("ops-server " + version)
	fmt.Println("=============================================")
	fmt.Printf("OPS_TCP_PORT=%d\n", cfg.TCPPort)
	fmt.Printf("OPS_HTTP_PORT=%d\n", cfg.HTTPPort)
	fmt.Printf("OPS_CLIENT_TIMEOUT=%s\n", cfg.ClientTimeout)
	fmt.Printf("OPS_CLEANUP_INTERVAL=%s\n", cfg.CleanupInterval)
	fmt.Printf("OPS_MAX_CONNECTIONS=%d\n", cfg.MaxConnections)
	fmt.Printf("OPS_TCP_AUTH_ENABLED=%t\n", cfg.TCPAuthEnabled)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cats, err := catalog.Load(cfg.CatalogFile)
	if err != nil {
		log.Error("failed to load command catalog", "error", err)
		os.Exit(1)
	}

	// Build notification chain.
	var notifiers []notify.Notifier
	notifiers = append(notifiers, notify.NewLogNotifier(log))
	if cfg.NotifyWebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.NotifyWebhookURL, cfg.NotifyWebhookHeaders))
		log.Info("webhook notifications enabled", "url", cfg.NotifyWebhookURL)
	}
	if cfg.NotifyMQTTBroker != "" {
		notifiers = append(notifiers, notify.NewMQTT(cfg.NotifyMQTTBroker, cfg.NotifyMQTTTopic,
			cfg.NotifyMQTTClientID, cfg.NotifyMQTTUsername, cfg.NotifyMQTTPassword, cfg.NotifyMQTTQoS))
		log.Info("mqtt notifications enabled", "broker", cfg.NotifyMQTTBroker, "topic", cfg.NotifyMQTTTopic)
	}
	notifier := notify.NewMulti(log, notifiers...)

	clk := clock.Real{}
	bus := events.New()
	reg := server.NewRegistry(cfg.ClientTimeout, clk, bus, log)
	store := server.NewCompletionStore(cfg.HistoryLimit, cfg.ResultTTL, clk, log)

	// Pump bus events into the notification chain.
	evts, unsubscribe := bus.Subscribe()
	defer unsubscribe()
	go func() {
		for evt := range evts {
			notifier.Notify(ctx, evt)
		}
	}()

	tcp := server.New(cfg, reg, store, bus, clk, log)
	if err := tcp.Start(ctx); err != nil {
		log.Error("failed to start tcp listener", "error", err)
		os.Exit(2)
	}

	janitor := server.NewJanitor(cfg.CleanupInterval, reg, store, clk, cfg.MetricsTextfile, log)
	janitor.Start()

	validator := policy.NewValidator(policy.Rules{
		ScriptDirs:       cfg.AllowedScriptDirs,
		ScriptExtensions: cfg.AllowedScriptExtensions,
	})
	srv := web.NewServer(web.Dependencies{
		Agents:  reg,
		Store:   store,
		Policy:  validator,
		Catalog: cats,
		Bus:     bus,
		Clk:     clk,
		Log:     log,
	}, cfg.AuthToken)

	webErr := make(chan error, 1)
	go func() {
		addr := net.JoinHostPort(cfg.HTTPBindAddr, strconv.Itoa(cfg.HTTPPort))
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			webErr <- err
		}
	}()

	log.Info("ops-server started", "version", version, "tcp_addr", tcp.Addr().String())

	select {
	case <-ctx.Done():
	case err := <-webErr:
		log.Error("http server error", "error", err)
		os.Exit(2)
	}

	log.Info("shutting down")
	_ = srv.Shutdown(context.Background())
	janitor.Stop()
	tcp.Stop()
	log.Info("shutdown complete")
}

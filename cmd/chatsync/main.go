// Command chatsync runs the offline-first sync engine as a local daemon.
// It opens the durable store, connects to the chat server, keeps the action
// queue flowing and serves the control API for the UI.
//
// Usage:
//
//	chatsync [--config path/to/config.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/snehjoshi/chatsync/internal/backoff"
	"github.com/snehjoshi/chatsync/internal/config"
	"github.com/snehjoshi/chatsync/internal/connection"
	"github.com/snehjoshi/chatsync/internal/device"
	"github.com/snehjoshi/chatsync/internal/events"
	"github.com/snehjoshi/chatsync/internal/handlers"
	"github.com/snehjoshi/chatsync/internal/logging"
	"github.com/snehjoshi/chatsync/internal/metrics"
	"github.com/snehjoshi/chatsync/internal/orchestrator"
	"github.com/snehjoshi/chatsync/internal/storage/backend"
	"github.com/snehjoshi/chatsync/internal/store"
	"github.com/snehjoshi/chatsync/internal/tracker"
	transphttp "github.com/snehjoshi/chatsync/internal/transport/http"
	transportws "github.com/snehjoshi/chatsync/internal/transport/websocket"
	"github.com/snehjoshi/chatsync/pkg/client"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chatsync: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Logger ────────────────────────────────────────────────────────────
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	// ── 3. Device identity ───────────────────────────────────────────────────
	dev, err := device.New(cfg.Device.DataDir, cfg.Device.ID)
	if err != nil {
		return fmt.Errorf("init device: %w", err)
	}
	log.Info("chatsync starting",
		zap.String("version", version),
		zap.String("device_id", string(dev.ID())),
		zap.String("data_dir", dev.DataDir()),
		zap.String("backend", string(cfg.Storage.Backend)),
		zap.String("server", cfg.Server.URL),
	)

	// ── 4. Durable store ─────────────────────────────────────────────────────
	eng, err := backend.Open(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			log.Warn("store close", zap.Error(err))
		}
	}()
	st := store.New(eng)

	tr, err := tracker.New(cfg.Device.DataDir)
	if err != nil {
		return fmt.Errorf("init tracker: %w", err)
	}

	reg := &metrics.Registry{}
	bus := events.NewBus(log.Named("events"))

	// ── 5. Chat server client + realtime transport ───────────────────────────
	token := func() string { return cfg.Server.Token }
	api := client.New(cfg.Server.URL,
		client.WithTokenSource(token),
		client.WithTimeout(cfg.Server.Timeout.D()),
	)

	sock := transportws.NewTransport(cfg.Server.SocketURL,
		transportws.WithTransportLogger(log.Named("transport")),
		transportws.WithSendRate(cfg.Server.SendRate, cfg.Server.SendBurst),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	probeAddr := cfg.Connection.ProbeAddress
	if probeAddr == "" {
		if probeAddr, err = connection.ProbeAddress(cfg.Server.URL); err != nil {
			return fmt.Errorf("derive probe address: %w", err)
		}
	}
	probe := connection.NewProbe(probeAddr, cfg.Connection.ProbeInterval.D(), log.Named("probe"))
	go probe.Run(ctx)

	conn := connection.NewManager(connection.Config{
		MaxRetries:                cfg.Connection.MaxRetries,
		Backoff:                   backoff.New(cfg.Connection.RetryBaseDelay.D(), cfg.Connection.RetryMaxDelay.D()),
		ReconnectOnNetworkRestore: cfg.Connection.ReconnectOnNetworkRestore,
	}, probe, sock,
		connection.WithLogger(log.Named("connection")),
		connection.WithBus(bus),
		connection.WithMetrics(reg),
		connection.WithToken(token),
	)
	conn.Start()
	defer func() { _ = conn.Close() }()

	// ── 6. Orchestrator ──────────────────────────────────────────────────────
	orch, err := orchestrator.New(orchestrator.ConfigFrom(cfg), st, tr,
		orchestrator.WithLogger(log.Named("sync")),
		orchestrator.WithBus(bus),
		orchestrator.WithMetrics(reg),
		orchestrator.WithFetcher(handlers.Fetcher{C: api}),
		orchestrator.WithConnectivity(conn),
	)
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}
	defer func() { _ = orch.Close() }()
	if err := handlers.Register(orch, api); err != nil {
		return err
	}
	orchestrator.SetDefault(orch)

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	if err := conn.Connect(ctx); err != nil {
		// Offline start is normal: the manager retries when the probe
		// reports the network back.
		log.Warn("initial connect", zap.Error(err))
	}

	// ── 7. Control API ───────────────────────────────────────────────────────
	if !cfg.API.Enabled {
		log.Info("chatsync ready", zap.Bool("api", false))
		<-ctx.Done()
		log.Info("shutting down")
		return nil
	}

	srv := transphttp.New(orch, cfg.API,
		transphttp.WithLogger(log.Named("api")),
		transphttp.WithMetrics(reg),
		transphttp.WithConnection(conn),
		transphttp.WithVersion(version),
	)
	addr := net.JoinHostPort(cfg.API.Host, strconv.Itoa(cfg.API.Port))

	serveErr := make(chan error, 1)
	go func() {
		log.Info("chatsync ready", zap.String("addr", addr))
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		} else {
			serveErr <- nil
		}
	}()

	// ── 8. Graceful shutdown on SIGINT / SIGTERM ─────────────────────────────
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("control api: %w", err)
		}
		return nil
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Warn("api shutdown", zap.Error(err))
	}
	log.Info("chatsync stopped")
	return nil
}

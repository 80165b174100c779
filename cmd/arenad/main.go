// arenad runs the arena game server: the TCP orchestrator plus LAN
// discovery, the monitoring API, MQTT telemetry, match history and the
// operator console.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/arena-project/arena/internal/api"
	"github.com/arena-project/arena/internal/bufpool"
	"github.com/arena-project/arena/internal/cli"
	"github.com/arena-project/arena/internal/config"
	"github.com/arena-project/arena/internal/db"
	"github.com/arena-project/arena/internal/events"
	"github.com/arena-project/arena/internal/health"
	"github.com/arena-project/arena/internal/network"
	"github.com/arena-project/arena/internal/scheduler"
	"github.com/arena-project/arena/internal/server"
	"github.com/arena-project/arena/internal/telemetry"
	"github.com/arena-project/arena/internal/util"
)

const (
	statusInterval = 5 * time.Second
	bindRetries    = 5

	Banner = `
    __ _ _ __ ___ _ __   __ _
   / _' | '__/ _ \ '_ \ / _' |
  | (_| | | |  __/ | | | (_| |
   \__,_|_|  \___|_| |_|\__,_|  v%s
`
)

func main() {
	configDir := flag.String("config", config.DefaultConfigDir, "configuration directory")
	setup := flag.Bool("setup", false, "run the interactive setup wizard before starting")
	noConsole := flag.Bool("no-console", false, "disable the interactive console")
	flag.Parse()

	fmt.Printf(Banner, config.Version)
	fmt.Println()

	if err := run(*configDir, *setup, !*noConsole); err != nil {
		fmt.Fprintf(os.Stderr, "arenad: %v\n", err)
		os.Exit(1)
	}
}

func run(configDir string, setup, console bool) error {
	bootCfg := util.DefaultLogConfig()
	bootCfg.App = "arenad"
	bootCfg.Directory = ""
	logger, _, err := util.InitLogger(bootCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info().
		Str("version", config.Version).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting arenad")

	cfg, err := config.Load(configDir, logger)
	if err != nil {
		return err
	}

	if setup {
		if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout, logger); err != nil {
			return fmt.Errorf("setup wizard failed: %w", err)
		}
	}

	app := cfg.GetApplicationData()
	logger, logCloser, err := util.InitLogger(util.LogConfig{
		App:        "arenad",
		Level:      app.Logging.Level,
		Directory:  app.Logging.Directory,
		MaxBackups: app.Logging.MaxBackups,
		Console:    app.Logging.Console,
	})
	if err != nil {
		return fmt.Errorf("failed to reconfigure logger: %w", err)
	}
	defer logCloser.Close()

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		logger.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			logger.Error().Str("field", e.Field).Msg(e.Message)
		}
		return fmt.Errorf("configuration validation failed, fix the errors above or run with -setup")
	}

	sysInfo := util.GetSystemInfo()
	logger.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	serverCfg := cfg.GetServerData()
	pool := bufpool.NewPool(serverCfg.PoolMaxBytes, logger)
	defer pool.Close()

	bus := events.NewEventBus(logger)
	defer bus.Stop()
	bus.Subscribe(events.EventShutdown, "main", func(_ context.Context, e events.Event) error {
		logger.Info().Str("source", e.Source).Msg("shutdown requested")
		cancel()
		return nil
	})

	var (
		store      *db.SessionStore
		apiHistory api.History
		cliHistory cli.History
		pruner     scheduler.Pruner
	)
	if app.Database.Enabled {
		store, err = db.NewSessionStore(app.Database.Path, logger)
		if err != nil {
			return fmt.Errorf("failed to open match history: %w", err)
		}
		defer store.Close()
		store.Subscribe(bus)
		apiHistory, cliHistory, pruner = store, store, store
	}

	srv := server.New(serverCfg, pool, bus, logger)
	if err := startWithRetry(ctx, logger, "game server", srv.Start, bindRetries); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Run(gctx)
	})

	g.Go(func() error {
		publishStatus(gctx, bus, srv)
		return nil
	})

	housekeeping := scheduler.NewScheduler(cfg, pruner, bus, logger)
	g.Go(func() error {
		housekeeping.Start(gctx)
		return nil
	})

	checks := health.NewManager(cfg, srv.Status, bus, logger)
	g.Go(func() error {
		checks.Start(gctx)
		return nil
	})

	if serverCfg.DiscoveryEnabled {
		responder := network.NewDiscoveryResponder(srv.DiscoveryInfo, logger)
		g.Go(func() error {
			if err := responder.Start(gctx, serverCfg.Address, uint16(serverCfg.DiscoveryPort)); err != nil {
				logger.Warn().Err(err).Msg("LAN discovery unavailable (non-fatal)")
			}
			return nil
		})
	}

	if app.API.Enabled {
		apiServer := api.NewServer(cfg, bus, srv, apiHistory, logger)
		g.Go(func() error {
			if err := startWithRetry(gctx, logger, "API server", apiServer.Start, bindRetries); err != nil {
				logger.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
			return nil
		})
	}

	if app.MQTT.Enabled {
		status := func() events.StatusPayload { return srv.Status().Payload() }
		mqttHandler, err := telemetry.NewMQTTHandler(app.MQTT, bus, status, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		} else {
			g.Go(func() error {
				if err := mqttHandler.Start(gctx); err != nil {
					logger.Warn().Err(err).Msg("MQTT telemetry failed (non-fatal)")
				}
				return nil
			})
		}
	}

	if console {
		operator := cli.NewCLI(cfg, bus, srv, cliHistory, os.Stdin, os.Stdout, logger)
		g.Go(func() error {
			operator.Start(gctx)
			return nil
		})
	}

	err = g.Wait()

	// Let in-flight handlers finish before the store closes.
	bus.Stop()
	logger.Info().Msg("arenad stopped")
	return err
}

// publishStatus emits a status heartbeat on the bus for the live feed.
func publishStatus(ctx context.Context, bus *events.EventBus, srv *server.GameServer) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bus.Emit(ctx, events.Event{
				Type:    events.EventServerStatus,
				Source:  "arenad",
				Payload: srv.Status().Payload(),
			})
		}
	}
}

// startWithRetry retries startFn on bind errors, three seconds apart, to
// ride out a previous instance still releasing its ports.
func startWithRetry(ctx context.Context, logger zerolog.Logger, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			logger.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}

// arenabot connects a scripted player to an arena server. It wanders the
// map, fires now and then and logs what it sees, which makes it handy for
// smoke-testing a server and for filling it with load.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/arena-project/arena/internal/bufpool"
	"github.com/arena-project/arena/internal/client"
	"github.com/arena-project/arena/internal/config"
	"github.com/arena-project/arena/internal/network"
	"github.com/arena-project/arena/internal/protocol"
	"github.com/arena-project/arena/internal/util"
)

const (
	tickInterval   = 16 * time.Millisecond
	steerInterval  = 750 * time.Millisecond
	rosterInterval = 10 * time.Second
	probeTimeout   = 2 * time.Second
	botSpeed       = 400
)

type options struct {
	configDir string
	address   string
	port      int
	nickname  string
	mapName   string
	discovery int
	probe     bool
	duration  time.Duration
	logLevel  string
}

func main() {
	var opts options
	flag.StringVar(&opts.configDir, "config", "", "configuration directory (defaults are used when empty)")
	flag.StringVar(&opts.address, "addr", "", "server address")
	flag.IntVar(&opts.port, "port", 0, "server port")
	flag.StringVar(&opts.nickname, "nick", "", "nickname")
	flag.StringVar(&opts.mapName, "map", "", "map name")
	flag.IntVar(&opts.discovery, "discovery-port", config.DefaultDiscoveryPort, "LAN discovery port")
	flag.BoolVar(&opts.probe, "probe", false, "ask the server for its map and game port before connecting")
	flag.DurationVar(&opts.duration, "duration", 0, "disconnect after this long (0 runs until interrupted)")
	flag.StringVar(&opts.logLevel, "log-level", "info", "log level")
	flag.Parse()

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "arenabot: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	logCfg := util.DefaultLogConfig()
	logCfg.App = "arenabot"
	logCfg.Level = opts.logLevel
	logCfg.Directory = ""
	logger, logCloser, err := util.InitLogger(logCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logCloser.Close()

	cfg := config.DefaultConfig()
	if opts.configDir != "" {
		if cfg, err = config.Load(opts.configDir, logger); err != nil {
			return err
		}
	}
	clientCfg := applyFlags(cfg.GetClientData(), opts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.duration > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, opts.duration)
		defer cancelTimeout()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if opts.probe {
		info, err := network.Probe(ctx, clientCfg.ServerAddress, uint16(opts.discovery), probeTimeout)
		if err != nil {
			return fmt.Errorf("discovery probe failed: %w", err)
		}
		logger.Info().
			Str("name", info.Name).
			Str("map", info.MapName).
			Uint8("players", info.Players).
			Uint8("max_players", info.MaxPlayers).
			Uint16("game_port", info.GamePort).
			Msg("server found")
		if info.Players >= info.MaxPlayers {
			logger.Warn().Msg("server reports full, connecting anyway")
		}
		clientCfg.ServerPort = int(info.GamePort)
		if opts.mapName == "" {
			clientCfg.MapName = info.MapName
		}
	}

	pool := bufpool.NewPool(clientCfg.PoolMaxBytes, logger)
	defer pool.Close()

	handler := client.HandlerFuncs{
		OnPacket: func(c *client.Client, p protocol.Packet) {
			logPacket(logger, c, p)
		},
		OnDisconnect: func(c *client.Client, err error) {
			ev := logger.Warn().Err(err)
			if code, ok := c.RejectReason(); ok {
				ev = ev.Str("reason", code.String())
			}
			ev.Msg("disconnected from server")
			cancel()
		},
	}

	bot := client.New(clientCfg, pool, handler, logger)
	if err := bot.Start(); err != nil {
		return err
	}
	logger.Info().
		Str("server", fmt.Sprintf("%s:%d", clientCfg.ServerAddress, clientCfg.ServerPort)).
		Str("nickname", clientCfg.Nickname).
		Str("map", clientCfg.MapName).
		Msg("bot started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return bot.Run(gctx, tickInterval)
	})
	g.Go(func() error {
		steer(gctx, bot, logger)
		return nil
	})
	err = g.Wait()

	kills, deaths := bot.Score()
	logger.Info().Uint32("kills", kills).Uint32("deaths", deaths).Msg("bot stopped")
	return err
}

func applyFlags(cfg config.ClientData, opts options) config.ClientData {
	if opts.address != "" {
		cfg.ServerAddress = opts.address
	}
	if opts.port != 0 {
		cfg.ServerPort = opts.port
	}
	if opts.nickname != "" {
		cfg.Nickname = opts.nickname
	}
	if opts.mapName != "" {
		cfg.MapName = opts.mapName
	}
	return cfg
}

// steer changes heading at random, shoots along it and respawns when dead.
func steer(ctx context.Context, bot *client.Client, logger zerolog.Logger) {
	steerTicker := time.NewTicker(steerInterval)
	defer steerTicker.Stop()
	rosterTicker := time.NewTicker(rosterInterval)
	defer rosterTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-rosterTicker.C:
			logRoster(logger, bot)
		case <-steerTicker.C:
			self, ok := bot.Self()
			if !ok {
				continue
			}
			if !self.Alive {
				if err := bot.Respawn(self.Location, self.Rotation); err != nil {
					logger.Debug().Err(err).Msg("respawn not sent")
				}
				continue
			}

			yaw := rand.Float32() * 360
			rot := protocol.Rotator{Yaw: yaw}
			vel := protocol.Vector{
				X: (rand.Float32()*2 - 1) * botSpeed,
				Y: (rand.Float32()*2 - 1) * botSpeed,
			}
			if err := bot.UpdateRotation(rot); err != nil {
				logger.Debug().Err(err).Msg("rotation not sent")
				continue
			}
			if err := bot.UpdateVelocity(vel); err != nil {
				logger.Debug().Err(err).Msg("velocity not sent")
				continue
			}
			if rand.Intn(4) == 0 {
				if err := bot.Shoot(self.Location, rot); err != nil {
					logger.Debug().Err(err).Msg("shot not sent")
				}
			}
		}
	}
}

func logPacket(logger zerolog.Logger, c *client.Client, p protocol.Packet) {
	switch v := p.(type) {
	case protocol.Death:
		if v.PlayerID == c.ID() {
			logger.Info().Uint16("killer", v.KillerID).Msg("killed")
		} else if v.KillerID == c.ID() {
			logger.Info().Uint16("victim", v.PlayerID).Msg("scored a kill")
		}
	case protocol.RoundRestart:
		logger.Info().Float32("round_time", v.RoundTime).Msg("round restarted")
	case protocol.RopeFailed:
		logger.Debug().Float32("cooldown", v.Cooldown).Msg("rope on cooldown")
	default:
		if e := logger.Trace(); e.Enabled() {
			e.Str("header", p.Header().String()).Msg("packet")
		}
	}
}

func logRoster(logger zerolog.Logger, bot *client.Client) {
	if !bot.IsIdentified() {
		logger.Info().Str("state", bot.State().String()).Msg("waiting for server")
		return
	}
	arr := zerolog.Arr()
	for _, p := range bot.Players() {
		arr.Dict(zerolog.Dict().
			Uint16("id", p.ID).
			Str("nickname", p.Nickname).
			Bool("alive", p.Alive).
			Uint32("kills", p.Kills).
			Uint32("deaths", p.Deaths))
	}
	logger.Info().Uint16("self", bot.ID()).Array("players", arr).Msg("roster")
}

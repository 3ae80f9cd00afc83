package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"gorm.io/gorm"

	"stake-arena/config"
	"stake-arena/database"
	"stake-arena/events"
	"stake-arena/handlers"
	"stake-arena/logger"
	"stake-arena/services"
	"stake-arena/utils"
	"stake-arena/vault"
	"stake-arena/workers"
)

const shutdownTimeout = 15 * time.Second

var Module = fx.Options(
	fx.Provide(config.Load),
	fx.Provide(logger.New),
	fx.Provide(provideDB),
	// vault
	fx.Provide(provideGateway),
	fx.Provide(provideCalculator),
	fx.Provide(provideArchive),
	// realtime
	fx.Provide(provideBus),
	fx.Provide(providePublisher),
	fx.Provide(provideRoundTimer),
	// svc
	fx.Provide(services.NewPayoutService),
	fx.Provide(services.NewUserService),
	fx.Provide(provideGame),
	fx.Provide(provideBracket),
	fx.Provide(services.NewLobbyService),
)

func provideDB(lc fx.Lifecycle, cfg *config.Config, log zerolog.Logger) (*gorm.DB, error) {
	db, err := database.Open(cfg.Database, log)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db); err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(func() error {
		return database.Close(db)
	}))
	return db, nil
}

func provideGateway(cfg *config.Config, log zerolog.Logger) vault.Gateway {
	v := cfg.Vault
	return vault.NewCustodyClient(v.BaseURL, v.Token, v.CustodyAddress, v.Timeout, log)
}

func provideCalculator(cfg *config.Config) vault.Calculator {
	return vault.NewCalculator(cfg.Vault.FeeBps, cfg.Vault.GasBuffer)
}

// provideArchive stores payout receipts in R2 when a bucket is configured.
func provideArchive(cfg *config.Config, log zerolog.Logger) (utils.Archive, error) {
	if !cfg.Receipts.Enabled() {
		log.Warn().Msg("R2 receipts not configured, payout receipts are not archived")
		return utils.NoopArchive{}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return utils.NewR2Archive(ctx, cfg.Receipts)
}

func provideBus() *events.Bus {
	return events.NewBus(256)
}

// providePublisher fans changes out to the SSE bus plus the optional Redis and AMQP mirrors.
func providePublisher(lc fx.Lifecycle, cfg *config.Config, bus *events.Bus, log zerolog.Logger) (events.Publisher, error) {
	sinks := []events.Sink{bus}

	if cfg.Redis.URL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rs, err := events.NewRedisSink(ctx, cfg.Redis.URL, cfg.Redis.ChannelPrefix)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.StopHook(rs.Close))
		sinks = append(sinks, rs)
	}

	if cfg.AMQP.URL != "" {
		as, err := events.NewAMQPSink(cfg.AMQP.URL, cfg.AMQP.Queue)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.StopHook(as.Close))
		sinks = append(sinks, as)
	}

	return events.NewMulti(log, sinks...), nil
}

func provideRoundTimer(lc fx.Lifecycle, log zerolog.Logger) (*workers.RoundTimer, error) {
	timer, err := workers.NewRoundTimer(log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			timer.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			return timer.Stop()
		},
	})
	return timer, nil
}

func provideGame(db *gorm.DB, cfg *config.Config, timer *workers.RoundTimer, payouts *services.PayoutService, pub events.Publisher, log zerolog.Logger) *services.GameService {
	return services.NewGameService(db, cfg.Game, timer, payouts, pub, log)
}

func provideBracket(db *gorm.DB, cfg *config.Config, game *services.GameService, payouts *services.PayoutService, log zerolog.Logger) *services.BracketService {
	bracket := services.NewBracketService(db, cfg.Game, game, payouts, log)
	game.SetBracketHandler(bracket)
	return bracket
}

func counted(run func(context.Context) (int, error)) func(context.Context) (int64, error) {
	return func(ctx context.Context) (int64, error) {
		n, err := run(ctx)
		return int64(n), err
	}
}

func runMaintenance(
	lc fx.Lifecycle,
	cfg *config.Config,
	game *services.GameService,
	bracket *services.BracketService,
	payouts *services.PayoutService,
	lobbies *services.LobbyService,
	log zerolog.Logger,
) error {
	m, err := workers.NewMaintenance(cfg.Maintenance.Interval, log,
		workers.Task{Name: "cleanup_stale_matches", Run: bracket.CleanupStaleMatches},
		workers.Task{Name: "recover_stalled_matches", Run: counted(game.RecoverStalledMatches)},
		workers.Task{Name: "recover_stalled_tournaments", Run: counted(bracket.RecoverStalledTournaments)},
		workers.Task{Name: "retry_failed_payouts", Run: counted(payouts.RetryFailed)},
		workers.Task{Name: "purge_closed_lobbies", Run: counted(lobbies.PurgeClosedLobbies)},
	)
	if err != nil {
		return err
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { return m.Start() },
		OnStop:  func(context.Context) error { return m.Stop() },
	})
	return nil
}

func runServer(
	lc fx.Lifecycle,
	cfg *config.Config,
	lobbies *services.LobbyService,
	game *services.GameService,
	bracket *services.BracketService,
	users *services.UserService,
	bus *events.Bus,
	log zerolog.Logger,
) {
	app := handlers.NewApp(handlers.AppConfig{
		GatewayToken:   cfg.GatewayToken,
		AllowedOrigins: cfg.AllowedOrigins,
	}, handlers.Services{
		Lobbies: lobbies,
		Game:    game,
		Bracket: bracket,
		Users:   users,
		Bus:     bus,
	}, log)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			n, err := game.RecoverOpenRounds(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				log.Info().Int("rounds", n).Msg("re-armed open rounds")
			}

			go func() {
				addr := ":" + cfg.Port
				log.Info().Str("addr", addr).Strs("origins", cfg.AllowedOrigins).Msg("server starting")
				if err := app.Listen(addr); err != nil {
					log.Fatal().Err(err).Msg("server failed")
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info().Msg("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()
			if err := app.ShutdownWithContext(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("server shutdown failed")
				return err
			}
			log.Info().Msg("server stopped gracefully")
			return nil
		},
	})
}

// fxLogger routes fx's own lifecycle output through zerolog.
type fxLogger struct {
	log zerolog.Logger
}

func (l *fxLogger) LogEvent(event fxevent.Event) {
	switch e := event.(type) {
	case *fxevent.OnStartExecuted:
		if e.Err != nil {
			l.log.Error().Err(e.Err).Str("callee", e.FunctionName).Msg("start hook failed")
		}
	case *fxevent.OnStopExecuted:
		if e.Err != nil {
			l.log.Error().Err(e.Err).Str("callee", e.FunctionName).Msg("stop hook failed")
		}
	case *fxevent.Invoked:
		if e.Err != nil {
			l.log.Error().Err(e.Err).Str("function", e.FunctionName).Msg("invoke failed")
		}
	case *fxevent.Started:
		if e.Err != nil {
			l.log.Error().Err(e.Err).Msg("start failed")
		} else {
			l.log.Info().Msg("started")
		}
	case *fxevent.Stopped:
		if e.Err != nil {
			l.log.Error().Err(e.Err).Msg("stop failed")
		}
	}
}

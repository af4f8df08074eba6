package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/hostwise/hostwise/internal/config"
	"github.com/hostwise/hostwise/internal/credential"
	"github.com/hostwise/hostwise/internal/db"
	"github.com/hostwise/hostwise/internal/dispatch"
	"github.com/hostwise/hostwise/internal/handlers"
	"github.com/hostwise/hostwise/internal/inbound"
	"github.com/hostwise/hostwise/internal/logger"
	"github.com/hostwise/hostwise/internal/protocol/local"
	"github.com/hostwise/hostwise/internal/server"
	"github.com/hostwise/hostwise/internal/session"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideStores,
			provideNetwork,
			provideSessionClient,
			provideAgent,
			provideInboundRouter,
			provideRegistry,
			provideDispatcher,
			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(provideAuthHandler),
			provideServerHandler(provideSessionHandler),
			provideServerHandler(provideMessageHandler),
			provideServerHandler(handlers.NewLocalNetworkHandler),
			provideServer,
		),
		fx.Invoke(
			startInboundRouter,
			startRegistry,
			startDispatcher,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return config.Config{}, err
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return config.Config{}, fmt.Errorf("auth.jwt_secret required in config")
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

// provideStores selects the credential and dead-letter backends. Postgres
// backs both; redis keeps credentials only, so dead letters stay in memory.
func provideStores(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (credential.Store, dispatch.DeadLetterStore, error) {
	switch cfg.Credentials.Backend {
	case "postgres", "":
		if err := db.Migrate(cfg.Postgres); err != nil {
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		pool, err := db.Open(context.Background(), cfg.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("db connect: %w", err)
		}
		lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { pool.Close(); return nil }})
		return credential.NewPostgresStore(pool), dispatch.NewPostgresDeadLetterStore(pool), nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			return nil, nil, fmt.Errorf("redis connect: %w", err)
		}
		lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return rdb.Close() }})
		return credential.NewRedisStore(rdb), dispatch.NewMemoryDeadLetterStore(), nil
	case "memory":
		log.Warn("credentials.backend is memory; pairing state is lost on restart")
		return credential.NewMemoryStore(), dispatch.NewMemoryDeadLetterStore(), nil
	default:
		return nil, nil, fmt.Errorf("unknown credentials backend: %s", cfg.Credentials.Backend)
	}
}

func provideNetwork(log *slog.Logger, cfg config.Config) (*local.Network, error) {
	if cfg.Session.Network != "" && cfg.Session.Network != "local" {
		return nil, fmt.Errorf("unknown session network: %s", cfg.Session.Network)
	}
	return local.NewNetwork(log), nil
}

func provideSessionClient(network *local.Network) session.Client { return network }

func provideAgent(log *slog.Logger, cfg config.Config) inbound.Agent {
	url := strings.TrimSpace(cfg.Agent.WebhookURL)
	if url == "" {
		log.Warn("agent.webhook_url not set; inbound messages are logged only")
		return &logAgent{log: log.With(slog.String("component", "agent"))}
	}
	return inbound.NewWebhookAgent(url, config.Duration(cfg.Agent.Timeout, 10*time.Second))
}

func provideInboundRouter(log *slog.Logger, agent inbound.Agent, cfg config.Config) *inbound.Router {
	return inbound.NewRouter(log, agent, inbound.Config{
		QueueSize:        cfg.Inbound.QueueSize,
		HandleTimeout:    config.Duration(cfg.Inbound.HandleTimeout, 0),
		BreakerThreshold: cfg.Inbound.BreakerThreshold,
		BreakerCooldown:  config.Duration(cfg.Inbound.BreakerCooldown, 0),
	})
}

func provideRegistry(log *slog.Logger, client session.Client, creds credential.Store, router *inbound.Router, cfg config.Config) *session.Registry {
	return session.NewRegistry(log, client, creds, router, session.Config{
		DialTimeout:          config.Duration(cfg.Session.DialTimeout, 0),
		PairingWindow:        config.Duration(cfg.Session.PairingWindow, 0),
		PairingMaxRefreshes:  cfg.Session.PairingMaxRefreshes,
		ReconnectBase:        config.Duration(cfg.Session.ReconnectBase, 0),
		ReconnectMax:         config.Duration(cfg.Session.ReconnectMax, 0),
		ReconnectMaxAttempts: cfg.Session.ReconnectMaxAttempts,
	})
}

func provideDispatcher(log *slog.Logger, registry *session.Registry, dead dispatch.DeadLetterStore, cfg config.Config) *dispatch.Dispatcher {
	return dispatch.NewDispatcher(log, registry, dead, dispatch.Policy{
		RetryMax:         cfg.Dispatch.RetryMax,
		RetryBackoff:     config.Duration(cfg.Dispatch.RetryBackoff, 0),
		MaxQueuedAge:     config.Duration(cfg.Dispatch.MaxQueuedAge, 0),
		PollInterval:     config.Duration(cfg.Dispatch.PollInterval, 0),
		QueueLimit:       cfg.Dispatch.QueueLimit,
		BreakerThreshold: cfg.Dispatch.BreakerThreshold,
		BreakerCooldown:  config.Duration(cfg.Dispatch.BreakerCooldown, 0),
	})
}

func provideAuthHandler(log *slog.Logger, cfg config.Config) *handlers.AuthHandler {
	return handlers.NewAuthHandler(log, cfg.Auth.JWTSecret, config.Duration(cfg.Auth.JWTExpiresIn, 24*time.Hour))
}

func provideSessionHandler(log *slog.Logger, registry *session.Registry) *handlers.SessionHandler {
	return handlers.NewSessionHandler(log, registry)
}

func provideMessageHandler(log *slog.Logger, dispatcher *dispatch.Dispatcher, dead dispatch.DeadLetterStore, router *inbound.Router) *handlers.MessageHandler {
	return handlers.NewMessageHandler(log, dispatcher, dead, router)
}

type serverParams struct {
	fx.In
	Logger   *slog.Logger
	Config   config.Config
	Handlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.New(params.Logger, params.Config.Server.Addr, params.Config.Auth.JWTSecret, params.Handlers)
}

func startInboundRouter(lc fx.Lifecycle, router *inbound.Router) {
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return router.Shutdown(ctx) }})
}

func startRegistry(lc fx.Lifecycle, registry *session.Registry) {
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return registry.Shutdown(ctx) }})
}

func startDispatcher(lc fx.Lifecycle, dispatcher *dispatch.Dispatcher) {
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return dispatcher.Shutdown(ctx) }})
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	fmt.Printf("Starting Hostwise %s\n", version)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}

// logAgent stands in when no webhook is configured so inbound traffic is
// still visible during development.
type logAgent struct {
	log *slog.Logger
}

func (a *logAgent) HandleInboundMessage(_ context.Context, tenantID string, msg session.MessageReceived) error {
	a.log.Info("inbound message",
		slog.String("tenant_id", tenantID),
		slog.String("sender", msg.Sender),
		slog.String("message_id", msg.MessageID),
	)
	return nil
}

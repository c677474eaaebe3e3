package main

import (
	"context"
	"fmt"
	"os"

	"github.com/loomline/loomline/pkg/cmd"
	"github.com/loomline/loomline/pkg/delegate"
	"github.com/loomline/loomline/pkg/janitor"
	"github.com/loomline/loomline/pkg/log"
	"github.com/loomline/loomline/pkg/otelhelper"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	logger := log.WithModule("engine")

	command := &cli.Command{
		Name:                  "loomline-engine",
		Usage:                 "Orchestrate resumable workflow executions",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the engine API on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider (kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for shared delegate token storage",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:     "runner-pool-url",
				Usage:    "Base URL of the delegate runner pool",
				Required: true,
				Sources:  cli.EnvVars("RUNNER_POOL_URL"),
			},
			&cli.StringFlag{
				Name:    "pool-token",
				Usage:   "Bearer token for the runner pool API",
				Sources: cli.EnvVars("RUNNER_POOL_TOKEN"),
			},
			&cli.StringFlag{
				Name:     "encryption-key",
				Usage:    "Hex-encoded 32-byte key for secrets at rest",
				Required: true,
				Sources:  cli.EnvVars("ENCRYPTION_KEY"),
			},
			&cli.StringFlag{
				Name:     "callback-base-url",
				Usage:    "Externally reachable base URL delegates call back to",
				Required: true,
				Sources:  cli.EnvVars("CALLBACK_BASE_URL"),
			},
			&cli.StringFlag{
				Name:    "source-control-token",
				Usage:   "Token handed to delegates of automation-originated runs",
				Sources: cli.EnvVars("SOURCE_CONTROL_TOKEN"),
			},
			&cli.DurationFlag{
				Name:    "token-ttl",
				Usage:   "Lifetime of delegate callback credentials",
				Value:   delegate.DefaultTokenTTL,
				Sources: cli.EnvVars("TOKEN_TTL"),
			},
			&cli.StringFlag{
				Name:    "janitor-schedule",
				Usage:   "Cron schedule for the cleanup sweep",
				Value:   janitor.DefaultSchedule,
				Sources: cli.EnvVars("JANITOR_SCHEDULE"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Enable OpenTelemetry tracing",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger.InfoContext(ctx, "Initializing Loomline engine")

			if command.Bool("tracing") {
				if _, err := otelhelper.NewTracer(ctx, "loomline-engine"); err != nil {
					return fmt.Errorf("failed to initialize tracer: %w", err)
				}
			}

			persistence := cmd.NewPersistence(ctx, logger, command.String("database-url"))

			defer func() {
				if err := persistence.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus := cmd.NewEventBus(command.String("event-bus"), logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			tokens := cmd.NewTokenStore(command.String("redis-url"), logger)
			provisioner := delegate.NewHTTPProvisioner(
				command.String("runner-pool-url"),
				command.String("pool-token"),
				logger,
			)

			api, err := NewAPI(logger, persistence, eventBus, tokens, provisioner, Config{
				CallbackBaseURL:    command.String("callback-base-url"),
				EncryptionKey:      command.String("encryption-key"),
				JanitorSchedule:    command.String("janitor-schedule"),
				TokenTTL:           command.Duration("token-ttl"),
				SourceControlToken: command.String("source-control-token"),
			})
			if err != nil {
				return err
			}

			return api.Start(ctx, command.Int("port"))
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
